package arbiter

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-orchestrator/internal/models"
	"github.com/example/ride-orchestrator/internal/observability"
)

var (
	ErrRequestNotFound       = errors.New("ride request not found or expired")
	ErrOfferNotFound         = errors.New("offer not found")
	ErrOfferExpired          = errors.New("offer expired")
	ErrOfferAlreadyTaken     = errors.New("another offer already won this request")
	ErrRequestAlreadyMatched = errors.New("request already matched")
	ErrDuplicateOffer        = errors.New("driver already has an active offer on this request")
	ErrNotRequestOwner       = errors.New("only the requesting rider may accept an offer")
)

// Requests is the slice of the registry the arbiter needs.
type Requests interface {
	Get(id string) (*models.RideRequest, error)
	Matchable(id string) bool
	Retire(id string)
}

// TripCreator receives the single winning trip. It is invoked while the
// per-request lock is held, so trip creation is atomic with retirement of
// the request and its losing offers.
type TripCreator interface {
	Create(t *models.Trip) error
}

// Arbiter holds driver offers against open requests and arbitrates
// concurrent acceptance. Accept serializes per request id: accepts on
// different requests never contend, accepts on the same request race
// through a single mutex and exactly one wins.
type Arbiter struct {
	mu        sync.RWMutex
	offers    map[string]*models.DriverOffer
	byRequest map[string][]string

	reqLocksMu sync.Mutex
	reqLocks   map[string]*sync.Mutex

	requests    Requests
	trips       TripCreator
	offerWindow time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

func New(requests Requests, trips TripCreator, offerWindow time.Duration, logger *slog.Logger) *Arbiter {
	if offerWindow <= 0 {
		offerWindow = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		offers:      make(map[string]*models.DriverOffer),
		byRequest:   make(map[string][]string),
		reqLocks:    make(map[string]*sync.Mutex),
		requests:    requests,
		trips:       trips,
		offerWindow: offerWindow,
		now:         time.Now,
		logger:      logger,
	}
}

// MakeOffer registers a driver's bid against an open request. Zero fare
// defaults to the request's estimate.
func (a *Arbiter) MakeOffer(requestID, driverID string, fare float64, etaMinutes int) (*models.DriverOffer, error) {
	if !a.requests.Matchable(requestID) {
		return nil, ErrRequestNotFound
	}
	req, err := a.requests.Get(requestID)
	if err != nil {
		return nil, ErrRequestNotFound
	}
	if fare <= 0 {
		fare = req.EstimatedFare
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	for _, id := range a.byRequest[requestID] {
		o := a.offers[id]
		if o.DriverID == driverID && o.Active && o.ExpiresAt.After(now) {
			return nil, ErrDuplicateOffer
		}
	}

	offer := &models.DriverOffer{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		DriverID:    driverID,
		OfferedFare: fare,
		ETAMinutes:  etaMinutes,
		CreatedAt:   now,
		ExpiresAt:   now.Add(a.offerWindow),
		Active:      true,
	}
	a.offers[offer.ID] = offer
	a.byRequest[requestID] = append(a.byRequest[requestID], offer.ID)
	observability.OffersTotal.Inc()
	a.logger.Info("offer made", "offer_id", offer.ID, "request_id", requestID, "driver_id", driverID, "fare", fare)
	return cloneOffer(offer), nil
}

// OffersForRequest lists live offers, pruning expired ones as it goes.
func (a *Arbiter) OffersForRequest(requestID string) []*models.DriverOffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	out := make([]*models.DriverOffer, 0, len(a.byRequest[requestID]))
	for _, id := range a.byRequest[requestID] {
		o := a.offers[id]
		if !o.Active {
			continue
		}
		if !o.ExpiresAt.After(now) {
			o.Active = false
			continue
		}
		out = append(out, cloneOffer(o))
	}
	return out
}

// Accept is the single point of truth for match exclusivity. Exactly one
// accept per request succeeds; the winner's siblings and the parent request
// are retired and a trip is created in ACCEPTED, all under the request lock.
func (a *Arbiter) Accept(offerID, riderID string) (*models.Trip, error) {
	a.mu.RLock()
	offer, ok := a.offers[offerID]
	a.mu.RUnlock()
	if !ok {
		return nil, ErrOfferNotFound
	}
	requestID := offer.RequestID

	lock := a.lockFor(requestID)
	lock.Lock()
	defer lock.Unlock()

	req, err := a.requests.Get(requestID)
	if err != nil {
		return nil, ErrRequestNotFound
	}
	if req.RiderID != riderID {
		return nil, ErrNotRequestOwner
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if offer.Accepted {
		// replayed accept of the winner still reads as taken
		observability.MatchLosses.Inc()
		return nil, ErrOfferAlreadyTaken
	}
	for _, id := range a.byRequest[requestID] {
		if sib := a.offers[id]; sib.Accepted {
			observability.MatchLosses.Inc()
			return nil, ErrOfferAlreadyTaken
		}
	}
	if !req.Active {
		observability.MatchLosses.Inc()
		return nil, ErrRequestAlreadyMatched
	}
	if !offer.Active || !offer.ExpiresAt.After(now) {
		return nil, ErrOfferExpired
	}

	offer.Accepted = true
	for _, id := range a.byRequest[requestID] {
		if id != offerID {
			a.offers[id].Active = false
		}
	}
	offer.Active = false

	trip := &models.Trip{
		ID:            uuid.NewString(),
		RiderID:       req.RiderID,
		DriverID:      offer.DriverID,
		Pickup:        req.Pickup,
		PickupLabel:   req.PickupLabel,
		Dropoff:       req.Dropoff,
		DropoffLabel:  req.DropoffLabel,
		Status:        models.StatusAccepted,
		EstimatedFare: offer.OfferedFare,
		RequestedAt:   req.CreatedAt,
		AcceptedAt:    now,
		History: []models.StatusChange{
			{To: models.StatusAccepted, ChangedBy: riderID, ChangedAt: now},
		},
	}
	if err := a.trips.Create(trip); err != nil {
		// roll the claim back so another offer can still win
		offer.Accepted = false
		offer.Active = true
		for _, id := range a.byRequest[requestID] {
			a.offers[id].Active = a.offers[id].ExpiresAt.After(now)
		}
		return nil, err
	}
	a.requests.Retire(requestID)

	observability.MatchesTotal.Inc()
	a.releaseLock(requestID)
	a.logger.Info("offer accepted", "offer_id", offerID, "request_id", requestID, "trip_id", trip.ID, "driver_id", offer.DriverID)
	return trip, nil
}

func (a *Arbiter) lockFor(requestID string) *sync.Mutex {
	a.reqLocksMu.Lock()
	defer a.reqLocksMu.Unlock()
	l, ok := a.reqLocks[requestID]
	if !ok {
		l = &sync.Mutex{}
		a.reqLocks[requestID] = l
	}
	return l
}

// releaseLock drops the lock entry once a request is matched; late accepts
// allocate a fresh mutex and fail on the accepted-sibling check.
func (a *Arbiter) releaseLock(requestID string) {
	a.reqLocksMu.Lock()
	defer a.reqLocksMu.Unlock()
	delete(a.reqLocks, requestID)
}

func cloneOffer(o *models.DriverOffer) *models.DriverOffer {
	cp := *o
	return &cp
}
