package trip

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-orchestrator/internal/fare"
	"github.com/example/ride-orchestrator/internal/models"
	"github.com/example/ride-orchestrator/internal/observability"
	"github.com/example/ride-orchestrator/internal/storage"
)

var (
	ErrTripNotFound      = errors.New("trip not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnauthorizedActor = errors.New("actor not allowed to modify this trip")
	ErrInvalidReason     = errors.New("unknown cancellation reason")
	ErrNotCompleted      = errors.New("trip is not completed")
	ErrAlreadyRated      = errors.New("trip already rated by this actor")
	ErrInvalidRating     = errors.New("rating must be between 1 and 5")
)

// Settler runs the settlement for a completed trip. It must be detached
// from the caller's lifetime: once invoked it drives the settlement to a
// terminal outcome on its own. It returns confirmed=true when both legs
// settled synchronously; confirmed=false with nil error means retries are
// in flight and HandleSettlementOutcome will be called later.
type Settler interface {
	Settle(t *models.Trip) (confirmed bool, err error)
}

// Publisher receives lifecycle events. Implementations never block.
type Publisher interface {
	Publish(evt models.TripEvent)
}

// forward is the legal non-cancel transition table. PAYMENT_PENDING and
// COMPLETED are entered by the machine itself on the completion path.
var forward = map[models.TripStatus]models.TripStatus{
	models.StatusAccepted:      models.StatusDriverArrived,
	models.StatusDriverArrived: models.StatusStarted,
	models.StatusStarted:       models.StatusCompleted,
}

// Machine owns every trip from acceptance to its terminal state. Terminal
// trips are immutable apart from ratings.
type Machine struct {
	store     storage.Store
	estimator *fare.Estimator
	settler   Settler
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewMachine(store storage.Store, estimator *fare.Estimator, settler Settler, publisher Publisher, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:     store,
		estimator: estimator,
		settler:   settler,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Create registers a freshly matched trip. Only the arbiter calls this;
// ACCEPTED is the unique initial state.
func (m *Machine) Create(t *models.Trip) error {
	if t.Status != models.StatusAccepted {
		return fmt.Errorf("%w: trips start in %s", ErrInvalidTransition, models.StatusAccepted)
	}
	if err := m.store.SaveTrip(t.Clone()); err != nil {
		return err
	}
	observability.TripTransitions.WithLabelValues(string(models.StatusAccepted)).Inc()
	m.publish(t, models.EventTripAccepted, nil)
	return nil
}

// ListForUser returns the actor's trip history, newest first. Actors only
// ever see trips they took part in, so no further filtering is needed.
func (m *Machine) ListForUser(actorID string) ([]*models.Trip, error) {
	return m.store.ListTripsForUser(actorID)
}

// Get returns the trip to one of its participants.
func (m *Machine) Get(tripID, actorID string) (*models.Trip, error) {
	t, err := m.store.GetTrip(tripID)
	if err != nil {
		return nil, ErrTripNotFound
	}
	if t.RiderID != actorID && t.DriverID != actorID {
		return nil, ErrUnauthorizedActor
	}
	return t, nil
}

// UpdateStatus advances a trip along the success path. Only the assigned
// driver may move a trip forward. Completion recomputes the fare (against
// the reported actual distance when given), parks the trip in
// PAYMENT_PENDING and triggers settlement; the trip reaches COMPLETED only
// once settlement confirms.
func (m *Machine) UpdateStatus(tripID, actorID string, target models.TripStatus, actualDistanceKm float64) (*models.Trip, error) {
	lock := m.lockFor(tripID)
	lock.Lock()
	defer lock.Unlock()

	t, err := m.store.GetTrip(tripID)
	if err != nil {
		return nil, ErrTripNotFound
	}
	if t.RiderID != actorID && t.DriverID != actorID {
		return nil, ErrUnauthorizedActor
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("%w: trip is %s", ErrInvalidTransition, t.Status)
	}
	if forward[t.Status] != target {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, target)
	}
	if t.DriverID != actorID {
		return nil, fmt.Errorf("%w: only the driver advances the trip", ErrUnauthorizedActor)
	}

	now := m.now()
	switch target {
	case models.StatusDriverArrived:
		t.DriverArrivedAt = &now
		m.applyTransition(t, models.StatusDriverArrived, actorID, "")
		m.publish(t, models.EventDriverArrived, nil)

	case models.StatusStarted:
		t.StartedAt = &now
		m.applyTransition(t, models.StatusStarted, actorID, "")
		m.publish(t, models.EventTripStarted, nil)

	case models.StatusCompleted:
		if actualDistanceKm > 0 {
			b := m.estimator.EstimateForDistance(actualDistanceKm)
			t.FinalFare = b.TotalFare
			t.DistanceKm = b.DistanceKm
		} else {
			t.FinalFare = t.EstimatedFare
		}
		t.EndedAt = &now
		m.applyTransition(t, models.StatusPaymentPending, actorID, "awaiting settlement")
		m.publish(t, models.EventPaymentPending, map[string]any{"final_fare": t.FinalFare})

		confirmed, err := m.settler.Settle(t.Clone())
		switch {
		case confirmed:
			m.applyTransition(t, models.StatusCompleted, actorID, "settlement confirmed")
			m.publish(t, models.EventTripCompleted, map[string]any{"final_fare": t.FinalFare})
		case err != nil:
			m.logger.Warn("settlement not confirmed, trip held", "trip_id", t.ID, "error", err)
		default:
			m.logger.Info("settlement retrying in background", "trip_id", t.ID)
		}
	}

	if err := m.store.UpdateTrip(t); err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		m.dropLock(tripID)
	}
	return t.Clone(), nil
}

// Cancel terminates a non-terminal trip. Either participant may cancel;
// the reason must come from the fixed enumeration. Cancelled trips never
// enter settlement.
func (m *Machine) Cancel(tripID, actorID string, reason models.CancelReason, details string) (*models.Trip, error) {
	if !models.ValidCancelReason(reason) {
		return nil, ErrInvalidReason
	}

	lock := m.lockFor(tripID)
	lock.Lock()
	defer lock.Unlock()

	t, err := m.store.GetTrip(tripID)
	if err != nil {
		return nil, ErrTripNotFound
	}
	if t.RiderID != actorID && t.DriverID != actorID {
		return nil, ErrUnauthorizedActor
	}
	if t.Status.Terminal() || t.Status == models.StatusPaymentPending {
		return nil, fmt.Errorf("%w: cannot cancel a trip in %s", ErrInvalidTransition, t.Status)
	}

	now := m.now()
	t.CancelledAt = &now
	t.CancelReason = reason
	t.CancelDetails = details
	m.applyTransition(t, models.StatusCancelled, actorID, details)
	if err := m.store.UpdateTrip(t); err != nil {
		return nil, err
	}
	m.dropLock(tripID)
	m.publish(t, models.EventTripCancelled, map[string]any{"reason": string(reason)})
	m.logger.Info("trip cancelled", "trip_id", t.ID, "reason", reason, "by", actorID)
	return t.Clone(), nil
}

// Rate records a participant's rating of a completed trip; each side rates
// at most once.
func (m *Machine) Rate(tripID, actorID string, rating int, feedback string) (*models.Trip, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}

	lock := m.lockFor(tripID)
	lock.Lock()
	defer lock.Unlock()

	t, err := m.store.GetTrip(tripID)
	if err != nil {
		return nil, ErrTripNotFound
	}
	if t.Status != models.StatusCompleted {
		return nil, ErrNotCompleted
	}
	switch actorID {
	case t.RiderID:
		if t.RiderRating != 0 {
			return nil, ErrAlreadyRated
		}
		t.RiderRating = rating
		t.RiderFeedback = feedback
	case t.DriverID:
		if t.DriverRating != 0 {
			return nil, ErrAlreadyRated
		}
		t.DriverRating = rating
		t.DriverFeedback = feedback
	default:
		return nil, ErrUnauthorizedActor
	}
	if err := m.store.UpdateTrip(t); err != nil {
		return nil, err
	}
	m.dropLock(tripID)
	return t.Clone(), nil
}

// HandleSettlementOutcome is the coordinator's callback for settlements
// that resolved after the completion call returned.
func (m *Machine) HandleSettlementOutcome(tripID string, confirmed bool, reason string) {
	lock := m.lockFor(tripID)
	lock.Lock()
	defer lock.Unlock()

	t, err := m.store.GetTrip(tripID)
	if err != nil {
		m.logger.Error("settlement outcome for unknown trip", "trip_id", tripID)
		return
	}
	if t.Status != models.StatusPaymentPending {
		return
	}
	if !confirmed {
		// force-held in PAYMENT_PENDING pending manual intervention
		m.logger.Error("settlement failed permanently, trip held", "trip_id", tripID, "reason", reason)
		return
	}
	m.applyTransition(t, models.StatusCompleted, "settlement", "settlement confirmed")
	if err := m.store.UpdateTrip(t); err != nil {
		m.logger.Error("persisting settled trip", "trip_id", tripID, "error", err)
		return
	}
	m.dropLock(tripID)
	m.publish(t, models.EventTripCompleted, map[string]any{"final_fare": t.FinalFare})
}

func (m *Machine) applyTransition(t *models.Trip, to models.TripStatus, by, notes string) {
	t.History = append(t.History, models.StatusChange{
		From:      t.Status,
		To:        to,
		ChangedBy: by,
		ChangedAt: m.now(),
		Notes:     notes,
	})
	t.Status = to
	observability.TripTransitions.WithLabelValues(string(to)).Inc()
}

func (m *Machine) publish(t *models.Trip, typ models.EventType, payload map[string]any) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(models.TripEvent{
		TripID:    t.ID,
		Type:      typ,
		RiderID:   t.RiderID,
		DriverID:  t.DriverID,
		Payload:   payload,
		EmittedAt: m.now(),
	})
}

func (m *Machine) lockFor(tripID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[tripID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tripID] = l
	}
	return l
}

// dropLock removes a trip's mutex entry once the trip is terminal so the
// map stays bounded by in-flight trips. Terminal trips only see reads and
// ratings, and those re-check state against the store.
func (m *Machine) dropLock(tripID string) {
	m.locksMu.Lock()
	delete(m.locks, tripID)
	m.locksMu.Unlock()
}
