package arbiter

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-orchestrator/internal/models"
	"github.com/example/ride-orchestrator/internal/registry"
)

type fakeTrips struct {
	mu      sync.Mutex
	created []*models.Trip
	fail    int // number of Create calls to fail before succeeding
	calls   int
}

func (f *fakeTrips) Create(t *models.Trip) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return errors.New("store down")
	}
	f.created = append(f.created, t)
	return nil
}

func newTestArbiter(t *testing.T, trips *fakeTrips) (*Arbiter, *registry.Registry, *models.RideRequest) {
	t.Helper()
	reg := registry.New(10*time.Minute, nil)
	req, err := reg.Submit(&models.RideRequest{
		RiderID:       "rider-1",
		Pickup:        models.Coord{Lat: 23.726, Lon: 90.389},
		PickupLabel:   "Curzon Hall",
		Dropoff:       models.Coord{Lat: 23.7266, Lon: 90.3899},
		DropoffLabel:  "TSC",
		EstimatedFare: 20.91,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return New(reg, trips, 2*time.Minute, nil), reg, req
}

func TestMakeOffer_UnknownRequest(t *testing.T) {
	a, _, _ := newTestArbiter(t, &fakeTrips{})
	if _, err := a.MakeOffer("nope", "d1", 25, 3); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestMakeOffer_ZeroFareDefaultsToEstimate(t *testing.T) {
	a, _, req := newTestArbiter(t, &fakeTrips{})
	offer, err := a.MakeOffer(req.ID, "d1", 0, 3)
	if err != nil {
		t.Fatalf("make offer: %v", err)
	}
	if offer.OfferedFare != req.EstimatedFare {
		t.Fatalf("expected fare %v, got %v", req.EstimatedFare, offer.OfferedFare)
	}
}

func TestMakeOffer_DuplicatePerDriver(t *testing.T) {
	a, _, req := newTestArbiter(t, &fakeTrips{})
	if _, err := a.MakeOffer(req.ID, "d1", 25, 3); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	if _, err := a.MakeOffer(req.ID, "d1", 30, 3); !errors.Is(err, ErrDuplicateOffer) {
		t.Fatalf("expected ErrDuplicateOffer, got %v", err)
	}
	// a different driver may still bid
	if _, err := a.MakeOffer(req.ID, "d2", 30, 5); err != nil {
		t.Fatalf("second driver offer: %v", err)
	}
}

func TestOffersForRequest_PrunesExpired(t *testing.T) {
	a, _, req := newTestArbiter(t, &fakeTrips{})
	if _, err := a.MakeOffer(req.ID, "d1", 25, 3); err != nil {
		t.Fatalf("make offer: %v", err)
	}
	now := time.Now()
	a.now = func() time.Time { return now.Add(3 * time.Minute) }
	if got := a.OffersForRequest(req.ID); len(got) != 0 {
		t.Fatalf("expected expired offers pruned, got %d", len(got))
	}
}

func TestAccept_OnlyRequestOwner(t *testing.T) {
	a, _, req := newTestArbiter(t, &fakeTrips{})
	offer, _ := a.MakeOffer(req.ID, "d1", 25, 3)
	if _, err := a.Accept(offer.ID, "rider-2"); !errors.Is(err, ErrNotRequestOwner) {
		t.Fatalf("expected ErrNotRequestOwner, got %v", err)
	}
}

func TestAccept_WinnerRetiresSiblingsAndRequest(t *testing.T) {
	trips := &fakeTrips{}
	a, reg, req := newTestArbiter(t, trips)
	winner, _ := a.MakeOffer(req.ID, "d1", 25, 3)
	loser, _ := a.MakeOffer(req.ID, "d2", 22, 6)

	trip, err := a.Accept(winner.ID, "rider-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if trip.Status != models.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", trip.Status)
	}
	if trip.DriverID != "d1" || trip.RiderID != "rider-1" {
		t.Fatalf("trip parties wrong: %+v", trip)
	}
	if trip.EstimatedFare != 25 {
		t.Fatalf("expected agreed fare 25, got %v", trip.EstimatedFare)
	}
	if len(trips.created) != 1 {
		t.Fatalf("expected one trip created, got %d", len(trips.created))
	}
	if reg.Matchable(req.ID) {
		t.Fatalf("request should be retired after match")
	}
	if got := a.OffersForRequest(req.ID); len(got) != 0 {
		t.Fatalf("expected all offers retired, got %d live", len(got))
	}

	if _, err := a.Accept(loser.ID, "rider-1"); !errors.Is(err, ErrOfferAlreadyTaken) {
		t.Fatalf("losing accept: expected ErrOfferAlreadyTaken, got %v", err)
	}
	if _, err := a.Accept(winner.ID, "rider-1"); !errors.Is(err, ErrOfferAlreadyTaken) {
		t.Fatalf("replayed accept: expected ErrOfferAlreadyTaken, got %v", err)
	}
}

func TestAccept_ExpiredOffer(t *testing.T) {
	a, _, req := newTestArbiter(t, &fakeTrips{})
	offer, _ := a.MakeOffer(req.ID, "d1", 25, 3)
	now := time.Now()
	a.now = func() time.Time { return now.Add(3 * time.Minute) }
	if _, err := a.Accept(offer.ID, "rider-1"); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("expected ErrOfferExpired, got %v", err)
	}
}

func TestAccept_RollsBackWhenTripCreationFails(t *testing.T) {
	trips := &fakeTrips{fail: 1}
	a, reg, req := newTestArbiter(t, trips)
	offer, _ := a.MakeOffer(req.ID, "d1", 25, 3)

	if _, err := a.Accept(offer.ID, "rider-1"); err == nil {
		t.Fatalf("expected create failure to surface")
	}
	if !reg.Matchable(req.ID) {
		t.Fatalf("request should still be open after rollback")
	}
	// the same offer can win once the store recovers
	trip, err := a.Accept(offer.ID, "rider-1")
	if err != nil {
		t.Fatalf("retry accept: %v", err)
	}
	if trip.DriverID != "d1" {
		t.Fatalf("unexpected winner: %s", trip.DriverID)
	}
}

func TestAccept_ConcurrentExactlyOneWinner(t *testing.T) {
	trips := &fakeTrips{}
	a, _, req := newTestArbiter(t, trips)

	const n = 16
	offers := make([]*models.DriverOffer, n)
	for i := 0; i < n; i++ {
		o, err := a.MakeOffer(req.ID, "driver-"+string(rune('a'+i)), 20+float64(i), 3)
		if err != nil {
			t.Fatalf("offer %d: %v", i, err)
		}
		offers[i] = o
	}

	var wg sync.WaitGroup
	results := make(chan error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := a.Accept(id, "rider-1")
			results <- err
		}(offers[i].ID)
	}
	close(start)
	wg.Wait()
	close(results)

	wins, losses := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrOfferAlreadyTaken), errors.Is(err, ErrRequestAlreadyMatched):
			losses++
		default:
			t.Fatalf("unexpected accept error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if losses != n-1 {
		t.Fatalf("expected %d losers, got %d", n-1, losses)
	}
	if len(trips.created) != 1 {
		t.Fatalf("expected one trip, got %d", len(trips.created))
	}
}
