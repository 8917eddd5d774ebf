package trip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-orchestrator/internal/fare"
	"github.com/example/ride-orchestrator/internal/models"
	"github.com/example/ride-orchestrator/internal/payments"
	"github.com/example/ride-orchestrator/internal/settlement"
	"github.com/example/ride-orchestrator/internal/storage"
)

type fakeSettler struct {
	mu        sync.Mutex
	confirmed bool
	err       error
	calls     int
	last      *models.Trip
}

func (f *fakeSettler) Settle(t *models.Trip) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = t
	return f.confirmed, f.err
}

type capturePublisher struct {
	mu     sync.Mutex
	events []models.TripEvent
}

func (c *capturePublisher) Publish(evt models.TripEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *capturePublisher) types() []models.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.EventType, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func testEstimator() *fare.Estimator {
	return &fare.Estimator{BaseFare: 30, PerKmRate: 15, SurgeMultiplier: 1}
}

func newTestMachine(settler *fakeSettler) (*Machine, *capturePublisher) {
	pub := &capturePublisher{}
	m := NewMachine(storage.NewMemoryStore(), testEstimator(), settler, pub, nil)
	return m, pub
}

func acceptedTrip() *models.Trip {
	return &models.Trip{
		ID:            "trip-1",
		RiderID:       "rider-1",
		DriverID:      "driver-1",
		Status:        models.StatusAccepted,
		EstimatedFare: 90,
	}
}

func TestCreate_RequiresAcceptedState(t *testing.T) {
	m, _ := newTestMachine(&fakeSettler{})
	tr := acceptedTrip()
	tr.Status = models.StatusStarted
	if err := m.Create(tr); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestGet_ParticipantsOnly(t *testing.T) {
	m, _ := newTestMachine(&fakeSettler{})
	if err := m.Create(acceptedTrip()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Get("trip-1", "rider-1"); err != nil {
		t.Fatalf("rider get: %v", err)
	}
	if _, err := m.Get("trip-1", "driver-1"); err != nil {
		t.Fatalf("driver get: %v", err)
	}
	if _, err := m.Get("trip-1", "stranger"); !errors.Is(err, ErrUnauthorizedActor) {
		t.Fatalf("expected ErrUnauthorizedActor, got %v", err)
	}
}

func TestUpdateStatus_DriverOnlyForward(t *testing.T) {
	m, _ := newTestMachine(&fakeSettler{})
	if err := m.Create(acceptedTrip()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.UpdateStatus("trip-1", "rider-1", models.StatusDriverArrived, 0); !errors.Is(err, ErrUnauthorizedActor) {
		t.Fatalf("rider forward: expected ErrUnauthorizedActor, got %v", err)
	}
	if _, err := m.UpdateStatus("trip-1", "driver-1", models.StatusDriverArrived, 0); err != nil {
		t.Fatalf("driver forward: %v", err)
	}
}

func TestUpdateStatus_IllegalJumps(t *testing.T) {
	m, _ := newTestMachine(&fakeSettler{})
	if err := m.Create(acceptedTrip()); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, target := range []models.TripStatus{
		models.StatusStarted,        // skips DRIVER_ARRIVED
		models.StatusCompleted,      // skips two steps
		models.StatusAccepted,       // backwards
		models.StatusPaymentPending, // machine-internal
	} {
		if _, err := m.UpdateStatus("trip-1", "driver-1", target, 0); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("jump to %s: expected ErrInvalidTransition, got %v", target, err)
		}
	}
}

func TestCompletion_ConfirmedSettlement(t *testing.T) {
	settler := &fakeSettler{confirmed: true}
	m, pub := newTestMachine(settler)
	if err := m.Create(acceptedTrip()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.UpdateStatus("trip-1", "driver-1", models.StatusDriverArrived, 0); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if _, err := m.UpdateStatus("trip-1", "driver-1", models.StatusStarted, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr, err := m.UpdateStatus("trip-1", "driver-1", models.StatusCompleted, 4)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if tr.Status != models.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", tr.Status)
	}
	// 30 + 15*4 + no time fare at default per-minute rate
	if tr.FinalFare != 90 {
		t.Fatalf("expected final fare 90 for 4km, got %v", tr.FinalFare)
	}
	if settler.calls != 1 {
		t.Fatalf("expected one settle call, got %d", settler.calls)
	}
	if settler.last.Status != models.StatusPaymentPending {
		t.Fatalf("settler must see the trip in PAYMENT_PENDING, saw %s", settler.last.Status)
	}
	got := pub.types()
	want := []models.EventType{
		models.EventTripAccepted, models.EventDriverArrived, models.EventTripStarted,
		models.EventPaymentPending, models.EventTripCompleted,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestCompletion_NoDistanceFallsBackToAgreedFare(t *testing.T) {
	settler := &fakeSettler{confirmed: true}
	m, _ := newTestMachine(settler)
	if err := m.Create(acceptedTrip()); err != nil {
		t.Fatalf("create: %v", err)
	}
	m.UpdateStatus("trip-1", "driver-1", models.StatusDriverArrived, 0)
	m.UpdateStatus("trip-1", "driver-1", models.StatusStarted, 0)
	tr, err := m.UpdateStatus("trip-1", "driver-1", models.StatusCompleted, 0)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if tr.FinalFare != tr.EstimatedFare {
		t.Fatalf("expected fallback to agreed fare %v, got %v", tr.EstimatedFare, tr.FinalFare)
	}
}

func TestCompletion_PendingSettlementHoldsTrip(t *testing.T) {
	settler := &fakeSettler{confirmed: false} // retries in flight
	m, _ := newTestMachine(settler)
	if err := m.Create(acceptedTrip()); err != nil {
		t.Fatalf("create: %v", err)
	}
	m.UpdateStatus("trip-1", "driver-1", models.StatusDriverArrived, 0)
	m.UpdateStatus("trip-1", "driver-1", models.StatusStarted, 0)
	tr, err := m.UpdateStatus("trip-1", "driver-1", models.StatusCompleted, 4)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if tr.Status != models.StatusPaymentPending {
		t.Fatalf("expected PAYMENT_PENDING, got %s", tr.Status)
	}

	// PAYMENT_PENDING is not cancellable
	if _, err := m.Cancel("trip-1", "rider-1", models.ReasonRiderCancelled, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel in PAYMENT_PENDING: expected ErrInvalidTransition, got %v", err)
	}

	// late confirmation from the coordinator completes the trip
	m.HandleSettlementOutcome("trip-1", true, "")
	got, err := m.Get("trip-1", "rider-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected COMPLETED after outcome, got %s", got.Status)
	}
}

func lockCount(m *Machine) int {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	return len(m.locks)
}

func TestTerminalTripsReleaseLocks(t *testing.T) {
	m, _ := newTestMachine(&fakeSettler{confirmed: true})
	if err := m.Create(acceptedTrip()); err != nil {
		t.Fatalf("create: %v", err)
	}
	m.UpdateStatus("trip-1", "driver-1", models.StatusDriverArrived, 0)
	m.UpdateStatus("trip-1", "driver-1", models.StatusStarted, 0)
	if _, err := m.UpdateStatus("trip-1", "driver-1", models.StatusCompleted, 4); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if n := lockCount(m); n != 0 {
		t.Fatalf("completed trip left %d lock entries", n)
	}

	tr := acceptedTrip()
	tr.ID = "trip-2"
	if err := m.Create(tr); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Cancel("trip-2", "rider-1", models.ReasonRiderCancelled, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n := lockCount(m); n != 0 {
		t.Fatalf("cancelled trip left %d lock entries", n)
	}

	// ratings recreate an entry transiently and drop it again
	if _, err := m.Rate("trip-1", "rider-1", 5, ""); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if n := lockCount(m); n != 0 {
		t.Fatalf("rating left %d lock entries", n)
	}
}

func TestListForUser(t *testing.T) {
	m, _ := newTestMachine(&fakeSettler{confirmed: true})
	first := acceptedTrip()
	second := acceptedTrip()
	second.ID = "trip-2"
	second.RiderID = "rider-2"
	second.RequestedAt = first.RequestedAt.Add(time.Minute)
	for _, tr := range []*models.Trip{first, second} {
		if err := m.Create(tr); err != nil {
			t.Fatalf("create %s: %v", tr.ID, err)
		}
	}

	trips, err := m.ListForUser("driver-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trips) != 2 {
		t.Fatalf("driver sees %d trips, want 2", len(trips))
	}
	if trips[0].ID != "trip-2" {
		t.Fatalf("expected newest first, got %s", trips[0].ID)
	}

	trips, err = m.ListForUser("rider-2")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trips) != 1 || trips[0].ID != "trip-2" {
		t.Fatalf("rider-2 sees %v", trips)
	}
	trips, _ = m.ListForUser("stranger")
	if len(trips) != 0 {
		t.Fatalf("stranger sees %d trips", len(trips))
	}
}

// flakyProvider fails the first debit attempts transiently, then settles.
type flakyProvider struct {
	mu         sync.Mutex
	debitFails int
	debits     int
}

func (p *flakyProvider) Debit(ctx context.Context, userID string, amount float64, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.debits++
	if p.debits <= p.debitFails {
		return "", payments.ErrUnavailable
	}
	return "tx-debit", nil
}

func (p *flakyProvider) Credit(ctx context.Context, userID string, amount float64, key string) (string, error) {
	return "tx-credit", nil
}

// Debit fails twice, succeeds on the third attempt: the trip sits in
// PAYMENT_PENDING through the retries and completes only once the
// settlement confirms.
func TestCompletion_BackgroundSettlementConfirmsLater(t *testing.T) {
	store := storage.NewMemoryStore()
	provider := &flakyProvider{debitFails: 2}
	coordinator := settlement.New(store, provider, nil)
	coordinator.BaseDelay = time.Millisecond
	m := NewMachine(store, testEstimator(), coordinator, &capturePublisher{}, nil)
	coordinator.OnOutcome = m.HandleSettlementOutcome

	if err := m.Create(acceptedTrip()); err != nil {
		t.Fatalf("create: %v", err)
	}
	m.UpdateStatus("trip-1", "driver-1", models.StatusDriverArrived, 0)
	m.UpdateStatus("trip-1", "driver-1", models.StatusStarted, 0)
	tr, err := m.UpdateStatus("trip-1", "driver-1", models.StatusCompleted, 4)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if tr.Status != models.StatusPaymentPending {
		t.Fatalf("expected PAYMENT_PENDING while retries run, got %s", tr.Status)
	}

	coordinator.Wait()
	got, _ := m.Get("trip-1", "rider-1")
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected COMPLETED after third attempt, got %s", got.Status)
	}
	if provider.debits != 3 {
		t.Fatalf("expected 3 debit attempts, got %d", provider.debits)
	}
}

func TestHandleSettlementOutcome_FailureHoldsTrip(t *testing.T) {
	settler := &fakeSettler{confirmed: false}
	m, _ := newTestMachine(settler)
	if err := m.Create(acceptedTrip()); err != nil {
		t.Fatalf("create: %v", err)
	}
	m.UpdateStatus("trip-1", "driver-1", models.StatusDriverArrived, 0)
	m.UpdateStatus("trip-1", "driver-1", models.StatusStarted, 0)
	m.UpdateStatus("trip-1", "driver-1", models.StatusCompleted, 4)

	m.HandleSettlementOutcome("trip-1", false, "debit declined")
	got, _ := m.Get("trip-1", "rider-1")
	if got.Status != models.StatusPaymentPending {
		t.Fatalf("expected trip held in PAYMENT_PENDING, got %s", got.Status)
	}
}

func TestCancel_NoShowBeforeStart(t *testing.T) {
	settler := &fakeSettler{confirmed: true}
	m, pub := newTestMachine(settler)
	if err := m.Create(acceptedTrip()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.UpdateStatus("trip-1", "driver-1", models.StatusDriverArrived, 0); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	tr, err := m.Cancel("trip-1", "driver-1", models.ReasonNoShow, "waited 10 minutes")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if tr.Status != models.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", tr.Status)
	}
	if tr.CancelReason != models.ReasonNoShow {
		t.Fatalf("expected NO_SHOW reason, got %s", tr.CancelReason)
	}
	if settler.calls != 0 {
		t.Fatalf("cancelled trips must never settle, got %d calls", settler.calls)
	}
	types := pub.types()
	if types[len(types)-1] != models.EventTripCancelled {
		t.Fatalf("expected trip.cancelled event, got %v", types)
	}

	// terminal trips reject further transitions and cancels
	if _, err := m.UpdateStatus("trip-1", "driver-1", models.StatusStarted, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("forward after cancel: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := m.Cancel("trip-1", "rider-1", models.ReasonRiderCancelled, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double cancel: expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancel_UnknownReason(t *testing.T) {
	m, _ := newTestMachine(&fakeSettler{})
	if err := m.Create(acceptedTrip()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Cancel("trip-1", "rider-1", "FELT_LIKE_IT", ""); !errors.Is(err, ErrInvalidReason) {
		t.Fatalf("expected ErrInvalidReason, got %v", err)
	}
}

func TestRate_OncePerSideAfterCompletion(t *testing.T) {
	settler := &fakeSettler{confirmed: true}
	m, _ := newTestMachine(settler)
	if err := m.Create(acceptedTrip()); err != nil {
		t.Fatalf("create: %v", err)
	}

	// not completed yet
	if _, err := m.Rate("trip-1", "rider-1", 5, "great"); !errors.Is(err, ErrNotCompleted) {
		t.Fatalf("expected ErrNotCompleted, got %v", err)
	}

	m.UpdateStatus("trip-1", "driver-1", models.StatusDriverArrived, 0)
	m.UpdateStatus("trip-1", "driver-1", models.StatusStarted, 0)
	m.UpdateStatus("trip-1", "driver-1", models.StatusCompleted, 4)

	if _, err := m.Rate("trip-1", "rider-1", 6, ""); !errors.Is(err, ErrInvalidRating) {
		t.Fatalf("expected ErrInvalidRating, got %v", err)
	}
	tr, err := m.Rate("trip-1", "rider-1", 5, "smooth ride")
	if err != nil {
		t.Fatalf("rider rate: %v", err)
	}
	if tr.RiderRating != 5 {
		t.Fatalf("expected rider rating recorded, got %+v", tr)
	}
	if _, err := m.Rate("trip-1", "rider-1", 4, ""); !errors.Is(err, ErrAlreadyRated) {
		t.Fatalf("expected ErrAlreadyRated, got %v", err)
	}
	if _, err := m.Rate("trip-1", "driver-1", 4, ""); err != nil {
		t.Fatalf("driver rate: %v", err)
	}
	if _, err := m.Rate("trip-1", "stranger", 3, ""); !errors.Is(err, ErrUnauthorizedActor) {
		t.Fatalf("expected ErrUnauthorizedActor, got %v", err)
	}
}
