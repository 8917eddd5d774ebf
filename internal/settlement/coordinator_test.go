package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-orchestrator/internal/models"
	"github.com/example/ride-orchestrator/internal/payments"
	"github.com/example/ride-orchestrator/internal/storage"
)

// scriptedProvider returns the queued error for each call, then succeeds.
type scriptedProvider struct {
	mu         sync.Mutex
	debitErrs  []error
	creditErrs []error
	debits     []string // idempotency keys seen
	credits    []string
	amounts    []float64
}

func (p *scriptedProvider) Debit(ctx context.Context, userID string, amount float64, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.debits = append(p.debits, key)
	p.amounts = append(p.amounts, amount)
	if len(p.debitErrs) > 0 {
		err := p.debitErrs[0]
		p.debitErrs = p.debitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "tx-debit", nil
}

func (p *scriptedProvider) Credit(ctx context.Context, userID string, amount float64, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credits = append(p.credits, key)
	if len(p.creditErrs) > 0 {
		err := p.creditErrs[0]
		p.creditErrs = p.creditErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "tx-credit", nil
}

func pendingTrip() *models.Trip {
	return &models.Trip{
		ID:        "trip-1",
		RiderID:   "rider-1",
		DriverID:  "driver-1",
		Status:    models.StatusPaymentPending,
		FinalFare: 90,
	}
}

func newTestCoordinator(p payments.Provider) (*Coordinator, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	c := New(store, p, nil)
	c.BaseDelay = time.Millisecond
	return c, store
}

func TestSettle_BothLegsConfirmed(t *testing.T) {
	p := &scriptedProvider{}
	c, store := newTestCoordinator(p)

	confirmed, err := c.Settle(pendingTrip())
	if err != nil || !confirmed {
		t.Fatalf("expected confirmed settlement, got confirmed=%v err=%v", confirmed, err)
	}
	if len(p.debits) != 1 || p.debits[0] != "trip-1:DEBIT_RIDER" {
		t.Fatalf("unexpected debit keys: %v", p.debits)
	}
	if len(p.credits) != 1 || p.credits[0] != "trip-1:CREDIT_DRIVER" {
		t.Fatalf("unexpected credit keys: %v", p.credits)
	}
	if p.amounts[0] != 90 {
		t.Fatalf("expected debit of final fare 90, got %v", p.amounts[0])
	}
	recs, _ := store.SettlementsForTrip("trip-1")
	if len(recs) != 2 {
		t.Fatalf("expected 2 settlement records, got %d", len(recs))
	}
	for _, r := range recs {
		if r.Status != models.SettlementConfirmed {
			t.Fatalf("leg %s: expected CONFIRMED, got %s", r.Leg, r.Status)
		}
	}
	unresolved, _ := c.Unresolved()
	if len(unresolved) != 0 {
		t.Fatalf("expected nothing unresolved, got %d", len(unresolved))
	}
}

func TestSettle_AmountFallsBackToEstimate(t *testing.T) {
	p := &scriptedProvider{}
	c, _ := newTestCoordinator(p)
	tr := pendingTrip()
	tr.FinalFare = 0
	tr.EstimatedFare = 55
	if _, err := c.Settle(tr); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if p.amounts[0] != 55 {
		t.Fatalf("expected estimate 55 debited, got %v", p.amounts[0])
	}
}

func TestSettle_TransientDebitRetriesInBackground(t *testing.T) {
	p := &scriptedProvider{debitErrs: []error{payments.ErrUnavailable, payments.ErrUnavailable}}
	c, store := newTestCoordinator(p)

	var mu sync.Mutex
	var gotTrip string
	var gotConfirmed bool
	c.OnOutcome = func(tripID string, confirmed bool, reason string) {
		mu.Lock()
		defer mu.Unlock()
		gotTrip, gotConfirmed = tripID, confirmed
	}

	confirmed, err := c.Settle(pendingTrip())
	if err != nil || confirmed {
		t.Fatalf("expected pending background settlement, got confirmed=%v err=%v", confirmed, err)
	}
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	if gotTrip != "trip-1" || !gotConfirmed {
		t.Fatalf("expected confirmed outcome for trip-1, got trip=%q confirmed=%v", gotTrip, gotConfirmed)
	}
	if len(p.debits) != 3 {
		t.Fatalf("expected 3 debit attempts, got %d", len(p.debits))
	}
	recs, _ := store.SettlementsForTrip("trip-1")
	for _, r := range recs {
		if r.Status != models.SettlementConfirmed {
			t.Fatalf("leg %s: expected CONFIRMED, got %s", r.Leg, r.Status)
		}
	}
}

func TestSettle_DebitRetriesExhausted(t *testing.T) {
	p := &scriptedProvider{debitErrs: []error{payments.ErrUnavailable, payments.ErrUnavailable, payments.ErrUnavailable}}
	c, _ := newTestCoordinator(p)

	var mu sync.Mutex
	var gotConfirmed bool
	var gotReason string
	c.OnOutcome = func(tripID string, confirmed bool, reason string) {
		mu.Lock()
		defer mu.Unlock()
		gotConfirmed, gotReason = confirmed, reason
	}

	confirmed, err := c.Settle(pendingTrip())
	if err != nil || confirmed {
		t.Fatalf("expected background retries, got confirmed=%v err=%v", confirmed, err)
	}
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	if gotConfirmed {
		t.Fatalf("expected failed outcome")
	}
	if gotReason == "" {
		t.Fatalf("expected a reason for the failure")
	}
	if len(p.credits) != 0 {
		t.Fatalf("credit must never run before a confirmed debit, got %d calls", len(p.credits))
	}
	unresolved, _ := c.Unresolved()
	if len(unresolved) != 2 {
		t.Fatalf("expected both legs unresolved, got %d", len(unresolved))
	}
}

func TestSettle_PermanentDeclineFailsFast(t *testing.T) {
	p := &scriptedProvider{debitErrs: []error{payments.ErrDeclined}}
	c, store := newTestCoordinator(p)

	confirmed, err := c.Settle(pendingTrip())
	if confirmed || !errors.Is(err, ErrDebitFailed) {
		t.Fatalf("expected ErrDebitFailed, got confirmed=%v err=%v", confirmed, err)
	}
	if len(p.debits) != 1 {
		t.Fatalf("permanent decline must not retry, got %d attempts", len(p.debits))
	}
	recs, _ := store.SettlementsForTrip("trip-1")
	for _, r := range recs {
		if r.Leg == models.LegDebitRider && r.Status != models.SettlementFailed {
			t.Fatalf("expected debit FAILED, got %s", r.Status)
		}
	}
}

func TestSettle_PartialSettlementIsNotReversed(t *testing.T) {
	p := &scriptedProvider{creditErrs: []error{payments.ErrDeclined}}
	c, store := newTestCoordinator(p)

	confirmed, err := c.Settle(pendingTrip())
	if confirmed || !errors.Is(err, ErrPartiallySettled) {
		t.Fatalf("expected ErrPartiallySettled, got confirmed=%v err=%v", confirmed, err)
	}
	// exactly one debit and one credit attempt; the rider is never refunded
	if len(p.debits) != 1 || len(p.credits) != 1 {
		t.Fatalf("unexpected provider calls: debits=%d credits=%d", len(p.debits), len(p.credits))
	}
	recs, _ := store.SettlementsForTrip("trip-1")
	for _, r := range recs {
		switch r.Leg {
		case models.LegDebitRider:
			if r.Status != models.SettlementPartiallySettled {
				t.Fatalf("debit leg: expected PARTIALLY_SETTLED, got %s", r.Status)
			}
		case models.LegCreditDriver:
			if r.Status != models.SettlementFailed {
				t.Fatalf("credit leg: expected FAILED, got %s", r.Status)
			}
		}
	}
	unresolved, _ := c.Unresolved()
	if len(unresolved) != 2 {
		t.Fatalf("expected both legs flagged for reconciliation, got %d", len(unresolved))
	}
}

func TestSettle_TransientCreditRetriesInline(t *testing.T) {
	p := &scriptedProvider{creditErrs: []error{payments.ErrUnavailable, payments.ErrUnavailable}}
	c, _ := newTestCoordinator(p)

	confirmed, err := c.Settle(pendingTrip())
	if err != nil || !confirmed {
		t.Fatalf("expected inline credit retries to succeed, got confirmed=%v err=%v", confirmed, err)
	}
	if len(p.credits) != 3 {
		t.Fatalf("expected 3 credit attempts, got %d", len(p.credits))
	}
}
