package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/example/ride-orchestrator/internal/models"
)

func newTestRegistry() (*Registry, *time.Time) {
	r := New(10*time.Minute, nil)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, &now
}

func req(rider string) *models.RideRequest {
	return &models.RideRequest{
		RiderID: rider,
		Pickup:  models.Coord{Lat: 22.4596, Lon: 91.9678},
		Dropoff: models.Coord{Lat: 22.4601, Lon: 91.9685},
	}
}

func TestSubmitRejectsDuplicateActive(t *testing.T) {
	r, _ := newTestRegistry()
	if _, err := r.Submit(req("rider-1")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := r.Submit(req("rider-1")); !errors.Is(err, ErrDuplicateActiveRequest) {
		t.Fatalf("expected ErrDuplicateActiveRequest, got %v", err)
	}
	// a different rider is unaffected
	if _, err := r.Submit(req("rider-2")); err != nil {
		t.Fatalf("second rider submit: %v", err)
	}
}

func TestSubmitAppliesDefaultMaxWait(t *testing.T) {
	r, now := newTestRegistry()
	stored, err := r.Submit(req("rider-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !stored.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("expiry=%v want default +10m", stored.ExpiresAt)
	}

	withWait := req("rider-2")
	withWait.MaxWait = 3 * time.Minute
	stored, _ = r.Submit(withWait)
	if !stored.ExpiresAt.Equal(now.Add(3 * time.Minute)) {
		t.Fatalf("expiry=%v want +3m", stored.ExpiresAt)
	}
}

func TestSubmitClampsMaxWait(t *testing.T) {
	r, now := newTestRegistry()

	short := req("rider-1")
	short.MaxWait = time.Second
	stored, _ := r.Submit(short)
	if !stored.ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expiry=%v want clamp to +1m", stored.ExpiresAt)
	}

	long := req("rider-2")
	long.MaxWait = 6 * time.Hour
	stored, _ = r.Submit(long)
	if !stored.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expiry=%v want clamp to +1h", stored.ExpiresAt)
	}
}

func TestListActiveLazilyExpires(t *testing.T) {
	r, now := newTestRegistry()
	stored, _ := r.Submit(req("rider-1"))

	if got := r.ListActive(); len(got) != 1 {
		t.Fatalf("expected 1 active, got %d", len(got))
	}

	*now = now.Add(11 * time.Minute)
	if got := r.ListActive(); len(got) != 0 {
		t.Fatalf("expected 0 active after expiry, got %d", len(got))
	}
	got, err := r.Get(stored.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Active {
		t.Fatal("listing should have flipped the expired request inactive")
	}

	// rider may now submit again
	if _, err := r.Submit(req("rider-1")); err != nil {
		t.Fatalf("resubmit after expiry: %v", err)
	}
}

func TestRetireIsIdempotentAndFreesRider(t *testing.T) {
	r, _ := newTestRegistry()
	stored, _ := r.Submit(req("rider-1"))

	r.Retire(stored.ID)
	r.Retire(stored.ID)
	r.Retire("no-such-id")

	if r.Matchable(stored.ID) {
		t.Fatal("retired request should not be matchable")
	}
	if _, err := r.Submit(req("rider-1")); err != nil {
		t.Fatalf("submit after retire: %v", err)
	}
}

func TestReapSweepsExpired(t *testing.T) {
	r, now := newTestRegistry()
	r.Submit(req("rider-1"))
	r.Submit(req("rider-2"))

	*now = now.Add(time.Hour)
	if n := r.reap(); n != 2 {
		t.Fatalf("reaped %d, want 2", n)
	}
	if n := r.reap(); n != 0 {
		t.Fatalf("second reap reaped %d, want 0", n)
	}
}
