package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-orchestrator/internal/models"
	"github.com/example/ride-orchestrator/internal/observability"
)

var (
	ErrDuplicateActiveRequest = errors.New("rider already has an active request")
	ErrRequestNotFound        = errors.New("ride request not found")
)

// Registry holds open ride requests until they expire or are retired by a
// match. Expiry is advisory-lazy: requests are flipped inactive when a
// listing observes them past their deadline, and the optional reaper does
// the same sweep on a timer so abandoned requests do not pile up.
type Registry struct {
	mu       sync.RWMutex
	requests map[string]*models.RideRequest
	byRider  map[string]string // rider id -> active request id

	defaultMaxWait time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

func New(defaultMaxWait time.Duration, logger *slog.Logger) *Registry {
	if defaultMaxWait <= 0 {
		defaultMaxWait = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		requests:       make(map[string]*models.RideRequest),
		byRider:        make(map[string]string),
		defaultMaxWait: defaultMaxWait,
		now:            time.Now,
		logger:         logger,
	}
}

// Submit stores a new request for the rider. The request's MaxWait bounds
// its lifetime; if unset the registry default applies.
func (r *Registry) Submit(req *models.RideRequest) (*models.RideRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if id, ok := r.byRider[req.RiderID]; ok {
		if prev, ok := r.requests[id]; ok && prev.Active && prev.ExpiresAt.After(now) {
			return nil, ErrDuplicateActiveRequest
		}
	}

	wait := req.MaxWait
	if wait <= 0 {
		wait = r.defaultMaxWait
	}
	// callers cannot pin a request open forever, or make it unmatchable
	if wait < time.Minute {
		wait = time.Minute
	} else if wait > time.Hour {
		wait = time.Hour
	}
	req.ID = uuid.NewString()
	req.MaxWait = wait
	req.CreatedAt = now
	req.ExpiresAt = now.Add(wait)
	req.Active = true

	r.requests[req.ID] = req
	r.byRider[req.RiderID] = req.ID
	observability.OpenRequests.Inc()
	r.logger.Info("ride request opened", "request_id", req.ID, "rider_id", req.RiderID, "expires_at", req.ExpiresAt)
	return snapshot(req), nil
}

// ListActive returns open unexpired requests, marking any expired ones
// inactive as a side effect.
func (r *Registry) ListActive() []*models.RideRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]*models.RideRequest, 0, len(r.requests))
	for _, req := range r.requests {
		if !req.Active {
			continue
		}
		if !req.ExpiresAt.After(now) {
			req.Active = false
			delete(r.byRider, req.RiderID)
			observability.OpenRequests.Dec()
			continue
		}
		out = append(out, snapshot(req))
	}
	return out
}

// Get returns the request regardless of its active flag.
func (r *Registry) Get(id string) (*models.RideRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return snapshot(req), nil
}

// Matchable reports whether the request can still take offers or a match.
// A request at its exact expiry instant is still matchable; the arbiter's
// accept path, not the registry clock, breaks that tie.
func (r *Registry) Matchable(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[id]
	return ok && req.Active && req.ExpiresAt.After(r.now())
}

// Retire idempotently deactivates a request. Unknown ids are a no-op.
func (r *Registry) Retire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok || !req.Active {
		return
	}
	req.Active = false
	delete(r.byRider, req.RiderID)
	observability.OpenRequests.Dec()
}

// RunReaper sweeps expired requests until ctx is done. Interval <= 0
// disables the sweep entirely; lazy expiry still applies.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.reap(); n > 0 {
				r.logger.Debug("reaped expired requests", "count", n)
			}
		}
	}
}

func (r *Registry) reap() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for _, req := range r.requests {
		if req.Active && !req.ExpiresAt.After(now) {
			req.Active = false
			delete(r.byRider, req.RiderID)
			observability.OpenRequests.Dec()
			n++
		}
	}
	return n
}

func snapshot(req *models.RideRequest) *models.RideRequest {
	cp := *req
	return &cp
}
