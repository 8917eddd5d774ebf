package storage

import (
	"errors"
	"sort"
	"sync"

	"github.com/example/ride-orchestrator/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store defines persistence for trips and settlement records.
type Store interface {
	SaveTrip(t *models.Trip) error
	UpdateTrip(t *models.Trip) error
	GetTrip(id string) (*models.Trip, error)
	ListTripsForUser(userID string) ([]*models.Trip, error)

	SaveSettlement(rec *models.SettlementRecord) error
	UpdateSettlement(rec *models.SettlementRecord) error
	SettlementsForTrip(tripID string) ([]*models.SettlementRecord, error)
	ListUnresolvedSettlements() ([]*models.SettlementRecord, error)
}

type MemoryStore struct {
	mu          sync.RWMutex
	trips       map[string]*models.Trip
	settlements map[string][]*models.SettlementRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:       make(map[string]*models.Trip),
		settlements: make(map[string][]*models.SettlementRecord),
	}
}

func (m *MemoryStore) SaveTrip(t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) UpdateTrip(t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; !ok {
		return ErrNotFound
	}
	m.trips[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) GetTrip(id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// ListTripsForUser returns every trip the user took part in, on either side
// of the match, newest first.
func (m *MemoryStore) ListTripsForUser(userID string) ([]*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Trip
	for _, t := range m.trips {
		if t.RiderID == userID || t.DriverID == userID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return out, nil
}

func (m *MemoryStore) SaveSettlement(rec *models.SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.settlements[rec.TripID] = append(m.settlements[rec.TripID], &cp)
	return nil
}

func (m *MemoryStore) UpdateSettlement(rec *models.SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.settlements[rec.TripID] {
		if existing.Leg == rec.Leg {
			cp := *rec
			m.settlements[rec.TripID][i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) SettlementsForTrip(tripID string) ([]*models.SettlementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.settlements[tripID]
	out := make([]*models.SettlementRecord, len(recs))
	for i, r := range recs {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

// ListUnresolvedSettlements returns records still awaiting an operator or a
// retry: pending, failed and partially settled legs.
func (m *MemoryStore) ListUnresolvedSettlements() ([]*models.SettlementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SettlementRecord
	for _, recs := range m.settlements {
		for _, r := range recs {
			switch r.Status {
			case models.SettlementPending, models.SettlementFailed, models.SettlementPartiallySettled:
				cp := *r
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}
