package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no websocket session for driver")

// WSSession is one connected driver app. Writes are serialized per
// connection; gorilla/websocket allows only one concurrent writer.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry tracks live driver sessions for request broadcasts.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[driverID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok {
		_ = s.conn.Close()
		delete(r.sessions, driverID)
	}
}

// Notify pushes a message to one driver. Failures drop the session; the
// client reconnects on its own.
func (r *WSRegistry) Notify(driverID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(v); err != nil {
		r.logger.Warn("ws send failed, dropping session", "driver_id", driverID, "error", err)
		r.Remove(driverID)
		return err
	}
	return nil
}

// Broadcast sends to each listed driver, best-effort.
func (r *WSRegistry) Broadcast(driverIDs []string, v any) {
	for _, id := range driverIDs {
		_ = r.Notify(id, v)
	}
}
