package dispatch

import (
	"log/slog"
	"sync"

	"github.com/example/mandado-dispatch/internal/models"
	"github.com/example/mandado-dispatch/internal/observability"
)

// Conn is the write side of a live connection. *websocket.Conn satisfies it;
// tests substitute fakes.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Session is one authenticated live connection. The mutex serializes writes
// so events published for one recipient arrive in publish order.
type Session struct {
	conn      Conn
	identity  models.Identity
	available bool
	mu        sync.Mutex
}

func (s *Session) Send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// Registry holds live sessions keyed by identity. Courier-role sessions form
// the broadcast group; everyone is reachable individually. Sessions are
// never persisted — a reconnect simply re-registers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byConn   map[Conn]string
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		byConn:   make(map[Conn]string),
		logger:   logger,
	}
}

// Register binds a connection to an identity. A second connection for the
// same identity supersedes the first; the stale one is closed rather than
// left to receive duplicates.
func (r *Registry) Register(conn Conn, identity models.Identity) {
	r.mu.Lock()
	old, had := r.sessions[identity.ID]
	r.sessions[identity.ID] = &Session{conn: conn, identity: identity, available: true}
	if had {
		delete(r.byConn, old.conn)
	}
	r.byConn[conn] = identity.ID
	r.mu.Unlock()

	if had {
		_ = old.conn.Close()
	} else {
		observability.SessionsConnected.Inc()
	}
	r.logger.Info("session registered", "identity", identity.ID, "role", identity.Role, "superseded", had)
}

// Unregister removes the binding for a connection. Safe to call repeatedly
// and for connections that were already superseded.
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	id, ok := r.byConn[conn]
	if ok {
		delete(r.byConn, conn)
		// only drop the session if this conn still owns it
		if s, live := r.sessions[id]; live && s.conn == conn {
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	if ok {
		observability.SessionsConnected.Dec()
		r.logger.Info("session unregistered", "identity", id)
	}
}

// SetAvailable gates a courier's membership in the broadcast group without
// dropping the connection; an unavailable courier still receives individual
// notifications about orders they already hold.
func (r *Registry) SetAvailable(identityID string, available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[identityID]; ok {
		s.available = available
	}
}

// BroadcastToCouriers delivers the event to every available courier session
// registered at time of call. Best effort: write failures are logged and
// counted, never propagated.
func (r *Registry) BroadcastToCouriers(ev models.Event) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.identity.Role == models.RoleCourier && s.available {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(ev); err != nil {
			observability.EventSendErrors.Inc()
			r.logger.Warn("broadcast send failed", "identity", s.identity.ID, "error", err)
			continue
		}
		observability.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	}
}

// NotifyIdentity delivers to a single identity's current connection.
// Returns false when the identity has no live session — an offline recipient
// is a normal outcome the caller must not treat as an error.
func (r *Registry) NotifyIdentity(identityID string, ev models.Event) bool {
	r.mu.RLock()
	s, ok := r.sessions[identityID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := s.Send(ev); err != nil {
		observability.EventSendErrors.Inc()
		r.logger.Warn("notify send failed", "identity", identityID, "error", err)
		return true // delivery was attempted
	}
	observability.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	return true
}

// Connected reports how many sessions are currently registered.
func (r *Registry) Connected() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
