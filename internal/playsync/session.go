// Package playsync implements the playback synchronization core: the
// session registry, the per-session push-connection registry, and the
// broadcast engine with its force-lock and drift-threshold rules.
package playsync

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Session is one shared viewing context. All fields behind mu are owned by
// the session and mutated only through Registry/Engine methods, which take
// mu for the full read-merge-fanout sequence so updates observe each other
// atomically.
type Session struct {
	ID        string
	CreatedAt time.Time
	// UpdatedAt is set at creation and deliberately not refreshed on
	// merge; nothing reads it after creation today.
	UpdatedAt time.Time

	mu    sync.Mutex
	state State
	conns []*Conn
	// lastConnID is the most recently issued connection id, used to keep
	// millisecond-timestamp ids unique under same-millisecond attaches.
	lastConnID int64
}

// Registry owns the session map for the process lifetime. Sessions are
// never evicted; long-lived processes accumulate them unboundedly (known
// gap, kept to match the source semantics).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	clock    clockwork.Clock
}

// NewRegistry creates an empty session registry.
func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		clock:    clock,
	}
}

// Create allocates a session with a fresh unique id holding initial.
func (r *Registry) Create(initial State) *Session {
	now := r.clock.Now()
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		state:     initial,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	slog.Debug("session created", "session", s.ID)
	return s
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Exists reports whether a session with the given id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// SessionCount returns the number of registered sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ConnCount returns the total number of attached connections across all
// sessions.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, s := range r.sessions {
		total += s.ConnCount()
	}
	return total
}

// SessionInfo is a point-in-time listing entry for the status endpoint.
type SessionInfo struct {
	ID        string    `json:"id"`
	Clients   int       `json:"clients"`
	CreatedAt time.Time `json:"created_at"`
}

// List returns a snapshot of all registered sessions.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{
			ID:        s.ID,
			Clients:   s.ConnCount(),
			CreatedAt: s.CreatedAt,
		})
	}
	return out
}
