package playsync

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultForceWindow is how long a force update locks out competing
// non-force updates.
const DefaultForceWindow = 1500 * time.Millisecond

// driftThresholdPct is the minimum gap, in percent of total duration,
// between a client's last reported position and a new position before the
// client is pushed the update. Clients advance locally between updates;
// re-pushing near-identical positions just causes spurious seeks.
const driftThresholdPct = 5.0

// ErrLocked reports that a non-force update was rejected by a fresh force
// lock.
var ErrLocked = errors.New("session is force-locked")

// Engine applies state updates to sessions and fans them out to attached
// connections.
type Engine struct {
	clock clockwork.Clock
	// windowMillis is atomic so a config reload can change it while
	// updates are in flight.
	windowMillis atomic.Int64
}

// NewEngine creates an engine. A nil clock means the real clock; a
// non-positive window means DefaultForceWindow.
func NewEngine(clock clockwork.Clock, window time.Duration) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	e := &Engine{clock: clock}
	e.SetForceWindow(window)
	return e
}

// SetForceWindow changes the force-lock window. Non-positive restores the
// default.
func (e *Engine) SetForceWindow(window time.Duration) {
	if window <= 0 {
		window = DefaultForceWindow
	}
	e.windowMillis.Store(window.Milliseconds())
}

// Fanout reports what happened during an update's broadcast pass.
type Fanout struct {
	Pushed  int // frames delivered to push buffers
	Dropped int // frames lost to full or closed buffers
}

// Update runs the full update sequence on a session: force-lock
// arbitration, merge, position bookkeeping, and per-connection fan-out.
// originID identifies the posting client's connection when known (zero
// otherwise). Returns the merged state and the fan-out outcome, or
// ErrLocked when rejected by an active force lock.
//
// The whole sequence runs under the session mutex, so concurrent updates
// serialize and each observes the previous one's merge.
func (e *Engine) Update(s *Session, patch State, force bool, originID int64) (State, Fanout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := e.clock.Now().UnixMilli()

	// Force-lock arbitration. A force update always wins and restarts the
	// window; a non-force update is rejected while the lock is fresh.
	if force {
		s.state.forceAt = now
	} else if s.state.forceAt != 0 {
		if now-s.state.forceAt > e.windowMillis.Load() {
			s.state.forceAt = 0
		} else {
			return State{}, Fanout{}, ErrLocked
		}
	}

	s.state.Merge(patch)

	var fo Fanout
	for _, c := range s.conns {
		if !force && !exceedsDrift(patch, c.lastKnown) {
			continue
		}
		payload, err := s.state.MarshalFor(c.ID)
		if err != nil {
			slog.Error("marshal state for push", "session", s.ID, "conn", c.ID, "error", err)
			continue
		}
		if c.handle.push(Frame{Event: EventMessage, Data: payload}) {
			fo.Pushed++
		} else {
			fo.Dropped++
			slog.Debug("push dropped", "session", s.ID, "conn", c.ID)
		}
	}

	// Record the originator's reported position after the fan-out pass so
	// this update's own drift was judged against its previous report (a
	// client that jumped more than the threshold still gets its echo).
	if originID != 0 && patch.Current != nil {
		for _, c := range s.conns {
			if c.ID == originID {
				c.lastKnown = *patch.Current
				break
			}
		}
	}

	return s.state.Clone(), fo, nil
}

// exceedsDrift reports whether the patch position is more than the drift
// threshold ahead of the client's last reported position. Without a
// positive length the percentage is undefined and the update is not
// pushed.
func exceedsDrift(patch State, lastKnown float64) bool {
	if patch.Current == nil || patch.Length == nil || *patch.Length <= 0 {
		return false
	}
	newPct := *patch.Current / *patch.Length * 100
	clientPct := lastKnown / *patch.Length * 100
	return newPct-clientPct > driftThresholdPct
}

// Attach registers a new push connection on the session, stamping its id
// from the engine clock.
func (e *Engine) Attach(s *Session, handle *PushHandle) *Conn {
	return s.Attach(e.clock.Now().UnixMilli(), handle)
}

// Snapshot returns the session's current state serialized for the given
// connection, the payload sent when a sync stream opens.
func (e *Engine) Snapshot(s *Session, connID int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.MarshalFor(connID)
}
