package playsync

import (
	"log/slog"
	"sync"
)

// Events pushed on the sync stream.
const (
	EventMessage    = "message"
	EventClientJoin = "client_join"
)

// Frame is one server-to-client message queued on a push handle.
type Frame struct {
	Event string
	Data  []byte
}

// PushHandle is the capability for pushing frames to exactly one client.
// Sends are non-blocking: a client whose buffer is full loses the frame
// rather than stalling delivery to everyone else. The transport goroutine
// drains Frames and calls Close when the underlying stream goes away.
type PushHandle struct {
	frames chan Frame

	mu     sync.Mutex
	closed bool
}

// NewPushHandle creates a handle buffering up to size undelivered frames.
func NewPushHandle(size int) *PushHandle {
	if size <= 0 {
		size = 16
	}
	return &PushHandle{frames: make(chan Frame, size)}
}

// Frames is the delivery channel drained by the transport. It is closed
// when the handle is closed.
func (h *PushHandle) Frames() <-chan Frame {
	return h.frames
}

// Close marks the handle dead and closes the delivery channel. Idempotent.
func (h *PushHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.frames)
}

// Closed reports whether the handle has been closed.
func (h *PushHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// push enqueues a frame without blocking. Returns false if the handle is
// closed or the buffer is full (frame dropped).
func (h *PushHandle) push(f Frame) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	select {
	case h.frames <- f:
		return true
	default:
		return false
	}
}

// Conn is one client's live push channel attached to a session. lastKnown
// is the playback position the client most recently reported, the input to
// the drift filter.
type Conn struct {
	ID        int64
	lastKnown float64
	handle    *PushHandle
}

// Attach registers a new connection and returns it. The connection id is
// the attach time in unix milliseconds, bumped past the previous id when
// two attaches land in the same millisecond.
func (s *Session) Attach(nowMillis int64, handle *PushHandle) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := nowMillis
	if id <= s.lastConnID {
		id = s.lastConnID + 1
	}
	s.lastConnID = id

	c := &Conn{ID: id, handle: handle}
	s.conns = append(s.conns, c)
	slog.Debug("connection attached", "session", s.ID, "conn", id)
	return c
}

// Detach removes the connection with the given id. No-op if absent.
func (s *Session) Detach(connID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c.ID == connID {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			slog.Debug("connection detached", "session", s.ID, "conn", connID)
			return
		}
	}
}

// ConnCount returns the number of attached connections.
func (s *Session) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// pruneClosed drops connections whose push handle is already closed.
// Caller holds s.mu.
func (s *Session) pruneClosed() {
	live := s.conns[:0]
	for _, c := range s.conns {
		if !c.handle.Closed() {
			live = append(live, c)
		}
	}
	s.conns = live
}
