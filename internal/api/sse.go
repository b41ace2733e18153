package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/lockstepd/lockstep/internal/playsync"
)

// handleSync opens the persistent server-push stream. The client gets an
// immediate snapshot of the session state tagged with its newly assigned
// connection id, then receives whatever the broadcast engine decides to
// push until it disconnects.
func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	session, ok := h.authenticate(w, r.URL.Query().Get("token"))
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.countRejection("internal")
		http.Error(w, msgInternal, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	handle := playsync.NewPushHandle(h.deps.PushBuffer)
	conn := h.deps.Engine.Attach(session, handle)
	if m := h.deps.Metrics; m != nil {
		m.StreamsTotal.Inc()
		m.StreamsActive.Inc()
		defer m.StreamsActive.Dec()
	}
	defer func() {
		handle.Close()
		session.Detach(conn.ID)
		slog.Info("sync stream closed", "session", session.ID, "conn", conn.ID)
	}()

	snapshot, err := h.deps.Engine.Snapshot(session, conn.ID)
	if err != nil {
		slog.Error("snapshot marshal failed", "session", session.ID, "error", err)
		return
	}
	if err := writeFrame(w, playsync.Frame{Event: playsync.EventMessage, Data: snapshot}); err != nil {
		return
	}
	flusher.Flush()
	slog.Info("sync stream opened", "session", session.ID, "conn", conn.ID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			// transport close notification; the deferred detach runs now
			return
		case frame, open := <-handle.Frames():
			if !open {
				return
			}
			if err := writeFrame(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeFrame emits one server-sent event: an event line, a data line, and
// a blank terminator.
func writeFrame(w http.ResponseWriter, f playsync.Frame) error {
	data := f.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, data)
	return err
}
