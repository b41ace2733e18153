// Package api exposes the playback synchronization core over HTTP: token
// issuance, the SSE sync stream, state updates, and peer-join requests.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/lockstepd/lockstep/internal/metrics"
	"github.com/lockstepd/lockstep/internal/playsync"
	"github.com/lockstepd/lockstep/internal/security"
	"github.com/lockstepd/lockstep/internal/token"
)

// Uniform error bodies. Token failures are deliberately indistinguishable
// from malformed requests so callers learn nothing about why verification
// failed.
const (
	msgBadRequest = "Bad Request"
	msgNotFound   = "Session not found"
	msgForbidden  = "Forbidden"
	msgInternal   = "Internal Server Error"
)

// Dependencies holds everything the API handlers need.
type Dependencies struct {
	Registry *playsync.Registry
	Engine   *playsync.Engine
	// Codec is nil when no signing key is configured; token operations
	// then fail closed with 500.
	Codec       *token.Codec
	RateLimiter *security.RateLimiter // optional
	Metrics     *metrics.Metrics      // optional
	PushBuffer  int
	MaxBodySize int64
	StartTime   time.Time
}

// Handler routes the public HTTP surface.
type Handler struct {
	deps Dependencies
	mux  *http.ServeMux
}

// New creates the public API handler.
func New(deps Dependencies) *Handler {
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	h := &Handler{deps: deps, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /start", h.handleStart)
	h.mux.HandleFunc("GET /sync", h.handleSync)
	h.mux.HandleFunc("POST /update", h.handleUpdate)
	h.mux.HandleFunc("GET /request_join", h.handleRequestJoin)
	h.mux.HandleFunc("GET /status", h.handleStatus)
	return h
}

// ServeHTTP applies rate limiting, then dispatches.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if rl := h.deps.RateLimiter; rl != nil {
		if !rl.Allow(security.ClientIP(r.RemoteAddr)) {
			h.countRejection("rate_limited")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
	}
	h.mux.ServeHTTP(w, r)
}

// handleStart creates a session from the free-form initial state in the
// body and returns a signed token bound to it.
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.Codec == nil {
		h.countRejection("internal")
		http.Error(w, msgInternal, http.StatusInternalServerError)
		return
	}

	var initial playsync.State
	body := http.MaxBytesReader(w, r.Body, h.deps.MaxBodySize)
	if err := json.NewDecoder(body).Decode(&initial); err != nil {
		h.countRejection("bad_request")
		http.Error(w, msgBadRequest, http.StatusBadRequest)
		return
	}

	session := h.deps.Registry.Create(initial)
	signed, err := h.deps.Codec.Issue(session.ID)
	if err != nil {
		slog.Error("token signing failed", "session", session.ID, "error", err)
		h.countRejection("internal")
		http.Error(w, msgInternal, http.StatusInternalServerError)
		return
	}

	if m := h.deps.Metrics; m != nil {
		m.SessionsCreated.Inc()
	}
	slog.Info("session started", "session", session.ID)
	writeJSON(w, http.StatusOK, map[string]string{"token": signed})
}

// handleUpdate verifies the token and runs the broadcast engine.
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string         `json:"token"`
		Data     playsync.State `json:"data"`
		Force    bool           `json:"force"`
		ClientID int64          `json:"clientId"`
	}
	body := http.MaxBytesReader(w, r.Body, h.deps.MaxBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.countRejection("bad_request")
		http.Error(w, msgBadRequest, http.StatusBadRequest)
		return
	}

	session, ok := h.authenticate(w, req.Token)
	if !ok {
		return
	}

	merged, fo, err := h.deps.Engine.Update(session, req.Data, req.Force, req.ClientID)
	if err != nil {
		if errors.Is(err, playsync.ErrLocked) {
			h.countUpdate("locked")
			http.Error(w, msgForbidden, http.StatusForbidden)
			return
		}
		slog.Error("update failed", "session", session.ID, "error", err)
		h.countRejection("internal")
		http.Error(w, msgInternal, http.StatusInternalServerError)
		return
	}

	if m := h.deps.Metrics; m != nil {
		if req.Force {
			m.UpdatesTotal.WithLabelValues("forced").Inc()
		} else {
			m.UpdatesTotal.WithLabelValues("applied").Inc()
		}
		m.PushesTotal.Add(float64(fo.Pushed))
		m.FramesDropped.Add(float64(fo.Dropped))
	}
	writeJSON(w, http.StatusOK, merged)
}

// handleRequestJoin nudges a random existing peer to re-announce its
// position for the requesting client.
func (h *Handler) handleRequestJoin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID, err := strconv.ParseInt(q.Get("clientId"), 10, 64)
	if err != nil || clientID <= 0 {
		h.countRejection("bad_request")
		http.Error(w, msgBadRequest, http.StatusBadRequest)
		return
	}

	session, ok := h.authenticate(w, q.Get("token"))
	if !ok {
		return
	}

	nudged := h.deps.Engine.RequestJoin(session, clientID)
	if m := h.deps.Metrics; m != nil {
		if nudged {
			m.JoinRequests.WithLabelValues("nudged").Inc()
		} else {
			m.JoinRequests.WithLabelValues("no_peer").Inc()
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus is a lightweight listing of what the process is holding.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":    h.deps.Registry.SessionCount(),
		"connections": h.deps.Registry.ConnCount(),
		"uptime":      time.Since(h.deps.StartTime).Round(time.Second).String(),
	})
}

// authenticate verifies a token and resolves its session, writing the
// appropriate error response on failure.
func (h *Handler) authenticate(w http.ResponseWriter, tokenString string) (*playsync.Session, bool) {
	if h.deps.Codec == nil {
		h.countRejection("internal")
		http.Error(w, msgInternal, http.StatusInternalServerError)
		return nil, false
	}
	sessionID, err := h.deps.Codec.Verify(tokenString)
	if err != nil {
		h.countRejection("bad_token")
		http.Error(w, msgBadRequest, http.StatusBadRequest)
		return nil, false
	}
	session, ok := h.deps.Registry.Get(sessionID)
	if !ok {
		h.countRejection("not_found")
		http.Error(w, msgNotFound, http.StatusNotFound)
		return nil, false
	}
	return session, true
}

func (h *Handler) countRejection(reason string) {
	if m := h.deps.Metrics; m != nil {
		m.RejectedTotal.WithLabelValues(reason).Inc()
	}
}

func (h *Handler) countUpdate(outcome string) {
	if m := h.deps.Metrics; m != nil {
		m.UpdatesTotal.WithLabelValues(outcome).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}
