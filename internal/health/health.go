package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/lockstepd/lockstep/internal/playsync"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status      string   `json:"status"`
	Uptime      string   `json:"uptime"`
	Sessions    int      `json:"sessions"`
	Connections int      `json:"connections"`
	SigningKey  bool     `json:"signing_key"`
	Version     string   `json:"version,omitempty"`
	Timestamp   string   `json:"timestamp"`
	Details     *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	MemoryMB   float64 `json:"memory_mb"`
	Goroutines int     `json:"goroutines"`
}

// Handler serves the health check endpoint on the admin listener.
type Handler struct {
	startTime time.Time
	registry  *playsync.Registry
	version   string
	detailed  bool
	// keyConfigured distinguishes a fully working instance from one that
	// boots but fails every token operation closed.
	keyConfigured bool
}

// NewHandler creates a health check handler.
func NewHandler(registry *playsync.Registry, version string, detailed, keyConfigured bool) *Handler {
	return &Handler{
		startTime:     time.Now(),
		registry:      registry,
		version:       version,
		detailed:      detailed,
		keyConfigured: keyConfigured,
	}
}

// ServeHTTP handles health check requests. Sessions are never evicted, so
// the session count is also the best available signal for the documented
// unbounded-growth gap; operators alert on it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpCode := http.StatusOK
	if !h.keyConfigured {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:      status,
		Uptime:      time.Since(h.startTime).Round(time.Second).String(),
		Sessions:    h.registry.SessionCount(),
		Connections: h.registry.ConnCount(),
		SigningKey:  h.keyConfigured,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			MemoryMB:   float64(memStats.Alloc) / 1024 / 1024,
			Goroutines: runtime.NumGoroutine(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("write health response", "error", err)
	}
}
