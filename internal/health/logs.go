package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lockstepd/lockstep/internal/logring"
)

const defaultLogLimit = 100

// LogsHandler serves recent log records from the ring on the admin
// listener. Query params: limit (default 100), level (debug|info|warn|error).
func LogsHandler(ring *logring.Ring) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		limit := defaultLogLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 1000 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		minLevel := slog.LevelDebug
		if v := r.URL.Query().Get("level"); v != "" {
			switch v {
			case "debug":
				minLevel = slog.LevelDebug
			case "info":
				minLevel = slog.LevelInfo
			case "warn":
				minLevel = slog.LevelWarn
			case "error":
				minLevel = slog.LevelError
			default:
				http.Error(w, "invalid level", http.StatusBadRequest)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":   ring.Len(),
			"records": ring.Recent(limit, minLevel),
		})
	})
}
