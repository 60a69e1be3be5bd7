package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/companion-lens/core/pkg/logger"
	"github.com/companion-lens/core/pkg/models/api"
)

// Pinger is a dependency whose reachability is part of the health answer
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Handler handles health check requests
type Handler struct {
	logger *logger.Logger
	checks map[string]Pinger
}

// NewHandler creates a new health handler. checks maps a name such as
// "store" to the dependency probed on every request.
func NewHandler(log *logger.Logger, checks map[string]Pinger) *Handler {
	return &Handler{
		logger: log,
		checks: checks,
	}
}

// HealthCheck handles the /health endpoint
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := api.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
	}
	statusCode := http.StatusOK

	if len(h.checks) > 0 {
		response.Checks = make(map[string]string, len(h.checks))
		for name, check := range h.checks {
			if err := check.Ping(ctx); err != nil {
				response.Checks[name] = err.Error()
				response.Status = "degraded"
				statusCode = http.StatusServiceUnavailable
				continue
			}
			response.Checks[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error().
			Err(err).
			Str("action", "health_check_failed").
			Str("endpoint", "/health").
			Msg("Failed to encode health response")
		return
	}

	h.logger.Debug().
		Str("action", "health_check").
		Str("endpoint", "/health").
		Str("method", r.Method).
		Str("remote_addr", r.RemoteAddr).
		Int("status_code", statusCode).
		Dur("duration", time.Since(start)).
		Msg("Health check completed")
}
