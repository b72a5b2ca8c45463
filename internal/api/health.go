package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger is satisfied by the archive repository.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	archive Pinger
	timeout time.Duration
}

// NewHealthHandler creates a health handler. archive may be nil when the
// archive is disabled.
func NewHealthHandler(archive Pinger) *HealthHandler {
	return &HealthHandler{archive: archive, timeout: 5 * time.Second}
}

// Health returns the health status of the API and its dependencies. An
// unreachable archive degrades the service but chat keeps working.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{
		"status":  "healthy",
		"archive": "disabled",
	}
	statusCode := http.StatusOK

	if h.archive != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()

		if err := h.archive.Ping(ctx); err != nil {
			slog.Error("Health check failed", "error", err)
			status["status"] = "degraded"
			status["archive"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			status["archive"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
