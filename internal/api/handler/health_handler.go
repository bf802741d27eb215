package handler

import (
	"context"
	"net/http"
	"time"

	"code_exec_service/internal/common"

	"github.com/go-chi/chi/v5"
)

const serviceName = "Code Execution Service"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	store Pinger
}

func NewHealthHandler(store Pinger) *HealthHandler {
	return &HealthHandler{store: store}
}

func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.health)
	r.Get("/ready", h.ready)
}

func (h *HealthHandler) health(w http.ResponseWriter, r *http.Request) {
	common.RespondWithJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ready always answers 200; the body carries the verdict.
func (h *HealthHandler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		common.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "not ready: " + err.Error()})
		return
	}
	common.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Root describes the service.
func Root(w http.ResponseWriter, r *http.Request) {
	common.RespondWithJSON(w, http.StatusOK, map[string]any{
		"message": serviceName,
		"version": "1.0.0",
		"status":  "running",
		"features": []string{
			"Token Authentication",
			"Stateless Code Execution",
			"Real-time WebSocket Updates",
			"Third-party API Integration",
		},
	})
}
