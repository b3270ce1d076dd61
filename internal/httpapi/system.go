package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/health"
)

// SystemHandler serves the liveness and readiness probes.
type SystemHandler struct {
	ready  *health.Registry
	logger *zap.Logger
}

// NewSystemHandler constructs a new handler.
func NewSystemHandler(ready *health.Registry, logger *zap.Logger) *SystemHandler {
	return &SystemHandler{ready: ready, logger: logger}
}

// RegisterRoutes registers the probe endpoints on the given mux.
func (h *SystemHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
}

func (h *SystemHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "api"})
}

func (h *SystemHandler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	checks, ready := h.ready.Ready(r.Context())
	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": checks,
	})
}
