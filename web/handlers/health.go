package handlers

import (
	"net/http"

	"github.com/scrypster/keepsake/internal/service"
)

// HealthHandlers serves the /api/health endpoints.
type HealthHandlers struct {
	svc     *service.MemoryService
	version string
}

// NewHealthHandlers creates handlers over a memory service.
func NewHealthHandlers(svc *service.MemoryService, version string) *HealthHandlers {
	return &HealthHandlers{svc: svc, version: version}
}

// Basic handles GET /api/health: a cheap liveness probe used by
// monitoring and client integrations. It never touches the database.
func (h *HealthHandlers) Basic(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
	})
}

// Detailed handles GET /api/health/detailed: backend connectivity,
// totals, database size, embedding model, uptime, and sync state.
func (h *HealthHandlers) Detailed(w http.ResponseWriter, r *http.Request) {
	result := h.svc.HealthCheck(r.Context())
	respond(w, result.Envelope, result, http.StatusOK)
}
