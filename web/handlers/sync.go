package handlers

import (
	"net/http"
	"strings"

	"github.com/scrypster/keepsake/internal/service"
)

// SyncHandlers serves the /api/sync endpoints. All of them 404 on
// backends without a sync service.
type SyncHandlers struct {
	svc *service.MemoryService
}

// NewSyncHandlers creates handlers over a memory service.
func NewSyncHandlers(svc *service.MemoryService) *SyncHandlers {
	return &SyncHandlers{svc: svc}
}

// Status handles GET /api/sync/status.
func (h *SyncHandlers) Status(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, "status")
}

// Pause handles POST /api/sync/pause.
func (h *SyncHandlers) Pause(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, "pause")
}

// Resume handles POST /api/sync/resume.
func (h *SyncHandlers) Resume(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, "resume")
}

// Force handles POST /api/sync/force: an on-demand drift check.
func (h *SyncHandlers) Force(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, "force")
}

func (h *SyncHandlers) run(w http.ResponseWriter, r *http.Request, op string) {
	result := h.svc.Sync(r.Context(), op)
	if !result.Success && strings.Contains(result.Error, "no sync service") {
		writeError(w, http.StatusNotFound, "NOT_FOUND", result.Error)
		return
	}
	respond(w, result.Envelope, result, http.StatusOK)
}
