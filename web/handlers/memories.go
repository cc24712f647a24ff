package handlers

import (
	"net/http"

	"github.com/scrypster/keepsake/internal/service"
	"github.com/scrypster/keepsake/internal/storage"
)

// MemoryHandlers serves the /api/memories CRUD surface.
type MemoryHandlers struct {
	svc *service.MemoryService
}

// NewMemoryHandlers creates handlers over a memory service.
func NewMemoryHandlers(svc *service.MemoryService) *MemoryHandlers {
	return &MemoryHandlers{svc: svc}
}

type createMemoryRequest struct {
	Content        string                 `json:"content"`
	Tags           interface{}            `json:"tags,omitempty"`
	MemoryType     string                 `json:"memory_type,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	ClientHostname string                 `json:"client_hostname,omitempty"`
}

// Create handles POST /api/memories.
func (h *MemoryHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}

	result := h.svc.StoreMemory(r.Context(), service.StoreInput{
		Content:        req.Content,
		Tags:           req.Tags,
		MemoryType:     req.MemoryType,
		Metadata:       req.Metadata,
		ClientHostname: req.ClientHostname,
	})
	respond(w, result.Envelope, result, http.StatusCreated)
}

// List handles GET /api/memories with page/page_size/tag/memory_type
// query parameters.
func (h *MemoryHandlers) List(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{
		Page:       queryInt(r, "page", 1),
		PageSize:   queryInt(r, "page_size", 10),
		MemoryType: r.URL.Query().Get("memory_type"),
	}
	if tag := r.URL.Query().Get("tag"); tag != "" {
		opts.Tags = []string{tag}
	}

	result := h.svc.List(r.Context(), opts)
	respond(w, result.Envelope, result, http.StatusOK)
}

// Get handles GET /api/memories/{content_hash}.
func (h *MemoryHandlers) Get(w http.ResponseWriter, r *http.Request) {
	result := h.svc.GetByHash(r.Context(), r.PathValue("content_hash"))
	respond(w, result.Envelope, result, http.StatusOK)
}

// Delete handles DELETE /api/memories/{content_hash}.
func (h *MemoryHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	result := h.svc.Delete(r.Context(), service.DeleteRequest{
		ContentHash: r.PathValue("content_hash"),
	})
	respond(w, result.Envelope, result, http.StatusOK)
}

type updateMemoryRequest struct {
	Updates            map[string]interface{} `json:"updates"`
	PreserveTimestamps *bool                  `json:"preserve_timestamps,omitempty"`
}

// Update handles PATCH /api/memories/{content_hash}. Only tags, type,
// metadata, and quality fields are mutable.
func (h *MemoryHandlers) Update(w http.ResponseWriter, r *http.Request) {
	var req updateMemoryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}
	preserve := true
	if req.PreserveTimestamps != nil {
		preserve = *req.PreserveTimestamps
	}

	result := h.svc.UpdateMetadata(r.Context(), r.PathValue("content_hash"), req.Updates, preserve)
	respond(w, result.Envelope, result, http.StatusOK)
}
