package handlers

import (
	"net/http"
	"time"

	"github.com/scrypster/keepsake/internal/service"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/internal/timeexpr"
	"github.com/scrypster/keepsake/pkg/types"
)

// SearchHandlers serves the /api/search endpoints.
type SearchHandlers struct {
	svc *service.MemoryService
}

// NewSearchHandlers creates handlers over a memory service.
func NewSearchHandlers(svc *service.MemoryService) *SearchHandlers {
	return &SearchHandlers{svc: svc}
}

type searchRequest struct {
	Query         string      `json:"query"`
	Limit         int         `json:"limit,omitempty"`
	Mode          string      `json:"mode,omitempty"`
	Tags          interface{} `json:"tags,omitempty"`
	TagMatch      string      `json:"tag_match,omitempty"`
	After         string      `json:"after,omitempty"`
	Before        string      `json:"before,omitempty"`
	QualityBoost  bool        `json:"quality_boost,omitempty"`
	QualityWeight float64     `json:"quality_weight,omitempty"`
}

// Search handles POST /api/search. The body mirrors the memory_search
// tool: semantic (default), exact, or hybrid mode, optional tag filter,
// natural-language time bounds, and opt-in quality boosting.
func (h *SearchHandlers) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}
	window, err := boundsWindow(req.After, req.Before)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	result := h.svc.Search(r.Context(), service.SearchRequest{
		Query:         req.Query,
		Limit:         req.Limit,
		Mode:          req.Mode,
		Tags:          req.Tags,
		TagMatch:      req.TagMatch,
		Window:        window,
		QualityBoost:  req.QualityBoost,
		QualityWeight: req.QualityWeight,
	})
	respond(w, result.Envelope, result, http.StatusOK)
}

type searchByTagRequest struct {
	Tags      interface{} `json:"tags"`
	Operation string      `json:"operation,omitempty"`
	TimeStart float64     `json:"time_start,omitempty"`
	TimeEnd   float64     `json:"time_end,omitempty"`
}

// ByTag handles POST /api/search/by-tag: exact tag match with AND/OR
// semantics and an optional explicit time window.
func (h *SearchHandlers) ByTag(w http.ResponseWriter, r *http.Request) {
	var req searchByTagRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}

	window := storage.TimeWindow{Start: req.TimeStart, End: req.TimeEnd}
	result := h.svc.SearchByTag(r.Context(), req.Tags, req.Operation, window)
	respond(w, result.Envelope, result, http.StatusOK)
}

type searchByTimeRequest struct {
	Query string `json:"query"`
	Tag   string `json:"tag,omitempty"`
}

// ByTime handles POST /api/search/by-time: memories created inside a
// natural-language window such as "yesterday" or "last week".
func (h *SearchHandlers) ByTime(w http.ResponseWriter, r *http.Request) {
	var req searchByTimeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}

	result := h.svc.SearchByTime(r.Context(), req.Query, req.Tag)
	respond(w, result.Envelope, result, http.StatusOK)
}

// boundsWindow resolves optional after/before time expressions into a
// creation-time window.
func boundsWindow(after, before string) (storage.TimeWindow, error) {
	var w storage.TimeWindow
	now := time.Now().UTC()
	if after != "" {
		t, err := timeexpr.Parse(after, now)
		if err != nil {
			return w, err
		}
		w.Start = types.UnixSeconds(t)
	}
	if before != "" {
		t, err := timeexpr.Parse(before, now)
		if err != nil {
			return w, err
		}
		w.End = types.UnixSeconds(t)
	}
	return w, nil
}
