package handlers

import (
	"net/http"

	"github.com/scrypster/keepsake/internal/quality"
	"github.com/scrypster/keepsake/internal/service"
)

// QualityHandlers serves the /api/quality endpoints.
type QualityHandlers struct {
	svc *service.MemoryService
}

// NewQualityHandlers creates handlers over a memory service.
func NewQualityHandlers(svc *service.MemoryService) *QualityHandlers {
	return &QualityHandlers{svc: svc}
}

// distributionResponse is the GET /api/quality/distribution shape.
type distributionResponse struct {
	service.Envelope
	Distribution []quality.DistributionBucket `json:"distribution"`
	ScoredCount  int                          `json:"scored_count"`
	TotalCount   int                          `json:"total_count"`
}

// Distribution handles GET /api/quality/distribution: the score histogram
// across every live memory.
func (h *QualityHandlers) Distribution(w http.ResponseWriter, r *http.Request) {
	analysis := h.svc.AnalyzeQuality(r.Context())
	respond(w, analysis.Envelope, distributionResponse{
		Envelope:     analysis.Envelope,
		Distribution: analysis.Distribution,
		ScoredCount:  analysis.ScoredCount,
		TotalCount:   analysis.TotalCount,
	}, http.StatusOK)
}

// trendsResponse is the GET /api/quality/trends shape.
type trendsResponse struct {
	service.Envelope
	Trends []quality.TrendPoint `json:"trends"`
}

// Trends handles GET /api/quality/trends: weekly average scores.
func (h *QualityHandlers) Trends(w http.ResponseWriter, r *http.Request) {
	analysis := h.svc.AnalyzeQuality(r.Context())
	respond(w, analysis.Envelope, trendsResponse{
		Envelope: analysis.Envelope,
		Trends:   analysis.Trends,
	}, http.StatusOK)
}

type rateRequest struct {
	Rating   float64 `json:"rating"`
	Feedback string  `json:"feedback,omitempty"`
}

// Rate handles POST /api/quality/memories/{content_hash}/rate.
func (h *QualityHandlers) Rate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}

	result := h.svc.Rate(r.Context(), r.PathValue("content_hash"), req.Rating, req.Feedback)
	respond(w, result.Envelope, result, http.StatusOK)
}

// Evaluate handles POST /api/quality/memories/{content_hash}/evaluate:
// recompute the score with the configured provider.
func (h *QualityHandlers) Evaluate(w http.ResponseWriter, r *http.Request) {
	result := h.svc.Evaluate(r.Context(), r.PathValue("content_hash"))
	respond(w, result.Envelope, result, http.StatusOK)
}
