package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/scrypster/keepsake/internal/service"
	"github.com/scrypster/keepsake/internal/storage"
)

// AnalyticsHandlers serves /api/stats and the /api/analytics endpoints.
// The time-series endpoints aggregate over storage-level timestamps, never
// over a sample.
type AnalyticsHandlers struct {
	svc   *service.MemoryService
	store storage.Storage
}

// NewAnalyticsHandlers creates handlers over a memory service and its
// backing store.
func NewAnalyticsHandlers(svc *service.MemoryService, store storage.Storage) *AnalyticsHandlers {
	return &AnalyticsHandlers{svc: svc, store: store}
}

// Stats handles GET /api/stats.
func (h *AnalyticsHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	result := h.svc.Stats(r.Context())
	respond(w, result.Envelope, result, http.StatusOK)
}

// dayCount is one day of a time series, labeled with an ISO date.
type dayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// seriesResponse is the shape of the activity and growth endpoints.
type seriesResponse struct {
	service.Envelope
	Days   int        `json:"days"`
	Series []dayCount `json:"series"`
}

// Activity handles GET /api/analytics/activity?days=N: memories created
// per day over the last N days (default 14).
func (h *AnalyticsHandlers) Activity(w http.ResponseWriter, r *http.Request) {
	days := clampDays(queryInt(r, "days", 14))
	series, err := h.dailyCreated(r, days, false)
	if err != nil {
		env := service.Fail(err)
		writeJSON(w, statusForEnvelope(env), seriesResponse{Envelope: env})
		return
	}
	writeJSON(w, http.StatusOK, seriesResponse{Envelope: service.OK(), Days: days, Series: series})
}

// MemoryGrowth handles GET /api/analytics/memory-growth?days=N: the
// cumulative memory count per day over the last N days (default 30).
// Memories created before the window seed the running total.
func (h *AnalyticsHandlers) MemoryGrowth(w http.ResponseWriter, r *http.Request) {
	days := clampDays(queryInt(r, "days", 30))
	series, err := h.dailyCreated(r, days, true)
	if err != nil {
		env := service.Fail(err)
		writeJSON(w, statusForEnvelope(env), seriesResponse{Envelope: env})
		return
	}
	writeJSON(w, http.StatusOK, seriesResponse{Envelope: service.OK(), Days: days, Series: series})
}

// dailyCreated buckets creation timestamps into UTC days. With cumulative
// set, each day carries the running total including pre-window memories.
func (h *AnalyticsHandlers) dailyCreated(r *http.Request, days int, cumulative bool) ([]dayCount, error) {
	stamps, err := h.store.GetMemoryTimestamps(r.Context())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	start := now.AddDate(0, 0, -(days - 1)).Truncate(24 * time.Hour)
	startUnix := float64(start.Unix())

	perDay := make(map[string]int)
	before := 0
	for _, s := range stamps {
		if s.CreatedAt < startUnix {
			before++
			continue
		}
		day := time.Unix(int64(s.CreatedAt), 0).UTC().Format("2006-01-02")
		perDay[day]++
	}

	series := make([]dayCount, 0, days)
	running := before
	for i := 0; i < days; i++ {
		day := start.AddDate(0, 0, i).Format("2006-01-02")
		count := perDay[day]
		if cumulative {
			running += count
			count = running
		}
		series = append(series, dayCount{Date: day, Count: count})
	}
	return series, nil
}

// tagUsage is one tag with its live-memory count.
type tagUsage struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// tagUsageResponse is the GET /api/analytics/tag-usage shape.
type tagUsageResponse struct {
	service.Envelope
	Tags  []tagUsage `json:"tags"`
	Total int        `json:"total"` // distinct live tags
}

// TagUsage handles GET /api/analytics/tag-usage?limit=N: the most-used
// tags across every live memory (default top 20). Counting pages through
// the full store.
func (h *AnalyticsHandlers) TagUsage(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	if limit <= 0 {
		limit = 20
	}

	counts := make(map[string]int)
	opts := storage.ListOptions{Page: 1, PageSize: 100}
	for {
		page, err := h.store.GetAll(r.Context(), opts)
		if err != nil {
			env := service.Fail(err)
			writeJSON(w, statusForEnvelope(env), tagUsageResponse{Envelope: env})
			return
		}
		for _, m := range page {
			for _, tag := range m.Tags {
				counts[tag]++
			}
		}
		if len(page) < opts.PageSize {
			break
		}
		opts.Page++
	}

	tags := make([]tagUsage, 0, len(counts))
	for tag, count := range counts {
		tags = append(tags, tagUsage{Tag: tag, Count: count})
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Count != tags[j].Count {
			return tags[i].Count > tags[j].Count
		}
		return tags[i].Tag < tags[j].Tag
	})
	total := len(tags)
	if len(tags) > limit {
		tags = tags[:limit]
	}

	writeJSON(w, http.StatusOK, tagUsageResponse{Envelope: service.OK(), Tags: tags, Total: total})
}

// clampDays bounds a requested window to something sane.
func clampDays(days int) int {
	if days < 1 {
		return 1
	}
	if days > 365 {
		return 365
	}
	return days
}
