package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/keepsake/internal/service"
	"github.com/scrypster/keepsake/web/handlers"
)

// newTestRouter assembles the API routes the way internal/server does,
// over a service backed by the in-memory fake.
func newTestRouter(t *testing.T) (*http.ServeMux, *fakeStorage) {
	t.Helper()
	store := newFakeStorage()
	svc := service.New(store, nil, nil, service.Config{})

	memories := handlers.NewMemoryHandlers(svc)
	search := handlers.NewSearchHandlers(svc)
	health := handlers.NewHealthHandlers(svc, "test")
	syncCtl := handlers.NewSyncHandlers(svc)
	analytics := handlers.NewAnalyticsHandlers(svc, store)
	quality := handlers.NewQualityHandlers(svc)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/memories", memories.Create)
	mux.HandleFunc("GET /api/memories", memories.List)
	mux.HandleFunc("GET /api/memories/{content_hash}", memories.Get)
	mux.HandleFunc("PATCH /api/memories/{content_hash}", memories.Update)
	mux.HandleFunc("DELETE /api/memories/{content_hash}", memories.Delete)
	mux.HandleFunc("POST /api/search", search.Search)
	mux.HandleFunc("POST /api/search/by-tag", search.ByTag)
	mux.HandleFunc("POST /api/search/by-time", search.ByTime)
	mux.HandleFunc("GET /api/health", health.Basic)
	mux.HandleFunc("GET /api/health/detailed", health.Detailed)
	mux.HandleFunc("GET /api/sync/status", syncCtl.Status)
	mux.HandleFunc("POST /api/sync/pause", syncCtl.Pause)
	mux.HandleFunc("GET /api/stats", analytics.Stats)
	mux.HandleFunc("GET /api/analytics/memory-growth", analytics.MemoryGrowth)
	mux.HandleFunc("GET /api/analytics/tag-usage", analytics.TagUsage)
	mux.HandleFunc("GET /api/analytics/activity", analytics.Activity)
	mux.HandleFunc("GET /api/quality/distribution", quality.Distribution)
	mux.HandleFunc("POST /api/quality/memories/{content_hash}/rate", quality.Rate)
	return mux, store
}

// do runs one request through the router and decodes the JSON body.
func do(t *testing.T, mux *http.ServeMux, method, path string, body interface{}, dest interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if dest != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), "body: %s", rec.Body.String())
	}
	return rec
}

func createMemory(t *testing.T, mux *http.ServeMux, content string, tags []string) string {
	t.Helper()
	var result service.StoreResult
	rec := do(t, mux, http.MethodPost, "/api/memories", map[string]interface{}{
		"content": content,
		"tags":    tags,
	}, &result)
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	require.True(t, result.Success)
	return result.ContentHash
}

func TestMemoriesCRUD(t *testing.T) {
	mux, _ := newTestRouter(t)
	hash := createMemory(t, mux, "rest roundtrip", []string{"rest"})

	var got service.MemoryResult
	rec := do(t, mux, http.MethodGet, "/api/memories/"+hash, nil, &got)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got.Memory)
	assert.Equal(t, "rest roundtrip", got.Memory.Content)

	var list service.ListResult
	rec = do(t, mux, http.MethodGet, "/api/memories?page=1&page_size=10", nil, &list)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, list.Total)

	var updated service.MemoryResult
	rec = do(t, mux, http.MethodPatch, "/api/memories/"+hash, map[string]interface{}{
		"updates": map[string]interface{}{"tags": []string{"rest", "updated"}},
	}, &updated)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, updated.Memory)
	assert.Contains(t, updated.Memory.Tags, "updated")

	var del service.DeleteResult
	rec = do(t, mux, http.MethodDelete, "/api/memories/"+hash, nil, &del)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, del.DeletedCount)

	rec = do(t, mux, http.MethodGet, "/api/memories/"+hash, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateMemoryStatuses(t *testing.T) {
	mux, _ := newTestRouter(t)

	// Empty content: validation failure surfaces as 400.
	rec := do(t, mux, http.MethodPost, "/api/memories", map[string]interface{}{"content": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Duplicate content: 409.
	createMemory(t, mux, "dup body", []string{"dup"})
	rec = do(t, mux, http.MethodPost, "/api/memories", map[string]interface{}{
		"content": "dup body",
		"tags":    []string{"dup"},
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSearchEndpoint(t *testing.T) {
	mux, _ := newTestRouter(t)
	hash := createMemory(t, mux, "the cache invalidation strategy", []string{"cache"})

	var result service.SearchResult
	rec := do(t, mux, http.MethodPost, "/api/search", map[string]interface{}{
		"query": "cache invalidation",
		"limit": 5,
	}, &result)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, result.Results, 1)
	assert.Equal(t, hash, result.Results[0].Memory.ContentHash)

	// A bad time expression is rejected before the service runs.
	rec = do(t, mux, http.MethodPost, "/api/search", map[string]interface{}{
		"query": "cache",
		"after": "not a time at all zzz",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchByTagEndpoint(t *testing.T) {
	mux, _ := newTestRouter(t)
	createMemory(t, mux, "tag one", []string{"alpha", "beta"})
	createMemory(t, mux, "tag two", []string{"alpha"})

	var result service.MemoriesResult
	rec := do(t, mux, http.MethodPost, "/api/search/by-tag", map[string]interface{}{
		"tags":      []string{"alpha", "beta"},
		"operation": "all",
	}, &result)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, result.Results, 1)
}

func TestHealthEndpoints(t *testing.T) {
	mux, _ := newTestRouter(t)

	var basic map[string]string
	rec := do(t, mux, http.MethodGet, "/api/health", nil, &basic)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", basic["status"])

	var detailed service.HealthResult
	rec = do(t, mux, http.MethodGet, "/api/health/detailed", nil, &detailed)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, detailed.Success)
	assert.Equal(t, "fake", detailed.Backend)
}

func TestSyncEndpointsNotFoundOnLocalBackend(t *testing.T) {
	mux, _ := newTestRouter(t)

	rec := do(t, mux, http.MethodGet, "/api/sync/status", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, mux, http.MethodPost, "/api/sync/pause", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsAndAnalytics(t *testing.T) {
	mux, _ := newTestRouter(t)
	createMemory(t, mux, "analytics one", []string{"go", "infra"})
	createMemory(t, mux, "analytics two", []string{"go"})

	var stats service.StatsResult
	rec := do(t, mux, http.MethodGet, "/api/stats", nil, &stats)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, stats.Stats)
	assert.Equal(t, 2, stats.Stats.TotalMemories)

	var activity struct {
		Success bool `json:"success"`
		Days    int  `json:"days"`
		Series  []struct {
			Date  string `json:"date"`
			Count int    `json:"count"`
		} `json:"series"`
	}
	rec = do(t, mux, http.MethodGet, "/api/analytics/activity?days=7", nil, &activity)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, activity.Success)
	require.Len(t, activity.Series, 7)
	assert.Equal(t, 2, activity.Series[len(activity.Series)-1].Count, "both memories created today")

	var growth struct {
		Series []struct {
			Count int `json:"count"`
		} `json:"series"`
	}
	rec = do(t, mux, http.MethodGet, "/api/analytics/memory-growth?days=7", nil, &growth)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, growth.Series)
	assert.Equal(t, 2, growth.Series[len(growth.Series)-1].Count, "cumulative total")

	var usage struct {
		Tags []struct {
			Tag   string `json:"tag"`
			Count int    `json:"count"`
		} `json:"tags"`
		Total int `json:"total"`
	}
	rec = do(t, mux, http.MethodGet, "/api/analytics/tag-usage?limit=1", nil, &usage)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, usage.Total)
	require.Len(t, usage.Tags, 1)
	assert.Equal(t, "go", usage.Tags[0].Tag)
	assert.Equal(t, 2, usage.Tags[0].Count)
}

func TestQualityEndpoints(t *testing.T) {
	mux, _ := newTestRouter(t)
	hash := createMemory(t, mux, "quality target", []string{"q"})

	var rated service.MemoryResult
	rec := do(t, mux, http.MethodPost, fmt.Sprintf("/api/quality/memories/%s/rate", hash), map[string]interface{}{
		"rating": 0.8,
	}, &rated)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, rated.Success)

	// Out-of-range rating: 400.
	rec = do(t, mux, http.MethodPost, fmt.Sprintf("/api/quality/memories/%s/rate", hash), map[string]interface{}{
		"rating": 2.0,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var dist struct {
		Success     bool `json:"success"`
		ScoredCount int  `json:"scored_count"`
		TotalCount  int  `json:"total_count"`
	}
	rec = do(t, mux, http.MethodGet, "/api/quality/distribution", nil, &dist)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, dist.Success)
	assert.Equal(t, 1, dist.ScoredCount)
	assert.Equal(t, 1, dist.TotalCount)
}
