package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/scrypster/keepsake/internal/quality"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// Search modes. Semantic embeds the query and ranks by cosine
// similarity, exact matches stored content byte-for-byte, and hybrid
// merges both with exact matches pinned to the top.
const (
	SearchSemantic = "semantic"
	SearchExact    = "exact"
	SearchHybrid   = "hybrid"
)

// overfetchFactor is how many times the requested limit the boosted and
// tag-filtered paths pull before cutting, so re-ranking and
// post-filtering can actually change what survives the cut.
const overfetchFactor = 3

// defaultQualityWeight blends quality into similarity when a boosted
// search does not name its own weight.
const defaultQualityWeight = 0.3

// SearchRequest carries the unified search parameters shared by the
// protocol surfaces. Zero values select the defaults: semantic mode,
// limit 5, no filters, no quality boost.
type SearchRequest struct {
	Query         string
	Limit         int
	Mode          string
	Tags          interface{}        // optional tag filter, any shape NormalizeTags accepts
	TagMatch      string             // "all" (default) or "any"
	Window        storage.TimeWindow // optional created_at bounds
	QualityBoost  bool
	QualityWeight float64 // 0 selects defaultQualityWeight
}

// Search runs one search in the requested mode. Results are scored in
// [0,1]; exact matches score 1. A quality-boosted search over-fetches,
// re-ranks with the composite score, and then cuts to the limit. Every
// returned memory counts as accessed.
func (s *MemoryService) Search(ctx context.Context, req SearchRequest) *SearchResult {
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = SearchSemantic
	}
	switch mode {
	case SearchSemantic, SearchExact, SearchHybrid:
	default:
		return &SearchResult{Envelope: fail(fmt.Errorf(
			"%w: unknown search mode %q (want semantic, exact, or hybrid)", storage.ErrInvalidInput, req.Mode))}
	}

	tags, err := NormalizeTags(req.Tags)
	if err != nil {
		return &SearchResult{Envelope: fail(err)}
	}
	tagOp := storage.TagMatchAll
	if len(tags) > 0 {
		if tagOp, err = storage.ParseTagOperation(req.TagMatch); err != nil {
			return &SearchResult{Envelope: fail(err)}
		}
	}

	query := strings.TrimSpace(req.Query)
	if query == "" && (mode != SearchSemantic || (req.Window.IsZero() && len(tags) == 0)) {
		// An empty query is only meaningful for semantic mode with a
		// tag filter or a time window to select on instead.
		return &SearchResult{Envelope: fail(fmt.Errorf("%w: query must not be empty", storage.ErrInvalidInput))}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultRetrieveLimit
	}
	fetch := limit
	if req.QualityBoost || len(tags) > 0 {
		fetch = limit * overfetchFactor
	}

	if query == "" && len(tags) > 0 {
		// Pure tag selection: every match scores 1.
		memories, err := s.store.SearchByTag(ctx, tags, tagOp, req.Window)
		if err != nil {
			return &SearchResult{Envelope: fail(err)}
		}
		results := make([]*types.MemoryQueryResult, 0, len(memories))
		for _, m := range memories {
			results = append(results, &types.MemoryQueryResult{Memory: m, SimilarityScore: 1})
		}
		return s.finishSearch(ctx, results, limit, req)
	}

	var results []*types.MemoryQueryResult
	if mode == SearchExact || mode == SearchHybrid {
		exact, err := s.store.GetByExactContent(ctx, query)
		if err != nil {
			return &SearchResult{Envelope: fail(err)}
		}
		for _, m := range exact {
			results = append(results, &types.MemoryQueryResult{Memory: m, SimilarityScore: 1})
		}
	}
	if mode == SearchSemantic || mode == SearchHybrid {
		var semantic []*types.MemoryQueryResult
		var err error
		if req.Window.IsZero() {
			semantic, err = s.store.Retrieve(ctx, query, fetch)
		} else {
			semantic, err = s.store.Recall(ctx, query, fetch, req.Window)
		}
		if err != nil {
			return &SearchResult{Envelope: fail(err)}
		}
		results = mergeScored(results, semantic)
	}

	results = filterScored(results, tags, tagOp, req.Window)
	return s.finishSearch(ctx, results, limit, req)
}

// finishSearch applies the quality boost, cuts to the limit, and counts
// the survivors as accessed.
func (s *MemoryService) finishSearch(ctx context.Context, results []*types.MemoryQueryResult, limit int, req SearchRequest) *SearchResult {
	if req.QualityBoost {
		weight := req.QualityWeight
		if weight <= 0 {
			weight = defaultQualityWeight
		}
		quality.Rerank(results, weight)
	}
	if len(results) > limit {
		results = results[:limit]
	}

	s.touchAccess(ctx, results)
	return newSearchResult(results, s.cfg.MaxResponseChars)
}

// mergeScored appends candidates not already present, keyed by content
// hash. Existing entries keep their score, so hybrid exact matches stay
// pinned above their semantic duplicates.
func mergeScored(base, more []*types.MemoryQueryResult) []*types.MemoryQueryResult {
	seen := make(map[string]bool, len(base))
	for _, r := range base {
		if r != nil && r.Memory != nil {
			seen[r.Memory.ContentHash] = true
		}
	}
	for _, r := range more {
		if r == nil || r.Memory == nil || seen[r.Memory.ContentHash] {
			continue
		}
		seen[r.Memory.ContentHash] = true
		base = append(base, r)
	}
	return base
}

// filterScored applies the tag and window filters the backend search
// could not. The semantic paths already honored the window at the
// storage level; re-checking there is a no-op, but exact matches see
// the window for the first time here.
func filterScored(results []*types.MemoryQueryResult, tags []string, op storage.TagOperation, window storage.TimeWindow) []*types.MemoryQueryResult {
	if len(tags) == 0 && window.IsZero() {
		return results
	}
	out := results[:0]
	for _, r := range results {
		if r == nil || r.Memory == nil {
			continue
		}
		if !window.IsZero() && !window.Contains(r.Memory.CreatedAt) {
			continue
		}
		if len(tags) > 0 && !memoryHasTags(r.Memory, tags, op) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func memoryHasTags(m *types.Memory, tags []string, op storage.TagOperation) bool {
	matched := 0
	for _, t := range tags {
		if m.HasTag(t) {
			matched++
		}
	}
	if op == storage.TagMatchAll {
		return matched == len(tags)
	}
	return matched > 0
}
