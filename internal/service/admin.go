package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/scrypster/keepsake/internal/quality"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/internal/storage/hybrid"
	"github.com/scrypster/keepsake/pkg/types"
)

// DeleteRequest selects what to delete: a single hash, a tag query, or a
// creation-time window. Exactly one selector must be set. DryRun reports
// the would-be count without deleting anything.
type DeleteRequest struct {
	ContentHash string
	Tags        interface{}
	TagMatch    string
	Window      storage.TimeWindow
	Tag         string
	DryRun      bool
}

// Delete removes memories matching the request selector.
func (s *MemoryService) Delete(ctx context.Context, req DeleteRequest) *DeleteResult {
	tags, err := NormalizeTags(req.Tags)
	if err != nil {
		return &DeleteResult{Envelope: fail(err)}
	}

	switch {
	case req.ContentHash != "":
		if len(tags) > 0 || !req.Window.IsZero() {
			return &DeleteResult{Envelope: fail(fmt.Errorf(
				"%w: content_hash cannot be combined with other selectors", storage.ErrInvalidInput))}
		}
		return s.deleteByHash(ctx, req.ContentHash, req.DryRun)
	case len(tags) > 0:
		op, err := storage.ParseTagOperation(req.TagMatch)
		if err != nil {
			return &DeleteResult{Envelope: fail(err)}
		}
		return s.deleteByTags(ctx, tags, op, req.Window, req.DryRun)
	case !req.Window.IsZero():
		return s.deleteByWindow(ctx, req.Window, req.Tag, req.DryRun)
	default:
		return &DeleteResult{Envelope: fail(fmt.Errorf(
			"%w: provide a content_hash, tags, or a time window", storage.ErrInvalidInput))}
	}
}

func (s *MemoryService) deleteByHash(ctx context.Context, hash string, dryRun bool) *DeleteResult {
	if !storage.ValidContentHash(hash) {
		return &DeleteResult{Envelope: fail(fmt.Errorf("%w: malformed content hash %q", storage.ErrInvalidInput, hash))}
	}
	if dryRun {
		count := 0
		if _, err := s.store.GetByHash(ctx, hash); err == nil {
			count = 1
		}
		return &DeleteResult{Envelope: ok(), DeletedCount: count, DryRun: true, ContentHash: hash}
	}
	if err := s.store.Delete(ctx, hash); err != nil {
		return &DeleteResult{Envelope: fail(err), ContentHash: hash}
	}
	s.notify(EventDeleted, hash)
	return &DeleteResult{Envelope: ok(), DeletedCount: 1, ContentHash: hash}
}

func (s *MemoryService) deleteByTags(ctx context.Context, tags []string, op storage.TagOperation, window storage.TimeWindow, dryRun bool) *DeleteResult {
	if dryRun || !window.IsZero() {
		matches, err := s.store.SearchByTag(ctx, tags, op, window)
		if err != nil {
			return &DeleteResult{Envelope: fail(err)}
		}
		if dryRun {
			return &DeleteResult{Envelope: ok(), DeletedCount: len(matches), DryRun: true}
		}
		// Tag deletes scoped by a window go row by row: the bulk path
		// has no time filter.
		deleted := 0
		for _, m := range matches {
			if err := s.store.Delete(ctx, m.ContentHash); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return &DeleteResult{Envelope: fail(err), DeletedCount: deleted}
			}
			deleted++
		}
		return &DeleteResult{Envelope: ok(), DeletedCount: deleted}
	}

	count, err := s.store.DeleteByTags(ctx, tags, op)
	if err != nil {
		return &DeleteResult{Envelope: fail(err)}
	}
	return &DeleteResult{Envelope: ok(), DeletedCount: count}
}

func (s *MemoryService) deleteByWindow(ctx context.Context, window storage.TimeWindow, tag string, dryRun bool) *DeleteResult {
	if dryRun {
		matches, err := s.store.SearchByTimeframe(ctx, window, tag)
		if err != nil {
			return &DeleteResult{Envelope: fail(err)}
		}
		return &DeleteResult{Envelope: ok(), DeletedCount: len(matches), DryRun: true}
	}
	count, err := s.store.DeleteByTimeframe(ctx, window, tag)
	if err != nil {
		return &DeleteResult{Envelope: fail(err)}
	}
	return &DeleteResult{Envelope: ok(), DeletedCount: count}
}

// DeleteBefore removes memories created strictly before ts, optionally
// restricted to one exact tag.
func (s *MemoryService) DeleteBefore(ctx context.Context, ts float64, tag string) *DeleteResult {
	if ts <= 0 {
		return &DeleteResult{Envelope: fail(fmt.Errorf("%w: a positive cutoff timestamp is required", storage.ErrInvalidInput))}
	}
	count, err := s.store.DeleteBeforeDate(ctx, ts, tag)
	if err != nil {
		return &DeleteResult{Envelope: fail(err)}
	}
	return &DeleteResult{Envelope: ok(), DeletedCount: count}
}

// updatableQualityKeys are the quality metadata fields accepted as
// top-level keys by UpdateMetadata.
var updatableQualityKeys = map[string]bool{
	types.MetaQualityScore:        true,
	types.MetaQualityProvider:     true,
	types.MetaQualityConfidence:   true,
	types.MetaQualityCalculatedAt: true,
	types.MetaAccessCount:         true,
	types.MetaLastAccessedAt:      true,
}

// UpdateMetadata applies a partial update to one memory. Accepted keys:
// tags, memory_type, metadata (merged key by key), the quality fields,
// and updated_at/updated_at_iso (honored only when preserveTimestamps is
// false). created_at is never rewritten, whatever the caller sends.
func (s *MemoryService) UpdateMetadata(ctx context.Context, hash string, updates map[string]interface{}, preserveTimestamps bool) *MemoryResult {
	if !storage.ValidContentHash(hash) {
		return &MemoryResult{Envelope: fail(fmt.Errorf("%w: malformed content hash %q", storage.ErrInvalidInput, hash))}
	}
	if len(updates) == 0 {
		return &MemoryResult{Envelope: fail(fmt.Errorf("%w: no update fields provided", storage.ErrInvalidInput))}
	}

	m, err := s.store.GetByHash(ctx, hash)
	if err != nil {
		return &MemoryResult{Envelope: fail(err), ContentHash: hash}
	}

	for key, value := range updates {
		switch {
		case key == "tags":
			tags, err := NormalizeTags(value)
			if err != nil {
				return &MemoryResult{Envelope: fail(err), ContentHash: hash}
			}
			// The content hash stays the one computed at store time, so
			// after a tag edit it no longer equals a fresh hash over
			// (content, tags, type). Identity is fixed at creation;
			// re-hashing here would orphan the row's graph edges and
			// sync queue entries.
			m.Tags = tags
		case key == "memory_type":
			str, isString := value.(string)
			if !isString {
				return &MemoryResult{Envelope: fail(fmt.Errorf("%w: memory_type must be a string", storage.ErrInvalidInput)), ContentHash: hash}
			}
			m.MemoryType = str
		case key == "metadata":
			patch, isMap := value.(map[string]interface{})
			if !isMap {
				return &MemoryResult{Envelope: fail(fmt.Errorf("%w: metadata must be an object", storage.ErrInvalidInput)), ContentHash: hash}
			}
			for k, v := range patch {
				m.SetMeta(k, v)
			}
		case updatableQualityKeys[key]:
			m.SetMeta(key, value)
		case key == "updated_at" || key == "updated_at_iso":
			// Applied below, after the field loop.
		default:
			return &MemoryResult{Envelope: fail(fmt.Errorf("%w: unsupported update key %q", storage.ErrInvalidInput, key)), ContentHash: hash}
		}
	}

	now := time.Now()
	if preserveTimestamps {
		m.TouchUpdated(now)
	} else {
		switch {
		case hasFloat(updates, "updated_at"):
			ts, _ := floatValue(updates["updated_at"])
			m.UpdatedAt = ts
			m.UpdatedAtISO = types.ISOFromUnix(ts)
		case hasISO(updates, "updated_at_iso"):
			ts := types.ParseISO(updates["updated_at_iso"].(string))
			m.UpdatedAt = ts
			m.UpdatedAtISO = types.ISOFromUnix(ts)
		default:
			m.TouchUpdated(now)
		}
	}

	if err := s.store.Update(ctx, m); err != nil {
		return &MemoryResult{Envelope: fail(err), ContentHash: hash}
	}
	return &MemoryResult{Envelope: ok(), Memory: m, ContentHash: hash}
}

func hasFloat(updates map[string]interface{}, key string) bool {
	_, found := floatValue(updates[key])
	return found
}

func hasISO(updates map[string]interface{}, key string) bool {
	s, isString := updates[key].(string)
	return isString && types.ParseISO(s) != 0
}

func floatValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// CountUntagged reports how many live memories carry no tags.
func (s *MemoryService) CountUntagged(ctx context.Context) *CountResult {
	hashes, err := s.untaggedHashes(ctx)
	if err != nil {
		return &CountResult{Envelope: fail(err)}
	}
	return &CountResult{Envelope: ok(), Count: len(hashes)}
}

// DeleteUntagged removes every untagged memory. confirmCount must equal
// the current untagged count or the call is rejected; this is the guard
// against accidental mass deletion.
func (s *MemoryService) DeleteUntagged(ctx context.Context, confirmCount int) *DeleteResult {
	hashes, err := s.untaggedHashes(ctx)
	if err != nil {
		return &DeleteResult{Envelope: fail(err)}
	}
	if confirmCount != len(hashes) {
		return &DeleteResult{Envelope: fail(fmt.Errorf(
			"%w: confirm_count %d does not match the current untagged count %d",
			storage.ErrInvalidInput, confirmCount, len(hashes)))}
	}
	deleted := 0
	for _, h := range hashes {
		if err := s.store.Delete(ctx, h); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return &DeleteResult{Envelope: fail(err), DeletedCount: deleted}
		}
		deleted++
	}
	return &DeleteResult{Envelope: ok(), DeletedCount: deleted}
}

// CleanupDuplicates removes memories that repeat another memory's exact
// content, keeping the oldest copy of each group. The identity hash
// covers tags and type as well as content, so re-tagged or re-typed
// copies of the same text land under distinct hashes.
func (s *MemoryService) CleanupDuplicates(ctx context.Context) *DeleteResult {
	groups := make(map[string][]*types.Memory)
	if err := s.forEachPage(ctx, func(page []*types.Memory) {
		for _, m := range page {
			groups[m.Content] = append(groups[m.Content], m)
		}
	}); err != nil {
		return &DeleteResult{Envelope: fail(err)}
	}

	deleted := 0
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].CreatedAt < group[j].CreatedAt })
		for _, m := range group[1:] {
			if err := s.store.Delete(ctx, m.ContentHash); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return &DeleteResult{Envelope: fail(err), DeletedCount: deleted}
			}
			deleted++
		}
	}
	return &DeleteResult{Envelope: ok(), DeletedCount: deleted}
}

func (s *MemoryService) untaggedHashes(ctx context.Context) ([]string, error) {
	var hashes []string
	err := s.forEachPage(ctx, func(page []*types.Memory) {
		for _, m := range page {
			if len(m.Tags) == 0 {
				hashes = append(hashes, m.ContentHash)
			}
		}
	})
	return hashes, err
}

// forEachPage walks every live memory in creation order, one page at a
// time.
func (s *MemoryService) forEachPage(ctx context.Context, fn func([]*types.Memory)) error {
	opts := storage.ListOptions{Page: 1, PageSize: scanPageSize}
	for {
		page, err := s.store.GetAll(ctx, opts)
		if err != nil {
			return err
		}
		fn(page)
		if len(page) < opts.PageSize {
			return nil
		}
		opts.Page++
	}
}

// syncController is implemented by the hybrid backend; every other
// backend has no sync service.
type syncController interface {
	SyncStatus() hybrid.Status
	PauseSync()
	ResumeSync()
	Syncer() *hybrid.Syncer
}

var _ syncController = (*hybrid.Store)(nil)

// HealthCheck reports backend identity, connectivity, corpus size,
// embedding configuration, process uptime, and (for hybrid) sync state.
func (s *MemoryService) HealthCheck(ctx context.Context) *HealthResult {
	res := &HealthResult{Backend: s.store.Backend()}
	if s.cfg.IncludeHostname {
		res.Hostname = s.hostname
	}
	res.UptimeSeconds = time.Since(s.started).Seconds()

	stats, err := s.store.GetStats(ctx)
	if err != nil {
		res.Envelope = fail(err)
		return res
	}
	res.Envelope = ok()
	res.Connected = true
	res.TotalMemories = stats.TotalMemories
	res.DatabaseSizeBytes = stats.DatabaseSizeBytes
	res.EmbeddingModel = stats.EmbeddingModel
	res.EmbeddingDimension = stats.EmbeddingDimension

	if hs, isHybrid := s.store.(syncController); isHybrid {
		st := hs.SyncStatus()
		res.SyncStatus = &st
	}
	return res
}

// Stats returns backend statistics in the shared shape.
func (s *MemoryService) Stats(ctx context.Context) *StatsResult {
	stats, err := s.store.GetStats(ctx)
	if err != nil {
		return &StatsResult{Envelope: fail(err)}
	}
	return &StatsResult{Envelope: ok(), Stats: stats}
}

// Sync drives the hybrid background sync. op is one of status, pause,
// resume, force; force runs an on-demand drift check. Backends without a
// sync service reject every op.
func (s *MemoryService) Sync(ctx context.Context, op string) *SyncResult {
	hs, isHybrid := s.store.(syncController)
	if !isHybrid {
		return &SyncResult{Envelope: fail(fmt.Errorf(
			"%w: backend %q has no sync service", storage.ErrInvalidInput, s.store.Backend()))}
	}

	switch op {
	case "", "status":
	case "pause":
		hs.PauseSync()
	case "resume":
		hs.ResumeSync()
	case "force":
		report, err := hs.Syncer().DriftCheck(ctx)
		if err != nil {
			return &SyncResult{Envelope: fail(err)}
		}
		st := hs.SyncStatus()
		return &SyncResult{Envelope: ok(), Status: &st, Drift: report}
	default:
		return &SyncResult{Envelope: fail(fmt.Errorf("%w: unknown sync operation %q", storage.ErrInvalidInput, op))}
	}

	st := hs.SyncStatus()
	return &SyncResult{Envelope: ok(), Status: &st}
}

// Connected walks the association graph outward from a memory.
func (s *MemoryService) Connected(ctx context.Context, hash string, hops int, direction string) *GraphResult {
	if !storage.ValidContentHash(hash) {
		return &GraphResult{Envelope: fail(fmt.Errorf("%w: malformed content hash %q", storage.ErrInvalidInput, hash))}
	}
	dir, err := storage.ParseGraphDirection(direction)
	if err != nil {
		return &GraphResult{Envelope: fail(err)}
	}
	if hops <= 0 {
		hops = 2
	}
	conns, err := s.store.FindConnected(ctx, hash, hops, dir)
	if err != nil {
		return &GraphResult{Envelope: fail(err)}
	}
	return &GraphResult{Envelope: ok(), Connected: conns}
}

// Path finds the shortest association path between two memories.
func (s *MemoryService) Path(ctx context.Context, fromHash, toHash string) *GraphResult {
	if !storage.ValidContentHash(fromHash) || !storage.ValidContentHash(toHash) {
		return &GraphResult{Envelope: fail(fmt.Errorf("%w: malformed content hash", storage.ErrInvalidInput))}
	}
	path, err := s.store.ShortestPath(ctx, fromHash, toHash)
	if err != nil {
		return &GraphResult{Envelope: fail(err)}
	}
	return &GraphResult{Envelope: ok(), Path: path}
}

// Subgraph returns the neighborhood within radius hops of a memory.
func (s *MemoryService) Subgraph(ctx context.Context, hash string, radius int) *GraphResult {
	if !storage.ValidContentHash(hash) {
		return &GraphResult{Envelope: fail(fmt.Errorf("%w: malformed content hash %q", storage.ErrInvalidInput, hash))}
	}
	if radius <= 0 {
		radius = 1
	}
	sub, err := s.store.GetSubgraph(ctx, hash, radius)
	if err != nil {
		return &GraphResult{Envelope: fail(err)}
	}
	return &GraphResult{Envelope: ok(), Subgraph: sub}
}

// Rate records a user rating in [0,1] for a memory. Ratings override
// computed scores and count as an access.
func (s *MemoryService) Rate(ctx context.Context, hash string, rating float64, feedback string) *MemoryResult {
	if rating < 0 || rating > 1 {
		return &MemoryResult{Envelope: fail(fmt.Errorf("%w: rating must be between 0 and 1, got %g", storage.ErrInvalidInput, rating))}
	}
	if !storage.ValidContentHash(hash) {
		return &MemoryResult{Envelope: fail(fmt.Errorf("%w: malformed content hash %q", storage.ErrInvalidInput, hash))}
	}
	m, err := s.store.GetByHash(ctx, hash)
	if err != nil {
		return &MemoryResult{Envelope: fail(err), ContentHash: hash}
	}
	now := time.Now()
	quality.ApplyRating(m, rating, feedback, now)
	m.TouchUpdated(now)
	if err := s.store.Update(ctx, m); err != nil {
		return &MemoryResult{Envelope: fail(err), ContentHash: hash}
	}
	return &MemoryResult{Envelope: ok(), Memory: m, ContentHash: hash}
}

// Evaluate runs the configured quality provider against a memory and
// persists the assessment.
func (s *MemoryService) Evaluate(ctx context.Context, hash string) *QualityResult {
	if s.quality == nil {
		return &QualityResult{Envelope: fail(fmt.Errorf("%w: no quality provider configured", storage.ErrInvalidInput))}
	}
	if !storage.ValidContentHash(hash) {
		return &QualityResult{Envelope: fail(fmt.Errorf("%w: malformed content hash %q", storage.ErrInvalidInput, hash))}
	}
	m, err := s.store.GetByHash(ctx, hash)
	if err != nil {
		return &QualityResult{Envelope: fail(err), ContentHash: hash}
	}
	a, err := s.quality.Score(ctx, m)
	if err != nil {
		return &QualityResult{Envelope: fail(err), ContentHash: hash}
	}
	quality.Apply(m, a)
	m.TouchUpdated(time.Now())
	if err := s.store.Update(ctx, m); err != nil {
		return &QualityResult{Envelope: fail(err), ContentHash: hash}
	}
	return &QualityResult{
		Envelope:    ok(),
		ContentHash: hash,
		Score:       a.Score,
		Provider:    a.Provider,
		Confidence:  a.Confidence,
		Memory:      m,
	}
}

// QualityOf returns the stored quality fields for a memory.
func (s *MemoryService) QualityOf(ctx context.Context, hash string) *QualityResult {
	if !storage.ValidContentHash(hash) {
		return &QualityResult{Envelope: fail(fmt.Errorf("%w: malformed content hash %q", storage.ErrInvalidInput, hash))}
	}
	m, err := s.store.GetByHash(ctx, hash)
	if err != nil {
		return &QualityResult{Envelope: fail(err), ContentHash: hash}
	}
	score, _ := m.MetaFloat(types.MetaQualityScore)
	provider, _ := m.MetaString(types.MetaQualityProvider)
	confidence, _ := m.MetaFloat(types.MetaQualityConfidence)
	return &QualityResult{
		Envelope:    ok(),
		ContentHash: hash,
		Score:       score,
		Provider:    provider,
		Confidence:  confidence,
		History:     quality.HistoryPairs(m),
	}
}

// AnalyzeQuality aggregates the score distribution and weekly trends
// across every live memory.
func (s *MemoryService) AnalyzeQuality(ctx context.Context) *QualityAnalysis {
	var all []*types.Memory
	if err := s.forEachPage(ctx, func(page []*types.Memory) {
		all = append(all, page...)
	}); err != nil {
		return &QualityAnalysis{Envelope: fail(err)}
	}
	scored := 0
	for _, m := range all {
		if _, hasScore := m.MetaFloat(types.MetaQualityScore); hasScore {
			scored++
		}
	}
	return &QualityAnalysis{
		Envelope:     ok(),
		Distribution: quality.Distribution(all),
		Trends:       quality.WeeklyTrends(all, 12, time.Now()),
		ScoredCount:  scored,
		TotalCount:   len(all),
	}
}
