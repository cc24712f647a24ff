package cloudflare

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

const memoryColumns = `content_hash, content, tags_csv, memory_type, metadata_json,
	created_at, created_at_iso, updated_at, updated_at_iso, deleted_at`

// searchRowLimit bounds non-paginated remote queries.
const searchRowLimit = 1000

// queryMemories runs a D1 select and converts the rows.
func (s *Store) queryMemories(ctx context.Context, sql string, args ...interface{}) ([]*types.Memory, error) {
	rows, err := s.d1Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	memories := make([]*types.Memory, 0, len(rows))
	for _, row := range rows {
		m, err := rowToMemory(row)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, nil
}

// GetByHash is the primary-key lookup. Tombstoned rows return ErrNotFound.
func (s *Store) GetByHash(ctx context.Context, contentHash string) (*types.Memory, error) {
	memories, err := s.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE content_hash = ? AND deleted_at IS NULL`,
		contentHash)
	if err != nil {
		return nil, err
	}
	if len(memories) == 0 {
		return nil, fmt.Errorf("%w: memory %s", storage.ErrNotFound, shortHash(contentHash))
	}
	return memories[0], nil
}

// GetByExactContent finds live memories whose content matches text
// byte-for-byte. No embedding is computed.
func (s *Store) GetByExactContent(ctx context.Context, text string) ([]*types.Memory, error) {
	return s.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE content = ? AND deleted_at IS NULL ORDER BY created_at DESC`, text)
}

// GetAll returns one page of live memories, newest first.
func (s *Store) GetAll(ctx context.Context, opts storage.ListOptions) ([]*types.Memory, error) {
	opts.Normalize()

	conds := []string{"deleted_at IS NULL"}
	var args []interface{}
	if opts.MemoryType != "" {
		conds = append(conds, "memory_type = ?")
		args = append(args, opts.MemoryType)
	}
	if len(opts.Tags) > 0 {
		cleaned, err := storage.CleanTags(opts.Tags)
		if err != nil {
			return nil, err
		}
		if len(cleaned) > 0 {
			cond, tagArgs := tagConditionD1(cleaned, storage.TagMatchAny)
			conds = append(conds, cond)
			args = append(args, tagArgs...)
		}
	}

	args = append(args, opts.Limit(), opts.Offset())
	return s.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE `+strings.Join(conds, " AND ")+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
}

// Page returns up to limit live memories in a stable creation order so the
// sync engine can walk the whole store across calls.
func (s *Store) Page(ctx context.Context, limit, offset int) ([]*types.Memory, error) {
	if limit < 1 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE deleted_at IS NULL
		 ORDER BY created_at ASC, content_hash ASC LIMIT ? OFFSET ?`, limit, offset)
}

// GetRecent returns the n most recently created live memories.
func (s *Store) GetRecent(ctx context.Context, n int) ([]*types.Memory, error) {
	if n < 1 {
		n = 10
	}
	return s.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT ?`, n)
}

// Count returns the number of live memories matching the filters.
func (s *Store) Count(ctx context.Context, memoryType string, tags []string) (int, error) {
	conds := []string{"deleted_at IS NULL"}
	var args []interface{}
	if memoryType != "" {
		conds = append(conds, "memory_type = ?")
		args = append(args, memoryType)
	}
	if len(tags) > 0 {
		cleaned, err := storage.CleanTags(tags)
		if err != nil {
			return 0, err
		}
		if len(cleaned) > 0 {
			cond, tagArgs := tagConditionD1(cleaned, storage.TagMatchAny)
			conds = append(conds, cond)
			args = append(args, tagArgs...)
		}
	}
	rows, err := s.d1Query(ctx,
		`SELECT COUNT(*) AS n FROM memories WHERE `+strings.Join(conds, " AND "), args...)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return int(jsonFloat(rows[0]["n"])), nil
}

// ---------------------------------------------------------------------------
// Semantic search
// ---------------------------------------------------------------------------

// Retrieve embeds the query, asks the index for nearest neighbors, and
// hydrates the rows from D1 in match order. Tombstoned and archived
// memories never surface: the index is over-queried to keep k results
// after D1 filtering drops them.
func (s *Store) Retrieve(ctx context.Context, query string, k int) ([]*types.MemoryQueryResult, error) {
	return s.Recall(ctx, query, k, storage.TimeWindow{})
}

// Recall combines semantic search with a creation-time window. With an
// empty query it degrades to the most recent memories inside the window.
func (s *Store) Recall(ctx context.Context, query string, k int, window storage.TimeWindow) ([]*types.MemoryQueryResult, error) {
	if k < 1 {
		k = 10
	}
	if strings.TrimSpace(query) == "" {
		if window.IsZero() {
			return nil, fmt.Errorf("%w: a query or a time window is required", storage.ErrInvalidInput)
		}
		memories, err := s.SearchByTimeframe(ctx, window, "")
		if err != nil {
			return nil, err
		}
		results := make([]*types.MemoryQueryResult, 0, k)
		for _, m := range memories {
			if m.MetaBool(types.MetaArchived) {
				continue
			}
			results = append(results, &types.MemoryQueryResult{Memory: m})
			if len(results) == k {
				break
			}
		}
		return results, nil
	}

	if s.embedder == nil {
		return nil, fmt.Errorf("semantic search unavailable: no embedding provider configured")
	}
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Over-query so window, tombstone and archived filtering still leaves
	// k results. The index caps topK at 100.
	topK := k * 3
	if topK > 100 {
		topK = 100
	}
	matches, err := s.queryVectors(ctx, vecs[0], topK)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]string, len(matches))
	for i, match := range matches {
		ids[i] = match.ID
	}
	byHash, err := s.fetchByHashes(ctx, ids, window)
	if err != nil {
		return nil, err
	}

	results := make([]*types.MemoryQueryResult, 0, k)
	for _, match := range matches {
		m, ok := byHash[match.ID]
		if !ok {
			continue
		}
		if m.MetaBool(types.MetaArchived) {
			continue
		}
		// The index reports cosine similarity; convert to the shared
		// distance/score convention.
		distance := 1 - float64(match.Score)
		if distance < 0 {
			distance = 0
		} else if distance > 2 {
			distance = 2
		}
		results = append(results, &types.MemoryQueryResult{
			Memory:          m,
			Distance:        distance,
			SimilarityScore: 1 - distance/2,
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// fetchByHashes hydrates live rows for a hash list, optionally constrained
// to a creation-time window, chunked to respect the parameter cap.
func (s *Store) fetchByHashes(ctx context.Context, hashes []string, window storage.TimeWindow) (map[string]*types.Memory, error) {
	out := make(map[string]*types.Memory, len(hashes))
	for _, chunk := range chunkStrings(hashes, d1InChunk) {
		conds := []string{
			"content_hash IN (" + placeholders(len(chunk)) + ")",
			"deleted_at IS NULL",
		}
		args := stringArgs(chunk)
		if wConds, wArgs := windowConditionD1("created_at", window); len(wConds) > 0 {
			conds = append(conds, wConds...)
			args = append(args, wArgs...)
		}
		memories, err := s.queryMemories(ctx,
			`SELECT `+memoryColumns+` FROM memories WHERE `+strings.Join(conds, " AND "), args...)
		if err != nil {
			return nil, err
		}
		for _, m := range memories {
			out[m.ContentHash] = m
		}
	}
	return out, nil
}

// SearchByTag returns live memories matching the boolean tag query, newest
// first, optionally restricted to a creation-time window.
func (s *Store) SearchByTag(ctx context.Context, tags []string, op storage.TagOperation, window storage.TimeWindow) ([]*types.Memory, error) {
	cleaned, err := storage.CleanTags(tags)
	if err != nil {
		return nil, err
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("%w: at least one tag is required", storage.ErrInvalidInput)
	}

	conds := []string{"deleted_at IS NULL"}
	var args []interface{}
	cond, tagArgs := tagConditionD1(cleaned, op)
	conds = append(conds, cond)
	args = append(args, tagArgs...)
	if wConds, wArgs := windowConditionD1("created_at", window); len(wConds) > 0 {
		conds = append(conds, wConds...)
		args = append(args, wArgs...)
	}

	args = append(args, searchRowLimit)
	return s.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE `+strings.Join(conds, " AND ")+
			` ORDER BY created_at DESC LIMIT ?`, args...)
}

// SearchByTimeframe returns live memories created inside the window,
// newest first, optionally restricted to one exact tag.
func (s *Store) SearchByTimeframe(ctx context.Context, window storage.TimeWindow, tag string) ([]*types.Memory, error) {
	if window.IsZero() {
		return nil, fmt.Errorf("%w: a time window is required", storage.ErrInvalidInput)
	}
	conds := []string{"deleted_at IS NULL"}
	var args []interface{}
	if wConds, wArgs := windowConditionD1("created_at", window); len(wConds) > 0 {
		conds = append(conds, wConds...)
		args = append(args, wArgs...)
	}
	if tag = strings.TrimSpace(tag); tag != "" {
		cond, tagArgs := tagConditionD1([]string{tag}, storage.TagMatchAll)
		conds = append(conds, cond)
		args = append(args, tagArgs...)
	}

	args = append(args, searchRowLimit)
	return s.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE `+strings.Join(conds, " AND ")+
			` ORDER BY created_at DESC LIMIT ?`, args...)
}

// ---------------------------------------------------------------------------
// Sync reads
// ---------------------------------------------------------------------------

// GetMemoryTimestamps returns (hash, created_at, updated_at) for all live
// memories in one query.
func (s *Store) GetMemoryTimestamps(ctx context.Context) ([]storage.MemoryStamp, error) {
	rows, err := s.d1Query(ctx, `
		SELECT content_hash, created_at, updated_at FROM memories
		WHERE deleted_at IS NULL ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("load timestamps: %w", err)
	}
	stamps := make([]storage.MemoryStamp, 0, len(rows))
	for _, row := range rows {
		hash, _ := row["content_hash"].(string)
		stamps = append(stamps, storage.MemoryStamp{
			ContentHash: hash,
			CreatedAt:   jsonFloat(row["created_at"]),
			UpdatedAt:   jsonFloat(row["updated_at"]),
		})
	}
	return stamps, nil
}

// GetUpdatedSince returns live memories updated strictly after ts, oldest
// update first.
func (s *Store) GetUpdatedSince(ctx context.Context, ts float64, limit int) ([]*types.Memory, error) {
	if limit < 1 {
		limit = 1000
	}
	return s.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE deleted_at IS NULL AND updated_at > ?
		 ORDER BY updated_at ASC LIMIT ?`, ts, limit)
}

// GetAllContentHashes returns the set of live content hashes.
func (s *Store) GetAllContentHashes(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.d1Query(ctx, `SELECT content_hash FROM memories WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("load content hashes: %w", err)
	}
	hashes := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if h, _ := row["content_hash"].(string); h != "" {
			hashes[h] = struct{}{}
		}
	}
	return hashes, nil
}

// IsDeleted reports whether the hash is present as a tombstone.
func (s *Store) IsDeleted(ctx context.Context, contentHash string) (bool, error) {
	rows, err := s.d1Query(ctx,
		`SELECT deleted_at FROM memories WHERE content_hash = ?`, contentHash)
	if err != nil {
		return false, fmt.Errorf("check tombstone: %w", err)
	}
	return len(rows) > 0 && rows[0]["deleted_at"] != nil, nil
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// GetStats reports live counts and embedding identity. D1 does not expose
// its on-disk size through the query endpoint, so the size field stays zero.
func (s *Store) GetStats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{Backend: s.Backend()}

	rows, err := s.d1Query(ctx, `SELECT COUNT(*) AS n FROM memories WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("count memories: %w", err)
	}
	if len(rows) > 0 {
		stats.TotalMemories = int(jsonFloat(rows[0]["n"]))
	}

	weekAgo := types.UnixSeconds(time.Now().AddDate(0, 0, -7))
	rows, err = s.d1Query(ctx,
		`SELECT COUNT(*) AS n FROM memories WHERE deleted_at IS NULL AND created_at >= ?`, weekAgo)
	if err != nil {
		return nil, fmt.Errorf("count recent memories: %w", err)
	}
	if len(rows) > 0 {
		stats.MemoriesThisWeek = int(jsonFloat(rows[0]["n"]))
	}

	rows, err = s.d1Query(ctx,
		`SELECT tags_csv FROM memories WHERE deleted_at IS NULL AND tags_csv != ''`)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	unique := make(map[string]struct{})
	for _, row := range rows {
		csv, _ := row["tags_csv"].(string)
		for _, t := range strings.Split(csv, ",") {
			if t != "" {
				unique[t] = struct{}{}
			}
		}
	}
	stats.UniqueTags = len(unique)

	if s.embedder != nil {
		stats.EmbeddingModel = s.embedder.Model()
		stats.EmbeddingDimension = s.embedder.Dimension()
	}
	return stats, nil
}
