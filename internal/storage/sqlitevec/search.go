package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/scrypster/keepsake/internal/embedding"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// selectMemories is the shared projection for full-memory reads. The vector
// rides along via LEFT JOIN so one scan path serves every query.
const selectMemories = `
	SELECT m.content_hash, m.content, m.tags_csv, m.memory_type, m.metadata_json,
	       m.created_at, m.created_at_iso, m.updated_at, m.updated_at_iso, m.deleted_at,
	       e.vector
	FROM memories m
	LEFT JOIN memory_embeddings e ON e.content_hash = m.content_hash`

// searchRowLimit bounds unpaginated tag/time searches.
const searchRowLimit = 1000

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var (
		m            types.Memory
		tagsCSV      string
		metadataJSON string
		deletedAt    sql.NullFloat64
		vecBlob      []byte
	)
	if err := row.Scan(&m.ContentHash, &m.Content, &tagsCSV, &m.MemoryType, &metadataJSON,
		&m.CreatedAt, &m.CreatedAtISO, &m.UpdatedAt, &m.UpdatedAtISO, &deletedAt, &vecBlob); err != nil {
		return nil, err
	}
	if tagsCSV != "" {
		m.Tags = strings.Split(tagsCSV, ",")
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &m.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata for %s is not valid JSON: %v",
				storage.ErrSchema, shortHash(m.ContentHash), err)
		}
	}
	if deletedAt.Valid {
		m.DeletedAt = deletedAt.Float64
	}
	if len(vecBlob) > 0 {
		vec, err := decodeVector(vecBlob)
		if err != nil {
			return nil, err
		}
		m.Embedding = vec
	}
	return &m, nil
}

func (s *Store) queryMemories(ctx context.Context, query string, args ...any) ([]*types.Memory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// windowCondition renders the optional time window against col. Zero bounds
// are unconstrained.
func windowCondition(col string, w storage.TimeWindow) ([]string, []any) {
	var conds []string
	var args []any
	if w.Start != 0 {
		conds = append(conds, col+" >= ?")
		args = append(args, w.Start)
	}
	if w.End != 0 {
		conds = append(conds, col+" <= ?")
		args = append(args, w.End)
	}
	return conds, args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// GetByHash returns the live memory with the given content hash.
func (s *Store) GetByHash(ctx context.Context, contentHash string) (*types.Memory, error) {
	if !storage.ValidContentHash(contentHash) {
		return nil, fmt.Errorf("%w: invalid content hash %q", storage.ErrInvalidInput, contentHash)
	}
	row := s.db.QueryRowContext(ctx,
		selectMemories+` WHERE m.content_hash = ? AND m.deleted_at IS NULL`, contentHash)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: memory %s", storage.ErrNotFound, shortHash(contentHash))
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

// GetByExactContent returns live memories whose content matches text
// byte-for-byte, newest first.
func (s *Store) GetByExactContent(ctx context.Context, text string) ([]*types.Memory, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}
	return s.queryMemories(ctx,
		selectMemories+` WHERE m.content = ? AND m.deleted_at IS NULL ORDER BY m.created_at DESC`,
		text)
}

// GetAll returns one page of live memories ordered by creation time
// descending. Tag filters match any of the given tags exactly.
func (s *Store) GetAll(ctx context.Context, opts storage.ListOptions) ([]*types.Memory, error) {
	opts.Normalize()

	conds := []string{"m.deleted_at IS NULL"}
	var args []any
	if opts.MemoryType != "" {
		conds = append(conds, "m.memory_type = ?")
		args = append(args, opts.MemoryType)
	}
	if len(opts.Tags) > 0 {
		cleaned, err := storage.CleanTags(opts.Tags)
		if err != nil {
			return nil, err
		}
		if len(cleaned) > 0 {
			cond, tagArgs := tagCondition(cleaned, storage.TagMatchAny)
			conds = append(conds, cond)
			args = append(args, tagArgs...)
		}
	}

	query := selectMemories + ` WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY m.created_at DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit(), opts.Offset())
	return s.queryMemories(ctx, query, args...)
}

// Page returns up to limit live memories in a stable creation order so a
// caller can walk the whole store across calls.
func (s *Store) Page(ctx context.Context, limit, offset int) ([]*types.Memory, error) {
	if limit < 1 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryMemories(ctx,
		selectMemories+` WHERE m.deleted_at IS NULL ORDER BY m.created_at ASC, m.content_hash ASC LIMIT ? OFFSET ?`,
		limit, offset)
}

// GetRecent returns the n most recently created live memories.
func (s *Store) GetRecent(ctx context.Context, n int) ([]*types.Memory, error) {
	if n < 1 {
		n = 10
	}
	return s.queryMemories(ctx,
		selectMemories+` WHERE m.deleted_at IS NULL ORDER BY m.created_at DESC LIMIT ?`, n)
}

// Count returns the number of live memories matching the filters. The count
// is computed by the database.
func (s *Store) Count(ctx context.Context, memoryType string, tags []string) (int, error) {
	conds := []string{"deleted_at IS NULL"}
	var args []any
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
			cond, tagArgs := tagCondition(cleaned, storage.TagMatchAny)
			conds = append(conds, cond)
			args = append(args, tagArgs...)
		}
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE `+strings.Join(conds, " AND "), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return count, nil
}

// ---------------------------------------------------------------------------
// Semantic search
// ---------------------------------------------------------------------------

// Retrieve embeds the query and ranks live memories by cosine similarity.
func (s *Store) Retrieve(ctx context.Context, query string, k int) ([]*types.MemoryQueryResult, error) {
	return s.Recall(ctx, query, k, storage.TimeWindow{})
}

// Recall combines semantic ranking with an optional creation-time window.
// An empty query degrades to the most recent memories inside the window,
// returned with zero similarity scores.
func (s *Store) Recall(ctx context.Context, query string, k int, window storage.TimeWindow) ([]*types.MemoryQueryResult, error) {
	if k < 1 {
		k = 10
	}

	if strings.TrimSpace(query) == "" {
		if window.IsZero() {
			return nil, fmt.Errorf("%w: a query or time window is required", storage.ErrInvalidInput)
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
		return nil, fmt.Errorf("%w: no provider configured for query embedding", embedding.ErrEmbedding)
	}
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.rankBySimilarity(ctx, vecs[0], k, window)
}

// rankBySimilarity loads candidate vectors, scores them in process, and
// materializes the top k live, non-archived memories.
func (s *Store) rankBySimilarity(ctx context.Context, queryVec []float32, k int, window storage.TimeWindow) ([]*types.MemoryQueryResult, error) {
	conds := []string{"m.deleted_at IS NULL"}
	args := []any{}
	if wConds, wArgs := windowCondition("m.created_at", window); len(wConds) > 0 {
		conds = append(conds, wConds...)
		args = append(args, wArgs...)
	}
	args = append(args, s.candidateLimit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.content_hash, e.vector
		FROM memory_embeddings e
		JOIN memories m ON m.content_hash = e.content_hash
		WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY m.created_at DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("load candidate vectors: %w", err)
	}
	defer rows.Close()

	type scored struct {
		hash       string
		similarity float64
	}
	var candidates []scored
	for rows.Next() {
		var hash string
		var blob []byte
		if err := rows.Scan(&hash, &blob); err != nil {
			return nil, fmt.Errorf("scan candidate vector: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, scored{hash: hash, similarity: cosineSimilarity(queryVec, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidate vectors: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].similarity != candidates[j].similarity {
			return candidates[i].similarity > candidates[j].similarity
		}
		return candidates[i].hash < candidates[j].hash
	})

	// Over-fetch so that archived memories filtered below cannot starve
	// the result set.
	fetch := k * 3
	if fetch > len(candidates) {
		fetch = len(candidates)
	}
	hashes := make([]string, 0, fetch)
	for _, c := range candidates[:fetch] {
		hashes = append(hashes, c.hash)
	}
	byHash, err := s.fetchByHashes(ctx, hashes)
	if err != nil {
		return nil, err
	}

	results := make([]*types.MemoryQueryResult, 0, k)
	for _, c := range candidates[:fetch] {
		m, ok := byHash[c.hash]
		if !ok || m.MetaBool(types.MetaArchived) {
			continue
		}
		results = append(results, &types.MemoryQueryResult{
			Memory:          m,
			SimilarityScore: similarityScore(cosineDistance(c.similarity)),
			Distance:        cosineDistance(c.similarity),
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

func (s *Store) fetchByHashes(ctx context.Context, hashes []string) (map[string]*types.Memory, error) {
	out := make(map[string]*types.Memory, len(hashes))
	const chunkSize = 500
	for start := 0; start < len(hashes); start += chunkSize {
		end := start + chunkSize
		if end > len(hashes) {
			end = len(hashes)
		}
		chunk := hashes[start:end]
		args := make([]any, len(chunk))
		for i, h := range chunk {
			args[i] = h
		}
		memories, err := s.queryMemories(ctx,
			selectMemories+` WHERE m.content_hash IN (`+placeholders(len(chunk))+`) AND m.deleted_at IS NULL`,
			args...)
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

	conds := []string{"m.deleted_at IS NULL"}
	var args []any
	cond, tagArgs := tagCondition(cleaned, op)
	conds = append(conds, cond)
	args = append(args, tagArgs...)
	if wConds, wArgs := windowCondition("m.created_at", window); len(wConds) > 0 {
		conds = append(conds, wConds...)
		args = append(args, wArgs...)
	}

	args = append(args, searchRowLimit)
	return s.queryMemories(ctx,
		selectMemories+` WHERE `+strings.Join(conds, " AND ")+
			` ORDER BY m.created_at DESC LIMIT ?`, args...)
}

// SearchByTimeframe returns live memories created inside the window, newest
// first, optionally restricted to one exact tag.
func (s *Store) SearchByTimeframe(ctx context.Context, window storage.TimeWindow, tag string) ([]*types.Memory, error) {
	if window.IsZero() {
		return nil, fmt.Errorf("%w: a time window is required", storage.ErrInvalidInput)
	}

	conds := []string{"m.deleted_at IS NULL"}
	var args []any
	wConds, wArgs := windowCondition("m.created_at", window)
	conds = append(conds, wConds...)
	args = append(args, wArgs...)
	if tag = strings.TrimSpace(tag); tag != "" {
		cond, tagArgs := tagCondition([]string{tag}, storage.TagMatchAll)
		conds = append(conds, cond)
		args = append(args, tagArgs...)
	}

	args = append(args, searchRowLimit)
	return s.queryMemories(ctx,
		selectMemories+` WHERE `+strings.Join(conds, " AND ")+
			` ORDER BY m.created_at DESC LIMIT ?`, args...)
}

// ---------------------------------------------------------------------------
// Sync reads
// ---------------------------------------------------------------------------

// GetMemoryTimestamps returns (hash, created_at, updated_at) for every live
// memory in one query, most recently updated first.
func (s *Store) GetMemoryTimestamps(ctx context.Context) ([]storage.MemoryStamp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content_hash, created_at, updated_at
		FROM memories WHERE deleted_at IS NULL
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("load timestamps: %w", err)
	}
	defer rows.Close()

	var stamps []storage.MemoryStamp
	for rows.Next() {
		var st storage.MemoryStamp
		if err := rows.Scan(&st.ContentHash, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan timestamps: %w", err)
		}
		stamps = append(stamps, st)
	}
	return stamps, rows.Err()
}

// GetUpdatedSince returns live memories with updated_at strictly after ts,
// oldest first so callers can checkpoint as they page.
func (s *Store) GetUpdatedSince(ctx context.Context, ts float64, limit int) ([]*types.Memory, error) {
	if limit < 1 {
		limit = 1000
	}
	return s.queryMemories(ctx,
		selectMemories+` WHERE m.deleted_at IS NULL AND m.updated_at > ?
		ORDER BY m.updated_at ASC LIMIT ?`, ts, limit)
}

// GetAllContentHashes returns the set of live content hashes.
func (s *Store) GetAllContentHashes(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT content_hash FROM memories WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("load content hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]struct{})
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan content hash: %w", err)
		}
		hashes[h] = struct{}{}
	}
	return hashes, rows.Err()
}

// IsDeleted reports whether the hash exists as a tombstone.
func (s *Store) IsDeleted(ctx context.Context, contentHash string) (bool, error) {
	if !storage.ValidContentHash(contentHash) {
		return false, fmt.Errorf("%w: invalid content hash %q", storage.ErrInvalidInput, contentHash)
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM memories WHERE content_hash = ? AND deleted_at IS NOT NULL`, contentHash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check tombstone: %w", err)
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// GetStats reports live totals, week activity, tag cardinality and the
// database file size.
func (s *Store) GetStats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{Backend: s.Backend()}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL`).Scan(&stats.TotalMemories); err != nil {
		return nil, fmt.Errorf("count memories: %w", err)
	}

	weekAgo := types.UnixSeconds(time.Now()) - 7*86400
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL AND created_at >= ?`,
		weekAgo).Scan(&stats.MemoriesThisWeek); err != nil {
		return nil, fmt.Errorf("count recent memories: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT tags_csv FROM memories WHERE deleted_at IS NULL AND tags_csv != ''`)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()
	unique := make(map[string]struct{})
	for rows.Next() {
		var csv string
		if err := rows.Scan(&csv); err != nil {
			return nil, fmt.Errorf("scan tags: %w", err)
		}
		for _, t := range strings.Split(csv, ",") {
			if t != "" {
				unique[t] = struct{}{}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	stats.UniqueTags = len(unique)

	if s.path != ":memory:" {
		if fi, err := os.Stat(s.path); err == nil {
			stats.DatabaseSizeBytes = fi.Size()
		}
	}
	if s.embedder != nil {
		stats.EmbeddingModel = s.embedder.Model()
		stats.EmbeddingDimension = s.embedder.Dimension()
	}
	return stats, nil
}
