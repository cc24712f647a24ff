package cloudflare

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/scrypster/keepsake/internal/embedding"
	"github.com/scrypster/keepsake/internal/quality"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// d1InChunk bounds IN-clause parameter counts; the D1 HTTP endpoint caps
// bound parameters per statement at 100.
const d1InChunk = 80

// Store implements storage.Storage against the Cloudflare account: D1 holds
// the memory rows and the association graph, Vectorize holds the vectors.
// D1 is the source of truth — every read filters deleted_at IS NULL there,
// so a vector that outlives its row is invisible rather than harmful.
type Store struct {
	cfg      Config
	client   *apiClient
	embedder embedding.Provider
	capacity *capacityTracker
}

// New builds the remote store. The returned store performs no network I/O
// until Initialize or the first operation.
func New(cfg Config, embedder embedding.Provider) (*Store, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Store{cfg: cfg, client: newAPIClient(cfg), embedder: embedder}
	s.capacity = newCapacityTracker(cfg.MaxVectors, func(ctx context.Context) (int64, error) {
		info, err := s.indexInfo(ctx)
		if err != nil {
			return 0, err
		}
		return info.VectorCount, nil
	})
	return s, nil
}

// Initialize applies the D1 schema (idempotent) and seeds the capacity
// tracker from the index. A mismatched index dimension is reported loudly
// but not fatal here; upserts against the wrong index fail on their own.
func (s *Store) Initialize(ctx context.Context) error {
	for _, stmt := range d1Schema {
		if _, err := s.d1Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply remote schema: %w", err)
		}
	}

	info, err := s.indexInfo(ctx)
	if err != nil {
		log.Printf("WARNING: vectorize index info unavailable, capacity checks start cold: %v", err)
		return nil
	}
	s.capacity.seed(info.VectorCount)
	if s.embedder != nil && info.Dimensions > 0 && s.embedder.Dimension() != info.Dimensions {
		log.Printf("WARNING: embedding dimension %d does not match vectorize index dimension %d",
			s.embedder.Dimension(), info.Dimensions)
	}
	return nil
}

// Close is a no-op; the store holds no persistent connections.
func (s *Store) Close() error { return nil }

// Backend identifies this storage implementation.
func (s *Store) Backend() string { return "cloudflare" }

// MaxContentLength reports the remote per-memory content cap. Content
// larger than this must be chunked by the service layer before storing.
func (s *Store) MaxContentLength() int { return s.cfg.MaxContentLength }

// SupportsChunking reports that oversized content may be split into linked
// chunks before storage.
func (s *Store) SupportsChunking() bool { return true }

// Capacity returns the current index utilization snapshot for health and
// stats endpoints.
func (s *Store) Capacity(ctx context.Context) CapacityReport {
	return s.capacity.report(ctx)
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// Store inserts a new memory. All platform limits are checked before the
// first network call: content length, serialized vector metadata size, and
// index capacity. A live memory with the same content hash is a duplicate;
// a tombstoned one is revived in place.
//
// The vector is written before the row: a vector without a row is invisible
// (hydration drops it), while a row without a vector would silently miss
// semantic search.
func (s *Store) Store(ctx context.Context, m *types.Memory) error {
	if err := s.prepareForWrite(m); err != nil {
		return err
	}
	metadataJSON, vectorMeta, err := s.encodeMetadata(m)
	if err != nil {
		return err
	}
	if err := s.capacity.ensureRoom(ctx, 1); err != nil {
		return err
	}
	if err := s.embedMissing(ctx, []*types.Memory{m}); err != nil {
		return err
	}

	rows, err := s.d1Query(ctx, `SELECT deleted_at FROM memories WHERE content_hash = ?`, m.ContentHash)
	if err != nil {
		return fmt.Errorf("check existing memory: %w", err)
	}
	if len(rows) > 0 && rows[0]["deleted_at"] == nil {
		return fmt.Errorf("%w: memory with hash %s already exists", storage.ErrDuplicate, shortHash(m.ContentHash))
	}

	if err := s.upsertVectors(ctx, []vectorRecord{{
		ID:       m.ContentHash,
		Values:   m.Embedding,
		Metadata: vectorMeta,
	}}); err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}

	if _, err := s.d1Exec(ctx, insertMemorySQL(1),
		m.ContentHash, m.Content, strings.Join(m.Tags, ","), m.MemoryType, metadataJSON,
		m.CreatedAt, m.CreatedAtISO, m.UpdatedAt, m.UpdatedAtISO); err != nil {
		// Remove the vector so a retry starts clean instead of surfacing a
		// phantom search hit.
		if delErr := s.deleteVectors(ctx, []string{m.ContentHash}); delErr != nil {
			log.Printf("WARNING: orphaned vector %s after failed insert: %v", shortHash(m.ContentHash), delErr)
		}
		return fmt.Errorf("insert memory: %w", err)
	}
	s.capacity.commit(1)
	return nil
}

// StoreBatch stores many memories in two bulk calls: one NDJSON vector
// upsert and one multi-row D1 insert. Items that fail validation or are
// live duplicates get a per-item error and do not block the rest; a
// transport failure aborts the remaining items and is returned as the
// second value.
func (s *Store) StoreBatch(ctx context.Context, memories []*types.Memory) ([]storage.BatchResult, error) {
	results := make([]storage.BatchResult, len(memories))
	type item struct {
		m            *types.Memory
		idx          int
		metadataJSON string
		vectorMeta   map[string]interface{}
	}
	var batch []item
	for i, m := range memories {
		if m == nil {
			results[i].Err = fmt.Errorf("%w: memory is required", storage.ErrInvalidInput)
			continue
		}
		if err := s.prepareForWrite(m); err != nil {
			results[i] = storage.BatchResult{ContentHash: m.ContentHash, Err: err}
			continue
		}
		results[i].ContentHash = m.ContentHash
		metadataJSON, vectorMeta, err := s.encodeMetadata(m)
		if err != nil {
			results[i].Err = err
			continue
		}
		batch = append(batch, item{m: m, idx: i, metadataJSON: metadataJSON, vectorMeta: vectorMeta})
	}
	if len(batch) == 0 {
		return results, nil
	}

	if err := s.capacity.ensureRoom(ctx, len(batch)); err != nil {
		return results, err
	}
	toEmbed := make([]*types.Memory, 0, len(batch))
	for _, it := range batch {
		toEmbed = append(toEmbed, it.m)
	}
	if err := s.embedMissing(ctx, toEmbed); err != nil {
		return results, err
	}

	// One existence query per chunk; live rows become per-item duplicates.
	live := make(map[string]bool)
	hashes := make([]string, len(batch))
	for i, it := range batch {
		hashes[i] = it.m.ContentHash
	}
	for _, chunk := range chunkStrings(hashes, d1InChunk) {
		rows, err := s.d1Query(ctx,
			`SELECT content_hash, deleted_at FROM memories WHERE content_hash IN (`+placeholders(len(chunk))+`)`,
			stringArgs(chunk)...)
		if err != nil {
			return results, fmt.Errorf("check existing memories: %w", err)
		}
		for _, row := range rows {
			if hash, _ := row["content_hash"].(string); hash != "" && row["deleted_at"] == nil {
				live[hash] = true
			}
		}
	}

	keep := batch[:0]
	for _, it := range batch {
		if live[it.m.ContentHash] {
			results[it.idx].Err = fmt.Errorf("%w: memory with hash %s already exists",
				storage.ErrDuplicate, shortHash(it.m.ContentHash))
			continue
		}
		keep = append(keep, it)
	}
	if len(keep) == 0 {
		return results, nil
	}

	records := make([]vectorRecord, len(keep))
	for i, it := range keep {
		records[i] = vectorRecord{ID: it.m.ContentHash, Values: it.m.Embedding, Metadata: it.vectorMeta}
	}
	if err := s.upsertVectors(ctx, records); err != nil {
		return results, fmt.Errorf("upsert vectors: %w", err)
	}

	// Nine bound parameters per row; stay under the per-statement cap.
	rowsPerInsert := d1InChunk / 9
	for start := 0; start < len(keep); start += rowsPerInsert {
		end := start + rowsPerInsert
		if end > len(keep) {
			end = len(keep)
		}
		chunk := keep[start:end]
		args := make([]interface{}, 0, len(chunk)*9)
		for _, it := range chunk {
			args = append(args, it.m.ContentHash, it.m.Content, strings.Join(it.m.Tags, ","),
				it.m.MemoryType, it.metadataJSON,
				it.m.CreatedAt, it.m.CreatedAtISO, it.m.UpdatedAt, it.m.UpdatedAtISO)
		}
		if _, err := s.d1Exec(ctx, insertMemorySQL(len(chunk)), args...); err != nil {
			ids := make([]string, len(chunk))
			for i, it := range chunk {
				ids[i] = it.m.ContentHash
			}
			if delErr := s.deleteVectors(ctx, ids); delErr != nil {
				log.Printf("WARNING: %d orphaned vectors after failed batch insert: %v", len(ids), delErr)
			}
			return results, fmt.Errorf("insert memories: %w", err)
		}
		s.capacity.commit(len(chunk))
	}
	return results, nil
}

// insertMemorySQL renders the upsert for n rows. The conflict branch
// revives tombstones: live duplicates are rejected before this runs.
func insertMemorySQL(n int) string {
	row := "(?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)"
	rows := make([]string, n)
	for i := range rows {
		rows[i] = row
	}
	return `INSERT INTO memories
		(content_hash, content, tags_csv, memory_type, metadata_json,
		 created_at, created_at_iso, updated_at, updated_at_iso, deleted_at)
	VALUES ` + strings.Join(rows, ", ") + `
	ON CONFLICT(content_hash) DO UPDATE SET
		content        = excluded.content,
		tags_csv       = excluded.tags_csv,
		memory_type    = excluded.memory_type,
		metadata_json  = excluded.metadata_json,
		created_at     = excluded.created_at,
		created_at_iso = excluded.created_at_iso,
		updated_at     = excluded.updated_at,
		updated_at_iso = excluded.updated_at_iso,
		deleted_at     = NULL`
}

// Update rewrites the mutable fields of an existing live memory in D1.
// The vector's copy of the metadata is left alone: every query hydrates
// and filters through D1, so a stale vector-side copy is never observable.
func (s *Store) Update(ctx context.Context, m *types.Memory) error {
	if m == nil {
		return fmt.Errorf("%w: memory is required", storage.ErrInvalidInput)
	}
	if !storage.ValidContentHash(m.ContentHash) {
		return fmt.Errorf("%w: invalid content hash %q", storage.ErrInvalidInput, m.ContentHash)
	}
	cleaned, err := storage.CleanTags(m.Tags)
	if err != nil {
		return err
	}
	m.Tags = cleaned
	if m.UpdatedAt == 0 {
		m.TouchUpdated(time.Now())
	}
	m.UpdatedAtISO = types.ISOFromUnix(m.UpdatedAt)

	metadataJSON, err := marshalMetadata(quality.CompressMetadata(m.Metadata))
	if err != nil {
		return err
	}

	changes, err := s.d1Exec(ctx, `
		UPDATE memories
		SET tags_csv = ?, memory_type = ?, metadata_json = ?, updated_at = ?, updated_at_iso = ?
		WHERE content_hash = ? AND deleted_at IS NULL`,
		strings.Join(m.Tags, ","), m.MemoryType, metadataJSON,
		m.UpdatedAt, m.UpdatedAtISO, m.ContentHash)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	if changes == 0 {
		return fmt.Errorf("%w: memory %s", storage.ErrNotFound, shortHash(m.ContentHash))
	}
	return nil
}

// UpdateBatch applies Update item by item and reports per-item outcomes.
// The D1 HTTP endpoint runs one statement per call, so unlike the local
// backend the batch is not transactional; the observable end state still
// matches sequential Update calls.
func (s *Store) UpdateBatch(ctx context.Context, memories []*types.Memory) ([]storage.BatchResult, error) {
	results := make([]storage.BatchResult, 0, len(memories))
	for _, m := range memories {
		r := storage.BatchResult{}
		if m != nil {
			r.ContentHash = m.ContentHash
		}
		r.Err = s.Update(ctx, m)
		results = append(results, r)
	}
	return results, nil
}

// Delete tombstones the memory in D1 and removes its vector from the
// index. The row is retained so that sync peers see the deletion instead
// of resurrecting the memory.
func (s *Store) Delete(ctx context.Context, contentHash string) error {
	if !storage.ValidContentHash(contentHash) {
		return fmt.Errorf("%w: invalid content hash %q", storage.ErrInvalidInput, contentHash)
	}
	now := types.UnixSeconds(time.Now())
	changes, err := s.d1Exec(ctx, `
		UPDATE memories
		SET deleted_at = ?, updated_at = ?, updated_at_iso = ?
		WHERE content_hash = ? AND deleted_at IS NULL`,
		now, now, types.ISOFromUnix(now), contentHash)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if changes == 0 {
		return fmt.Errorf("%w: memory %s", storage.ErrNotFound, shortHash(contentHash))
	}
	s.dropVectors(ctx, []string{contentHash})
	return nil
}

// DeleteByTags tombstones every live memory matching the tag filter and
// returns how many were affected.
func (s *Store) DeleteByTags(ctx context.Context, tags []string, op storage.TagOperation) (int, error) {
	cleaned, err := storage.CleanTags(tags)
	if err != nil {
		return 0, err
	}
	if len(cleaned) == 0 {
		return 0, fmt.Errorf("%w: at least one tag is required", storage.ErrInvalidInput)
	}
	cond, args := tagConditionD1(cleaned, op)
	return s.tombstoneWhere(ctx, cond, args)
}

// DeleteByTimeframe tombstones live memories created inside the window,
// optionally restricted to a tag.
func (s *Store) DeleteByTimeframe(ctx context.Context, window storage.TimeWindow, tag string) (int, error) {
	if window.IsZero() {
		return 0, fmt.Errorf("%w: a time window is required", storage.ErrInvalidInput)
	}
	conds, args := windowConditionD1("created_at", window)
	if tag = strings.TrimSpace(tag); tag != "" {
		tagCond, tagArgs := tagConditionD1([]string{tag}, storage.TagMatchAll)
		conds = append(conds, tagCond)
		args = append(args, tagArgs...)
	}
	return s.tombstoneWhere(ctx, strings.Join(conds, " AND "), args)
}

// DeleteBeforeDate tombstones live memories created strictly before the
// given Unix timestamp, optionally restricted to a tag.
func (s *Store) DeleteBeforeDate(ctx context.Context, before float64, tag string) (int, error) {
	if before <= 0 {
		return 0, fmt.Errorf("%w: a cutoff timestamp is required", storage.ErrInvalidInput)
	}
	cond := "created_at < ?"
	args := []interface{}{before}
	if tag = strings.TrimSpace(tag); tag != "" {
		tagCond, tagArgs := tagConditionD1([]string{tag}, storage.TagMatchAll)
		cond += " AND " + tagCond
		args = append(args, tagArgs...)
	}
	return s.tombstoneWhere(ctx, cond, args)
}

// tombstoneWhere selects the matching hashes first so their vectors can be
// removed, then tombstones the exact selected set.
func (s *Store) tombstoneWhere(ctx context.Context, cond string, args []interface{}) (int, error) {
	rows, err := s.d1Query(ctx,
		`SELECT content_hash FROM memories WHERE deleted_at IS NULL AND (`+cond+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("select for bulk delete: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	hashes := make([]string, 0, len(rows))
	for _, row := range rows {
		if h, _ := row["content_hash"].(string); h != "" {
			hashes = append(hashes, h)
		}
	}

	now := types.UnixSeconds(time.Now())
	total := 0
	for _, chunk := range chunkStrings(hashes, d1InChunk) {
		params := append([]interface{}{now, now, types.ISOFromUnix(now)}, stringArgs(chunk)...)
		changes, err := s.d1Exec(ctx, `
			UPDATE memories
			SET deleted_at = ?, updated_at = ?, updated_at_iso = ?
			WHERE deleted_at IS NULL AND content_hash IN (`+placeholders(len(chunk))+`)`, params...)
		if err != nil {
			return total, fmt.Errorf("bulk delete: %w", err)
		}
		total += int(changes)
	}
	s.dropVectors(ctx, hashes)
	return total, nil
}

// PurgeDeleted permanently removes tombstones older than the retention
// period, together with their graph edges. Their vectors were removed at
// delete time; the index delete here is best effort for strays.
func (s *Store) PurgeDeleted(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 0 {
		return 0, fmt.Errorf("%w: retention days cannot be negative", storage.ErrInvalidInput)
	}
	cutoff := types.UnixSeconds(time.Now().AddDate(0, 0, -olderThanDays))

	rows, err := s.d1Query(ctx,
		`SELECT content_hash FROM memories WHERE deleted_at IS NOT NULL AND deleted_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("select tombstones: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	hashes := make([]string, 0, len(rows))
	for _, row := range rows {
		if h, _ := row["content_hash"].(string); h != "" {
			hashes = append(hashes, h)
		}
	}

	purged := 0
	for _, chunk := range chunkStrings(hashes, d1InChunk/2) {
		in := placeholders(len(chunk))
		edgeArgs := append(stringArgs(chunk), stringArgs(chunk)...)
		if _, err := s.d1Exec(ctx,
			`DELETE FROM memory_graph WHERE source_hash IN (`+in+`) OR target_hash IN (`+in+`)`,
			edgeArgs...); err != nil {
			return purged, fmt.Errorf("purge graph edges: %w", err)
		}
		changes, err := s.d1Exec(ctx,
			`DELETE FROM memories WHERE content_hash IN (`+in+`)`, stringArgs(chunk)...)
		if err != nil {
			return purged, fmt.Errorf("purge memories: %w", err)
		}
		purged += int(changes)
		if err := s.deleteVectors(ctx, chunk); err != nil {
			log.Printf("WARNING: purge left %d vectors behind: %v", len(chunk), err)
		}
	}
	return purged, nil
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

func (s *Store) prepareForWrite(m *types.Memory) error {
	if m == nil {
		return fmt.Errorf("%w: memory is required", storage.ErrInvalidInput)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(m.Content); n > s.cfg.MaxContentLength {
		return fmt.Errorf("%w: content is %d characters, the remote backend caps it at %d; split before storing",
			storage.ErrLimitExceeded, n, s.cfg.MaxContentLength)
	}
	cleaned, err := storage.CleanTags(m.Tags)
	if err != nil {
		return err
	}
	m.Tags = cleaned
	if m.ContentHash == "" {
		m.ContentHash = storage.ContentHash(m.Content, m.Tags, m.MemoryType)
	}
	if !storage.ValidContentHash(m.ContentHash) {
		return fmt.Errorf("%w: invalid content hash %q", storage.ErrInvalidInput, m.ContentHash)
	}
	if m.CreatedAt == 0 {
		m.StampNew(time.Now())
	} else {
		m.NormalizeTimestamps()
	}
	return nil
}

// encodeMetadata produces the D1 metadata JSON and the vector-side metadata
// map, with quality state compressed to its CSV form in both. The vector
// metadata is serialized once here to enforce the platform's size cap before
// any network call.
func (s *Store) encodeMetadata(m *types.Memory) (string, map[string]interface{}, error) {
	compressed := quality.CompressMetadata(m.Metadata)
	metadataJSON, err := marshalMetadata(compressed)
	if err != nil {
		return "", nil, err
	}

	vectorMeta := make(map[string]interface{}, len(compressed)+3)
	for k, v := range compressed {
		vectorMeta[k] = v
	}
	vectorMeta["tags_csv"] = strings.Join(m.Tags, ",")
	vectorMeta["memory_type"] = m.MemoryType
	vectorMeta["created_at"] = m.CreatedAt

	raw, err := json.Marshal(vectorMeta)
	if err != nil {
		return "", nil, fmt.Errorf("%w: vector metadata is not serializable: %v", storage.ErrInvalidInput, err)
	}
	if len(raw) > s.cfg.MaxMetadataBytes {
		return "", nil, fmt.Errorf("%w: vector metadata is %d bytes after compression, the index caps it at %d",
			storage.ErrLimitExceeded, len(raw), s.cfg.MaxMetadataBytes)
	}
	return metadataJSON, vectorMeta, nil
}

// embedMissing fills in vectors for every memory that lacks one, in a
// single provider call.
func (s *Store) embedMissing(ctx context.Context, memories []*types.Memory) error {
	var texts []string
	var missing []*types.Memory
	for _, m := range memories {
		if len(m.Embedding) == 0 {
			texts = append(texts, m.Content)
			missing = append(missing, m)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if s.embedder == nil {
		return fmt.Errorf("%w: no provider configured and memory %s has no vector",
			embedding.ErrEmbedding, shortHash(missing[0].ContentHash))
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed content: %w", err)
	}
	for i, m := range missing {
		m.Embedding = vecs[i]
	}
	return nil
}

// dropVectors removes ids from the index, logging instead of failing: the
// D1 tombstone already hides the memory from every query.
func (s *Store) dropVectors(ctx context.Context, ids []string) {
	if err := s.deleteVectors(ctx, ids); err != nil {
		log.Printf("WARNING: %d vectors not removed from index: %v", len(ids), err)
		return
	}
	s.capacity.remove(len(ids))
}

func marshalMetadata(metadata map[string]interface{}) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("%w: metadata is not serializable: %v", storage.ErrInvalidInput, err)
	}
	return string(raw), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func chunkStrings(values []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var chunks [][]string
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end])
	}
	return chunks
}

// windowConditionD1 renders the creation/update-time window filter; zero
// bounds are unconstrained.
func windowConditionD1(column string, w storage.TimeWindow) ([]string, []interface{}) {
	var conds []string
	var args []interface{}
	if w.Start != 0 {
		conds = append(conds, column+" >= ?")
		args = append(args, w.Start)
	}
	if w.End != 0 {
		conds = append(conds, column+" <= ?")
		args = append(args, w.End)
	}
	return conds, args
}
