// Package pgvector implements the server-grade storage backend on
// PostgreSQL with the pgvector extension. Memories and the association
// graph live in ordinary tables; vectors live in a vector(N) column
// ranked by the <=> cosine operator under an ivfflat index, so semantic
// search runs inside the database instead of in process.
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/scrypster/keepsake/internal/embedding"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

const (
	// defaultDimension sizes the vector column when no embedder is
	// injected at construction.
	defaultDimension = 768

	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
)

// Store is the PostgreSQL-backed storage implementation.
type Store struct {
	db       *sql.DB
	dsn      string
	embedder embedding.Provider

	dims          int
	maxContentLen int
}

var _ storage.Storage = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithDimension overrides the vector column dimension used when the
// embeddings table is first created.
func WithDimension(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.dims = n
		}
	}
}

// WithMaxContentLength sets an advertised content-length cap. Zero means
// unlimited, which is the default.
func WithMaxContentLength(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxContentLen = n
		}
	}
}

// New connects to the database and prepares the schema. The pgvector
// extension must be available: this backend has no degraded mode, since
// semantic search is the reason to choose it.
func New(dsn string, embedder embedding.Provider, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%w: connection string is required", storage.ErrInvalidInput)
	}

	s := &Store{dsn: dsn, embedder: embedder, dims: defaultDimension}
	if embedder != nil && embedder.Dimension() > 0 {
		s.dims = embedder.Dimension()
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s.db = db

	if err := s.Initialize(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Initialize applies the schema. Every statement is idempotent, so repeat
// calls and concurrent initializers are safe.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("%w: pgvector extension unavailable: %v", storage.ErrSchema, err)
	}
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("%w: create schema: %v", storage.ErrSchema, err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(embeddingsSchema, s.dims)); err != nil {
		return fmt.Errorf("%w: create embeddings table: %v", storage.ErrSchema, err)
	}
	if _, err := s.db.ExecContext(ctx, embeddingsIndex); err != nil {
		log.Printf("WARNING: ivfflat index unavailable, vector search will scan sequentially: %v", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance tasks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Backend identifies this storage implementation.
func (s *Store) Backend() string { return "pgvector" }

// MaxContentLength reports the advertised content cap; zero means none.
func (s *Store) MaxContentLength() int { return s.maxContentLen }

// SupportsChunking reports that oversized content may be split into
// linked chunks before storage.
func (s *Store) SupportsChunking() bool { return true }

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// Store inserts a new memory. A live memory with the same content hash is a
// duplicate; a tombstoned one is revived in place. The embedding is computed
// here when the caller did not supply one.
func (s *Store) Store(ctx context.Context, m *types.Memory) error {
	if err := s.prepareForWrite(m); err != nil {
		return err
	}

	if len(m.Embedding) == 0 {
		if s.embedder == nil {
			return fmt.Errorf("%w: no provider configured and memory %s has no vector",
				embedding.ErrEmbedding, shortHash(m.ContentHash))
		}
		vecs, err := s.embedder.Embed(ctx, []string{m.Content})
		if err != nil {
			return fmt.Errorf("embed content: %w", err)
		}
		m.Embedding = vecs[0]
	}

	metadataJSON, err := marshalMetadata(m.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin store: %w", err)
	}
	defer tx.Rollback()

	var deletedAt sql.NullFloat64
	err = tx.QueryRowContext(ctx,
		`SELECT deleted_at FROM memories WHERE content_hash = $1`, m.ContentHash).Scan(&deletedAt)
	switch {
	case err == nil && !deletedAt.Valid:
		return fmt.Errorf("%w: memory with hash %s already exists", storage.ErrDuplicate, shortHash(m.ContentHash))
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check existing memory: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories
			(content_hash, content, tags_csv, memory_type, metadata_json,
			 created_at, created_at_iso, updated_at, updated_at_iso, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL)
		ON CONFLICT (content_hash) DO UPDATE SET
			content        = EXCLUDED.content,
			tags_csv       = EXCLUDED.tags_csv,
			memory_type    = EXCLUDED.memory_type,
			metadata_json  = EXCLUDED.metadata_json,
			created_at     = EXCLUDED.created_at,
			created_at_iso = EXCLUDED.created_at_iso,
			updated_at     = EXCLUDED.updated_at,
			updated_at_iso = EXCLUDED.updated_at_iso,
			deleted_at     = NULL`,
		m.ContentHash, m.Content, strings.Join(m.Tags, ","), m.MemoryType, metadataJSON,
		m.CreatedAt, m.CreatedAtISO, m.UpdatedAt, m.UpdatedAtISO); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	if err := upsertEmbedding(ctx, tx, m.ContentHash, m.Embedding); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit store: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing live memory: tags,
// memory type, metadata and the updated timestamp. Content, content hash
// and created_at are immutable.
func (s *Store) Update(ctx context.Context, m *types.Memory) error {
	if m == nil {
		return fmt.Errorf("%w: memory is required", storage.ErrInvalidInput)
	}
	if !storage.ValidContentHash(m.ContentHash) {
		return fmt.Errorf("%w: invalid content hash %q", storage.ErrInvalidInput, m.ContentHash)
	}
	if err := normalizeTags(m); err != nil {
		return err
	}
	if m.UpdatedAt == 0 {
		m.TouchUpdated(time.Now())
	}
	m.UpdatedAtISO = types.ISOFromUnix(m.UpdatedAt)

	metadataJSON, err := marshalMetadata(m.Metadata)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET tags_csv = $1, memory_type = $2, metadata_json = $3, updated_at = $4, updated_at_iso = $5
		WHERE content_hash = $6 AND deleted_at IS NULL`,
		strings.Join(m.Tags, ","), m.MemoryType, metadataJSON,
		m.UpdatedAt, m.UpdatedAtISO, m.ContentHash)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: memory %s", storage.ErrNotFound, shortHash(m.ContentHash))
	}
	return nil
}

// UpdateBatch applies Update to every memory inside one transaction and
// reports a per-item outcome. Items that fail validation or are missing
// do not abort the batch; the remaining updates still commit.
func (s *Store) UpdateBatch(ctx context.Context, memories []*types.Memory) ([]storage.BatchResult, error) {
	results := make([]storage.BatchResult, 0, len(memories))
	if len(memories) == 0 {
		return results, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch update: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE memories
		SET tags_csv = $1, memory_type = $2, metadata_json = $3, updated_at = $4, updated_at_iso = $5
		WHERE content_hash = $6 AND deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("prepare batch update: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, m := range memories {
		r := storage.BatchResult{}
		switch {
		case m == nil:
			r.Err = fmt.Errorf("%w: memory is required", storage.ErrInvalidInput)
		case !storage.ValidContentHash(m.ContentHash):
			r.ContentHash = m.ContentHash
			r.Err = fmt.Errorf("%w: invalid content hash %q", storage.ErrInvalidInput, m.ContentHash)
		default:
			r.ContentHash = m.ContentHash
			if err := normalizeTags(m); err != nil {
				r.Err = err
				break
			}
			if m.UpdatedAt == 0 {
				m.TouchUpdated(now)
			}
			m.UpdatedAtISO = types.ISOFromUnix(m.UpdatedAt)
			metadataJSON, err := marshalMetadata(m.Metadata)
			if err != nil {
				r.Err = err
				break
			}
			res, err := stmt.ExecContext(ctx,
				strings.Join(m.Tags, ","), m.MemoryType, metadataJSON,
				m.UpdatedAt, m.UpdatedAtISO, m.ContentHash)
			if err != nil {
				r.Err = fmt.Errorf("update memory: %w", err)
				break
			}
			if n, _ := res.RowsAffected(); n == 0 {
				r.Err = fmt.Errorf("%w: memory %s", storage.ErrNotFound, shortHash(m.ContentHash))
			}
		}
		results = append(results, r)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch update: %w", err)
	}
	return results, nil
}

// Delete tombstones a live memory. The row, its vector and its graph edges
// are retained so sync peers can observe the deletion; PurgeDeleted removes
// them permanently later.
func (s *Store) Delete(ctx context.Context, contentHash string) error {
	if !storage.ValidContentHash(contentHash) {
		return fmt.Errorf("%w: invalid content hash %q", storage.ErrInvalidInput, contentHash)
	}
	now := types.UnixSeconds(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET deleted_at = $1, updated_at = $2, updated_at_iso = $3
		WHERE content_hash = $4 AND deleted_at IS NULL`,
		now, now, types.ISOFromUnix(now), contentHash)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: memory %s", storage.ErrNotFound, shortHash(contentHash))
	}
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

	now := types.UnixSeconds(time.Now())
	args := []any{now, now, types.ISOFromUnix(now)}
	cond := tagCondition(cleaned, op, &args)
	return s.tombstoneWhere(ctx, cond, args)
}

// DeleteByTimeframe tombstones live memories created inside the window,
// optionally restricted to a tag.
func (s *Store) DeleteByTimeframe(ctx context.Context, window storage.TimeWindow, tag string) (int, error) {
	if window.IsZero() {
		return 0, fmt.Errorf("%w: a time window is required", storage.ErrInvalidInput)
	}

	now := types.UnixSeconds(time.Now())
	args := []any{now, now, types.ISOFromUnix(now)}
	var conds []string
	windowCondition("created_at", window, &conds, &args)
	if tag = strings.TrimSpace(tag); tag != "" {
		conds = append(conds, tagCondition([]string{tag}, storage.TagMatchAll, &args))
	}
	return s.tombstoneWhere(ctx, strings.Join(conds, " AND "), args)
}

// DeleteBeforeDate tombstones live memories created strictly before the
// given Unix timestamp, optionally restricted to a tag.
func (s *Store) DeleteBeforeDate(ctx context.Context, before float64, tag string) (int, error) {
	if before <= 0 {
		return 0, fmt.Errorf("%w: a cutoff timestamp is required", storage.ErrInvalidInput)
	}

	now := types.UnixSeconds(time.Now())
	args := []any{now, now, types.ISOFromUnix(now), before}
	cond := fmt.Sprintf("created_at < $%d", len(args))
	if tag = strings.TrimSpace(tag); tag != "" {
		cond += " AND " + tagCondition([]string{tag}, storage.TagMatchAll, &args)
	}
	return s.tombstoneWhere(ctx, cond, args)
}

// tombstoneWhere stamps deleted_at on live rows matching cond. The first
// three args are always the tombstone timestamps.
func (s *Store) tombstoneWhere(ctx context.Context, cond string, args []any) (int, error) {
	query := fmt.Sprintf(`
		UPDATE memories
		SET deleted_at = $1, updated_at = $2, updated_at_iso = $3
		WHERE deleted_at IS NULL AND (%s)`, cond)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("bulk delete: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeDeleted permanently removes tombstones older than the retention
// period. Graph edges are removed explicitly; embeddings follow through
// the ON DELETE CASCADE foreign key.
func (s *Store) PurgeDeleted(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 0 {
		return 0, fmt.Errorf("%w: retention days must be >= 0", storage.ErrInvalidInput)
	}
	cutoff := types.UnixSeconds(time.Now()) - float64(olderThanDays)*86400

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()

	const doomed = `SELECT content_hash FROM memories WHERE deleted_at IS NOT NULL AND deleted_at < $1`
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_graph WHERE source_hash IN (`+doomed+`) OR target_hash IN (`+doomed+`)`,
		cutoff); err != nil {
		return 0, fmt.Errorf("purge graph edges: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM memories WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge memories: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
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
	if err := normalizeTags(m); err != nil {
		return err
	}
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

func normalizeTags(m *types.Memory) error {
	cleaned, err := storage.CleanTags(m.Tags)
	if err != nil {
		return err
	}
	m.Tags = cleaned
	return nil
}

// tagCondition appends its arguments to args and renders a WHERE fragment
// that matches whole tags inside the CSV column. Wrapping both sides in
// commas makes the comparison exact, so "auth" never matches "author".
func tagCondition(tags []string, op storage.TagOperation, args *[]any) string {
	conds := make([]string, 0, len(tags))
	for _, t := range tags {
		*args = append(*args, ","+t+",")
		conds = append(conds, fmt.Sprintf("position($%d in ',' || tags_csv || ',') > 0", len(*args)))
	}
	joiner := " OR "
	if op == storage.TagMatchAll {
		joiner = " AND "
	}
	return "(" + strings.Join(conds, joiner) + ")"
}

// windowCondition appends the optional time window against col. Zero
// bounds are unconstrained.
func windowCondition(col string, w storage.TimeWindow, conds *[]string, args *[]any) {
	if w.Start != 0 {
		*args = append(*args, w.Start)
		*conds = append(*conds, fmt.Sprintf("%s >= $%d", col, len(*args)))
	}
	if w.End != 0 {
		*args = append(*args, w.End)
		*conds = append(*conds, fmt.Sprintf("%s <= $%d", col, len(*args)))
	}
}

// placeholders renders $start .. $start+n-1 for an IN list.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ",")
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

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
