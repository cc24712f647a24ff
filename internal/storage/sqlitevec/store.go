// Package sqlitevec implements the local storage backend: memories, their
// embedding vectors and the association graph live in a single SQLite
// database file. The driver is pure Go (modernc.org/sqlite), so vector
// similarity is computed in-process over candidate rows instead of by a
// native extension.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scrypster/keepsake/internal/embedding"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

const (
	// defaultBusyTimeoutMS is applied on the connection string so every
	// connection waits for locks instead of failing fast. Concurrent
	// readers (MCP server, web UI, consolidation) share one file.
	defaultBusyTimeoutMS = 15000

	// defaultCandidateLimit bounds how many embedding rows a semantic
	// search loads for in-process scoring.
	defaultCandidateLimit = 10000
)

// Store is the SQLite-backed storage implementation.
type Store struct {
	db       *sql.DB
	path     string
	embedder embedding.Provider

	busyTimeoutMS  int
	extraPragmas   map[string]string
	candidateLimit int
	maxContentLen  int
}

var _ storage.Storage = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithBusyTimeout overrides the busy_timeout pragma (milliseconds).
func WithBusyTimeout(ms int) Option {
	return func(s *Store) {
		if ms > 0 {
			s.busyTimeoutMS = ms
		}
	}
}

// WithPragmas adds extra connection pragmas, e.g. {"cache_size": "20000"}.
func WithPragmas(pragmas map[string]string) Option {
	return func(s *Store) {
		for k, v := range pragmas {
			s.extraPragmas[k] = v
		}
	}
}

// WithCandidateLimit bounds the number of vectors scored per search.
func WithCandidateLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.candidateLimit = n
		}
	}
}

// WithMaxContentLength sets an advertised content-length cap. Zero means
// unlimited, which is the default for the local backend.
func WithMaxContentLength(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxContentLen = n
		}
	}
}

// New opens (or creates) the database at path and prepares the schema.
// If the existing file is corrupt it is moved aside and a fresh database
// is created in its place, so a damaged local cache never blocks startup.
func New(path string, embedder embedding.Provider, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: database path is required", storage.ErrInvalidInput)
	}

	s := &Store{
		path:           path,
		embedder:       embedder,
		busyTimeoutMS:  defaultBusyTimeoutMS,
		extraPragmas:   map[string]string{},
		candidateLimit: defaultCandidateLimit,
	}
	for _, opt := range opts {
		opt(s)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	if err := s.open(); err != nil {
		if !isCorruptionError(err) || path == ":memory:" {
			return nil, err
		}
		quarantine := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		log.Printf("WARNING: database at %s is corrupt, moving to %s and recreating", path, quarantine)
		s.closeQuietly()
		if renameErr := os.Rename(path, quarantine); renameErr != nil {
			return nil, fmt.Errorf("quarantine corrupt database: %v (original error: %w)", renameErr, err)
		}
		if err := s.open(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) open() error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and keeps in-memory
	// databases coherent; WAL still allows concurrent external readers.
	db.SetMaxOpenConns(1)
	s.db = db
	if err := s.Initialize(context.Background()); err != nil {
		return err
	}
	return nil
}

// dsn builds the connection string with pragmas applied at open time so
// that every connection carries them, rather than issuing PRAGMA
// statements after the fact.
func (s *Store) dsn() string {
	pragmas := []string{
		fmt.Sprintf("busy_timeout(%d)", s.busyTimeoutMS),
		"journal_mode(WAL)",
		"foreign_keys(1)",
		"synchronous(NORMAL)",
	}
	keys := make([]string, 0, len(s.extraPragmas))
	for k := range s.extraPragmas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pragmas = append(pragmas, fmt.Sprintf("%s(%s)", k, s.extraPragmas[k]))
	}

	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(s.path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteString("?")
		} else {
			b.WriteString("&")
		}
		b.WriteString("_pragma=")
		b.WriteString(url.QueryEscape(p))
	}
	return b.String()
}

// Initialize creates the schema on a fresh database or applies pending
// migrations to an existing one. Safe to call more than once.
func (s *Store) Initialize(ctx context.Context) error {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'memories'`).Scan(&name)
	fresh := errors.Is(err, sql.ErrNoRows)
	if err != nil && !fresh {
		return fmt.Errorf("%w: inspect schema: %v", storage.ErrSchema, err)
	}

	if fresh {
		if _, err := s.db.ExecContext(ctx, Schema); err != nil {
			return fmt.Errorf("%w: create schema: %v", storage.ErrSchema, err)
		}
		if err := s.setSchemaVersion(ctx, currentSchemaVersion); err != nil {
			return err
		}
		log.Printf("Database initialized at %s (schema v%d)", s.path, currentSchemaVersion)
		return nil
	}

	return s.migrate(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				if isIdempotentMigrationError(err) {
					log.Printf("WARNING: migration %d (%s) statement already applied: %v", m.version, m.name, err)
					continue
				}
				return fmt.Errorf("%w: migration %d (%s): %v", storage.ErrSchema, m.version, m.name, err)
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
		log.Printf("Applied schema migration %d (%s)", m.version, m.name)
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	// Databases created before version bookkeeping existed have the base
	// tables but no schema_version table.
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL, applied_at TEXT NOT NULL)`); err != nil {
		return 0, fmt.Errorf("%w: ensure schema_version: %v", storage.ErrSchema, err)
	}
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read schema version: %v", storage.ErrSchema, err)
	}
	return version, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("%w: reset schema version: %v", storage.ErrSchema, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
		version, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("%w: record schema version: %v", storage.ErrSchema, err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) closeQuietly() {
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
}

// DB exposes the underlying handle for maintenance tasks (backup, vacuum).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Backend identifies this storage implementation.
func (s *Store) Backend() string { return "sqlite_vec" }

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
		`SELECT deleted_at FROM memories WHERE content_hash = ?`, m.ContentHash).Scan(&deletedAt)
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(content_hash) DO UPDATE SET
			content        = excluded.content,
			tags_csv       = excluded.tags_csv,
			memory_type    = excluded.memory_type,
			metadata_json  = excluded.metadata_json,
			created_at     = excluded.created_at,
			created_at_iso = excluded.created_at_iso,
			updated_at     = excluded.updated_at,
			updated_at_iso = excluded.updated_at_iso,
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
		SET tags_csv = ?, memory_type = ?, metadata_json = ?, updated_at = ?, updated_at_iso = ?
		WHERE content_hash = ? AND deleted_at IS NULL`,
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
		SET tags_csv = ?, memory_type = ?, metadata_json = ?, updated_at = ?, updated_at_iso = ?
		WHERE content_hash = ? AND deleted_at IS NULL`)
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
		SET deleted_at = ?, updated_at = ?, updated_at_iso = ?
		WHERE content_hash = ? AND deleted_at IS NULL`,
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
	cond, args := tagCondition(cleaned, op)
	return s.tombstoneWhere(ctx, cond, args)
}

// DeleteByTimeframe tombstones live memories created inside the window,
// optionally restricted to a tag.
func (s *Store) DeleteByTimeframe(ctx context.Context, window storage.TimeWindow, tag string) (int, error) {
	if window.IsZero() {
		return 0, fmt.Errorf("%w: a time window is required", storage.ErrInvalidInput)
	}
	conds, args := windowCondition("created_at", window)
	if tag = strings.TrimSpace(tag); tag != "" {
		tagCond, tagArgs := tagCondition([]string{tag}, storage.TagMatchAll)
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
	args := []any{before}
	if tag = strings.TrimSpace(tag); tag != "" {
		tagCond, tagArgs := tagCondition([]string{tag}, storage.TagMatchAll)
		cond += " AND " + tagCond
		args = append(args, tagArgs...)
	}
	return s.tombstoneWhere(ctx, cond, args)
}

func (s *Store) tombstoneWhere(ctx context.Context, cond string, args []any) (int, error) {
	now := types.UnixSeconds(time.Now())
	query := fmt.Sprintf(`
		UPDATE memories
		SET deleted_at = ?, updated_at = ?, updated_at_iso = ?
		WHERE deleted_at IS NULL AND (%s)`, cond)
	res, err := s.db.ExecContext(ctx, query, append([]any{now, now, types.ISOFromUnix(now)}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("bulk delete: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeDeleted permanently removes tombstones older than the retention
// period, together with their vectors and graph edges.
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

	const doomed = `SELECT content_hash FROM memories WHERE deleted_at IS NOT NULL AND deleted_at < ?`
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_graph WHERE source_hash IN (`+doomed+`) OR target_hash IN (`+doomed+`)`,
		cutoff, cutoff); err != nil {
		return 0, fmt.Errorf("purge graph edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_embeddings WHERE content_hash IN (`+doomed+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("purge embeddings: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM memories WHERE deleted_at IS NOT NULL AND deleted_at < ?`, cutoff)
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

// tagCondition builds a WHERE fragment that matches whole tags inside the
// CSV column. Wrapping both sides in commas makes the comparison exact, so
// "auth" never matches "author".
func tagCondition(tags []string, op storage.TagOperation) (string, []any) {
	conds := make([]string, 0, len(tags))
	args := make([]any, 0, len(tags))
	for _, t := range tags {
		conds = append(conds, `instr(',' || tags_csv || ',', ?) > 0`)
		args = append(args, ","+t+",")
	}
	joiner := " OR "
	if op == storage.TagMatchAll {
		joiner = " AND "
	}
	return "(" + strings.Join(conds, joiner) + ")", args
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

func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "database disk image is malformed")
}

func isIdempotentMigrationError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate column name") ||
		strings.Contains(msg, "already exists")
}
