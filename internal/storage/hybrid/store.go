// Package hybrid combines a fast local backend with a durable remote one.
//
// Every read is served by the primary. Every write lands on the primary
// synchronously and, once it succeeded, is queued for the secondary; the
// caller never waits on the remote. A single background sync service drains
// the queue, a reconciliation pass aligns both sides at startup, and a
// drift detector repairs divergence on an interval. The secondary being
// slow or unreachable therefore degrades durability, never availability.
package hybrid

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// Sync owner identities. The owner setting decides which process runs the
// queue consumer when several processes share one local database.
const (
	OwnerHTTP = "http"
	OwnerRPC  = "rpc"
	OwnerBoth = "both"
)

// Config tunes the sync engine between the two backends.
type Config struct {
	// Owner selects which process role runs the sync service: "http",
	// "rpc", or "both". A process whose Role does not match never
	// consumes the queue; its writes reach the secondary through the
	// owning process's drift passes over the shared primary.
	Owner string

	// Role identifies this process ("http" or "rpc").
	Role string

	// QueueSize bounds the sync queue. Default 2000.
	QueueSize int

	// BatchSize caps how many queued ops one dispatch round collects.
	// Default 100.
	BatchSize int

	// MaxConcurrent bounds parallel secondary writes. Default 15.
	MaxConcurrent int64

	// EnqueueTimeout is how long a write waits for queue space before
	// falling back to a direct synchronous secondary write. Default 5s.
	EnqueueTimeout time.Duration

	// MaxAttempts bounds delivery attempts per op for transient
	// failures. Default 3.
	MaxAttempts int

	// RetryDelayUnit scales the attempt-squared backoff between
	// delivery attempts. Default 200ms.
	RetryDelayUnit time.Duration

	// DriftInterval is the period between drift detection passes.
	// Default 1h.
	DriftInterval time.Duration

	// DriftBatchSize is the page size used when collecting changed
	// records for a drift pass. Default 100.
	DriftBatchSize int

	// DriftDryRun logs the writes a drift pass would perform without
	// performing them.
	DriftDryRun bool

	// NoUpdateSync keeps metadata-only updates local: queued update ops
	// are dropped and drift passes skip records both sides already
	// track. Inserts and deletes still propagate.
	NoUpdateSync bool

	// PurgeInterval is the period between tombstone purge runs.
	// Default 24h.
	PurgeInterval time.Duration

	// TombstoneRetentionDays is how long tombstones are kept before the
	// purge daemon removes them physically. Default 30.
	TombstoneRetentionDays int

	// ReconcilePageSize is the remote page size during initial
	// reconciliation. Default 500.
	ReconcilePageSize int

	// ShutdownTimeout bounds how long Close waits for in-flight sync
	// work. Default 30s.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	c.Owner = strings.ToLower(strings.TrimSpace(c.Owner))
	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	if c.Owner == "" {
		c.Owner = OwnerBoth
	}
	if c.Role == "" {
		c.Role = OwnerRPC
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 2000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchSize < 50 {
		c.BatchSize = 50
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 15
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelayUnit <= 0 {
		c.RetryDelayUnit = 200 * time.Millisecond
	}
	if c.DriftInterval <= 0 {
		c.DriftInterval = time.Hour
	}
	if c.DriftBatchSize <= 0 {
		c.DriftBatchSize = 100
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = 24 * time.Hour
	}
	if c.TombstoneRetentionDays <= 0 {
		c.TombstoneRetentionDays = 30
	}
	if c.ReconcilePageSize <= 0 {
		c.ReconcilePageSize = 500
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

func (c Config) validate() error {
	switch c.Owner {
	case OwnerHTTP, OwnerRPC, OwnerBoth:
	default:
		return fmt.Errorf("%w: unknown sync owner %q", storage.ErrInvalidInput, c.Owner)
	}
	switch c.Role {
	case OwnerHTTP, OwnerRPC:
	default:
		return fmt.Errorf("%w: unknown sync role %q", storage.ErrInvalidInput, c.Role)
	}
	return nil
}

// Store implements storage.Storage over a primary (local, fast) and a
// secondary (remote, durable) backend.
type Store struct {
	primary   storage.Storage
	secondary storage.Storage
	syncer    *Syncer
	cfg       Config
}

// New wraps the two backends. Initialize must be called before use; it
// opens both backends and starts the sync service.
func New(primary, secondary storage.Storage, cfg Config) (*Store, error) {
	if primary == nil || secondary == nil {
		return nil, fmt.Errorf("%w: hybrid requires a primary and a secondary backend", storage.ErrInvalidInput)
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Store{
		primary:   primary,
		secondary: secondary,
		syncer:    newSyncer(primary, secondary, cfg),
		cfg:       cfg,
	}, nil
}

// Initialize opens the primary (fatal on failure), opens the secondary
// (logged on failure: the system keeps serving from the primary and the
// sync service retries as ops flow), and starts the sync service.
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.primary.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize primary: %w", err)
	}
	if err := s.secondary.Initialize(ctx); err != nil {
		log.Printf("WARNING: secondary backend unavailable, serving from primary only: %v", err)
	}
	s.syncer.Start()
	return nil
}

// Close stops the sync service (draining the queue within the shutdown
// timeout) and closes both backends.
func (s *Store) Close() error {
	s.syncer.Stop()
	if err := s.secondary.Close(); err != nil {
		log.Printf("WARNING: closing secondary backend: %v", err)
	}
	return s.primary.Close()
}

// Syncer exposes the sync service for status, pause/resume, and manual
// drift passes.
func (s *Store) Syncer() *Syncer { return s.syncer }

// SyncStatus reports the sync service state.
func (s *Store) SyncStatus() Status { return s.syncer.Status() }

// PauseSync blocks both enqueueing and dispatching until ResumeSync.
func (s *Store) PauseSync() { s.syncer.Pause() }

// ResumeSync restores enqueueing and dispatching.
func (s *Store) ResumeSync() { s.syncer.Resume() }

// Store writes to the primary and queues the memory for the secondary.
// A primary failure fails the call; nothing is queued.
func (s *Store) Store(ctx context.Context, memory *types.Memory) error {
	if err := s.primary.Store(ctx, memory); err != nil {
		return err
	}
	s.syncer.enqueue(syncOp{kind: opStore, contentHash: memory.ContentHash, memory: memory.Clone()})
	return nil
}

// Update writes to the primary and queues the new state for the secondary.
func (s *Store) Update(ctx context.Context, memory *types.Memory) error {
	if err := s.primary.Update(ctx, memory); err != nil {
		return err
	}
	if s.cfg.NoUpdateSync {
		return nil
	}
	s.syncer.enqueue(syncOp{kind: opUpdate, contentHash: memory.ContentHash, memory: memory.Clone()})
	return nil
}

// UpdateBatch applies the batch to the primary and queues every item that
// succeeded there.
func (s *Store) UpdateBatch(ctx context.Context, memories []*types.Memory) ([]storage.BatchResult, error) {
	results, err := s.primary.UpdateBatch(ctx, memories)
	if err != nil {
		return results, err
	}
	if s.cfg.NoUpdateSync {
		return results, nil
	}
	failed := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Err != nil {
			failed[r.ContentHash] = true
		}
	}
	for _, m := range memories {
		if m == nil || failed[m.ContentHash] {
			continue
		}
		s.syncer.enqueue(syncOp{kind: opUpdate, contentHash: m.ContentHash, memory: m.Clone()})
	}
	return results, nil
}

// Delete tombstones on the primary and queues a soft delete for the
// secondary.
func (s *Store) Delete(ctx context.Context, contentHash string) error {
	if err := s.primary.Delete(ctx, contentHash); err != nil {
		return err
	}
	s.syncer.enqueue(syncOp{kind: opDelete, contentHash: contentHash})
	return nil
}

// DeleteByTags tombstones matches on the primary and queues a delete per
// affected hash. The matching set is resolved before the delete because
// the bulk operations only report counts.
func (s *Store) DeleteByTags(ctx context.Context, tags []string, op storage.TagOperation) (int, error) {
	matches, err := s.primary.SearchByTag(ctx, tags, op, storage.TimeWindow{})
	if err != nil {
		return 0, err
	}
	n, err := s.primary.DeleteByTags(ctx, tags, op)
	if err != nil {
		return n, err
	}
	s.enqueueDeletes(matches, nil)
	return n, nil
}

// DeleteByTimeframe tombstones matches on the primary and queues a delete
// per affected hash.
func (s *Store) DeleteByTimeframe(ctx context.Context, window storage.TimeWindow, tag string) (int, error) {
	matches, err := s.primary.SearchByTimeframe(ctx, window, tag)
	if err != nil {
		return 0, err
	}
	n, err := s.primary.DeleteByTimeframe(ctx, window, tag)
	if err != nil {
		return n, err
	}
	s.enqueueDeletes(matches, nil)
	return n, nil
}

// DeleteBeforeDate tombstones matches on the primary and queues a delete
// per affected hash.
func (s *Store) DeleteBeforeDate(ctx context.Context, ts float64, tag string) (int, error) {
	matches, err := s.primary.SearchByTimeframe(ctx, storage.TimeWindow{End: ts}, tag)
	if err != nil {
		return 0, err
	}
	n, err := s.primary.DeleteBeforeDate(ctx, ts, tag)
	if err != nil {
		return n, err
	}
	// The window end is inclusive while the delete bound is strict.
	s.enqueueDeletes(matches, func(m *types.Memory) bool { return m.CreatedAt < ts })
	return n, nil
}

func (s *Store) enqueueDeletes(matches []*types.Memory, keep func(*types.Memory) bool) {
	for _, m := range matches {
		if keep != nil && !keep(m) {
			continue
		}
		s.syncer.enqueue(syncOp{kind: opDelete, contentHash: m.ContentHash})
	}
}

// GetByHash reads from the primary.
func (s *Store) GetByHash(ctx context.Context, contentHash string) (*types.Memory, error) {
	return s.primary.GetByHash(ctx, contentHash)
}

// GetByExactContent reads from the primary.
func (s *Store) GetByExactContent(ctx context.Context, text string) ([]*types.Memory, error) {
	return s.primary.GetByExactContent(ctx, text)
}

// GetAll reads from the primary.
func (s *Store) GetAll(ctx context.Context, opts storage.ListOptions) ([]*types.Memory, error) {
	return s.primary.GetAll(ctx, opts)
}

// GetRecent reads from the primary.
func (s *Store) GetRecent(ctx context.Context, n int) ([]*types.Memory, error) {
	return s.primary.GetRecent(ctx, n)
}

// Count reads from the primary.
func (s *Store) Count(ctx context.Context, memoryType string, tags []string) (int, error) {
	return s.primary.Count(ctx, memoryType, tags)
}

// Retrieve searches the primary.
func (s *Store) Retrieve(ctx context.Context, query string, k int) ([]*types.MemoryQueryResult, error) {
	return s.primary.Retrieve(ctx, query, k)
}

// Recall searches the primary.
func (s *Store) Recall(ctx context.Context, query string, k int, window storage.TimeWindow) ([]*types.MemoryQueryResult, error) {
	return s.primary.Recall(ctx, query, k, window)
}

// SearchByTag searches the primary.
func (s *Store) SearchByTag(ctx context.Context, tags []string, op storage.TagOperation, window storage.TimeWindow) ([]*types.Memory, error) {
	return s.primary.SearchByTag(ctx, tags, op, window)
}

// SearchByTimeframe searches the primary.
func (s *Store) SearchByTimeframe(ctx context.Context, window storage.TimeWindow, tag string) ([]*types.Memory, error) {
	return s.primary.SearchByTimeframe(ctx, window, tag)
}

// GetMemoryTimestamps reads from the primary.
func (s *Store) GetMemoryTimestamps(ctx context.Context) ([]storage.MemoryStamp, error) {
	return s.primary.GetMemoryTimestamps(ctx)
}

// GetUpdatedSince reads from the primary.
func (s *Store) GetUpdatedSince(ctx context.Context, ts float64, limit int) ([]*types.Memory, error) {
	return s.primary.GetUpdatedSince(ctx, ts, limit)
}

// GetAllContentHashes reads from the primary.
func (s *Store) GetAllContentHashes(ctx context.Context) (map[string]struct{}, error) {
	return s.primary.GetAllContentHashes(ctx)
}

// IsDeleted reads from the primary.
func (s *Store) IsDeleted(ctx context.Context, contentHash string) (bool, error) {
	return s.primary.IsDeleted(ctx, contentHash)
}

// PurgeDeleted purges expired tombstones on both sides and returns the
// combined count. A secondary failure is reported after the primary purge
// already happened.
func (s *Store) PurgeDeleted(ctx context.Context, olderThanDays int) (int, error) {
	n, err := s.primary.PurgeDeleted(ctx, olderThanDays)
	if err != nil {
		return n, err
	}
	rn, err := s.secondary.PurgeDeleted(ctx, olderThanDays)
	if err != nil {
		return n, fmt.Errorf("purge secondary tombstones: %w", err)
	}
	return n + rn, nil
}

// StoreAssociation writes the edge to the primary. Associations are
// derived data; the consolidation engine rebuilds them wherever it runs,
// so they do not flow through the sync queue.
func (s *Store) StoreAssociation(ctx context.Context, a *types.Association) error {
	return s.primary.StoreAssociation(ctx, a)
}

// FindConnected traverses the primary's graph.
func (s *Store) FindConnected(ctx context.Context, contentHash string, maxHops int, direction storage.GraphDirection) ([]storage.ConnectedMemory, error) {
	return s.primary.FindConnected(ctx, contentHash, maxHops, direction)
}

// ShortestPath traverses the primary's graph.
func (s *Store) ShortestPath(ctx context.Context, fromHash, toHash string) ([]string, error) {
	return s.primary.ShortestPath(ctx, fromHash, toHash)
}

// GetSubgraph traverses the primary's graph.
func (s *Store) GetSubgraph(ctx context.Context, contentHash string, radius int) (*storage.Subgraph, error) {
	return s.primary.GetSubgraph(ctx, contentHash, radius)
}

// Page streams the primary's live memories in stable creation order when
// the primary supports paging; otherwise it emulates a page through GetAll.
func (s *Store) Page(ctx context.Context, limit, offset int) ([]*types.Memory, error) {
	if pager, ok := s.primary.(storage.Pager); ok {
		return pager.Page(ctx, limit, offset)
	}
	if limit < 1 {
		limit = 100
	}
	return s.primary.GetAll(ctx, storage.ListOptions{Page: offset/limit + 1, PageSize: limit})
}

// AssociationsFor lists the primary's outbound edges for one memory.
func (s *Store) AssociationsFor(ctx context.Context, contentHash string) ([]*types.Association, error) {
	if lister, ok := s.primary.(storage.AssociationLister); ok {
		return lister.AssociationsFor(ctx, contentHash)
	}
	connected, err := s.primary.FindConnected(ctx, contentHash, 1, storage.DirectionOutbound)
	if err != nil {
		return nil, err
	}
	edges := make([]*types.Association, 0, len(connected))
	for _, c := range connected {
		edges = append(edges, &types.Association{
			SourceHash: contentHash,
			TargetHash: c.Memory.ContentHash,
		})
	}
	return edges, nil
}

// Backend identifies the hybrid backend.
func (s *Store) Backend() string { return "hybrid" }

// MaxContentLength returns the binding limit: the smaller of the two
// backends' caps, with zero meaning unlimited.
func (s *Store) MaxContentLength() int {
	p, r := s.primary.MaxContentLength(), s.secondary.MaxContentLength()
	switch {
	case p == 0:
		return r
	case r == 0:
		return p
	case p < r:
		return p
	default:
		return r
	}
}

// SupportsChunking reports whether either side expects oversized content
// to be split before storing.
func (s *Store) SupportsChunking() bool {
	return s.primary.SupportsChunking() || s.secondary.SupportsChunking()
}

// GetStats reports the primary's stats under the hybrid backend name.
// Sync state is reported separately through SyncStatus.
func (s *Store) GetStats(ctx context.Context) (*storage.Stats, error) {
	stats, err := s.primary.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	stats.Backend = s.Backend()
	return stats, nil
}
