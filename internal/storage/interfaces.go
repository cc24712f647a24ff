// Package storage provides the storage abstraction for the Keepsake system.
//
// The layer is designed around one capability set — Storage — implemented by
// every concrete backend (local sqlite-vec, remote Cloudflare, hybrid,
// pgvector). The set is split into small, focused interfaces that callers
// can depend on independently; Storage composes them all.
package storage

import (
	"context"

	"github.com/scrypster/keepsake/pkg/types"
)

// MemoryWriter provides the mutating memory operations.
type MemoryWriter interface {
	// Store persists a new memory. The content hash must be set. Returns
	// ErrDuplicate (wrapped) if a live memory with the same hash exists;
	// tombstoned hashes may be re-stored and are revived as new rows.
	Store(ctx context.Context, memory *types.Memory) error

	// Update rewrites the mutable fields (tags, memory_type, metadata,
	// embedding, updated_at pair) of an existing memory. created_at is
	// never modified. Returns ErrNotFound if no live row matches.
	Update(ctx context.Context, memory *types.Memory) error

	// UpdateBatch applies Update to each memory inside a single
	// transaction. Items that match no row are reported in the returned
	// slice without aborting the transaction. The end state is identical
	// to len(memories) sequential Update calls.
	UpdateBatch(ctx context.Context, memories []*types.Memory) ([]BatchResult, error)

	// Delete soft-deletes by content hash (sets deleted_at = now).
	// Returns ErrNotFound if no live row matches; deleting an already
	// tombstoned hash returns ErrNotFound too, making Delete idempotent
	// from the caller's point of view.
	Delete(ctx context.Context, contentHash string) error

	// DeleteByTags soft-deletes all memories matching the tag query and
	// returns the number of rows tombstoned.
	DeleteByTags(ctx context.Context, tags []string, op TagOperation) (int, error)

	// DeleteByTimeframe soft-deletes memories created inside the window,
	// optionally restricted to one exact tag.
	DeleteByTimeframe(ctx context.Context, window TimeWindow, tag string) (int, error)

	// DeleteBeforeDate soft-deletes memories created strictly before ts.
	DeleteBeforeDate(ctx context.Context, ts float64, tag string) (int, error)
}

// MemoryReader provides the non-vector read operations.
type MemoryReader interface {
	// GetByHash is the O(1) primary-key lookup. Tombstoned rows return
	// ErrNotFound.
	GetByHash(ctx context.Context, contentHash string) (*types.Memory, error)

	// GetByExactContent finds live memories whose content equals text
	// byte-for-byte. No embedding is computed.
	GetByExactContent(ctx context.Context, text string) ([]*types.Memory, error)

	// GetAll returns a page of live memories ordered by created_at
	// descending, embeddings included. Tag filters use exact-match OR
	// semantics applied at the database level.
	GetAll(ctx context.Context, opts ListOptions) ([]*types.Memory, error)

	// GetRecent returns the n most recently created live memories.
	GetRecent(ctx context.Context, n int) ([]*types.Memory, error)

	// Count returns the number of live memories matching the filters,
	// computed by the database (never by scanning into memory).
	Count(ctx context.Context, memoryType string, tags []string) (int, error)
}

// SemanticSearcher provides the vector and tag/time search operations.
type SemanticSearcher interface {
	// Retrieve embeds the query and performs a k-NN search with cosine
	// distance. Results are ordered by similarity score descending, with
	// scores in [0,1] (1 - distance/2).
	Retrieve(ctx context.Context, query string, k int) ([]*types.MemoryQueryResult, error)

	// Recall combines semantic search with a time window. With an empty
	// query it degrades to the most recent memories inside the window.
	Recall(ctx context.Context, query string, k int, window TimeWindow) ([]*types.MemoryQueryResult, error)

	// SearchByTag returns live memories matching the exact-match boolean
	// tag query, optionally restricted to a creation-time window.
	SearchByTag(ctx context.Context, tags []string, op TagOperation, window TimeWindow) ([]*types.Memory, error)

	// SearchByTimeframe returns live memories created inside the window,
	// optionally restricted to one exact tag.
	SearchByTimeframe(ctx context.Context, window TimeWindow, tag string) ([]*types.Memory, error)
}

// SyncReader provides the bulk operations the hybrid engine and analytics
// rely on. Unlike the user-facing readers, some of these see tombstones.
type SyncReader interface {
	// GetMemoryTimestamps returns (hash, created_at, updated_at) for all
	// live memories in one query.
	GetMemoryTimestamps(ctx context.Context) ([]MemoryStamp, error)

	// GetUpdatedSince returns live memories with updated_at > ts, using
	// the numeric index, capped at limit (0 means backend default).
	GetUpdatedSince(ctx context.Context, ts float64, limit int) ([]*types.Memory, error)

	// GetAllContentHashes returns the set of live content hashes for O(1)
	// existence checks during reconciliation.
	GetAllContentHashes(ctx context.Context) (map[string]struct{}, error)

	// IsDeleted reports whether the hash is present as a tombstone.
	IsDeleted(ctx context.Context, contentHash string) (bool, error)

	// PurgeDeleted physically removes tombstones older than the retention
	// window and returns the purged count.
	PurgeDeleted(ctx context.Context, olderThanDays int) (int, error)
}

// GraphStore provides typed association edges and traversal.
type GraphStore interface {
	// StoreAssociation persists an edge. Symmetric relationship types are
	// written as two directed rows. Re-storing an existing edge updates
	// its similarity and metadata.
	StoreAssociation(ctx context.Context, a *types.Association) error

	// FindConnected walks the graph from a hash up to maxHops, respecting
	// direction, with cycle prevention and path tracking.
	FindConnected(ctx context.Context, contentHash string, maxHops int, direction GraphDirection) ([]ConnectedMemory, error)

	// ShortestPath returns the hash path between two memories, or
	// ErrNotFound when no path exists within the traversal bound.
	ShortestPath(ctx context.Context, fromHash, toHash string) ([]string, error)

	// GetSubgraph returns the neighborhood within radius hops of a hash.
	GetSubgraph(ctx context.Context, contentHash string, radius int) (*Subgraph, error)
}

// BackendInfo describes a backend's identity and limits to the service
// layer, which uses them for chunking decisions and health reporting.
type BackendInfo interface {
	// Backend returns the backend kind ("sqlite_vec", "cloudflare",
	// "hybrid", "pgvector").
	Backend() string

	// MaxContentLength returns the per-memory content limit in
	// characters, 0 for unlimited.
	MaxContentLength() int

	// SupportsChunking reports whether callers are expected to split
	// oversized content before storing.
	SupportsChunking() bool

	// GetStats returns backend statistics in the shared shape.
	GetStats(ctx context.Context) (*Stats, error)
}

// Pager is an optional interface for backends that can stream their live
// memories in stable pages. The hybrid reconciliation pass uses it to walk
// a remote store without loading everything at once; backends that do not
// implement it are walked through GetAll instead.
type Pager interface {
	// Page returns up to limit live memories ordered by created_at then
	// content_hash, starting at offset. An empty slice means the walk is
	// complete.
	Page(ctx context.Context, limit, offset int) ([]*types.Memory, error)
}

// BatchWriter is an optional interface for backends with a bulk insert
// path cheaper than per-item Store calls. The sync engine batches queued
// writes through it when the secondary backend offers one.
type BatchWriter interface {
	// StoreBatch stores each memory, reporting per-item outcomes. A
	// non-nil error means the batch aborted partway and undecided items
	// should be retried.
	StoreBatch(ctx context.Context, memories []*types.Memory) ([]BatchResult, error)
}

// AssociationLister is an optional interface for backends that can list the
// outbound edges of one memory without a traversal. The consolidation
// engine uses it to count connections when deciding quality boosts;
// backends without it are counted through FindConnected at one hop.
type AssociationLister interface {
	AssociationsFor(ctx context.Context, contentHash string) ([]*types.Association, error)
}

// Storage is the full capability set every backend implements. The memory
// service, the consolidation engine, and the protocol surfaces depend only
// on this set, never on a concrete backend.
type Storage interface {
	// Initialize opens connections, applies pragmas, and runs idempotent
	// migrations. Safe to call when the schema already exists.
	Initialize(ctx context.Context) error

	// Close releases connections and flushes background state.
	Close() error

	MemoryWriter
	MemoryReader
	SemanticSearcher
	SyncReader
	GraphStore
	BackendInfo
}
