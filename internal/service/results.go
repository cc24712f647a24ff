package service

import (
	"encoding/json"

	"github.com/scrypster/keepsake/internal/quality"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/internal/storage/hybrid"
	"github.com/scrypster/keepsake/pkg/types"
)

// Envelope is the base shape every public service operation returns.
// Failures are folded into it with a classification kind; a Go error
// never crosses to the protocol surfaces.
type Envelope struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

func ok() Envelope { return Envelope{Success: true} }

// OK builds a success envelope for results protocol surfaces assemble
// themselves.
func OK() Envelope { return ok() }

// Fail builds a failure envelope from an error, classifying it. Protocol
// surfaces use it for failures they detect before reaching the service,
// such as unparseable time expressions.
func Fail(err error) Envelope { return fail(err) }

func fail(err error) Envelope {
	return Envelope{
		Success:   false,
		Error:     err.Error(),
		ErrorKind: storage.ClassifyError(err),
	}
}

// StoreResult reports the outcome of a store operation. Single-record
// stores fill Memory; auto-split stores fill the chunk fields instead.
// A duplicate sets Reason to "duplicate" and returns the existing hash.
type StoreResult struct {
	Envelope
	ContentHash  string          `json:"content_hash,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Memory       *types.Memory   `json:"memory,omitempty"`
	Memories     []*types.Memory `json:"memories,omitempty"`
	TotalChunks  int             `json:"total_chunks,omitempty"`
	ChunkHashes  []string        `json:"chunk_hashes,omitempty"`
	FailedChunks []ChunkFailure  `json:"failed_chunks,omitempty"`
}

// ChunkFailure identifies one chunk that could not be stored. Indexes
// are 1-based, matching the chunk metadata.
type ChunkFailure struct {
	ChunkIndex int    `json:"chunk_index"`
	Error      string `json:"error"`
}

// SearchResult carries scored results from the semantic search paths.
type SearchResult struct {
	Envelope
	Results   []*types.MemoryQueryResult `json:"results"`
	Truncated bool                       `json:"truncated,omitempty"`
}

// MemoriesResult carries unscored results from tag and time searches.
type MemoriesResult struct {
	Envelope
	Results   []*types.Memory `json:"results"`
	Truncated bool            `json:"truncated,omitempty"`
}

// ListResult is one page of memories with pagination bookkeeping.
type ListResult struct {
	Envelope
	Results  []*types.Memory `json:"results"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Total    int             `json:"total"`
	HasMore  bool            `json:"has_more"`
}

// MemoryResult carries a single memory (lookup, update, rate).
type MemoryResult struct {
	Envelope
	Memory      *types.Memory `json:"memory,omitempty"`
	ContentHash string        `json:"content_hash,omitempty"`
}

// DeleteResult reports deletions, including dry runs.
type DeleteResult struct {
	Envelope
	DeletedCount int    `json:"deleted_count"`
	DryRun       bool   `json:"dry_run,omitempty"`
	ContentHash  string `json:"content_hash,omitempty"`
}

// CountResult reports a bare count.
type CountResult struct {
	Envelope
	Count int `json:"count"`
}

// StatsResult wraps backend statistics.
type StatsResult struct {
	Envelope
	Stats *storage.Stats `json:"stats,omitempty"`
}

// GraphResult carries graph output; the operation determines which
// field is filled.
type GraphResult struct {
	Envelope
	Connected []storage.ConnectedMemory `json:"connected,omitempty"`
	Path      []string                  `json:"path,omitempty"`
	Subgraph  *storage.Subgraph         `json:"subgraph,omitempty"`
}

// HealthResult is the health_check shape.
type HealthResult struct {
	Envelope
	Backend            string         `json:"backend"`
	Connected          bool           `json:"connected"`
	TotalMemories      int            `json:"total_memories"`
	DatabaseSizeBytes  int64          `json:"database_size_bytes"`
	EmbeddingModel     string         `json:"embedding_model,omitempty"`
	EmbeddingDimension int            `json:"embedding_dimension,omitempty"`
	UptimeSeconds      float64        `json:"uptime_seconds"`
	Hostname           string         `json:"hostname,omitempty"`
	SyncStatus         *hybrid.Status `json:"sync_status,omitempty"`
}

// SyncResult reports hybrid sync operations.
type SyncResult struct {
	Envelope
	Status *hybrid.Status      `json:"status,omitempty"`
	Drift  *hybrid.DriftReport `json:"drift,omitempty"`
}

// QualityResult carries the quality fields of one memory.
type QualityResult struct {
	Envelope
	ContentHash string        `json:"content_hash,omitempty"`
	Score       float64       `json:"score"`
	Provider    string        `json:"provider,omitempty"`
	Confidence  float64       `json:"confidence,omitempty"`
	History     [][2]float64  `json:"history,omitempty"`
	Memory      *types.Memory `json:"memory,omitempty"`
}

// QualityAnalysis aggregates score distribution and weekly trends across
// the live store.
type QualityAnalysis struct {
	Envelope
	Distribution []quality.DistributionBucket `json:"distribution,omitempty"`
	Trends       []quality.TrendPoint         `json:"trends,omitempty"`
	ScoredCount  int                          `json:"scored_count"`
	TotalCount   int                          `json:"total_count"`
}

// truncateItems drops whole items once their accumulated serialized size
// exceeds budget. The first item always survives, so a response is never
// emptied by the cap. budget <= 0 disables truncation.
func truncateItems[T any](items []T, budget int) ([]T, bool) {
	if budget <= 0 || len(items) == 0 {
		return items, false
	}
	used := 0
	for i := range items {
		b, err := json.Marshal(items[i])
		if err != nil {
			continue
		}
		used += len(b)
		if used > budget && i > 0 {
			return items[:i], true
		}
	}
	return items, false
}
