package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/scrypster/keepsake/pkg/types"
)

var (
	// ErrNotFound indicates that the requested memory (or edge) does not
	// exist or is tombstoned.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicate indicates a live memory with the same content hash
	// already exists. Non-fatal: callers report it, they do not retry.
	ErrDuplicate = errors.New("duplicate content hash")

	// ErrLimitExceeded indicates a hard backend limit (metadata size,
	// vector index capacity, content length). Permanent: never retried.
	ErrLimitExceeded = errors.New("backend limit exceeded")

	// ErrSchema indicates a migration or schema-shape failure. Fatal to
	// the current operation.
	ErrSchema = errors.New("schema error")
)

// Error kinds used for classification in logs and result envelopes.
const (
	KindValidation = "validation"
	KindDuplicate  = "duplicate"
	KindStorage    = "storage"
	KindLimit      = "limit"
	KindSchema     = "schema"
	KindUnexpected = "unexpected"
)

// ClassifyError maps an error chain to its taxonomy kind. Anything not
// carrying a known sentinel is "storage" when it obviously came from a
// backend and "unexpected" otherwise; callers that can tell the
// difference wrap with the right sentinel before classification.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrDuplicate):
		return KindDuplicate
	case errors.Is(err, ErrLimitExceeded):
		return KindLimit
	case errors.Is(err, ErrSchema):
		return KindSchema
	case errors.Is(err, ErrNotFound):
		return KindStorage
	default:
		return KindUnexpected
	}
}

// TagOperation selects the boolean combinator for multi-tag queries.
type TagOperation string

const (
	// TagMatchAll requires every query tag to be present (AND).
	TagMatchAll TagOperation = "AND"

	// TagMatchAny requires at least one query tag to be present (OR).
	TagMatchAny TagOperation = "OR"
)

// ParseTagOperation normalizes the operation spellings accepted at the
// protocol edges ("AND"/"all" and "OR"/"any", case-insensitive).
// Empty input defaults to AND.
func ParseTagOperation(s string) (TagOperation, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "AND", "ALL":
		return TagMatchAll, nil
	case "OR", "ANY":
		return TagMatchAny, nil
	default:
		return "", fmt.Errorf("%w: unknown tag operation %q", ErrInvalidInput, s)
	}
}

// GraphDirection selects edge directions for graph traversal.
type GraphDirection string

const (
	DirectionOutbound GraphDirection = "outbound"
	DirectionInbound  GraphDirection = "inbound"
	DirectionBoth     GraphDirection = "both"
)

// ParseGraphDirection normalizes a direction string, defaulting to both.
func ParseGraphDirection(s string) (GraphDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "both":
		return DirectionBoth, nil
	case "out", "outbound":
		return DirectionOutbound, nil
	case "in", "inbound":
		return DirectionInbound, nil
	default:
		return "", fmt.Errorf("%w: unknown graph direction %q", ErrInvalidInput, s)
	}
}

// PaginatedResult represents a paginated result set with type safety using generics.
type PaginatedResult[T any] struct {
	// Items is the slice of results for the current page.
	Items []T

	// Total is the total number of items across all pages.
	Total int

	// Page is the current page number (1-indexed).
	Page int

	// PageSize is the number of items per page.
	PageSize int

	// HasMore indicates whether there are more pages available.
	HasMore bool
}

// ListOptions provides pagination and filtering for list operations.
type ListOptions struct {
	// Page is the page number to retrieve (1-indexed, default: 1).
	Page int

	// PageSize is the number of items per page (default: 10, max: 100).
	PageSize int

	// MemoryType filters by memory_type. Empty string means no filter.
	MemoryType string

	// Tags filters to memories carrying at least one of these exact tags
	// (OR semantics at the database level). Nil means no tag filter.
	Tags []string
}

// Normalize applies defaults and caps to the ListOptions.
func (o *ListOptions) Normalize() {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PageSize < 1 {
		o.PageSize = 10
	}
	if o.PageSize > 100 {
		o.PageSize = 100
	}
}

// Offset calculates the SQL offset for the current page.
func (o *ListOptions) Offset() int {
	return (o.Page - 1) * o.PageSize
}

// Limit returns the page size; named for symmetry with Offset at call sites.
func (o *ListOptions) Limit() int {
	return o.PageSize
}

// TimeWindow is an optional [start, end] filter in float Unix seconds.
// A zero bound is unconstrained.
type TimeWindow struct {
	Start float64
	End   float64
}

// IsZero reports whether no bound is set.
func (w TimeWindow) IsZero() bool { return w.Start == 0 && w.End == 0 }

// Contains reports whether ts falls inside the window.
func (w TimeWindow) Contains(ts float64) bool {
	if w.Start != 0 && ts < w.Start {
		return false
	}
	if w.End != 0 && ts > w.End {
		return false
	}
	return true
}

// MemoryStamp is the compact (hash, created_at, updated_at) triple used by
// analytics and drift detection; fetched in a single query.
type MemoryStamp struct {
	ContentHash string  `json:"content_hash"`
	CreatedAt   float64 `json:"created_at"`
	UpdatedAt   float64 `json:"updated_at"`
}

// Stats is the health/stats shape every backend returns.
type Stats struct {
	Backend            string `json:"backend"`
	TotalMemories      int    `json:"total_memories"`
	MemoriesThisWeek   int    `json:"memories_this_week"`
	UniqueTags         int    `json:"unique_tags"`
	DatabaseSizeBytes  int64  `json:"database_size_bytes"`
	EmbeddingModel     string `json:"embedding_model"`
	EmbeddingDimension int    `json:"embedding_dimension"`
}

// BatchResult reports the per-item outcome of a batch update. The batch as
// a whole runs in one transaction; items that matched no row are reported
// here without failing the surrounding transaction.
type BatchResult struct {
	ContentHash string
	Err         error
}

// ConnectedMemory is a memory discovered by graph traversal, with its hop
// distance from the start and the hash path that reached it.
type ConnectedMemory struct {
	Memory   *types.Memory `json:"memory"`
	Distance int           `json:"distance"`
	Path     []string      `json:"path"`
}

// Subgraph is the neighborhood around a memory: the member memories and
// every edge between them.
type Subgraph struct {
	Nodes []*types.Memory      `json:"nodes"`
	Edges []*types.Association `json:"edges"`
}
