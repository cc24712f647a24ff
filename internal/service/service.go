// Package service implements the business-logic layer shared by the
// JSON-RPC and HTTP surfaces: input validation, tag normalization,
// content-hash deduplication, auto-chunking of oversized content, and
// uniformly shaped result envelopes.
//
// Every public method returns an envelope carrying success/error state
// instead of a Go error. The protocol surfaces serialize envelopes
// directly; a storage failure reaches them classified, never raw.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/scrypster/keepsake/internal/embedding"
	"github.com/scrypster/keepsake/internal/quality"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/internal/timeexpr"
	"github.com/scrypster/keepsake/pkg/types"
)

// defaultRetrieveLimit is the result count used when a caller passes
// n <= 0 to a search operation.
const defaultRetrieveLimit = 5

// scanPageSize is the page size for full-store administrative scans
// (untagged counting, quality analytics).
const scanPageSize = 100

// Config tunes service behavior. The zero value disables auto-split,
// boundary preservation, and hostname tagging; use DefaultConfig for the
// documented defaults.
type Config struct {
	// AutoSplit enables chunking of content longer than the effective
	// limit. When off, oversized content is rejected.
	AutoSplit bool

	// SplitOverlap is the number of characters consecutive chunks share.
	SplitOverlap int

	// PreserveBoundaries makes the splitter prefer natural boundaries
	// (paragraph, line, sentence, word) over hard cuts.
	PreserveBoundaries bool

	// MaxResponseChars caps the serialized size of search results,
	// truncating at whole-memory boundaries. 0 disables the cap.
	MaxResponseChars int

	// IncludeHostname tags every stored memory with the machine it came
	// from: tag source:<host> plus metadata.hostname.
	IncludeHostname bool

	// Hostname overrides os.Hostname when IncludeHostname is set. A
	// client-supplied hostname takes precedence over both.
	Hostname string
}

// DefaultConfig returns the documented service defaults: auto-split on
// with a 50-character overlap and boundary-preserving splitting, no
// response cap, no hostname tagging.
func DefaultConfig() Config {
	return Config{
		AutoSplit:          true,
		SplitOverlap:       50,
		PreserveBoundaries: true,
	}
}

// Notifier receives fire-and-forget notifications about successful
// writes. The MCP binary wires the event-file writer here so the web
// process can push live updates to dashboard clients.
type Notifier interface {
	Notify(eventType, contentHash string) error
}

// Notification event types.
const (
	EventStored  = "stored"
	EventDeleted = "deleted"
)

// MemoryService is the single business-logic layer in front of a storage
// backend. It is safe for concurrent use; all state lives in the backend.
type MemoryService struct {
	store    storage.Storage
	embedder embedding.Provider
	quality  quality.Provider
	cfg      Config
	hostname string
	started  time.Time
	notifier Notifier
}

// New creates a MemoryService over an initialized storage backend.
// embedder and qp may be nil: the service then falls back to the
// backend's content limit for chunking and rejects evaluate requests.
func New(store storage.Storage, embedder embedding.Provider, qp quality.Provider, cfg Config) *MemoryService {
	if cfg.SplitOverlap < 0 {
		cfg.SplitOverlap = 0
	}
	host := cfg.Hostname
	if host == "" {
		host, _ = os.Hostname()
	}
	return &MemoryService{
		store:    store,
		embedder: embedder,
		quality:  qp,
		cfg:      cfg,
		hostname: host,
		started:  time.Now(),
	}
}

// Storage returns the underlying backend. The consolidation engine and
// importer are constructed over it directly.
func (s *MemoryService) Storage() storage.Storage { return s.store }

// SetNotifier installs a write notifier. Pass nil to disable. Not safe
// to call concurrently with operations; wire it during startup.
func (s *MemoryService) SetNotifier(n Notifier) { s.notifier = n }

// notify emits a write event. Notification failures never fail the
// operation that triggered them.
func (s *MemoryService) notify(eventType, hash string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(eventType, hash); err != nil {
		log.Printf("WARNING: %s notification for %s: %v", eventType, hash, err)
	}
}

// maxContentLength is the effective per-memory limit: the tighter of the
// backend's cap and the embedding provider's input limit. 0 means
// unlimited.
func (s *MemoryService) maxContentLength() int {
	max := s.store.MaxContentLength()
	if s.embedder != nil {
		if lim := s.embedder.MaxInputChars(); lim > 0 && (max == 0 || lim < max) {
			max = lim
		}
	}
	return max
}

// StoreInput carries raw store parameters as they arrive from a protocol
// surface. Tags accepts nil, a single string, a comma-separated string,
// or an array of strings.
type StoreInput struct {
	Content        string
	Tags           interface{}
	MemoryType     string
	Metadata       map[string]interface{}
	ClientHostname string
}

// StoreMemory validates, normalizes, deduplicates, and persists content.
// Content longer than the effective limit is split into chunk memories
// when auto-split is enabled; a non-tombstoned duplicate short-circuits
// with reason "duplicate" and the existing hash.
func (s *MemoryService) StoreMemory(ctx context.Context, in StoreInput) *StoreResult {
	if strings.TrimSpace(in.Content) == "" {
		return &StoreResult{Envelope: fail(fmt.Errorf("%w: content must not be empty", storage.ErrInvalidInput))}
	}

	tags, err := NormalizeTags(in.Tags)
	if err != nil {
		return &StoreResult{Envelope: fail(err)}
	}
	meta := cloneMetadata(in.Metadata)
	tags, err = mergeMetadataTags(tags, meta)
	if err != nil {
		return &StoreResult{Envelope: fail(err)}
	}

	if s.cfg.IncludeHostname {
		host := in.ClientHostname
		if host == "" {
			host = s.hostname
		}
		if host != "" {
			tags = appendUnique(tags, "source:"+host)
			if meta == nil {
				meta = make(map[string]interface{})
			}
			meta[types.MetaHostname] = host
		}
	}

	maxLen := s.maxContentLength()
	if maxLen > 0 && utf8.RuneCountInString(in.Content) > maxLen {
		if !s.cfg.AutoSplit || !s.store.SupportsChunking() {
			return &StoreResult{Envelope: fail(fmt.Errorf(
				"%w: content is %d characters, limit is %d and auto-split is off",
				storage.ErrLimitExceeded, utf8.RuneCountInString(in.Content), maxLen))}
		}
		return s.storeChunked(ctx, in.Content, tags, in.MemoryType, meta, maxLen)
	}
	return s.storeSingle(ctx, in.Content, tags, in.MemoryType, meta)
}

func (s *MemoryService) storeSingle(ctx context.Context, content string, tags []string, memoryType string, meta map[string]interface{}) *StoreResult {
	hash := storage.ContentHash(content, tags, memoryType)
	if _, err := s.store.GetByHash(ctx, hash); err == nil {
		return duplicateResult(hash)
	}

	m := &types.Memory{
		Content:     content,
		ContentHash: hash,
		Tags:        tags,
		MemoryType:  memoryType,
		Metadata:    meta,
	}
	m.StampNew(time.Now())

	if err := s.store.Store(ctx, m); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return duplicateResult(hash)
		}
		return &StoreResult{Envelope: fail(err), ContentHash: hash}
	}
	s.notify(EventStored, hash)
	return &StoreResult{Envelope: ok(), Memory: m, ContentHash: hash}
}

func duplicateResult(hash string) *StoreResult {
	return &StoreResult{
		Envelope: Envelope{
			Success:   false,
			Error:     "memory with this content already exists",
			ErrorKind: storage.KindDuplicate,
		},
		Reason:      "duplicate",
		ContentHash: hash,
	}
}

func (s *MemoryService) storeChunked(ctx context.Context, content string, tags []string, memoryType string, meta map[string]interface{}, maxLen int) *StoreResult {
	splitter := &Splitter{
		MaxLen:             maxLen,
		Overlap:            s.cfg.SplitOverlap,
		PreserveBoundaries: s.cfg.PreserveBoundaries,
	}
	chunks := splitter.Split(content)
	total := len(chunks)
	originalLen := utf8.RuneCountInString(content)
	now := time.Now()

	memories := make([]*types.Memory, 0, total)
	hashes := make([]string, 0, total)
	for i, chunk := range chunks {
		chunkTags := appendUnique(append([]string(nil), tags...), fmt.Sprintf("chunk:%d/%d", i+1, total))
		cm := make(map[string]interface{}, len(meta)+4)
		for k, v := range meta {
			cm[k] = v
		}
		cm[types.MetaIsChunk] = true
		cm[types.MetaChunkIndex] = i + 1
		cm[types.MetaTotalChunks] = total
		cm[types.MetaOriginalLength] = originalLen

		m := &types.Memory{
			Content:     chunk,
			ContentHash: storage.ContentHash(chunk, chunkTags, memoryType),
			Tags:        chunkTags,
			MemoryType:  memoryType,
			Metadata:    cm,
		}
		m.StampNew(now)
		memories = append(memories, m)
		hashes = append(hashes, m.ContentHash)
	}

	stored := make([]*types.Memory, 0, total)
	var failures []ChunkFailure
	if bw, isBatch := s.store.(storage.BatchWriter); isBatch {
		results, err := bw.StoreBatch(ctx, memories)
		if err != nil {
			return &StoreResult{Envelope: fail(err), TotalChunks: total, ChunkHashes: hashes}
		}
		for i, res := range results {
			if res.Err != nil {
				failures = append(failures, ChunkFailure{ChunkIndex: i + 1, Error: res.Err.Error()})
				continue
			}
			stored = append(stored, memories[i])
		}
	} else {
		for i, m := range memories {
			if err := s.store.Store(ctx, m); err != nil {
				failures = append(failures, ChunkFailure{ChunkIndex: i + 1, Error: err.Error()})
				continue
			}
			stored = append(stored, m)
		}
	}

	for _, m := range stored {
		s.notify(EventStored, m.ContentHash)
	}
	res := &StoreResult{
		Memories:     stored,
		TotalChunks:  total,
		ChunkHashes:  hashes,
		FailedChunks: failures,
	}
	if len(failures) == 0 {
		res.Envelope = ok()
	} else {
		// Stored chunks stay stored; the caller sees exactly which
		// pieces are missing.
		res.Envelope = Envelope{
			Success:   false,
			Error:     fmt.Sprintf("%d of %d chunks failed to store", len(failures), total),
			ErrorKind: storage.KindStorage,
		}
	}
	return res
}

// Retrieve performs semantic search over the store. Every returned
// memory is counted as accessed.
func (s *MemoryService) Retrieve(ctx context.Context, query string, n int) *SearchResult {
	if strings.TrimSpace(query) == "" {
		return &SearchResult{Envelope: fail(fmt.Errorf("%w: query must not be empty", storage.ErrInvalidInput))}
	}
	if n <= 0 {
		n = defaultRetrieveLimit
	}
	results, err := s.store.Retrieve(ctx, query, n)
	if err != nil {
		return &SearchResult{Envelope: fail(err)}
	}
	s.touchAccess(ctx, results)
	return newSearchResult(results, s.cfg.MaxResponseChars)
}

// Recall combines semantic search with a creation-time window. An empty
// query degrades to the most recent memories in the window.
func (s *MemoryService) Recall(ctx context.Context, query string, n int, window storage.TimeWindow) *SearchResult {
	if n <= 0 {
		n = defaultRetrieveLimit
	}
	results, err := s.store.Recall(ctx, query, n, window)
	if err != nil {
		return &SearchResult{Envelope: fail(err)}
	}
	s.touchAccess(ctx, results)
	return newSearchResult(results, s.cfg.MaxResponseChars)
}

// RecallExpr is Recall with the window given as a natural-language time
// expression ("last week", "yesterday", "2026-03-01").
func (s *MemoryService) RecallExpr(ctx context.Context, query, expr string, n int) *SearchResult {
	window, err := timeexpr.ParseWindow(expr, time.Now())
	if err != nil {
		return &SearchResult{Envelope: fail(err)}
	}
	return s.Recall(ctx, query, n, window)
}

// SearchByTag returns memories matching the boolean tag query, optionally
// restricted to a creation-time window.
func (s *MemoryService) SearchByTag(ctx context.Context, rawTags interface{}, op string, window storage.TimeWindow) *MemoriesResult {
	tags, err := NormalizeTags(rawTags)
	if err != nil {
		return &MemoriesResult{Envelope: fail(err)}
	}
	if len(tags) == 0 {
		return &MemoriesResult{Envelope: fail(fmt.Errorf("%w: at least one tag is required", storage.ErrInvalidInput))}
	}
	tagOp, err := storage.ParseTagOperation(op)
	if err != nil {
		return &MemoriesResult{Envelope: fail(err)}
	}
	memories, err := s.store.SearchByTag(ctx, tags, tagOp, window)
	if err != nil {
		return &MemoriesResult{Envelope: fail(err)}
	}
	return newMemoriesResult(memories, s.cfg.MaxResponseChars)
}

// SearchByTime resolves a natural-language time expression to a window
// and returns the memories created inside it.
func (s *MemoryService) SearchByTime(ctx context.Context, expr, tag string) *MemoriesResult {
	window, err := timeexpr.ParseWindow(expr, time.Now())
	if err != nil {
		return &MemoriesResult{Envelope: fail(err)}
	}
	memories, err := s.store.SearchByTimeframe(ctx, window, tag)
	if err != nil {
		return &MemoriesResult{Envelope: fail(err)}
	}
	return newMemoriesResult(memories, s.cfg.MaxResponseChars)
}

// List returns one page of memories with the total count.
func (s *MemoryService) List(ctx context.Context, opts storage.ListOptions) *ListResult {
	opts.Normalize()
	memories, err := s.store.GetAll(ctx, opts)
	if err != nil {
		return &ListResult{Envelope: fail(err)}
	}
	total, err := s.store.Count(ctx, opts.MemoryType, opts.Tags)
	if err != nil {
		return &ListResult{Envelope: fail(err)}
	}
	if memories == nil {
		memories = []*types.Memory{}
	}
	return &ListResult{
		Envelope: ok(),
		Results:  memories,
		Page:     opts.Page,
		PageSize: opts.PageSize,
		Total:    total,
		HasMore:  opts.Offset()+len(memories) < total,
	}
}

// GetByHash is the O(1) primary-key lookup.
func (s *MemoryService) GetByHash(ctx context.Context, hash string) *MemoryResult {
	if !storage.ValidContentHash(hash) {
		return &MemoryResult{Envelope: fail(fmt.Errorf("%w: malformed content hash %q", storage.ErrInvalidInput, hash))}
	}
	m, err := s.store.GetByHash(ctx, hash)
	if err != nil {
		return &MemoryResult{Envelope: fail(err), ContentHash: hash}
	}
	return &MemoryResult{Envelope: ok(), Memory: m, ContentHash: hash}
}

// touchAccess records an access on every retrieved memory. Access
// bookkeeping never fails a read; errors are logged and dropped.
func (s *MemoryService) touchAccess(ctx context.Context, results []*types.MemoryQueryResult) {
	if len(results) == 0 {
		return
	}
	now := time.Now()
	batch := make([]*types.Memory, 0, len(results))
	for _, r := range results {
		if r == nil || r.Memory == nil {
			continue
		}
		quality.TouchAccess(r.Memory, now)
		r.Memory.TouchUpdated(now)
		batch = append(batch, r.Memory)
	}
	if len(batch) == 0 {
		return
	}
	if _, err := s.store.UpdateBatch(ctx, batch); err != nil {
		log.Printf("WARNING: recording %d memory accesses: %v", len(batch), err)
	}
}

func newSearchResult(results []*types.MemoryQueryResult, budget int) *SearchResult {
	if results == nil {
		results = []*types.MemoryQueryResult{}
	}
	out, truncated := truncateItems(results, budget)
	return &SearchResult{Envelope: ok(), Results: out, Truncated: truncated}
}

func newMemoriesResult(memories []*types.Memory, budget int) *MemoriesResult {
	if memories == nil {
		memories = []*types.Memory{}
	}
	out, truncated := truncateItems(memories, budget)
	return &MemoriesResult{Envelope: ok(), Results: out, Truncated: truncated}
}

// cloneMetadata copies the top level of a caller-supplied metadata map so
// the service never mutates protocol-layer state.
func cloneMetadata(meta map[string]interface{}) map[string]interface{} {
	if meta == nil {
		return nil
	}
	cp := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	return cp
}
