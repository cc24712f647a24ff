package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/scrypster/keepsake/internal/quality"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// fakeStorage is an in-memory storage.Storage for exercising the service
// paths: hash-keyed rows with tombstones, insertion order, substring
// retrieval, and counters on the write paths. Reads return clones so a
// caller mutation only becomes visible through an explicit write.
type fakeStorage struct {
	mu               sync.Mutex
	rows             map[string]*types.Memory
	order            []string
	edges            []*types.Association
	maxLen           int
	failAtStore      int // fail the n-th Store call, 0 means never
	storeCalls       int
	updateBatchCalls int
}

var _ storage.Storage = (*fakeStorage)(nil)

func newFakeStorage() *fakeStorage {
	return &fakeStorage{rows: make(map[string]*types.Memory)}
}

// seed inserts a live memory directly, bypassing the service.
func (f *fakeStorage) seed(content string, tags ...string) *types.Memory {
	m := &types.Memory{
		Content:     content,
		ContentHash: storage.ContentHash(content, tags, ""),
		Tags:        tags,
	}
	m.StampNew(time.Now())
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[m.ContentHash] = m
	f.order = append(f.order, m.ContentHash)
	return m
}

func (f *fakeStorage) get(hash string) *types.Memory {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[hash]
}

func (f *fakeStorage) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.rows {
		if !m.IsDeleted() {
			n++
		}
	}
	return n
}

// liveLocked returns live memories in insertion order. Callers hold mu.
func (f *fakeStorage) liveLocked() []*types.Memory {
	out := make([]*types.Memory, 0, len(f.order))
	for _, h := range f.order {
		if m := f.rows[h]; m != nil && !m.IsDeleted() {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeStorage) Initialize(ctx context.Context) error { return nil }
func (f *fakeStorage) Close() error                         { return nil }

func (f *fakeStorage) Store(ctx context.Context, m *types.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeCalls++
	if f.failAtStore != 0 && f.storeCalls == f.failAtStore {
		return fmt.Errorf("%w: injected store failure", storage.ErrSchema)
	}
	if existing, found := f.rows[m.ContentHash]; found && !existing.IsDeleted() {
		return fmt.Errorf("%w: %s", storage.ErrDuplicate, m.ContentHash)
	}
	if _, found := f.rows[m.ContentHash]; !found {
		f.order = append(f.order, m.ContentHash)
	}
	f.rows[m.ContentHash] = m.Clone()
	return nil
}

func (f *fakeStorage) Update(ctx context.Context, m *types.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, found := f.rows[m.ContentHash]
	if !found || existing.IsDeleted() {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, m.ContentHash)
	}
	cp := m.Clone()
	cp.CreatedAt = existing.CreatedAt
	cp.CreatedAtISO = existing.CreatedAtISO
	f.rows[m.ContentHash] = cp
	return nil
}

func (f *fakeStorage) UpdateBatch(ctx context.Context, memories []*types.Memory) ([]storage.BatchResult, error) {
	f.mu.Lock()
	f.updateBatchCalls++
	f.mu.Unlock()
	results := make([]storage.BatchResult, 0, len(memories))
	for _, m := range memories {
		err := f.Update(ctx, m)
		results = append(results, storage.BatchResult{ContentHash: m.ContentHash, Err: err})
	}
	return results, nil
}

func (f *fakeStorage) Delete(ctx context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, found := f.rows[hash]
	if !found || m.IsDeleted() {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, hash)
	}
	m.DeletedAt = types.UnixSeconds(time.Now())
	return nil
}

func (f *fakeStorage) DeleteByTags(ctx context.Context, tags []string, op storage.TagOperation) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, m := range f.liveLocked() {
		if matchesTags(m, tags, op) {
			m.DeletedAt = types.UnixSeconds(time.Now())
			count++
		}
	}
	return count, nil
}

func (f *fakeStorage) DeleteByTimeframe(ctx context.Context, window storage.TimeWindow, tag string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, m := range f.liveLocked() {
		if window.Contains(m.CreatedAt) && (tag == "" || m.HasTag(tag)) {
			m.DeletedAt = types.UnixSeconds(time.Now())
			count++
		}
	}
	return count, nil
}

func (f *fakeStorage) DeleteBeforeDate(ctx context.Context, ts float64, tag string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, m := range f.liveLocked() {
		if m.CreatedAt < ts && (tag == "" || m.HasTag(tag)) {
			m.DeletedAt = types.UnixSeconds(time.Now())
			count++
		}
	}
	return count, nil
}

func (f *fakeStorage) GetByHash(ctx context.Context, hash string) (*types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, found := f.rows[hash]
	if !found || m.IsDeleted() {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, hash)
	}
	return m.Clone(), nil
}

func (f *fakeStorage) GetByExactContent(ctx context.Context, text string) ([]*types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Memory
	for _, m := range f.liveLocked() {
		if m.Content == text {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (f *fakeStorage) GetAll(ctx context.Context, opts storage.ListOptions) ([]*types.Memory, error) {
	opts.Normalize()
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []*types.Memory
	for _, m := range f.liveLocked() {
		if opts.MemoryType != "" && m.MemoryType != opts.MemoryType {
			continue
		}
		if len(opts.Tags) > 0 && !matchesTags(m, opts.Tags, storage.TagMatchAny) {
			continue
		}
		matched = append(matched, m)
	}
	start := opts.Offset()
	if start >= len(matched) {
		return nil, nil
	}
	end := start + opts.Limit()
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]*types.Memory, 0, end-start)
	for _, m := range matched[start:end] {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (f *fakeStorage) GetRecent(ctx context.Context, n int) ([]*types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	live := f.liveLocked()
	if n > len(live) {
		n = len(live)
	}
	out := make([]*types.Memory, 0, n)
	for i := len(live) - 1; i >= len(live)-n; i-- {
		out = append(out, live[i].Clone())
	}
	return out, nil
}

func (f *fakeStorage) Count(ctx context.Context, memoryType string, tags []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, m := range f.liveLocked() {
		if memoryType != "" && m.MemoryType != memoryType {
			continue
		}
		if len(tags) > 0 && !matchesTags(m, tags, storage.TagMatchAny) {
			continue
		}
		count++
	}
	return count, nil
}

func (f *fakeStorage) Retrieve(ctx context.Context, query string, k int) ([]*types.MemoryQueryResult, error) {
	return f.Recall(ctx, query, k, storage.TimeWindow{})
}

func (f *fakeStorage) Recall(ctx context.Context, query string, k int, window storage.TimeWindow) ([]*types.MemoryQueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.MemoryQueryResult
	for _, m := range f.liveLocked() {
		if !window.IsZero() && !window.Contains(m.CreatedAt) {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(m.Content), strings.ToLower(query)) {
			continue
		}
		out = append(out, &types.MemoryQueryResult{Memory: m.Clone(), SimilarityScore: 0.9})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (f *fakeStorage) SearchByTag(ctx context.Context, tags []string, op storage.TagOperation, window storage.TimeWindow) ([]*types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Memory
	for _, m := range f.liveLocked() {
		if !window.IsZero() && !window.Contains(m.CreatedAt) {
			continue
		}
		if matchesTags(m, tags, op) {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (f *fakeStorage) SearchByTimeframe(ctx context.Context, window storage.TimeWindow, tag string) ([]*types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Memory
	for _, m := range f.liveLocked() {
		if window.Contains(m.CreatedAt) && (tag == "" || m.HasTag(tag)) {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (f *fakeStorage) GetMemoryTimestamps(ctx context.Context) ([]storage.MemoryStamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.MemoryStamp
	for _, m := range f.liveLocked() {
		out = append(out, storage.MemoryStamp{ContentHash: m.ContentHash, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt})
	}
	return out, nil
}

func (f *fakeStorage) GetUpdatedSince(ctx context.Context, ts float64, limit int) ([]*types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Memory
	for _, m := range f.liveLocked() {
		if m.UpdatedAt > ts {
			out = append(out, m.Clone())
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStorage) GetAllContentHashes(ctx context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{})
	for _, m := range f.liveLocked() {
		out[m.ContentHash] = struct{}{}
	}
	return out, nil
}

func (f *fakeStorage) IsDeleted(ctx context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, found := f.rows[hash]
	return found && m.IsDeleted(), nil
}

func (f *fakeStorage) PurgeDeleted(ctx context.Context, olderThanDays int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := types.UnixSeconds(time.Now()) - float64(olderThanDays)*86400
	count := 0
	for h, m := range f.rows {
		if m.IsDeleted() && m.DeletedAt < cutoff {
			delete(f.rows, h)
			count++
		}
	}
	return count, nil
}

func (f *fakeStorage) StoreAssociation(ctx context.Context, a *types.Association) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.edges {
		if e.SourceHash == a.SourceHash && e.TargetHash == a.TargetHash && e.RelationshipType == a.RelationshipType {
			e.Similarity = a.Similarity
			return nil
		}
	}
	f.edges = append(f.edges, a)
	return nil
}

// FindConnected walks a single hop; the service tests only check
// delegation, not traversal depth.
func (f *fakeStorage) FindConnected(ctx context.Context, hash string, maxHops int, dir storage.GraphDirection) ([]storage.ConnectedMemory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{hash: true}
	var out []storage.ConnectedMemory
	for _, e := range f.edges {
		var other string
		switch {
		case e.SourceHash == hash && dir != storage.DirectionInbound:
			other = e.TargetHash
		case e.TargetHash == hash && dir != storage.DirectionOutbound:
			other = e.SourceHash
		default:
			continue
		}
		if seen[other] {
			continue
		}
		seen[other] = true
		if m := f.rows[other]; m != nil && !m.IsDeleted() {
			out = append(out, storage.ConnectedMemory{Memory: m.Clone(), Distance: 1, Path: []string{hash, other}})
		}
	}
	return out, nil
}

func (f *fakeStorage) ShortestPath(ctx context.Context, fromHash, toHash string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.edges {
		if (e.SourceHash == fromHash && e.TargetHash == toHash) ||
			(e.SourceHash == toHash && e.TargetHash == fromHash) {
			return []string{fromHash, toHash}, nil
		}
	}
	return nil, fmt.Errorf("%w: no path", storage.ErrNotFound)
}

func (f *fakeStorage) GetSubgraph(ctx context.Context, hash string, radius int) (*storage.Subgraph, error) {
	conns, err := f.FindConnected(ctx, hash, radius, storage.DirectionBoth)
	if err != nil {
		return nil, err
	}
	sub := &storage.Subgraph{}
	if m := f.get(hash); m != nil {
		sub.Nodes = append(sub.Nodes, m.Clone())
	}
	for _, c := range conns {
		sub.Nodes = append(sub.Nodes, c.Memory)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sub.Edges = append(sub.Edges, f.edges...)
	return sub, nil
}

func (f *fakeStorage) Backend() string        { return "fake" }
func (f *fakeStorage) MaxContentLength() int  { return f.maxLen }
func (f *fakeStorage) SupportsChunking() bool { return true }

func (f *fakeStorage) GetStats(ctx context.Context) (*storage.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tags := make(map[string]struct{})
	live := f.liveLocked()
	for _, m := range live {
		for _, t := range m.Tags {
			tags[t] = struct{}{}
		}
	}
	return &storage.Stats{
		Backend:            "fake",
		TotalMemories:      len(live),
		UniqueTags:         len(tags),
		DatabaseSizeBytes:  4096,
		EmbeddingModel:     "fake-embed",
		EmbeddingDimension: 4,
	}, nil
}

func matchesTags(m *types.Memory, tags []string, op storage.TagOperation) bool {
	if len(tags) == 0 {
		return false
	}
	matched := 0
	for _, t := range tags {
		if m.HasTag(t) {
			matched++
		}
	}
	if op == storage.TagMatchAll {
		return matched == len(tags)
	}
	return matched > 0
}

// batchStorage adds a StoreBatch path so tests can cover the bulk chunk
// write.
type batchStorage struct {
	*fakeStorage
	batchCalls int
}

var _ storage.BatchWriter = (*batchStorage)(nil)

func (b *batchStorage) StoreBatch(ctx context.Context, memories []*types.Memory) ([]storage.BatchResult, error) {
	b.batchCalls++
	results := make([]storage.BatchResult, 0, len(memories))
	for _, m := range memories {
		err := b.fakeStorage.Store(ctx, m)
		results = append(results, storage.BatchResult{ContentHash: m.ContentHash, Err: err})
	}
	return results, nil
}

// fakeEmbedder declares an input limit without ever embedding anything.
type fakeEmbedder struct {
	dim      int
	maxChars int
}

func (e *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, e.dim)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

func (e *fakeEmbedder) Dimension() int     { return e.dim }
func (e *fakeEmbedder) MaxInputChars() int { return e.maxChars }
func (e *fakeEmbedder) Model() string      { return "fake-embed" }

// fakeQuality scores every memory the same so tests can assert the
// persisted fields.
type fakeQuality struct {
	score float64
}

func (q *fakeQuality) Score(ctx context.Context, m *types.Memory) (*quality.Assessment, error) {
	return &quality.Assessment{
		Score:        q.score,
		Confidence:   0.9,
		Provider:     quality.ProviderImplicit,
		CalculatedAt: types.UnixSeconds(time.Now()),
	}, nil
}

func (q *fakeQuality) Name() string { return quality.ProviderImplicit }
