package hybrid

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// fakeStore is an in-memory storage.Storage that records every mutating
// call it sees. Hooks inject failures and let tests gate deliveries.
type fakeStore struct {
	name     string
	maxLen   int
	chunking bool

	mu    sync.Mutex
	rows  map[string]*types.Memory // tombstones included
	calls []string

	initErr     error
	storeErr    func(*types.Memory) error
	updateErr   func(*types.Memory) error
	deleteErr   func(string) error
	beforeStore func(*types.Memory) // runs unlocked, so it may block
}

func newFakeStore(name string) *fakeStore {
	return &fakeStore{name: name, rows: make(map[string]*types.Memory)}
}

func (f *fakeStore) record(op, hash string) {
	f.calls = append(f.calls, op+":"+hash)
}

// seed installs rows directly, bypassing hooks and the call log.
func (f *fakeStore) seed(ms ...*types.Memory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range ms {
		f.rows[m.ContentHash] = m.Clone()
	}
}

func (f *fakeStore) rowCopy(hash string) *types.Memory {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.rows[hash]; ok {
		return m.Clone()
	}
	return nil
}

func (f *fakeStore) hasLive(hash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[hash]
	return ok && m.DeletedAt == 0
}

func (f *fakeStore) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.rows {
		if m.DeletedAt == 0 {
			n++
		}
	}
	return n
}

// callsFor returns the op kinds recorded for one hash, in order.
func (f *fakeStore) callsFor(hash string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasSuffix(c, ":"+hash) {
			out = append(out, strings.SplitN(c, ":", 2)[0])
		}
	}
	return out
}

func (f *fakeStore) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, op+":") {
			n++
		}
	}
	return n
}

func (f *fakeStore) Initialize(ctx context.Context) error { return f.initErr }

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) Store(ctx context.Context, m *types.Memory) error {
	if f.beforeStore != nil {
		f.beforeStore(m)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("store", m.ContentHash)
	if f.storeErr != nil {
		if err := f.storeErr(m); err != nil {
			return err
		}
	}
	if existing, ok := f.rows[m.ContentHash]; ok && existing.DeletedAt == 0 {
		return fmt.Errorf("%w: %s", storage.ErrDuplicate, m.ContentHash)
	}
	cp := m.Clone()
	if cp.CreatedAt == 0 {
		cp.StampNew(time.Now())
	}
	cp.DeletedAt = 0
	f.rows[cp.ContentHash] = cp
	return nil
}

func (f *fakeStore) Update(ctx context.Context, m *types.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update", m.ContentHash)
	if f.updateErr != nil {
		if err := f.updateErr(m); err != nil {
			return err
		}
	}
	existing, ok := f.rows[m.ContentHash]
	if !ok || existing.DeletedAt != 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, m.ContentHash)
	}
	existing.Tags = append([]string(nil), m.Tags...)
	existing.MemoryType = m.MemoryType
	existing.Metadata = m.Metadata
	if m.UpdatedAt != 0 {
		existing.UpdatedAt = m.UpdatedAt
		existing.UpdatedAtISO = types.ISOFromUnix(m.UpdatedAt)
	} else {
		existing.TouchUpdated(time.Now())
	}
	return nil
}

func (f *fakeStore) UpdateBatch(ctx context.Context, memories []*types.Memory) ([]storage.BatchResult, error) {
	results := make([]storage.BatchResult, 0, len(memories))
	for _, m := range memories {
		results = append(results, storage.BatchResult{ContentHash: m.ContentHash, Err: f.Update(ctx, m)})
	}
	return results, nil
}

func (f *fakeStore) Delete(ctx context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete", hash)
	if f.deleteErr != nil {
		if err := f.deleteErr(hash); err != nil {
			return err
		}
	}
	existing, ok := f.rows[hash]
	if !ok || existing.DeletedAt != 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, hash)
	}
	existing.DeletedAt = types.UnixSeconds(time.Now())
	existing.TouchUpdated(time.Now())
	return nil
}

func (f *fakeStore) matches(m *types.Memory, tags []string, op storage.TagOperation) bool {
	if len(tags) == 0 {
		return false
	}
	hits := 0
	for _, t := range tags {
		if m.HasTag(t) {
			hits++
		}
	}
	if op == storage.TagMatchAll {
		return hits == len(tags)
	}
	return hits > 0
}

func (f *fakeStore) DeleteByTags(ctx context.Context, tags []string, op storage.TagOperation) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.rows {
		if m.DeletedAt == 0 && f.matches(m, tags, op) {
			m.DeletedAt = types.UnixSeconds(time.Now())
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteByTimeframe(ctx context.Context, window storage.TimeWindow, tag string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.rows {
		if m.DeletedAt == 0 && window.Contains(m.CreatedAt) && (tag == "" || m.HasTag(tag)) {
			m.DeletedAt = types.UnixSeconds(time.Now())
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteBeforeDate(ctx context.Context, ts float64, tag string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.rows {
		if m.DeletedAt == 0 && m.CreatedAt < ts && (tag == "" || m.HasTag(tag)) {
			m.DeletedAt = types.UnixSeconds(time.Now())
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetByHash(ctx context.Context, hash string) (*types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[hash]
	if !ok || m.DeletedAt != 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, hash)
	}
	return m.Clone(), nil
}

func (f *fakeStore) GetByExactContent(ctx context.Context, text string) ([]*types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Memory
	for _, m := range f.rows {
		if m.DeletedAt == 0 && m.Content == text {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (f *fakeStore) live() []*types.Memory {
	var out []*types.Memory
	for _, m := range f.rows {
		if m.DeletedAt == 0 {
			out = append(out, m.Clone())
		}
	}
	return out
}

func (f *fakeStore) GetAll(ctx context.Context, opts storage.ListOptions) ([]*types.Memory, error) {
	opts.Normalize()
	f.mu.Lock()
	rows := f.live()
	f.mu.Unlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt > rows[j].CreatedAt })
	start := opts.Offset()
	if start >= len(rows) {
		return nil, nil
	}
	end := start + opts.Limit()
	if end > len(rows) {
		end = len(rows)
	}
	return rows[start:end], nil
}

func (f *fakeStore) GetRecent(ctx context.Context, n int) ([]*types.Memory, error) {
	f.mu.Lock()
	rows := f.live()
	f.mu.Unlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt > rows[j].CreatedAt })
	if n < len(rows) {
		rows = rows[:n]
	}
	return rows, nil
}

func (f *fakeStore) Count(ctx context.Context, memoryType string, tags []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.rows {
		if m.DeletedAt != 0 {
			continue
		}
		if memoryType != "" && m.MemoryType != memoryType {
			continue
		}
		if len(tags) > 0 && !f.matches(m, tags, storage.TagMatchAny) {
			continue
		}
		n++
	}
	return n, nil
}

func (f *fakeStore) Retrieve(ctx context.Context, query string, k int) ([]*types.MemoryQueryResult, error) {
	return f.Recall(ctx, query, k, storage.TimeWindow{})
}

func (f *fakeStore) Recall(ctx context.Context, query string, k int, window storage.TimeWindow) ([]*types.MemoryQueryResult, error) {
	f.mu.Lock()
	rows := f.live()
	f.mu.Unlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt > rows[j].CreatedAt })
	var out []*types.MemoryQueryResult
	for _, m := range rows {
		if !window.IsZero() && !window.Contains(m.CreatedAt) {
			continue
		}
		out = append(out, &types.MemoryQueryResult{Memory: m, SimilarityScore: 1})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) SearchByTag(ctx context.Context, tags []string, op storage.TagOperation, window storage.TimeWindow) ([]*types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Memory
	for _, m := range f.rows {
		if m.DeletedAt != 0 || !f.matches(m, tags, op) {
			continue
		}
		if !window.IsZero() && !window.Contains(m.CreatedAt) {
			continue
		}
		out = append(out, m.Clone())
	}
	return out, nil
}

func (f *fakeStore) SearchByTimeframe(ctx context.Context, window storage.TimeWindow, tag string) ([]*types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Memory
	for _, m := range f.rows {
		if m.DeletedAt == 0 && window.Contains(m.CreatedAt) && (tag == "" || m.HasTag(tag)) {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (f *fakeStore) GetMemoryTimestamps(ctx context.Context) ([]storage.MemoryStamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.MemoryStamp
	for _, m := range f.rows {
		if m.DeletedAt == 0 {
			out = append(out, storage.MemoryStamp{ContentHash: m.ContentHash, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt})
		}
	}
	return out, nil
}

func (f *fakeStore) GetUpdatedSince(ctx context.Context, ts float64, limit int) ([]*types.Memory, error) {
	if limit < 1 {
		limit = 1000
	}
	f.mu.Lock()
	rows := f.live()
	f.mu.Unlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].UpdatedAt < rows[j].UpdatedAt })
	var out []*types.Memory
	for _, m := range rows {
		if m.UpdatedAt > ts {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) GetAllContentHashes(ctx context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{})
	for h, m := range f.rows {
		if m.DeletedAt == 0 {
			out[h] = struct{}{}
		}
	}
	return out, nil
}

func (f *fakeStore) IsDeleted(ctx context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[hash]
	return ok && m.DeletedAt != 0, nil
}

func (f *fakeStore) PurgeDeleted(ctx context.Context, olderThanDays int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("purge", fmt.Sprintf("%d", olderThanDays))
	cutoff := types.UnixSeconds(time.Now()) - float64(olderThanDays)*86400
	n := 0
	for h, m := range f.rows {
		if m.DeletedAt != 0 && m.DeletedAt < cutoff {
			delete(f.rows, h)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) StoreAssociation(ctx context.Context, a *types.Association) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("edge", a.SourceHash)
	return nil
}

func (f *fakeStore) FindConnected(ctx context.Context, hash string, maxHops int, direction storage.GraphDirection) ([]storage.ConnectedMemory, error) {
	return nil, nil
}

func (f *fakeStore) ShortestPath(ctx context.Context, fromHash, toHash string) ([]string, error) {
	return nil, fmt.Errorf("%w: no path", storage.ErrNotFound)
}

func (f *fakeStore) GetSubgraph(ctx context.Context, hash string, radius int) (*storage.Subgraph, error) {
	return &storage.Subgraph{}, nil
}

func (f *fakeStore) Backend() string { return f.name }

func (f *fakeStore) MaxContentLength() int { return f.maxLen }

func (f *fakeStore) SupportsChunking() bool { return f.chunking }

func (f *fakeStore) GetStats(ctx context.Context) (*storage.Stats, error) {
	return &storage.Stats{Backend: f.name, TotalMemories: f.liveCount()}, nil
}

// Page lets reconciliation walk the fake through the paging interface.
func (f *fakeStore) Page(ctx context.Context, limit, offset int) ([]*types.Memory, error) {
	f.mu.Lock()
	rows := f.live()
	f.mu.Unlock()
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt != rows[j].CreatedAt {
			return rows[i].CreatedAt < rows[j].CreatedAt
		}
		return rows[i].ContentHash < rows[j].ContentHash
	})
	if offset >= len(rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end], nil
}

// batchStore adds the bulk insert path on top of fakeStore. resultErr, when
// set, decides a per-item outcome; batchErr aborts the whole call.
type batchStore struct {
	*fakeStore
	batchMu    sync.Mutex
	batchCalls [][]string
	batchErr   error
	resultErr  func(hash string) error
}

func (b *batchStore) StoreBatch(ctx context.Context, memories []*types.Memory) ([]storage.BatchResult, error) {
	hashes := make([]string, len(memories))
	for i, m := range memories {
		hashes[i] = m.ContentHash
	}
	b.batchMu.Lock()
	b.batchCalls = append(b.batchCalls, hashes)
	err := b.batchErr
	b.batchMu.Unlock()
	if err != nil {
		return nil, err
	}

	results := make([]storage.BatchResult, len(memories))
	for i, m := range memories {
		results[i] = storage.BatchResult{ContentHash: m.ContentHash}
		if b.resultErr != nil {
			if err := b.resultErr(m.ContentHash); err != nil {
				results[i].Err = err
				continue
			}
		}
		if err := b.fakeStore.Store(ctx, m); err != nil {
			results[i].Err = err
		}
	}
	return results, nil
}

func (b *batchStore) batchedHashes() []string {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	var out []string
	for _, call := range b.batchCalls {
		out = append(out, call...)
	}
	return out
}

// mem builds a live memory with both timestamp forms set.
func mem(hash, content string, created float64, tags ...string) *types.Memory {
	return &types.Memory{
		Content:      content,
		ContentHash:  hash,
		Tags:         tags,
		MemoryType:   "note",
		CreatedAt:    created,
		CreatedAtISO: types.ISOFromUnix(created),
		UpdatedAt:    created,
		UpdatedAtISO: types.ISOFromUnix(created),
	}
}

func testConfig() Config {
	return Config{
		QueueSize:       64,
		MaxConcurrent:   4,
		EnqueueTimeout:  50 * time.Millisecond,
		MaxAttempts:     3,
		RetryDelayUnit:  time.Millisecond,
		DriftInterval:   time.Hour,
		PurgeInterval:   time.Hour,
		ShutdownTimeout: 2 * time.Second,
		Role:            OwnerRPC,
	}.withDefaults()
}

// startDispatcher runs only the queue consumer, keeping tests free of the
// reconcile/drift/purge daemons that a full Start would kick off.
func startDispatcher(s *Syncer) {
	s.lifeMu.Lock()
	s.running = true
	s.lifeMu.Unlock()
	s.wg.Add(1)
	go s.dispatchLoop()
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
