package consolidation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// fakeStore is an in-memory Store for engine tests. It honors the same
// contracts the real backends do: GetAll pages live memories in insertion
// order, Store dedupes on content hash, UpdateBatch reports per-item
// results, and StoreAssociation upserts on (source, target, type).
type fakeStore struct {
	mu       sync.Mutex
	memories map[string]*types.Memory
	order    []string
	edges    []*types.Association
	failHash string // UpdateBatch rejects this hash when set
}

func newFakeStore() *fakeStore {
	return &fakeStore{memories: make(map[string]*types.Memory)}
}

// add seeds a memory directly, computing its hash and stamping timestamps
// the way a backend's write path would.
func (f *fakeStore) add(t *testing.T, m *types.Memory) *types.Memory {
	t.Helper()
	if m.ContentHash == "" {
		m.ContentHash = storage.ContentHash(m.Content, m.Tags, m.MemoryType)
	}
	if m.CreatedAt == 0 {
		m.StampNew(time.Now())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.memories[m.ContentHash]; dup {
		t.Fatalf("duplicate test memory %q", m.Content)
	}
	f.memories[m.ContentHash] = m.Clone()
	f.order = append(f.order, m.ContentHash)
	return m
}

func (f *fakeStore) get(t *testing.T, contentHash string) *types.Memory {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[contentHash]
	if !ok {
		t.Fatalf("memory %s not in store", contentHash[:12])
	}
	return m.Clone()
}

// taggedWith returns every live memory carrying the tag.
func (f *fakeStore) taggedWith(tag string) []*types.Memory {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Memory
	for _, h := range f.order {
		if m := f.memories[h]; !m.IsDeleted() && m.HasTag(tag) {
			out = append(out, m.Clone())
		}
	}
	return out
}

func (f *fakeStore) edgeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edges)
}

func (f *fakeStore) allEdges() []*types.Association {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Association, len(f.edges))
	copy(out, f.edges)
	return out
}

func (f *fakeStore) GetAll(ctx context.Context, opts storage.ListOptions) ([]*types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	opts.Normalize()
	var live []*types.Memory
	for _, h := range f.order {
		if m := f.memories[h]; !m.IsDeleted() {
			live = append(live, m.Clone())
		}
	}
	start := opts.Offset()
	if start >= len(live) {
		return nil, nil
	}
	end := start + opts.Limit()
	if end > len(live) {
		end = len(live)
	}
	return live[start:end], nil
}

func (f *fakeStore) Store(ctx context.Context, m *types.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ContentHash == "" {
		m.ContentHash = storage.ContentHash(m.Content, m.Tags, m.MemoryType)
	}
	if existing, ok := f.memories[m.ContentHash]; ok && !existing.IsDeleted() {
		return storage.ErrDuplicate
	}
	if m.CreatedAt == 0 {
		m.StampNew(time.Now())
	}
	f.memories[m.ContentHash] = m.Clone()
	f.order = append(f.order, m.ContentHash)
	return nil
}

func (f *fakeStore) UpdateBatch(ctx context.Context, memories []*types.Memory) ([]storage.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]storage.BatchResult, 0, len(memories))
	for _, m := range memories {
		r := storage.BatchResult{ContentHash: m.ContentHash}
		if _, ok := f.memories[m.ContentHash]; !ok || m.ContentHash == f.failHash {
			r.Err = storage.ErrNotFound
		} else {
			f.memories[m.ContentHash] = m.Clone()
		}
		results = append(results, r)
	}
	return results, nil
}

func (f *fakeStore) StoreAssociation(ctx context.Context, a *types.Association) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.edges {
		if e.SourceHash == a.SourceHash && e.TargetHash == a.TargetHash && e.RelationshipType == a.RelationshipType {
			f.edges[i] = a
			return nil
		}
	}
	f.edges = append(f.edges, a)
	return nil
}

// FindConnected supports the single hop the engine's connection counting
// uses; edges are scanned in both directions for DirectionBoth.
func (f *fakeStore) FindConnected(ctx context.Context, contentHash string, maxHops int, direction storage.GraphDirection) ([]storage.ConnectedMemory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var out []storage.ConnectedMemory
	for _, e := range f.edges {
		var other string
		switch {
		case e.SourceHash == contentHash && direction != storage.DirectionInbound:
			other = e.TargetHash
		case e.TargetHash == contentHash && direction != storage.DirectionOutbound:
			other = e.SourceHash
		default:
			continue
		}
		if seen[other] {
			continue
		}
		seen[other] = true
		if m, ok := f.memories[other]; ok && !m.IsDeleted() {
			out = append(out, storage.ConnectedMemory{
				Memory:   m.Clone(),
				Distance: 1,
				Path:     []string{contentHash, other},
			})
		}
	}
	return out, nil
}

// pagerStore adds the optional Pager to the fake so tests can cover the
// engine's paged collection path.
type pagerStore struct {
	*fakeStore
	pageCalls int
}

func (p *pagerStore) Page(ctx context.Context, limit, offset int) ([]*types.Memory, error) {
	p.mu.Lock()
	p.pageCalls++
	var live []*types.Memory
	for _, h := range p.order {
		if m := p.memories[h]; !m.IsDeleted() {
			live = append(live, m.Clone())
		}
	}
	p.mu.Unlock()
	if offset >= len(live) {
		return nil, nil
	}
	end := offset + limit
	if end > len(live) {
		end = len(live)
	}
	return live[offset:end], nil
}

// listerStore adds the optional AssociationLister so tests can cover the
// cheap connection-count path.
type listerStore struct {
	*fakeStore
	listCalls int
}

func (l *listerStore) AssociationsFor(ctx context.Context, contentHash string) ([]*types.Association, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listCalls++
	var out []*types.Association
	for _, e := range l.edges {
		if e.SourceHash == contentHash {
			out = append(out, e)
		}
	}
	return out, nil
}

// aged builds a memory created the given number of days ago.
func aged(content string, daysAgo float64, memoryType string, tags ...string) *types.Memory {
	return &types.Memory{
		Content:    content,
		Tags:       tags,
		MemoryType: memoryType,
		CreatedAt:  types.UnixSeconds(time.Now()) - daysAgo*secondsPerDay,
	}
}

// embeddedMemory builds a recent memory carrying a vector.
func embeddedMemory(content string, vec []float32, tags ...string) *types.Memory {
	m := aged(content, 1, types.MemoryTypeStandard, tags...)
	m.Embedding = vec
	return m
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
