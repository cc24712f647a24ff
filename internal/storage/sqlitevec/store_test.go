package sqlitevec

import (
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// stubEmbedder returns deterministic vectors derived from the text, so the
// same text always embeds to the same vector and exact-text queries rank
// their memory first. Specific texts can be pinned to hand-built vectors.
type stubEmbedder struct {
	dim    int
	pinned map[string][]float32
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{dim: 8, pinned: map[string][]float32{}}
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := s.pinned[t]; ok {
			out[i] = v
			continue
		}
		sum := sha256.Sum256([]byte(t))
		vec := make([]float32, s.dim)
		for j := range vec {
			vec[j] = float32(sum[j])/255 + 0.01
		}
		out[i] = vec
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int     { return s.dim }
func (s *stubEmbedder) MaxInputChars() int { return 8192 }
func (s *stubEmbedder) Model() string      { return "stub-embedder" }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(path, newStubEmbedder())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeMemory(content string, tags []string, memoryType string, createdAt float64) *types.Memory {
	m := &types.Memory{
		Content:    content,
		Tags:       tags,
		MemoryType: memoryType,
	}
	if createdAt > 0 {
		m.CreatedAt = createdAt
		m.UpdatedAt = createdAt
		m.NormalizeTimestamps()
	}
	return m
}

func mustStore(t *testing.T, s *Store, m *types.Memory) *types.Memory {
	t.Helper()
	if err := s.Store(context.Background(), m); err != nil {
		t.Fatalf("Store(%q): %v", m.Content, err)
	}
	return m
}

func TestStoreAndGetByHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := makeMemory("the deploy pipeline uses blue-green switchover", []string{"deploy", "infra"}, "reference", 0)
	m.Metadata = map[string]interface{}{"project": "keepsake"}
	mustStore(t, s, m)

	if m.ContentHash == "" || len(m.ContentHash) != 64 {
		t.Fatalf("expected computed 64-char content hash, got %q", m.ContentHash)
	}
	if m.CreatedAt == 0 || m.CreatedAtISO == "" {
		t.Fatalf("expected timestamps stamped on store, got %v / %q", m.CreatedAt, m.CreatedAtISO)
	}

	got, err := s.GetByHash(ctx, m.ContentHash)
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if got.Content != m.Content {
		t.Errorf("content = %q, want %q", got.Content, m.Content)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "deploy" || got.Tags[1] != "infra" {
		t.Errorf("tags = %v, want [deploy infra]", got.Tags)
	}
	if got.MemoryType != "reference" {
		t.Errorf("memory_type = %q, want reference", got.MemoryType)
	}
	if project, _ := got.MetaString("project"); project != "keepsake" {
		t.Errorf("metadata project = %q, want keepsake", project)
	}
	if len(got.Embedding) != 8 {
		t.Errorf("embedding dim = %d, want 8", len(got.Embedding))
	}
	if got.CreatedAtISO != types.ISOFromUnix(got.CreatedAt) {
		t.Errorf("ISO mirror %q does not match created_at %v", got.CreatedAtISO, got.CreatedAt)
	}
}

func TestStoreDuplicateRejected(t *testing.T) {
	s := newTestStore(t)

	m1 := mustStore(t, s, makeMemory("only once", []string{"a"}, "standard", 0))
	dup := makeMemory("only once", []string{"a"}, "standard", 0)
	err := s.Store(context.Background(), dup)
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if dup.ContentHash != m1.ContentHash {
		t.Errorf("identical inputs produced different hashes: %s vs %s", dup.ContentHash, m1.ContentHash)
	}
}

func TestStoreRevivesTombstone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := mustStore(t, s, makeMemory("phoenix", []string{"x"}, "standard", 0))
	if err := s.Delete(ctx, m.ContentHash); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.GetByHash(ctx, m.ContentHash); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	again := makeMemory("phoenix", []string{"x"}, "standard", 0)
	if err := s.Store(ctx, again); err != nil {
		t.Fatalf("re-store after delete: %v", err)
	}
	got, err := s.GetByHash(ctx, m.ContentHash)
	if err != nil {
		t.Fatalf("GetByHash after revive: %v", err)
	}
	if got.IsDeleted() {
		t.Error("revived memory still tombstoned")
	}
}

func TestUpdatePreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := mustStore(t, s, makeMemory("mutable fields", []string{"before"}, "standard", 1700000000))
	created := m.CreatedAt

	m.Tags = []string{"after", "second"}
	m.SetMeta("note", "edited")
	m.TouchUpdated(types.TimeFromUnix(created).Add(90 * time.Second))
	if err := s.Update(ctx, m); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.GetByHash(ctx, m.ContentHash)
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if got.CreatedAt != created {
		t.Errorf("created_at changed on update: %v -> %v", created, got.CreatedAt)
	}
	if got.UpdatedAt <= created {
		t.Errorf("updated_at not advanced: %v", got.UpdatedAt)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "after" {
		t.Errorf("tags not updated: %v", got.Tags)
	}
	if note, _ := got.MetaString("note"); note != "edited" {
		t.Errorf("metadata not updated: %v", got.Metadata)
	}
}

func TestUpdateMissingMemory(t *testing.T) {
	s := newTestStore(t)
	m := makeMemory("ghost", nil, "standard", 1700000000)
	m.ContentHash = strings.Repeat("ab", 32)
	if err := s.Update(context.Background(), m); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateBatchPartialFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustStore(t, s, makeMemory("batch a", nil, "standard", 1700000000))
	b := mustStore(t, s, makeMemory("batch b", nil, "standard", 1700000001))
	missing := makeMemory("batch ghost", nil, "standard", 1700000002)
	missing.ContentHash = strings.Repeat("cd", 32)

	a.SetMeta("touched", true)
	b.SetMeta("touched", true)
	missing.SetMeta("touched", true)

	results, err := s.UpdateBatch(ctx, []*types.Memory{a, b, missing})
	if err != nil {
		t.Fatalf("UpdateBatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil || results[1].Err != nil {
		t.Errorf("live items failed: %v / %v", results[0].Err, results[1].Err)
	}
	if !errors.Is(results[2].Err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing item, got %v", results[2].Err)
	}

	got, err := s.GetByHash(ctx, a.ContentHash)
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if !got.MetaBool("touched") {
		t.Error("batch update did not commit the successful items")
	}
}

func TestDeleteByTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustStore(t, s, makeMemory("m1", []string{"alpha", "beta"}, "standard", 1700000000))
	mustStore(t, s, makeMemory("m2", []string{"alpha"}, "standard", 1700000001))
	mustStore(t, s, makeMemory("m3", []string{"beta"}, "standard", 1700000002))

	n, err := s.DeleteByTags(ctx, []string{"alpha", "beta"}, storage.TagMatchAll)
	if err != nil {
		t.Fatalf("DeleteByTags AND: %v", err)
	}
	if n != 1 {
		t.Fatalf("AND deleted %d, want 1", n)
	}

	n, err = s.DeleteByTags(ctx, []string{"alpha", "beta"}, storage.TagMatchAny)
	if err != nil {
		t.Fatalf("DeleteByTags OR: %v", err)
	}
	if n != 2 {
		t.Fatalf("OR deleted %d, want 2", n)
	}
}

func TestDeleteByTimeframe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustStore(t, s, makeMemory("old", []string{"w"}, "standard", 1000))
	mustStore(t, s, makeMemory("mid", []string{"w"}, "standard", 2000))
	mustStore(t, s, makeMemory("new", []string{"w"}, "standard", 3000))

	n, err := s.DeleteByTimeframe(ctx, storage.TimeWindow{Start: 1500, End: 2500}, "")
	if err != nil {
		t.Fatalf("DeleteByTimeframe: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}

	n, err = s.DeleteBeforeDate(ctx, 1500, "")
	if err != nil {
		t.Fatalf("DeleteBeforeDate: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
}

func TestRetrieveRanksExactTextFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	target := mustStore(t, s, makeMemory("postgres connection pooling settings", []string{"db"}, "reference", 1700000000))
	mustStore(t, s, makeMemory("weekly standup notes from the platform team", []string{"notes"}, "standard", 1700000001))
	mustStore(t, s, makeMemory("kubernetes ingress annotations for tls", []string{"infra"}, "reference", 1700000002))

	results, err := s.Retrieve(ctx, "postgres connection pooling settings", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Memory.ContentHash != target.ContentHash {
		t.Errorf("top result = %q, want the exact-text memory", results[0].Memory.Content)
	}
	if results[0].SimilarityScore < 0.7 {
		t.Errorf("exact-text similarity = %v, want >= 0.7", results[0].SimilarityScore)
	}
	for i := 1; i < len(results); i++ {
		if results[i].SimilarityScore > results[i-1].SimilarityScore {
			t.Errorf("results not ordered by score: %v then %v",
				results[i-1].SimilarityScore, results[i].SimilarityScore)
		}
	}
}

func TestRetrieveExcludesTombstonesAndArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	live := mustStore(t, s, makeMemory("live memory", nil, "standard", 1700000000))
	dead := mustStore(t, s, makeMemory("dead memory", nil, "standard", 1700000001))
	archived := makeMemory("archived memory", nil, "standard", 1700000002)
	archived.SetMeta(types.MetaArchived, true)
	mustStore(t, s, archived)

	if err := s.Delete(ctx, dead.ContentHash); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	results, err := s.Retrieve(ctx, "memory", 10)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for _, r := range results {
		if r.Memory.ContentHash == dead.ContentHash {
			t.Error("tombstoned memory returned by Retrieve")
		}
		if r.Memory.ContentHash == archived.ContentHash {
			t.Error("archived memory returned by Retrieve")
		}
	}
	found := false
	for _, r := range results {
		if r.Memory.ContentHash == live.ContentHash {
			found = true
		}
	}
	if !found {
		t.Error("live memory missing from Retrieve results")
	}

	// Archived memories remain reachable through explicit listing.
	all, err := s.GetAll(ctx, storage.ListOptions{PageSize: 100})
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	foundArchived := false
	for _, m := range all {
		if m.ContentHash == archived.ContentHash {
			foundArchived = true
		}
	}
	if !foundArchived {
		t.Error("archived memory missing from GetAll")
	}
}

func TestRecallTimeWindowOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustStore(t, s, makeMemory("before window", nil, "standard", 1000))
	in1 := mustStore(t, s, makeMemory("inside window one", nil, "standard", 2000))
	in2 := mustStore(t, s, makeMemory("inside window two", nil, "standard", 2500))
	mustStore(t, s, makeMemory("after window", nil, "standard", 4000))

	results, err := s.Recall(ctx, "", 10, storage.TimeWindow{Start: 1500, End: 3000})
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Memory.ContentHash != in2.ContentHash || results[1].Memory.ContentHash != in1.ContentHash {
		t.Errorf("expected newest-first window results, got %q then %q",
			results[0].Memory.Content, results[1].Memory.Content)
	}

	if _, err := s.Recall(ctx, "", 10, storage.TimeWindow{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("empty query and empty window should be invalid, got %v", err)
	}
}

func TestSearchByTagExactMatching(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	auth := mustStore(t, s, makeMemory("auth service notes", []string{"auth"}, "standard", 1700000000))
	mustStore(t, s, makeMemory("author biography", []string{"author"}, "standard", 1700000001))

	got, err := s.SearchByTag(ctx, []string{"auth"}, storage.TagMatchAll, storage.TimeWindow{})
	if err != nil {
		t.Fatalf("SearchByTag: %v", err)
	}
	if len(got) != 1 || got[0].ContentHash != auth.ContentHash {
		t.Fatalf("tag 'auth' matched %d memories, want exactly the auth-tagged one", len(got))
	}

	if _, err := s.SearchByTag(ctx, nil, storage.TagMatchAll, storage.TimeWindow{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("empty tag list should be invalid, got %v", err)
	}
}

func TestSearchByTagBooleanOps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustStore(t, s, makeMemory("both tags", []string{"red", "blue"}, "standard", 1700000000))
	mustStore(t, s, makeMemory("red only", []string{"red"}, "standard", 1700000001))
	mustStore(t, s, makeMemory("blue only", []string{"blue"}, "standard", 1700000002))

	all, err := s.SearchByTag(ctx, []string{"red", "blue"}, storage.TagMatchAll, storage.TimeWindow{})
	if err != nil {
		t.Fatalf("SearchByTag AND: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("AND matched %d, want 1", len(all))
	}

	any, err := s.SearchByTag(ctx, []string{"red", "blue"}, storage.TagMatchAny, storage.TimeWindow{})
	if err != nil {
		t.Fatalf("SearchByTag OR: %v", err)
	}
	if len(any) != 3 {
		t.Errorf("OR matched %d, want 3", len(any))
	}
}

func TestGetUpdatedSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustStore(t, s, makeMemory("t1", nil, "standard", 1000))
	m2 := mustStore(t, s, makeMemory("t2", nil, "standard", 2000))
	m3 := mustStore(t, s, makeMemory("t3", nil, "standard", 3000))

	got, err := s.GetUpdatedSince(ctx, 1000, 0)
	if err != nil {
		t.Fatalf("GetUpdatedSince: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d memories, want 2 (strictly after ts)", len(got))
	}
	if got[0].ContentHash != m2.ContentHash || got[1].ContentHash != m3.ContentHash {
		t.Error("expected oldest-first ordering by updated_at")
	}
}

func TestGraphTraversal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustStore(t, s, makeMemory("node a", nil, "standard", 1000))
	b := mustStore(t, s, makeMemory("node b", nil, "standard", 2000))
	c := mustStore(t, s, makeMemory("node c", nil, "standard", 3000))

	if err := s.StoreAssociation(ctx, &types.Association{
		SourceHash: a.ContentHash, TargetHash: b.ContentHash,
		RelationshipType: types.RelCauses, Similarity: 0.5,
	}); err != nil {
		t.Fatalf("StoreAssociation a->b: %v", err)
	}
	if err := s.StoreAssociation(ctx, &types.Association{
		SourceHash: b.ContentHash, TargetHash: c.ContentHash,
		RelationshipType: types.RelCauses, Similarity: 0.5,
	}); err != nil {
		t.Fatalf("StoreAssociation b->c: %v", err)
	}

	connected, err := s.FindConnected(ctx, a.ContentHash, 2, storage.DirectionBoth)
	if err != nil {
		t.Fatalf("FindConnected: %v", err)
	}
	if len(connected) != 2 {
		t.Fatalf("found %d connected memories, want 2", len(connected))
	}
	if connected[0].Memory.ContentHash != b.ContentHash || connected[0].Distance != 1 {
		t.Errorf("first hop = %q at distance %d, want node b at 1",
			connected[0].Memory.Content, connected[0].Distance)
	}
	if connected[1].Memory.ContentHash != c.ContentHash || connected[1].Distance != 2 {
		t.Errorf("second hop = %q at distance %d, want node c at 2",
			connected[1].Memory.Content, connected[1].Distance)
	}
	wantPath := []string{a.ContentHash, b.ContentHash, c.ContentHash}
	if len(connected[1].Path) != 3 {
		t.Fatalf("path length = %d, want 3", len(connected[1].Path))
	}
	for i, h := range wantPath {
		if connected[1].Path[i] != h {
			t.Errorf("path[%d] = %s, want %s", i, shortHash(connected[1].Path[i]), shortHash(h))
		}
	}

	// Outbound-only traversal from c finds nothing for asymmetric edges.
	out, err := s.FindConnected(ctx, c.ContentHash, 2, storage.DirectionOutbound)
	if err != nil {
		t.Fatalf("FindConnected outbound: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("outbound from c found %d memories, want 0", len(out))
	}

	path, err := s.ShortestPath(ctx, a.ContentHash, c.ContentHash)
	if err != nil {
		t.Fatalf("ShortestPath: %v", err)
	}
	if len(path) != 3 || path[0] != a.ContentHash || path[2] != c.ContentHash {
		t.Errorf("shortest path = %v, want a->b->c", path)
	}
}

func TestSymmetricAssociationDoubleWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustStore(t, s, makeMemory("sym a", nil, "standard", 1000))
	b := mustStore(t, s, makeMemory("sym b", nil, "standard", 2000))

	if err := s.StoreAssociation(ctx, &types.Association{
		SourceHash: a.ContentHash, TargetHash: b.ContentHash,
		RelationshipType: types.RelRelated, Similarity: 0.6,
	}); err != nil {
		t.Fatalf("StoreAssociation: %v", err)
	}

	// The reverse row must exist, so outbound from b reaches a.
	out, err := s.FindConnected(ctx, b.ContentHash, 1, storage.DirectionOutbound)
	if err != nil {
		t.Fatalf("FindConnected: %v", err)
	}
	if len(out) != 1 || out[0].Memory.ContentHash != a.ContentHash {
		t.Fatalf("symmetric edge not reachable from the target side: %d results", len(out))
	}

	edges, err := s.AssociationsFor(ctx, b.ContentHash)
	if err != nil {
		t.Fatalf("AssociationsFor: %v", err)
	}
	if len(edges) != 1 || edges[0].TargetHash != a.ContentHash {
		t.Fatalf("expected one reversed edge from b, got %d", len(edges))
	}
}

func TestGetSubgraph(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustStore(t, s, makeMemory("sub a", nil, "standard", 1000))
	b := mustStore(t, s, makeMemory("sub b", nil, "standard", 2000))
	far := mustStore(t, s, makeMemory("sub far", nil, "standard", 3000))

	if err := s.StoreAssociation(ctx, &types.Association{
		SourceHash: a.ContentHash, TargetHash: b.ContentHash,
		RelationshipType: types.RelSupports, Similarity: 0.4,
	}); err != nil {
		t.Fatalf("StoreAssociation: %v", err)
	}
	if err := s.StoreAssociation(ctx, &types.Association{
		SourceHash: b.ContentHash, TargetHash: far.ContentHash,
		RelationshipType: types.RelSupports, Similarity: 0.4,
	}); err != nil {
		t.Fatalf("StoreAssociation: %v", err)
	}

	sub, err := s.GetSubgraph(ctx, a.ContentHash, 1)
	if err != nil {
		t.Fatalf("GetSubgraph: %v", err)
	}
	if len(sub.Nodes) != 2 {
		t.Errorf("radius-1 subgraph has %d nodes, want 2", len(sub.Nodes))
	}
	if len(sub.Edges) != 1 {
		t.Errorf("radius-1 subgraph has %d edges, want 1", len(sub.Edges))
	}
}

func TestPurgeDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := mustStore(t, s, makeMemory("purge me", nil, "standard", 1000))
	keep := mustStore(t, s, makeMemory("keep me", nil, "standard", 2000))

	if err := s.Delete(ctx, m.ContentHash); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	n, err := s.PurgeDeleted(ctx, 0)
	if err != nil {
		t.Fatalf("PurgeDeleted: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}

	deleted, err := s.IsDeleted(ctx, m.ContentHash)
	if err != nil {
		t.Fatalf("IsDeleted: %v", err)
	}
	if deleted {
		t.Error("tombstone still present after purge")
	}
	if _, err := s.GetByHash(ctx, keep.ContentHash); err != nil {
		t.Errorf("live memory lost during purge: %v", err)
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := types.UnixSeconds(time.Now())
	mustStore(t, s, makeMemory("recent", []string{"a", "b"}, "standard", now-3600))
	mustStore(t, s, makeMemory("ancient", []string{"b", "c"}, "standard", now-30*86400))

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Backend != "sqlite_vec" {
		t.Errorf("backend = %q", stats.Backend)
	}
	if stats.TotalMemories != 2 {
		t.Errorf("total = %d, want 2", stats.TotalMemories)
	}
	if stats.MemoriesThisWeek != 1 {
		t.Errorf("this week = %d, want 1", stats.MemoriesThisWeek)
	}
	if stats.UniqueTags != 3 {
		t.Errorf("unique tags = %d, want 3", stats.UniqueTags)
	}
	if stats.EmbeddingModel != "stub-embedder" || stats.EmbeddingDimension != 8 {
		t.Errorf("embedding info = %q/%d", stats.EmbeddingModel, stats.EmbeddingDimension)
	}
	if stats.DatabaseSizeBytes <= 0 {
		t.Errorf("database size = %d, want > 0", stats.DatabaseSizeBytes)
	}
}

func TestCorruptDatabaseRecovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.db")
	if err := os.WriteFile(path, []byte("this is not a sqlite file, not even close"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	s, err := New(path, newStubEmbedder())
	if err != nil {
		t.Fatalf("New over corrupt file: %v", err)
	}
	defer s.Close()

	if err := s.Store(context.Background(), makeMemory("fresh start", nil, "standard", 0)); err != nil {
		t.Fatalf("Store on recreated database: %v", err)
	}

	quarantined, err := filepath.Glob(path + ".corrupt-*")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(quarantined) != 1 {
		t.Errorf("expected 1 quarantined file, found %d", len(quarantined))
	}
}

func TestReopenExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen.db")

	s1, err := New(path, newStubEmbedder())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	m := mustStore(t, s1, makeMemory("persisted across opens", []string{"p"}, "standard", 0))
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := New(path, newStubEmbedder())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetByHash(context.Background(), m.ContentHash)
	if err != nil {
		t.Fatalf("GetByHash after reopen: %v", err)
	}
	if got.Content != "persisted across opens" {
		t.Errorf("content = %q", got.Content)
	}
}

func TestTagValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	long := makeMemory("long tag", []string{strings.Repeat("x", types.MaxTagLength+1)}, "standard", 0)
	if err := s.Store(ctx, long); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("overlong tag accepted: %v", err)
	}

	comma := makeMemory("comma tag", []string{"a,b"}, "standard", 0)
	if err := s.Store(ctx, comma); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("comma tag accepted: %v", err)
	}

	messy := makeMemory("messy tags", []string{"  spaced  ", "", "spaced"}, "standard", 0)
	mustStore(t, s, messy)
	if len(messy.Tags) != 1 || messy.Tags[0] != "spaced" {
		t.Errorf("tags not normalized: %v", messy.Tags)
	}
}
