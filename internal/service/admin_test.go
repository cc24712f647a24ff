package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/scrypster/keepsake/internal/quality"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

func TestDeleteByHash(t *testing.T) {
	f := newFakeStorage()
	svc := New(f, nil, nil, DefaultConfig())
	m := f.seed("delete me")

	dry := svc.Delete(context.Background(), DeleteRequest{ContentHash: m.ContentHash, DryRun: true})
	if !dry.Success || dry.DeletedCount != 1 || !dry.DryRun {
		t.Fatalf("dry run: %+v", dry)
	}
	if f.liveCount() != 1 {
		t.Fatal("dry run deleted the memory")
	}

	res := svc.Delete(context.Background(), DeleteRequest{ContentHash: m.ContentHash})
	if !res.Success || res.DeletedCount != 1 {
		t.Fatalf("delete: %+v", res)
	}
	if f.liveCount() != 0 {
		t.Error("memory still live")
	}

	res = svc.Delete(context.Background(), DeleteRequest{ContentHash: m.ContentHash})
	if res.Success || res.ErrorKind != storage.KindStorage {
		t.Errorf("second delete: success=%v kind=%q", res.Success, res.ErrorKind)
	}
}

func TestDeleteSelectorValidation(t *testing.T) {
	f := newFakeStorage()
	svc := New(f, nil, nil, DefaultConfig())
	m := f.seed("conflicted", "x")

	res := svc.Delete(context.Background(), DeleteRequest{ContentHash: m.ContentHash, Tags: "x"})
	if res.Success || res.ErrorKind != storage.KindValidation {
		t.Errorf("combined selectors: kind=%q", res.ErrorKind)
	}

	res = svc.Delete(context.Background(), DeleteRequest{})
	if res.Success || res.ErrorKind != storage.KindValidation {
		t.Errorf("no selector: kind=%q", res.ErrorKind)
	}

	res = svc.Delete(context.Background(), DeleteRequest{ContentHash: "short"})
	if res.Success || res.ErrorKind != storage.KindValidation {
		t.Errorf("malformed hash: kind=%q", res.ErrorKind)
	}

	res = svc.Delete(context.Background(), DeleteRequest{Tags: "x", TagMatch: "bogus"})
	if res.Success || res.ErrorKind != storage.KindValidation {
		t.Errorf("bad tag match: kind=%q", res.ErrorKind)
	}
	if f.liveCount() != 1 {
		t.Error("validation failures must not delete")
	}
}

func TestDeleteByTags(t *testing.T) {
	f := newFakeStorage()
	svc := New(f, nil, nil, DefaultConfig())
	f.seed("scratch one", "scratch")
	f.seed("scratch two", "scratch")
	f.seed("keeper", "keep")

	dry := svc.Delete(context.Background(), DeleteRequest{Tags: "scratch", DryRun: true})
	if !dry.Success || dry.DeletedCount != 2 || f.liveCount() != 3 {
		t.Fatalf("dry run: count=%d live=%d", dry.DeletedCount, f.liveCount())
	}

	res := svc.Delete(context.Background(), DeleteRequest{Tags: "scratch"})
	if !res.Success || res.DeletedCount != 2 {
		t.Fatalf("delete: %+v", res)
	}
	if f.liveCount() != 1 {
		t.Errorf("live = %d, want the keeper only", f.liveCount())
	}
}

func TestDeleteByTagsWindowed(t *testing.T) {
	f := newFakeStorage()
	svc := New(f, nil, nil, DefaultConfig())
	f.seed("recent scratch", "scratch")
	old := f.seed("old scratch", "scratch")
	old.CreatedAt -= 3600

	window := storage.TimeWindow{Start: types.UnixSeconds(time.Now()) - 60}
	res := svc.Delete(context.Background(), DeleteRequest{Tags: "scratch", Window: window})
	if !res.Success || res.DeletedCount != 1 {
		t.Fatalf("windowed delete: %+v", res)
	}
	if f.get(old.ContentHash).IsDeleted() {
		t.Error("memory outside the window was deleted")
	}
}

func TestDeleteByWindow(t *testing.T) {
	f := newFakeStorage()
	svc := New(f, nil, nil, DefaultConfig())
	f.seed("in window one")
	f.seed("in window two", "tagged")

	window := storage.TimeWindow{Start: types.UnixSeconds(time.Now()) - 60}
	dry := svc.Delete(context.Background(), DeleteRequest{Window: window, DryRun: true})
	if !dry.Success || dry.DeletedCount != 2 {
		t.Fatalf("dry run: %+v", dry)
	}

	res := svc.Delete(context.Background(), DeleteRequest{Window: window, Tag: "tagged"})
	if !res.Success || res.DeletedCount != 1 {
		t.Fatalf("tag-scoped window delete: %+v", res)
	}
	if f.liveCount() != 1 {
		t.Errorf("live = %d", f.liveCount())
	}
}

func TestDeleteBefore(t *testing.T) {
	f := newFakeStorage()
	svc := New(f, nil, nil, DefaultConfig())
	f.seed("older note", "note")
	f.seed("older scratch")

	res := svc.DeleteBefore(context.Background(), 0, "")
	if res.Success || res.ErrorKind != storage.KindValidation {
		t.Errorf("zero cutoff accepted: kind=%q", res.ErrorKind)
	}

	cutoff := types.UnixSeconds(time.Now()) + 100
	res = svc.DeleteBefore(context.Background(), cutoff, "note")
	if !res.Success || res.DeletedCount != 1 {
		t.Fatalf("tag-scoped cutoff: %+v", res)
	}
	res = svc.DeleteBefore(context.Background(), cutoff, "")
	if !res.Success || res.DeletedCount != 1 {
		t.Fatalf("cutoff: %+v", res)
	}
	if f.liveCount() != 0 {
		t.Errorf("live = %d", f.liveCount())
	}
}

func TestUpdateMetadataFields(t *testing.T) {
	f := newFakeStorage()
	svc := New(f, nil, nil, DefaultConfig())
	m := f.seed("mutable memory", "old")
	createdAt := m.CreatedAt

	res := svc.UpdateMetadata(context.Background(), m.ContentHash, map[string]interface{}{
		"tags":        "new1, new2",
		"memory_type": "note",
		"metadata":    map[string]interface{}{"reviewed": true},
	}, true)
	if !res.Success {
		t.Fatalf("update failed: %s", res.Error)
	}
	got := f.get(m.ContentHash)
	if !got.HasTag("new1") || !got.HasTag("new2") || got.HasTag("old") {
		t.Errorf("tags = %v", got.Tags)
	}
	// Identity is fixed at creation: the tag edit must not re-key the
	// row under a hash of the new tag set.
	if got.ContentHash != m.ContentHash {
		t.Errorf("content_hash changed on tag edit: %s -> %s", m.ContentHash, got.ContentHash)
	}
	if got.MemoryType != "note" {
		t.Errorf("memory_type = %q", got.MemoryType)
	}
	if !got.MetaBool("reviewed") {
		t.Error("metadata patch not merged")
	}
	if got.CreatedAt != createdAt {
		t.Errorf("created_at rewritten: %v -> %v", createdAt, got.CreatedAt)
	}
	if got.UpdatedAt < createdAt {
		t.Errorf("updated_at = %v, want at least created_at", got.UpdatedAt)
	}
}

func TestUpdateMetadataQualityKeys(t *testing.T) {
	f := newFakeStorage()
	svc := New(f, nil, nil, DefaultConfig())
	m := f.seed("scored externally")

	res := svc.UpdateMetadata(context.Background(), m.ContentHash, map[string]interface{}{
		types.MetaQualityScore:    0.7,
		types.MetaQualityProvider: "external",
	}, true)
	if !res.Success {
		t.Fatalf("update failed: %s", res.Error)
	}
	got := f.get(m.ContentHash)
	if score, _ := got.MetaFloat(types.MetaQualityScore); score != 0.7 {
		t.Errorf("quality score = %v", score)
	}
	if provider, _ := got.MetaString(types.MetaQualityProvider); provider != "external" {
		t.Errorf("provider = %q", provider)
	}
}

func TestUpdateMetadataRejections(t *testing.T) {
	f := newFakeStorage()
	svc := New(f, nil, nil, DefaultConfig())
	m := f.seed("guarded")

	res := svc.UpdateMetadata(context.Background(), m.ContentHash, map[string]interface{}{"content": "x"}, true)
	if res.Success || !strings.Contains(res.Error, "unsupported update key") {
		t.Errorf("content update accepted: %+v", res.Envelope)
	}

	res = svc.UpdateMetadata(context.Background(), m.ContentHash, map[string]interface{}{"created_at": 1.0}, false)
	if res.Success || res.ErrorKind != storage.KindValidation {
		t.Errorf("created_at update accepted: %+v", res.Envelope)
	}

	res = svc.UpdateMetadata(context.Background(), m.ContentHash, nil, true)
	if res.Success || res.ErrorKind != storage.KindValidation {
		t.Error("empty update accepted")
	}

	res = svc.UpdateMetadata(context.Background(), "bad/hash", map[string]interface{}{"tags": "x"}, true)
	if res.Success || res.ErrorKind != storage.KindValidation {
		t.Error("malformed hash accepted")
	}
}

func TestUpdateMetadataTimestamps(t *testing.T) {
	f := newFakeStorage()
	svc := New(f, nil, nil, DefaultConfig())
	m := f.seed("stamped")

	// preserveTimestamps wins over an explicit value.
	res := svc.UpdateMetadata(context.Background(), m.ContentHash,
		map[string]interface{}{"updated_at": 123.0}, true)
	if !res.Success || res.Memory.UpdatedAt == 123.0 {
		t.Fatalf("preserve=true honored the explicit timestamp: %v", res.Memory.UpdatedAt)
	}

	res = svc.UpdateMetadata(context.Background(), m.ContentHash,
		map[string]interface{}{"updated_at": 1700000000.5}, false)
	if !res.Success || res.Memory.UpdatedAt != 1700000000.5 {
		t.Fatalf("explicit float timestamp: %v", res.Memory.UpdatedAt)
	}
	if res.Memory.UpdatedAtISO == "" {
		t.Error("ISO mirror not refreshed")
	}

	iso := "2026-01-02T03:04:05Z"
	res = svc.UpdateMetadata(context.Background(), m.ContentHash,
		map[string]interface{}{"updated_at_iso": iso}, false)
	if !res.Success || res.Memory.UpdatedAt != types.ParseISO(iso) {
		t.Fatalf("explicit ISO timestamp: %v", res.Memory.UpdatedAt)
	}
}

func TestCountAndDeleteUntagged(t *testing.T) {
	f := newFakeStorage()
	svc := New(f, nil, nil, DefaultConfig())
	f.seed("untagged one")
	f.seed("untagged two")
	f.seed("tagged", "keep")

	count := svc.CountUntagged(context.Background())
	if !count.Success || count.Count != 2 {
		t.Fatalf("count = %+v", count)
	}

	res := svc.DeleteUntagged(context.Background(), 1)
	if res.Success || !strings.Contains(res.Error, "confirm_count") {
		t.Fatalf("stale confirm accepted: %+v", res.Envelope)
	}
	if f.liveCount() != 3 {
		t.Fatal("rejected confirm still deleted")
	}

	res = svc.DeleteUntagged(context.Background(), 2)
	if !res.Success || res.DeletedCount != 2 {
		t.Fatalf("delete untagged: %+v", res)
	}
	if f.liveCount() != 1 {
		t.Errorf("live = %d, want the tagged survivor", f.liveCount())
	}
}

func TestCleanupDuplicates(t *testing.T) {
	f := newFakeStorage()
	svc := New(f, nil, nil, DefaultConfig())

	// Same text under different tags hashes differently, so both rows
	// coexist until cleanup collapses them onto the oldest.
	oldest := f.seed("deploy checklist", "ops")
	oldest.CreatedAt = 100
	newer := f.seed("deploy checklist", "runbook")
	newer.CreatedAt = 200
	f.seed("unique row", "ops")

	res := svc.CleanupDuplicates(context.Background())
	if !res.Success || res.DeletedCount != 1 {
		t.Fatalf("cleanup: %+v", res)
	}
	if f.liveCount() != 2 {
		t.Fatalf("live = %d, want 2", f.liveCount())
	}
	if _, err := f.GetByHash(context.Background(), oldest.ContentHash); err != nil {
		t.Error("oldest copy was deleted")
	}
	if _, err := f.GetByHash(context.Background(), newer.ContentHash); err == nil {
		t.Error("newer duplicate survived")
	}

	res = svc.CleanupDuplicates(context.Background())
	if !res.Success || res.DeletedCount != 0 {
		t.Errorf("second pass: %+v", res)
	}
}

func TestHealthCheck(t *testing.T) {
	f := newFakeStorage()
	f.seed("healthy")
	svc := New(f, nil, nil, DefaultConfig())

	res := svc.HealthCheck(context.Background())
	if !res.Success || !res.Connected {
		t.Fatalf("health: %+v", res.Envelope)
	}
	if res.Backend != "fake" || res.TotalMemories != 1 {
		t.Errorf("backend=%q total=%d", res.Backend, res.TotalMemories)
	}
	if res.EmbeddingModel != "fake-embed" {
		t.Errorf("embedding model = %q", res.EmbeddingModel)
	}
	if res.UptimeSeconds < 0 {
		t.Errorf("uptime = %v", res.UptimeSeconds)
	}
	if res.SyncStatus != nil {
		t.Error("non-hybrid backend reported sync status")
	}
	if res.Hostname != "" {
		t.Error("hostname reported without IncludeHostname")
	}

	cfg := DefaultConfig()
	cfg.IncludeHostname = true
	cfg.Hostname = "h1"
	named := New(f, nil, nil, cfg)
	if res := named.HealthCheck(context.Background()); res.Hostname != "h1" {
		t.Errorf("hostname = %q", res.Hostname)
	}
}

func TestStats(t *testing.T) {
	f := newFakeStorage()
	f.seed("counted", "a")
	svc := New(f, nil, nil, DefaultConfig())

	res := svc.Stats(context.Background())
	if !res.Success || res.Stats == nil {
		t.Fatalf("stats: %+v", res.Envelope)
	}
	if res.Stats.Backend != "fake" || res.Stats.TotalMemories != 1 || res.Stats.UniqueTags != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}
}

func TestSyncRequiresHybridBackend(t *testing.T) {
	svc := New(newFakeStorage(), nil, nil, DefaultConfig())
	for _, op := range []string{"", "status", "pause", "force"} {
		res := svc.Sync(context.Background(), op)
		if res.Success || !strings.Contains(res.Error, "no sync service") {
			t.Errorf("op %q: %+v", op, res.Envelope)
		}
	}
}

func TestGraphOperations(t *testing.T) {
	f := newFakeStorage()
	svc := New(f, nil, nil, DefaultConfig())
	m1 := f.seed("first node")
	m2 := f.seed("second node")
	m3 := f.seed("third node")
	f.StoreAssociation(context.Background(), &types.Association{
		SourceHash: m1.ContentHash, TargetHash: m2.ContentHash,
		RelationshipType: types.RelRelated, Similarity: 0.9,
	})
	f.StoreAssociation(context.Background(), &types.Association{
		SourceHash: m2.ContentHash, TargetHash: m3.ContentHash,
		RelationshipType: types.RelRelated, Similarity: 0.8,
	})

	res := svc.Connected(context.Background(), m1.ContentHash, 0, "")
	if !res.Success || len(res.Connected) != 1 {
		t.Fatalf("connected = %d", len(res.Connected))
	}
	if res.Connected[0].Memory.ContentHash != m2.ContentHash || res.Connected[0].Distance != 1 {
		t.Errorf("connection = %+v", res.Connected[0])
	}

	res = svc.Connected(context.Background(), "zz", 1, "")
	if res.Success || res.ErrorKind != storage.KindValidation {
		t.Error("malformed hash accepted")
	}
	res = svc.Connected(context.Background(), m1.ContentHash, 1, "sideways")
	if res.Success || res.ErrorKind != storage.KindValidation {
		t.Error("unknown direction accepted")
	}

	res = svc.Path(context.Background(), m1.ContentHash, m2.ContentHash)
	if !res.Success || len(res.Path) != 2 {
		t.Fatalf("path = %v", res.Path)
	}

	res = svc.Subgraph(context.Background(), m1.ContentHash, 0)
	if !res.Success || res.Subgraph == nil || len(res.Subgraph.Nodes) != 2 {
		t.Fatalf("subgraph: %+v", res.Envelope)
	}
}

func TestRate(t *testing.T) {
	f := newFakeStorage()
	svc := New(f, nil, nil, DefaultConfig())
	m := f.seed("rateable")

	res := svc.Rate(context.Background(), m.ContentHash, 1.5, "")
	if res.Success || res.ErrorKind != storage.KindValidation {
		t.Errorf("out-of-range rating accepted: %+v", res.Envelope)
	}

	res = svc.Rate(context.Background(), m.ContentHash, 0.9, "very useful")
	if !res.Success || res.Memory == nil {
		t.Fatalf("rate failed: %s", res.Error)
	}
	got := f.get(m.ContentHash)
	if score, _ := got.MetaFloat(types.MetaQualityScore); score != 0.9 {
		t.Errorf("score = %v", score)
	}
	if provider, _ := got.MetaString(types.MetaQualityProvider); provider != quality.ProviderUser {
		t.Errorf("provider = %q", provider)
	}
	if count, _ := got.MetaInt(types.MetaAccessCount); count != 1 {
		t.Errorf("rating should count as an access, got %d", count)
	}
}

func TestEvaluate(t *testing.T) {
	f := newFakeStorage()
	m := f.seed("assess me")

	bare := New(f, nil, nil, DefaultConfig())
	res := bare.Evaluate(context.Background(), m.ContentHash)
	if res.Success || !strings.Contains(res.Error, "no quality provider") {
		t.Fatalf("nil provider: %+v", res.Envelope)
	}

	svc := New(f, nil, &fakeQuality{score: 0.8}, DefaultConfig())
	res = svc.Evaluate(context.Background(), m.ContentHash)
	if !res.Success || res.Score != 0.8 || res.Provider != quality.ProviderImplicit {
		t.Fatalf("evaluate: %+v", res)
	}
	if score, _ := f.get(m.ContentHash).MetaFloat(types.MetaQualityScore); score != 0.8 {
		t.Errorf("persisted score = %v", score)
	}
}

func TestQualityOf(t *testing.T) {
	f := newFakeStorage()
	svc := New(f, nil, &fakeQuality{score: 0.8}, DefaultConfig())
	m := f.seed("tracked")

	res := svc.QualityOf(context.Background(), m.ContentHash)
	if !res.Success || res.Score != 0 || len(res.History) != 0 {
		t.Fatalf("unscored memory: %+v", res)
	}

	svc.Evaluate(context.Background(), m.ContentHash)
	svc.Evaluate(context.Background(), m.ContentHash)
	res = svc.QualityOf(context.Background(), m.ContentHash)
	if !res.Success || res.Score != 0.8 || res.Provider != quality.ProviderImplicit {
		t.Fatalf("scored memory: %+v", res)
	}
	if len(res.History) != 1 || res.History[0][0] != 0.8 {
		t.Errorf("history = %v, want the first score pushed down", res.History)
	}
}

func TestAnalyzeQuality(t *testing.T) {
	f := newFakeStorage()
	svc := New(f, nil, &fakeQuality{score: 0.8}, DefaultConfig())
	m := f.seed("scored")
	f.seed("unscored one")
	f.seed("unscored two")
	svc.Evaluate(context.Background(), m.ContentHash)

	res := svc.AnalyzeQuality(context.Background())
	if !res.Success || res.TotalCount != 3 || res.ScoredCount != 1 {
		t.Fatalf("analysis: total=%d scored=%d", res.TotalCount, res.ScoredCount)
	}
	if len(res.Distribution) != 6 {
		t.Fatalf("distribution buckets = %d", len(res.Distribution))
	}
	counts := map[string]int{}
	for _, b := range res.Distribution {
		counts[b.Label] = b.Count
	}
	if counts["0.8-1.0"] != 1 || counts["unscored"] != 2 {
		t.Errorf("bucket counts = %v", counts)
	}
	if len(res.Trends) != 12 {
		t.Errorf("trend points = %d, want 12 weeks", len(res.Trends))
	}
}

func TestServiceRegistry(t *testing.T) {
	f := newFakeStorage()
	g := newFakeStorage()
	defer Forget(f)
	defer Forget(g)

	a := For(f, nil, nil, DefaultConfig())
	b := For(f, nil, nil, Config{})
	if a != b {
		t.Error("same backend produced two services")
	}
	if For(g, nil, nil, DefaultConfig()) == a {
		t.Error("distinct backends shared a service")
	}

	Forget(f)
	if For(f, nil, nil, DefaultConfig()) == a {
		t.Error("Forget did not evict the cached service")
	}
}
