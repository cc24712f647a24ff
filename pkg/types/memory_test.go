package types

import (
	"math"
	"testing"
	"time"
)

func TestStampNewSetsMatchingPairs(t *testing.T) {
	m := &Memory{Content: "x"}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.StampNew(now)

	if m.CreatedAt != m.UpdatedAt {
		t.Fatalf("created %v != updated %v", m.CreatedAt, m.UpdatedAt)
	}
	if m.CreatedAtISO != "2025-06-01T12:00:00Z" {
		t.Errorf("unexpected ISO: %s", m.CreatedAtISO)
	}
	if math.Abs(ParseISO(m.CreatedAtISO)-m.CreatedAt) > 1.0 {
		t.Errorf("ISO drifted more than 1s from float")
	}
}

func TestTouchUpdatedPreservesCreatedAt(t *testing.T) {
	m := &Memory{Content: "x"}
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.StampNew(created)
	origCreated := m.CreatedAt

	m.TouchUpdated(created.Add(48 * time.Hour))

	if m.CreatedAt != origCreated {
		t.Fatalf("created_at changed: %v -> %v", origCreated, m.CreatedAt)
	}
	if m.UpdatedAt <= origCreated {
		t.Fatalf("updated_at did not advance: %v", m.UpdatedAt)
	}
}

func TestTouchUpdatedNeverGoesBackwards(t *testing.T) {
	m := &Memory{Content: "x"}
	m.StampNew(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))

	// A clock stepping backwards must not produce updated_at < created_at.
	m.TouchUpdated(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	if m.UpdatedAt < m.CreatedAt {
		t.Fatalf("updated_at %v fell below created_at %v", m.UpdatedAt, m.CreatedAt)
	}
}

func TestNormalizeTimestampsFloatAuthoritative(t *testing.T) {
	m := &Memory{
		CreatedAt:    1700000000,
		CreatedAtISO: "1999-01-01T00:00:00Z", // stale by decades
		UpdatedAt:    1700000500,
	}
	m.NormalizeTimestamps()

	if got := ParseISO(m.CreatedAtISO); math.Abs(got-1700000000) > 1.0 {
		t.Errorf("ISO not recomputed from float: %s", m.CreatedAtISO)
	}
	if m.UpdatedAtISO == "" {
		t.Errorf("missing updated ISO not backfilled")
	}
}

func TestNormalizeTimestampsBackfillsFloatFromISO(t *testing.T) {
	m := &Memory{CreatedAtISO: "2025-06-01T12:00:00Z"}
	m.NormalizeTimestamps()

	want := ParseISO("2025-06-01T12:00:00Z")
	if m.CreatedAt != want {
		t.Errorf("CreatedAt = %v, want %v", m.CreatedAt, want)
	}
	if m.UpdatedAt < m.CreatedAt {
		t.Errorf("updated_at %v below created_at %v", m.UpdatedAt, m.CreatedAt)
	}
}

func TestHasTagExactMatchOnly(t *testing.T) {
	m := &Memory{Tags: []string{"testing", " spaced "}}

	if m.HasTag("test") {
		t.Errorf(`"test" must not match tag "testing"`)
	}
	if !m.HasTag("testing") {
		t.Errorf(`exact tag "testing" not found`)
	}
	if !m.HasTag("spaced") {
		t.Errorf("whitespace-trimmed tag not found")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := &Memory{
		Content:   "original",
		Tags:      []string{"a"},
		Embedding: []float32{1, 2, 3},
		Metadata:  map[string]interface{}{"k": "v"},
	}
	cp := m.Clone()
	cp.Tags[0] = "mutated"
	cp.Embedding[0] = 99
	cp.Metadata["k"] = "changed"

	if m.Tags[0] != "a" || m.Embedding[0] != 1 || m.Metadata["k"] != "v" {
		t.Fatalf("clone shares state with original: %+v", m)
	}
}

func TestMetaAccessors(t *testing.T) {
	m := &Memory{}
	m.SetMeta(MetaQualityScore, 0.8)
	m.SetMeta(MetaAccessCount, 3)
	m.SetMeta(MetaArchived, true)
	m.SetMeta(MetaQualityProvider, "implicit")

	if v, ok := m.MetaFloat(MetaQualityScore); !ok || v != 0.8 {
		t.Errorf("MetaFloat = %v/%v", v, ok)
	}
	if v, ok := m.MetaInt(MetaAccessCount); !ok || v != 3 {
		t.Errorf("MetaInt = %v/%v", v, ok)
	}
	if !m.MetaBool(MetaArchived) {
		t.Errorf("MetaBool(archived) = false")
	}
	if v, ok := m.MetaString(MetaQualityProvider); !ok || v != "implicit" {
		t.Errorf("MetaString = %q/%v", v, ok)
	}
	if _, ok := m.MetaFloat("absent"); ok {
		t.Errorf("absent key reported present")
	}
}

func TestSymmetricRelationships(t *testing.T) {
	if !IsSymmetricRelationship(RelRelated) || !IsSymmetricRelationship(RelContradicts) {
		t.Errorf("related/contradicts must be symmetric")
	}
	for _, rt := range []string{RelCauses, RelFixes, RelSupports, RelFollows} {
		if IsSymmetricRelationship(rt) {
			t.Errorf("%s wrongly symmetric", rt)
		}
	}
	if IsValidRelationshipType("derives") {
		t.Errorf("unknown relationship accepted")
	}
	a := &Association{SourceHash: "s", TargetHash: "t", RelationshipType: RelRelated}
	r := a.Reverse()
	if r.SourceHash != "t" || r.TargetHash != "s" {
		t.Errorf("Reverse did not swap endpoints: %+v", r)
	}
}
