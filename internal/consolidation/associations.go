package consolidation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// associationPass samples pairs of embedded memories and records an edge
// for each pair whose cosine similarity lands in the configured band.
// Pairs above the ceiling are near-duplicates of each other and pairs
// below the floor are unrelated; neither makes a useful edge. Re-running
// the pass is harmless: graph writes upsert, and association memories
// dedupe on content hash.
func (e *Engine) associationPass(ctx context.Context, memories []*types.Memory, report *Report) error {
	var candidates []*types.Memory
	for _, m := range memories {
		if m.MetaBool(types.MetaArchived) || m.HasTag(TagCompressedCluster) {
			continue
		}
		if len(m.Embedding) == 0 {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) < 2 {
		return nil
	}

	now := types.UnixSeconds(time.Now())
	created := 0
	for _, pair := range e.samplePairs(len(candidates)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if created >= e.cfg.MaxAssociationsPerRun {
			break
		}

		a, b := candidates[pair[0]], candidates[pair[1]]
		sim := cosineSimilarity(a.Embedding, b.Embedding)
		if sim < e.cfg.AssociationMinSimilarity || sim > e.cfg.AssociationMaxSimilarity {
			continue
		}

		relType, source, target := inferRelationship(a, b)
		assoc := &types.Association{
			SourceHash:       source.ContentHash,
			TargetHash:       target.ContentHash,
			RelationshipType: relType,
			Similarity:       sim,
			Metadata:         map[string]interface{}{"discovered_by": "consolidation"},
			CreatedAt:        now,
		}

		stored := false
		if e.cfg.GraphMode == GraphOnly || e.cfg.GraphMode == DualWrite {
			if err := e.store.StoreAssociation(ctx, assoc); err != nil {
				report.addError(fmt.Errorf("associating %s and %s: %w",
					shortHash(assoc.SourceHash), shortHash(assoc.TargetHash), err))
			} else {
				stored = true
			}
		}
		if e.cfg.GraphMode == MemoriesOnly || e.cfg.GraphMode == DualWrite {
			switch err := e.store.Store(ctx, associationMemory(assoc)); {
			case err == nil:
				report.AssociationMemories++
				stored = true
			case errors.Is(err, storage.ErrDuplicate):
				// Already recorded by an earlier run.
			default:
				report.addError(fmt.Errorf("recording association memory: %w", err))
			}
		}
		if stored {
			report.AssociationsCreated++
			created++
		}
	}
	return nil
}

// samplePairs draws up to SampleNeighbors random partners for each index,
// deduplicated so each unordered pair appears once.
func (e *Engine) samplePairs(n int) [][2]int {
	seen := make(map[[2]int]struct{})
	var pairs [][2]int
	for i := 0; i < n; i++ {
		for draw := 0; draw < e.cfg.SampleNeighbors; draw++ {
			j := e.rng.Intn(n)
			if j == i {
				continue
			}
			key := [2]int{i, j}
			if j < i {
				key = [2]int{j, i}
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			pairs = append(pairs, key)
		}
	}
	return pairs
}

// Keyword cues for relationship inference, matched case-insensitively
// against memory content. The later memory of a pair can reference the
// earlier one, so cues are read from the newer side.
var (
	fixCues     = []string{"fixes", "fixed", "resolves", "resolved", "workaround"}
	problemCues = []string{"error", "bug", "fail", "broken", "crash"}
	causeCues   = []string{"because", "caused by", "due to", "root cause"}
	contraCues  = []string{"contradicts", "however", "actually", "no longer", "instead of"}
	supportCues = []string{"confirms", "supports", "consistent with", "as expected"}
)

// relFollowsWindow is how close in time two tag-sharing memories must be
// for the newer to count as a follow-up of the older.
const relFollowsWindow = 3600.0

// inferRelationship chooses a relationship type and edge direction for a
// similar pair. It orders the pair by creation time and reads content
// cues from the newer memory, since only the newer one can reference the
// older. Falls back to the symmetric "related".
func inferRelationship(a, b *types.Memory) (relType string, source, target *types.Memory) {
	older, newer := a, b
	if b.CreatedAt < a.CreatedAt {
		older, newer = b, a
	}
	newerContent := strings.ToLower(newer.Content)
	olderContent := strings.ToLower(older.Content)

	if containsAny(newerContent, fixCues) && containsAny(olderContent, problemCues) {
		return types.RelFixes, newer, older
	}
	if containsAny(newerContent, causeCues) {
		return types.RelCauses, older, newer
	}
	if containsAny(newerContent, contraCues) {
		return types.RelContradicts, newer, older
	}
	if containsAny(newerContent, supportCues) {
		return types.RelSupports, newer, older
	}
	if sharesTag(older, newer) && newer.CreatedAt-older.CreatedAt <= relFollowsWindow {
		return types.RelFollows, newer, older
	}
	return types.RelRelated, older, newer
}

func containsAny(content string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(content, cue) {
			return true
		}
	}
	return false
}

func sharesTag(a, b *types.Memory) bool {
	for _, t := range a.Tags {
		if b.HasTag(t) {
			return true
		}
	}
	return false
}

// associationMemory renders an edge as a regular memory for backends
// running in memories_only or dual_write mode. The content is stable for
// a given pair and type so rediscovery dedupes on content hash; the
// similarity lives in metadata where it cannot perturb the hash.
func associationMemory(a *types.Association) *types.Memory {
	return &types.Memory{
		Content: fmt.Sprintf("Association %s: %s -> %s",
			a.RelationshipType, shortHash(a.SourceHash), shortHash(a.TargetHash)),
		Tags:       []string{"association", a.RelationshipType},
		MemoryType: types.MemoryTypeReference,
		Metadata: map[string]interface{}{
			"source_hash":       a.SourceHash,
			"target_hash":       a.TargetHash,
			"relationship_type": a.RelationshipType,
			"similarity":        a.Similarity,
		},
	}
}
