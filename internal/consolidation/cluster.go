package consolidation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// TagCompressedCluster marks summary memories produced by cluster
// compression. Tagged memories are excluded from later clustering and
// association passes so summaries never summarize each other.
const TagCompressedCluster = "compressed_cluster"

// clusterTopTags is how many of a cluster's most frequent tags make it
// into the summary.
const clusterTopTags = 3

// clusterPass groups embedded memories with DBSCAN over cosine distance
// and writes one summary memory per cluster, linked back to its members.
// Members are never deleted; the summary is an additional, cheaper
// retrieval target. A cluster whose membership has not changed hashes to
// the same summary content and dedupes on the content hash, so re-running
// the pass is idempotent.
func (e *Engine) clusterPass(ctx context.Context, memories []*types.Memory, report *Report) error {
	var eligible []*types.Memory
	for _, m := range memories {
		if m.MetaBool(types.MetaArchived) || m.HasTag(TagCompressedCluster) {
			continue
		}
		if len(m.Embedding) == 0 {
			continue
		}
		eligible = append(eligible, m)
	}
	if len(eligible) < e.cfg.ClusterMinSamples {
		return nil
	}

	vectors := make([][]float32, len(eligible))
	for i, m := range eligible {
		vectors[i] = m.Embedding
	}
	clusters := dbscan(vectors, e.cfg.ClusterEps, e.cfg.ClusterMinSamples)
	report.ClustersFound = len(clusters)

	now := types.UnixSeconds(time.Now())
	for _, idxs := range clusters {
		if err := ctx.Err(); err != nil {
			return err
		}

		members := make([]*types.Memory, len(idxs))
		for i, idx := range idxs {
			members[i] = eligible[idx]
		}
		summary := buildClusterMemory(members)

		switch err := e.store.Store(ctx, summary); {
		case errors.Is(err, storage.ErrDuplicate):
			// Same membership was compressed by an earlier run.
			continue
		case err != nil:
			report.addError(fmt.Errorf("storing cluster summary: %w", err))
			continue
		}
		report.ClustersCompressed++

		if e.cfg.GraphMode == MemoriesOnly {
			continue
		}
		centroid := centroidOf(vectors, idxs)
		for _, m := range members {
			edge := &types.Association{
				SourceHash:       m.ContentHash,
				TargetHash:       summary.ContentHash,
				RelationshipType: types.RelSupports,
				Similarity:       cosineSimilarity(m.Embedding, centroid),
				Metadata:         map[string]interface{}{"discovered_by": "consolidation"},
				CreatedAt:        now,
			}
			if err := e.store.StoreAssociation(ctx, edge); err != nil {
				report.addError(fmt.Errorf("linking %s to cluster summary: %w", shortHash(m.ContentHash), err))
			}
		}
	}
	return nil
}

// buildClusterMemory renders a cluster as one reference memory. The
// content depends only on the membership's size, dominant tags, and date
// range, so the same cluster always produces the same content hash.
func buildClusterMemory(members []*types.Memory) *types.Memory {
	start, end := members[0].CreatedAt, members[0].CreatedAt
	tagCounts := make(map[string]int)
	hashes := make([]string, len(members))
	for i, m := range members {
		if m.CreatedAt < start {
			start = m.CreatedAt
		}
		if m.CreatedAt > end {
			end = m.CreatedAt
		}
		for _, t := range m.Tags {
			tagCounts[t]++
		}
		hashes[i] = m.ContentHash
	}
	sort.Strings(hashes)

	topTags := frequentTags(tagCounts, clusterTopTags)
	subject := strings.Join(topTags, ", ")
	if subject == "" {
		subject = "untagged notes"
	}
	spanDays := int((end-start)/secondsPerDay + 0.5)
	content := fmt.Sprintf("Cluster summary: %d memories about %s between %s and %s (%d days).",
		len(members), subject,
		types.TimeFromUnix(start).Format("2006-01-02"),
		types.TimeFromUnix(end).Format("2006-01-02"),
		spanDays)

	return &types.Memory{
		Content:    content,
		Tags:       append([]string{TagCompressedCluster}, topTags...),
		MemoryType: types.MemoryTypeReference,
		Metadata: map[string]interface{}{
			types.MetaSourceMemoryHashes: hashes,
			types.MetaTemporalSpan: map[string]interface{}{
				"start":     start,
				"end":       end,
				"span_days": spanDays,
			},
		},
	}
}

// frequentTags returns the n most frequent tags, ties broken
// alphabetically so summaries are deterministic.
func frequentTags(counts map[string]int, n int) []string {
	tags := make([]string, 0, len(counts))
	for t := range counts {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > n {
		tags = tags[:n]
	}
	return tags
}

// dbscan clusters vectors by cosine distance. It returns the member
// indexes of each cluster; noise points belong to no cluster. A point's
// neighborhood includes itself, per the standard formulation.
func dbscan(vectors [][]float32, eps float64, minSamples int) [][]int {
	const (
		unlabeled = -2
		noise     = -1
	)
	n := len(vectors)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unlabeled
	}

	clusterID := 0
	for i := 0; i < n; i++ {
		if labels[i] != unlabeled {
			continue
		}
		neighbors := regionQuery(vectors, i, eps)
		if len(neighbors) < minSamples {
			labels[i] = noise
			continue
		}

		labels[i] = clusterID
		queue := append([]int(nil), neighbors...)
		for head := 0; head < len(queue); head++ {
			j := queue[head]
			if labels[j] == noise {
				labels[j] = clusterID
			}
			if labels[j] != unlabeled {
				continue
			}
			labels[j] = clusterID
			expansion := regionQuery(vectors, j, eps)
			if len(expansion) >= minSamples {
				queue = append(queue, expansion...)
			}
		}
		clusterID++
	}

	clusters := make([][]int, clusterID)
	for i, label := range labels {
		if label >= 0 {
			clusters[label] = append(clusters[label], i)
		}
	}
	return clusters
}

func regionQuery(vectors [][]float32, i int, eps float64) []int {
	var neighbors []int
	for j := range vectors {
		if cosineDistance(vectors[i], vectors[j]) <= eps {
			neighbors = append(neighbors, j)
		}
	}
	return neighbors
}

// centroidOf averages the vectors at the given indexes, skipping any
// whose dimension disagrees with the first.
func centroidOf(vectors [][]float32, idxs []int) []float32 {
	dims := len(vectors[idxs[0]])
	sum := make([]float64, dims)
	counted := 0
	for _, idx := range idxs {
		if len(vectors[idx]) != dims {
			continue
		}
		for d, v := range vectors[idx] {
			sum[d] += float64(v)
		}
		counted++
	}
	if counted == 0 {
		return nil
	}
	out := make([]float32, dims)
	for d := range sum {
		out[d] = float32(sum[d] / float64(counted))
	}
	return out
}

// cosineSimilarity returns the cosine of two vectors clamped to [0, 1].
// Mismatched or zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

func cosineDistance(a, b []float32) float64 {
	return 1 - cosineSimilarity(a, b)
}
