package quality

import (
	"math"
	"sort"
	"time"

	"github.com/scrypster/keepsake/pkg/types"
)

// Tier is a retention class derived from quality score. Consolidation's
// forgetting pass consults the tier before archiving anything.
type Tier struct {
	Name          string `json:"name"`
	RetentionDays int    `json:"retention_days"`
	MinScore      float64
}

var tiers = []Tier{
	{Name: "high", RetentionDays: 365, MinScore: 0.7},
	{Name: "medium", RetentionDays: 180, MinScore: 0.5},
	{Name: "low", RetentionDays: 90, MinScore: 0},
}

// TierFor maps a quality score onto its retention tier.
func TierFor(score float64) Tier {
	for _, t := range tiers {
		if score >= t.MinScore {
			return t
		}
	}
	return tiers[len(tiers)-1]
}

// ScoreOf reads a memory's quality score; memories never scored get a
// neutral 0.5 so re-ranking does not bury them.
func ScoreOf(m *types.Memory) float64 {
	if score, ok := m.MetaFloat(types.MetaQualityScore); ok {
		return clamp01(score)
	}
	return 0.5
}

// Rerank reorders similarity results in place by the composite score
//
//	(1-weight) * semantic + weight * quality
//
// and rewrites each result's SimilarityScore to the composite. Callers
// over-fetch (3x the requested count) before re-ranking so quality can
// actually change the cut. Weight 0 is the identity.
func Rerank(results []*types.MemoryQueryResult, weight float64) {
	if weight <= 0 || len(results) == 0 {
		return
	}
	if weight > 1 {
		weight = 1
	}
	for _, r := range results {
		r.SimilarityScore = (1-weight)*r.SimilarityScore + weight*ScoreOf(r.Memory)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SimilarityScore > results[j].SimilarityScore
	})
}

// DistributionBucket is one histogram bar of the quality dashboard.
type DistributionBucket struct {
	Label string  `json:"label"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Distribution buckets memories by quality score in 0.2-wide bands, plus
// an "unscored" bucket. Used by the dashboard's distribution endpoint.
func Distribution(memories []*types.Memory) []DistributionBucket {
	buckets := []DistributionBucket{
		{Label: "0.0-0.2", Min: 0.0, Max: 0.2},
		{Label: "0.2-0.4", Min: 0.2, Max: 0.4},
		{Label: "0.4-0.6", Min: 0.4, Max: 0.6},
		{Label: "0.6-0.8", Min: 0.6, Max: 0.8},
		{Label: "0.8-1.0", Min: 0.8, Max: 1.0000001},
		{Label: "unscored"},
	}
	for _, m := range memories {
		score, ok := m.MetaFloat(types.MetaQualityScore)
		if !ok {
			buckets[len(buckets)-1].Count++
			continue
		}
		for i := 0; i < len(buckets)-1; i++ {
			if score >= buckets[i].Min && score < buckets[i].Max {
				buckets[i].Count++
				break
			}
		}
	}
	return buckets
}

// TrendPoint is one week of the quality trends series.
type TrendPoint struct {
	WeekStart string  `json:"week_start"`
	Average   float64 `json:"average"`
	Count     int     `json:"count"`
}

// WeeklyTrends averages quality scores per creation week over the last
// `weeks` weeks, oldest first. Weeks with no scored memories report a zero
// average and count.
func WeeklyTrends(memories []*types.Memory, weeks int, now time.Time) []TrendPoint {
	if weeks < 1 {
		weeks = 8
	}
	nowTS := types.UnixSeconds(now)
	points := make([]TrendPoint, weeks)
	sums := make([]float64, weeks)

	for i := range points {
		weekStart := nowTS - float64(weeks-i)*7*86400
		points[i].WeekStart = types.TimeFromUnix(weekStart).Format("2006-01-02")
	}

	horizon := nowTS - float64(weeks)*7*86400
	for _, m := range memories {
		score, ok := m.MetaFloat(types.MetaQualityScore)
		if !ok || m.CreatedAt < horizon || m.CreatedAt > nowTS {
			continue
		}
		idx := int((m.CreatedAt - horizon) / (7 * 86400))
		if idx < 0 || idx >= weeks {
			continue
		}
		sums[idx] += score
		points[idx].Count++
	}
	for i := range points {
		if points[i].Count > 0 {
			points[i].Average = math.Round(sums[i]/float64(points[i].Count)*1e4) / 1e4
		}
	}
	return points
}
