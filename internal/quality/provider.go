// Package quality scores memories: how useful a record is likely to be
// when it resurfaces. Scores live in metadata.quality_* fields, feed
// consolidation's retention decisions, and can re-rank search results.
// Providers are pluggable; the default implicit provider works entirely
// from local signals and never touches the network.
package quality

import (
	"context"
	"errors"
	"time"

	"github.com/scrypster/keepsake/pkg/types"
)

// ErrDisabled is returned when quality scoring is configured off ("none").
var ErrDisabled = errors.New("quality scoring disabled")

// Provider names accepted by configuration.
const (
	ProviderImplicit = "implicit"
	ProviderExternal = "external"
	ProviderUser     = "user"
	ProviderNone     = "none"
)

// Assessment is one scoring result.
type Assessment struct {
	Score        float64 `json:"score"`
	Confidence   float64 `json:"confidence"`
	Provider     string  `json:"provider"`
	Explanation  string  `json:"explanation,omitempty"`
	CalculatedAt float64 `json:"calculated_at"`
}

// Provider computes a quality score for a memory.
type Provider interface {
	// Score assesses the memory. Implementations must not mutate it.
	Score(ctx context.Context, m *types.Memory) (*Assessment, error)

	// Name returns the provider identity recorded in metadata.
	Name() string
}

// historyLimit caps the quality_history entries kept per memory.
const historyLimit = 3

// Apply writes an assessment into the memory's metadata: the current
// quality fields plus a bounded history of prior scores.
func Apply(m *types.Memory, a *Assessment) {
	if m == nil || a == nil {
		return
	}
	if prev, ok := m.MetaFloat(types.MetaQualityScore); ok {
		prevAt, _ := m.MetaFloat(types.MetaQualityCalculatedAt)
		pushHistory(m, prev, prevAt)
	}
	m.SetMeta(types.MetaQualityScore, clamp01(a.Score))
	m.SetMeta(types.MetaQualityProvider, a.Provider)
	m.SetMeta(types.MetaQualityConfidence, clamp01(a.Confidence))
	m.SetMeta(types.MetaQualityCalculatedAt, a.CalculatedAt)
}

// ApplyRating records a direct user rating in [0,1], which overrides any
// computed score, and counts as an access.
func ApplyRating(m *types.Memory, rating float64, feedback string, now time.Time) {
	a := &Assessment{
		Score:        clamp01(rating),
		Confidence:   1.0,
		Provider:     ProviderUser,
		Explanation:  feedback,
		CalculatedAt: types.UnixSeconds(now),
	}
	Apply(m, a)
	TouchAccess(m, now)
}

// TouchAccess increments the access counter and stamps the last access
// time. Callers decide when a read counts as an access; bulk scans and
// sync traffic never do.
func TouchAccess(m *types.Memory, now time.Time) {
	count, _ := m.MetaInt(types.MetaAccessCount)
	m.SetMeta(types.MetaAccessCount, count+1)
	m.SetMeta(types.MetaLastAccessedAt, types.UnixSeconds(now))
}

// pushHistory prepends a (score, at) pair to quality_history, keeping the
// newest historyLimit entries. Stored as a flat []any of alternating
// score/timestamp values so it survives JSON round trips unchanged.
func pushHistory(m *types.Memory, score, at float64) {
	var history []interface{}
	if m.Metadata != nil {
		if raw, ok := m.Metadata[types.MetaQualityHistory].([]interface{}); ok {
			history = raw
		}
	}
	history = append([]interface{}{score, at}, history...)
	if len(history) > historyLimit*2 {
		history = history[:historyLimit*2]
	}
	m.SetMeta(types.MetaQualityHistory, history)
}

// HistoryPairs decodes quality_history into (score, at) pairs, newest
// first. Malformed entries are skipped.
func HistoryPairs(m *types.Memory) [][2]float64 {
	if m == nil || m.Metadata == nil {
		return nil
	}
	raw, ok := m.Metadata[types.MetaQualityHistory].([]interface{})
	if !ok {
		return nil
	}
	var pairs [][2]float64
	for i := 0; i+1 < len(raw); i += 2 {
		score, ok1 := toFloat(raw[i])
		at, ok2 := toFloat(raw[i+1])
		if ok1 && ok2 {
			pairs = append(pairs, [2]float64{score, at})
		}
	}
	return pairs
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
