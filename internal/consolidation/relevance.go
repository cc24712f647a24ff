// Package consolidation implements the background maintenance passes that
// keep a memory store healthy over time: exponential relevance decay,
// quality boosts for well-connected memories, automatic association
// discovery, cluster compression, and archival of memories that have
// faded below usefulness.
//
// Passes are grouped into horizons. A daily pass recalculates relevance,
// a weekly pass additionally discovers associations and archives faded
// memories, and a monthly pass adds cluster compression on top. Every
// pass records what it touched in a Report.
package consolidation

import (
	"fmt"
	"math"
	"time"

	"github.com/scrypster/keepsake/pkg/types"
)

const (
	// highQualityDecayDivisor slows decay for memories whose quality score
	// meets the threshold. A divisor of 3 stretches the half-life threefold.
	highQualityDecayDivisor = 3.0

	// defaultQualitySlowDecayThreshold is the quality score at or above
	// which a memory earns the slower decay rate.
	defaultQualitySlowDecayThreshold = 0.7

	// relevanceWriteThreshold is the smallest relevance change worth
	// persisting. Recalculations that move a score by less than this are
	// skipped so nightly runs do not rewrite every row.
	relevanceWriteThreshold = 0.001

	// Access recency bonuses. A memory read within the window gets the
	// bonus added to its decayed base score before clamping.
	accessBoostWeek      = 0.15
	accessBoostFortnight = 0.10
	accessBoostMonth     = 0.05

	secondsPerDay = 86400.0
)

// DefaultDecayRates returns the per-type decay constants (lambda, in
// units of 1/day). Relevance follows exp(-lambda * age_days), so the
// rate is the reciprocal of the type's e-folding time.
func DefaultDecayRates() map[string]float64 {
	return map[string]float64{
		types.MemoryTypeCritical:  1.0 / 365,
		types.MemoryTypeReference: 1.0 / 180,
		types.MemoryTypeStandard:  1.0 / 30,
		types.MemoryTypeTemporary: 1.0 / 7,
	}
}

func rateFor(memoryType string, rates map[string]float64) float64 {
	if r, ok := rates[memoryType]; ok && r > 0 {
		return r
	}
	if r, ok := rates[types.MemoryTypeStandard]; ok && r > 0 {
		return r
	}
	return 1.0 / 30
}

// Relevance computes the current relevance of a memory at the given
// instant. The base score decays exponentially from creation time at a
// per-type rate, high-quality memories decay slower, and recent access
// adds a tiered bonus. The result is clamped to [0, 1].
func Relevance(m *types.Memory, now time.Time, rates map[string]float64, qualityThreshold float64) float64 {
	ageDays := (types.UnixSeconds(now) - m.CreatedAt) / secondsPerDay
	if ageDays < 0 {
		ageDays = 0
	}

	lambda := rateFor(m.MemoryType, rates)
	if q, ok := m.MetaFloat(types.MetaQualityScore); ok && q >= qualityThreshold {
		lambda /= highQualityDecayDivisor
	}

	score := math.Exp(-lambda*ageDays) + accessBonus(m, now)
	return clamp01(score)
}

// accessBonus rewards recently read memories. It requires at least one
// recorded access and a last-accessed stamp; the bonus tiers down as the
// last read recedes and vanishes past thirty days.
func accessBonus(m *types.Memory, now time.Time) float64 {
	count, ok := m.MetaInt(types.MetaAccessCount)
	if !ok || count < 1 {
		return 0
	}
	last, ok := m.MetaFloat(types.MetaLastAccessedAt)
	if !ok || last <= 0 {
		return 0
	}
	days := (types.UnixSeconds(now) - last) / secondsPerDay
	switch {
	case days < 7:
		return accessBoostWeek
	case days < 14:
		return accessBoostFortnight
	case days < 30:
		return accessBoostMonth
	default:
		return 0
	}
}

// ApplyRelevance writes the computed score into the memory's metadata and
// reports whether anything changed. Scores that moved by less than the
// write threshold are left alone so the caller can skip persisting them.
func ApplyRelevance(m *types.Memory, score float64, now time.Time) bool {
	if prev, ok := m.MetaFloat(types.MetaRelevanceScore); ok {
		if math.Abs(score-prev) < relevanceWriteThreshold {
			return false
		}
	}
	m.SetMeta(types.MetaRelevanceScore, score)
	m.SetMeta(types.MetaRelevanceCalculatedAt, types.UnixSeconds(now))
	return true
}

// applyQualityBoost raises the quality score of a well-connected memory
// by the configured factor, capped at 1.0, and records an audit trail in
// metadata. The boost applies at most once per memory: a second pass sees
// the applied flag and leaves the score alone. Returns whether the memory
// was modified.
func applyQualityBoost(m *types.Memory, connections int, now time.Time, minConnections int, factor float64) bool {
	if m.MetaBool(types.MetaQualityBoostApplied) {
		return false
	}
	if connections < minConnections {
		return false
	}
	score, ok := m.MetaFloat(types.MetaQualityScore)
	if !ok {
		return false
	}
	boosted := score * factor
	if boosted > 1 {
		boosted = 1
	}
	if boosted <= score {
		return false
	}

	m.SetMeta(types.MetaOriginalQualityScore, score)
	m.SetMeta(types.MetaQualityScore, boosted)
	m.SetMeta(types.MetaQualityBoostApplied, true)
	m.SetMeta(types.MetaQualityBoostDate, types.UnixSeconds(now))
	m.SetMeta(types.MetaQualityBoostReason, "highly_connected")
	m.SetMeta(types.MetaQualityBoostConnections, connections)
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Horizon selects which passes a consolidation run performs.
type Horizon string

const (
	// HorizonDaily recalculates relevance and quality boosts.
	HorizonDaily Horizon = "daily"
	// HorizonWeekly adds association discovery and archival.
	HorizonWeekly Horizon = "weekly"
	// HorizonMonthly adds cluster compression on top of the weekly passes.
	HorizonMonthly Horizon = "monthly"
)

// ParseHorizon validates a horizon name. An empty string maps to the
// daily horizon.
func ParseHorizon(s string) (Horizon, error) {
	switch Horizon(s) {
	case "":
		return HorizonDaily, nil
	case HorizonDaily, HorizonWeekly, HorizonMonthly:
		return Horizon(s), nil
	default:
		return "", fmt.Errorf("unknown consolidation horizon %q (want daily, weekly, or monthly)", s)
	}
}
