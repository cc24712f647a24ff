package consolidation

import (
	"context"
	"fmt"
	"time"

	"github.com/scrypster/keepsake/internal/quality"
	"github.com/scrypster/keepsake/pkg/types"
)

// forgetPass archives memories that have decayed below the relevance
// threshold, have gone unaccessed past the inactivity window, and have
// outlived their quality tier's retention period. Archival sets metadata
// only. The row, its content, and its history stay intact; retrieval and
// later passes skip archived memories.
func (e *Engine) forgetPass(ctx context.Context, memories []*types.Memory, report *Report) error {
	now := time.Now()
	nowSec := types.UnixSeconds(now)

	var archived []*types.Memory
	for _, m := range memories {
		if !archiveEligible(m, now, e.cfg) {
			continue
		}
		m.SetMeta(types.MetaArchived, true)
		m.SetMeta(types.MetaArchivedAt, nowSec)
		archived = append(archived, m)
	}

	for start := 0; start < len(archived); start += e.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + e.cfg.BatchSize
		if end > len(archived) {
			end = len(archived)
		}
		results, err := e.store.UpdateBatch(ctx, archived[start:end])
		if err != nil {
			return err
		}
		for _, res := range results {
			if res.Err != nil {
				report.addError(fmt.Errorf("archiving %s: %w", shortHash(res.ContentHash), res.Err))
				continue
			}
			report.Archived++
		}
	}
	return nil
}

// archiveEligible applies the three forgetting gates: low relevance, long
// inactivity, and an age past the retention window of the memory's
// quality tier. Memories that have never been accessed are measured from
// creation.
func archiveEligible(m *types.Memory, now time.Time, cfg Config) bool {
	if m.MetaBool(types.MetaArchived) {
		return false
	}
	rel, ok := m.MetaFloat(types.MetaRelevanceScore)
	if !ok || rel >= cfg.ArchiveRelevanceThreshold {
		return false
	}

	nowSec := types.UnixSeconds(now)
	lastTouch := m.CreatedAt
	if last, ok := m.MetaFloat(types.MetaLastAccessedAt); ok && last > 0 {
		lastTouch = last
	}
	if (nowSec-lastTouch)/secondsPerDay < cfg.ArchiveInactiveDays {
		return false
	}

	tier := quality.TierFor(quality.ScoreOf(m))
	ageDays := (nowSec - m.CreatedAt) / secondsPerDay
	return ageDays >= float64(tier.RetentionDays)
}
