package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Snapshots age through four keep tiers before falling off entirely.
type tier int

const (
	tierHourly tier = iota
	tierDaily
	tierWeekly
	tierMonthly
	tierExpired
)

var tierCeiling = [...]time.Duration{
	tierHourly:  24 * time.Hour,
	tierDaily:   7 * 24 * time.Hour,
	tierWeekly:  30 * 24 * time.Hour,
	tierMonthly: 365 * 24 * time.Hour,
}

func tierFor(age time.Duration) tier {
	for t, ceiling := range tierCeiling {
		if age < ceiling {
			return tier(t)
		}
	}
	return tierExpired
}

func (r Retention) limit(t tier) int {
	switch t {
	case tierHourly:
		return r.Hourly
	case tierDaily:
		return r.Daily
	case tierWeekly:
		return r.Weekly
	case tierMonthly:
		return r.Monthly
	default:
		return 0
	}
}

// list returns the snapshots in dir, newest first. Files that don't
// carry the snapshot name shape are someone else's and are left alone.
func list(dir string) ([]Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("backup: reading %s: %w", dir, err)
	}

	var snaps []Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, Snapshot{
			Path:    filepath.Join(dir, name),
			Size:    info.Size(),
			Created: info.ModTime(),
		})
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Created.After(snaps[j].Created)
	})
	return snaps, nil
}

// prune deletes every snapshot past its tier's keep count, keeping the
// newest within each tier, and everything older than a year. It keeps
// deleting past individual failures and reports how many went.
func prune(dir string, keep Retention, now time.Time) (int, error) {
	snaps, err := list(dir)
	if err != nil {
		return 0, err
	}

	// list is newest-first, so the first limit(t) entries per tier are
	// the ones to keep.
	seen := make(map[tier]int)
	var doomed []string
	for _, snap := range snaps {
		t := tierFor(now.Sub(snap.Created))
		seen[t]++
		if seen[t] > keep.limit(t) {
			doomed = append(doomed, snap.Path)
		}
	}

	removed := 0
	var lastErr error
	for _, path := range doomed {
		if err := os.Remove(path); err != nil {
			lastErr = err
			continue
		}
		removed++
	}
	if lastErr != nil {
		return removed, fmt.Errorf("backup: pruning: %w", lastErr)
	}
	return removed, nil
}
