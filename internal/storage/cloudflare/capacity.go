package cloudflare

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/scrypster/keepsake/internal/storage"
)

// Capacity levels, derived from index utilization.
const (
	capacityOK       = "ok"
	capacityWarning  = "warning"  // >= 80%
	capacityCritical = "critical" // >= 95%
	capacityFull     = "full"     // >= 100%, writes rejected
)

const capacityRefreshInterval = 5 * time.Minute

// CapacityReport is the utilization snapshot exposed through stats and
// health endpoints.
type CapacityReport struct {
	VectorCount int64   `json:"vector_count"`
	Limit       int64   `json:"limit"`
	Utilization float64 `json:"utilization"`
	Level       string  `json:"level"`
	CheckedAt   string  `json:"checked_at"`
}

// capacityTracker keeps a local view of the remote index size so writes can
// fail fast when the index is full instead of burning a round trip. The
// remote count is refreshed periodically; between refreshes local mutations
// keep the estimate current.
type capacityTracker struct {
	mu        sync.Mutex
	limit     int64
	count     int64
	fetchedAt time.Time
	lastLevel string

	refreshEvery time.Duration
	now          func() time.Time
	fetch        func(ctx context.Context) (int64, error)
}

func newCapacityTracker(limit int64, fetch func(ctx context.Context) (int64, error)) *capacityTracker {
	return &capacityTracker{
		limit:        limit,
		lastLevel:    capacityOK,
		refreshEvery: capacityRefreshInterval,
		now:          time.Now,
		fetch:        fetch,
	}
}

// ensureRoom verifies that n more vectors fit. It refreshes the remote
// count when the cached one is stale; a failed refresh falls back to the
// cached estimate since the server enforces the limit authoritatively.
func (t *capacityTracker) ensureRoom(ctx context.Context, n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.refreshLocked(ctx)

	if t.count+int64(n) > t.limit {
		t.transitionLocked(capacityFull)
		return fmt.Errorf("%w: vector index at capacity (%d of %d vectors)",
			storage.ErrLimitExceeded, t.count, t.limit)
	}
	t.transitionLocked(levelFor(t.utilizationLocked()))
	return nil
}

// commit records n vectors written after a successful upsert.
func (t *capacityTracker) commit(n int) {
	t.mu.Lock()
	t.count += int64(n)
	t.mu.Unlock()
}

// remove records n vectors deleted.
func (t *capacityTracker) remove(n int) {
	t.mu.Lock()
	t.count -= int64(n)
	if t.count < 0 {
		t.count = 0
	}
	t.mu.Unlock()
}

// report returns the current utilization snapshot, refreshing the remote
// count if stale.
func (t *capacityTracker) report(ctx context.Context) CapacityReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshLocked(ctx)
	util := t.utilizationLocked()
	return CapacityReport{
		VectorCount: t.count,
		Limit:       t.limit,
		Utilization: util,
		Level:       levelFor(util),
		CheckedAt:   t.fetchedAt.UTC().Format(time.RFC3339),
	}
}

// seed installs a known-good remote count, typically at Initialize time.
func (t *capacityTracker) seed(count int64) {
	t.mu.Lock()
	t.count = count
	t.fetchedAt = t.now()
	t.transitionLocked(levelFor(t.utilizationLocked()))
	t.mu.Unlock()
}

func (t *capacityTracker) refreshLocked(ctx context.Context) {
	if t.fetch == nil || t.now().Sub(t.fetchedAt) < t.refreshEvery {
		return
	}
	count, err := t.fetch(ctx)
	if err != nil {
		log.Printf("WARNING: capacity refresh failed, using cached count %d: %v", t.count, err)
		// Push the next attempt out so a broken info endpoint does not add
		// a failed call to every write.
		t.fetchedAt = t.now().Add(-t.refreshEvery + 30*time.Second)
		return
	}
	t.count = count
	t.fetchedAt = t.now()
}

func (t *capacityTracker) utilizationLocked() float64 {
	if t.limit <= 0 {
		return 0
	}
	return float64(t.count) / float64(t.limit)
}

func (t *capacityTracker) transitionLocked(level string) {
	if level == t.lastLevel {
		return
	}
	switch level {
	case capacityOK:
		log.Printf("vector index capacity back to normal (%d of %d)", t.count, t.limit)
	case capacityWarning:
		log.Printf("WARNING: vector index at %.0f%% capacity (%d of %d)",
			t.utilizationLocked()*100, t.count, t.limit)
	case capacityCritical, capacityFull:
		log.Printf("CRITICAL: vector index at %.0f%% capacity (%d of %d)",
			t.utilizationLocked()*100, t.count, t.limit)
	}
	t.lastLevel = level
}

func levelFor(utilization float64) string {
	switch {
	case utilization >= 1.0:
		return capacityFull
	case utilization >= 0.95:
		return capacityCritical
	case utilization >= 0.80:
		return capacityWarning
	default:
		return capacityOK
	}
}
