package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// syncOpTimeout bounds one delivery attempt against the secondary,
// including the remote client's own internal retries.
const syncOpTimeout = 2 * time.Minute

type opKind string

const (
	opStore  opKind = "store"
	opUpdate opKind = "update"
	opDelete opKind = "delete"
)

// syncOp is one queued write bound for the secondary. Store and update
// ops carry a snapshot of the memory as the primary persisted it, so the
// secondary receives the same timestamps and the already-computed vector.
type syncOp struct {
	kind        opKind
	contentHash string
	memory      *types.Memory
}

// Status is the externally visible state of the sync service.
type Status struct {
	Running         bool    `json:"running"`
	Paused          bool    `json:"paused"`
	ActivelySyncing bool    `json:"actively_syncing"`
	Pending         int     `json:"pending"`
	Synced          int64   `json:"synced"`
	Failed          int64   `json:"failed"`
	Retried         int64   `json:"retried"`
	DirectWrites    int64   `json:"direct_writes"`
	SkippedPaused   int64   `json:"skipped_paused"`
	LastSyncAt      float64 `json:"last_sync_at,omitempty"`
	LastSyncAtISO   string  `json:"last_sync_at_iso,omitempty"`
	Owner           string  `json:"owner"`
	Role            string  `json:"role"`
}

type syncStats struct {
	synced   int64
	failed   int64
	retried  int64
	direct   int64
	skipped  int64
	lastSync float64
}

// Syncer delivers primary writes to the secondary in the background. One
// dispatcher goroutine drains the queue in batches; deliveries run under a
// weighted semaphore, with a per-hash latch keeping ops for the same
// memory in enqueue order while unrelated memories proceed in parallel.
type Syncer struct {
	primary   storage.Storage
	secondary storage.Storage
	batcher   storage.BatchWriter // non-nil when the secondary has a bulk path
	cfg       Config

	queue chan syncOp
	sem   *semaphore.Weighted
	latch *hashLatch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lifeMu   sync.RWMutex // guards running/stopping/paused/resumeCh
	running  bool
	stopping bool
	paused   bool
	resumeCh chan struct{}

	statsMu sync.Mutex
	stats   syncStats

	driftMu   sync.Mutex // serializes drift passes; guards lastDrift
	lastDrift float64
}

func newSyncer(primary, secondary storage.Storage, cfg Config) *Syncer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		primary:   primary,
		secondary: secondary,
		cfg:       cfg,
		queue:     make(chan syncOp, cfg.QueueSize),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		latch:     newHashLatch(),
		ctx:       ctx,
		cancel:    cancel,
	}
	if bw, ok := secondary.(storage.BatchWriter); ok {
		s.batcher = bw
	}
	return s
}

func (s *Syncer) owns() bool {
	return s.cfg.Owner == OwnerBoth || s.cfg.Owner == s.cfg.Role
}

// Start launches the dispatcher and the maintenance daemons. A process
// whose role does not own the queue starts nothing; its writes reach the
// secondary through the owning process's drift passes over the shared
// primary.
func (s *Syncer) Start() {
	if !s.owns() {
		log.Printf("sync owner is %q; this %s process leaves the sync queue to the owner", s.cfg.Owner, s.cfg.Role)
		return
	}
	s.lifeMu.Lock()
	if s.running || s.stopping {
		s.lifeMu.Unlock()
		return
	}
	s.running = true
	s.lifeMu.Unlock()

	s.wg.Add(2)
	go s.dispatchLoop()
	go s.daemons()
	log.Printf("sync service started (owner=%s queue=%d batch=%d concurrency=%d)",
		s.cfg.Owner, s.cfg.QueueSize, s.cfg.BatchSize, s.cfg.MaxConcurrent)
}

// Stop drains the queue and waits for in-flight deliveries up to the
// shutdown timeout. Ops enqueued after Stop are written to the secondary
// directly rather than dropped.
func (s *Syncer) Stop() {
	s.lifeMu.Lock()
	if s.stopping {
		s.lifeMu.Unlock()
		return
	}
	wasRunning := s.running
	s.stopping = true
	s.running = false
	s.cancel()
	close(s.queue)
	s.lifeMu.Unlock()

	if !wasRunning {
		return
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("sync service stopped, queue drained")
	case <-time.After(s.cfg.ShutdownTimeout):
		log.Printf("WARNING: sync service shutdown timed out after %s with work in flight", s.cfg.ShutdownTimeout)
	}
}

// Pause blocks both enqueueing and dispatching until Resume. Writes made
// while paused are picked up by the next drift pass.
func (s *Syncer) Pause() {
	s.lifeMu.Lock()
	if !s.paused {
		s.paused = true
		s.resumeCh = make(chan struct{})
	}
	s.lifeMu.Unlock()
	log.Printf("sync paused")
}

// Resume restores enqueueing and dispatching.
func (s *Syncer) Resume() {
	s.lifeMu.Lock()
	if s.paused {
		s.paused = false
		close(s.resumeCh)
		s.resumeCh = nil
	}
	s.lifeMu.Unlock()
	log.Printf("sync resumed")
}

// Status snapshots the service state. Pending counts queued ops plus ops
// chained behind in-flight deliveries.
func (s *Syncer) Status() Status {
	s.lifeMu.RLock()
	running, paused := s.running, s.paused
	s.lifeMu.RUnlock()

	inFlight, chained := s.latch.counts()

	s.statsMu.Lock()
	st := Status{
		Running:         running,
		Paused:          paused,
		ActivelySyncing: inFlight > 0,
		Pending:         len(s.queue) + chained,
		Synced:          s.stats.synced,
		Failed:          s.stats.failed,
		Retried:         s.stats.retried,
		DirectWrites:    s.stats.direct,
		SkippedPaused:   s.stats.skipped,
		LastSyncAt:      s.stats.lastSync,
		Owner:           s.cfg.Owner,
		Role:            s.cfg.Role,
	}
	s.statsMu.Unlock()

	if st.LastSyncAt != 0 {
		st.LastSyncAtISO = types.ISOFromUnix(st.LastSyncAt)
	}
	return st
}

// enqueue hands an op to the sync service. While paused, ops are skipped
// (drift repairs them later). When the queue stays full past the enqueue
// timeout, or the service is shutting down, the op is written to the
// secondary synchronously so it is never dropped.
func (s *Syncer) enqueue(op syncOp) {
	if !s.owns() {
		return
	}
	s.lifeMu.RLock()
	if s.paused {
		s.lifeMu.RUnlock()
		s.statsMu.Lock()
		s.stats.skipped++
		s.statsMu.Unlock()
		return
	}
	if s.stopping {
		s.lifeMu.RUnlock()
		s.statsMu.Lock()
		s.stats.direct++
		s.statsMu.Unlock()
		s.applyDirect(op)
		return
	}

	// The read lock is held across the send so Stop cannot close the
	// channel underneath it.
	select {
	case s.queue <- op:
		s.lifeMu.RUnlock()
		return
	default:
	}

	timer := time.NewTimer(s.cfg.EnqueueTimeout)
	select {
	case s.queue <- op:
		timer.Stop()
		s.lifeMu.RUnlock()
	case <-timer.C:
		s.lifeMu.RUnlock()
		s.statsMu.Lock()
		s.stats.direct++
		s.statsMu.Unlock()
		log.Printf("WARNING: sync queue full for %s; writing %s %s to secondary directly",
			s.cfg.EnqueueTimeout, op.kind, shortHash(op.contentHash))
		s.applyDirect(op)
	}
}

// applyDirect delivers one op on the caller's goroutine, still honoring
// the per-hash latch: if the hash is mid-delivery the op chains behind it
// instead of racing ahead.
func (s *Syncer) applyDirect(op syncOp) {
	if !s.latch.acquire(op.contentHash, []syncOp{op}) {
		return
	}
	s.runOp(op)
	s.drainHash(op.contentHash)
}

func (s *Syncer) dispatchLoop() {
	defer s.wg.Done()
	for {
		op, ok := <-s.queue
		if !ok {
			return
		}
		s.waitWhilePaused()
		s.dispatchBatch(s.collectBatch(op))
	}
}

// collectBatch drains whatever is immediately available behind the first
// op, up to the batch size.
func (s *Syncer) collectBatch(first syncOp) []syncOp {
	batch := make([]syncOp, 1, s.cfg.BatchSize)
	batch[0] = first
	for len(batch) < cap(batch) {
		select {
		case op, ok := <-s.queue:
			if !ok {
				return batch
			}
			batch = append(batch, op)
		default:
			return batch
		}
	}
	return batch
}

func (s *Syncer) waitWhilePaused() {
	for {
		s.lifeMu.RLock()
		if !s.paused || s.stopping {
			s.lifeMu.RUnlock()
			return
		}
		resume := s.resumeCh
		s.lifeMu.RUnlock()
		select {
		case <-resume:
		case <-s.ctx.Done():
			return
		}
	}
}

type opGroup struct {
	hash string
	ops  []syncOp
}

// dispatchBatch groups the batch by content hash (preserving enqueue order
// within each hash), sends lone store ops through the secondary's bulk
// path when it has one, and hands every other group to its own delivery
// goroutine under the semaphore.
func (s *Syncer) dispatchBatch(ops []syncOp) {
	groups := groupByHash(ops)

	var bulkOps []syncOp
	var bulkHashes []string
	for _, g := range groups {
		if s.batcher != nil && len(g.ops) == 1 && g.ops[0].kind == opStore {
			if s.latch.acquire(g.hash, g.ops) {
				bulkOps = append(bulkOps, g.ops[0])
				bulkHashes = append(bulkHashes, g.hash)
			}
			continue
		}
		if !s.latch.acquire(g.hash, g.ops) {
			continue // chained behind the in-flight delivery for this hash
		}
		group := g
		s.spawn(func() {
			s.runOps(group.ops)
			s.drainHash(group.hash)
		})
	}

	if len(bulkOps) > 0 {
		s.spawn(func() { s.runBulk(bulkOps, bulkHashes) })
	}
}

func groupByHash(ops []syncOp) []opGroup {
	index := make(map[string]int, len(ops))
	groups := make([]opGroup, 0, len(ops))
	for _, op := range ops {
		if i, ok := index[op.contentHash]; ok {
			groups[i].ops = append(groups[i].ops, op)
			continue
		}
		index[op.contentHash] = len(groups)
		groups = append(groups, opGroup{hash: op.contentHash, ops: []syncOp{op}})
	}
	return groups
}

// spawn runs fn on its own goroutine once a semaphore slot frees up. The
// background context means shutdown drains in-flight work instead of
// aborting it; Stop bounds the wait separately.
func (s *Syncer) spawn(fn func()) {
	_ = s.sem.Acquire(context.Background(), 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		fn()
	}()
}

func (s *Syncer) runOps(ops []syncOp) {
	for _, op := range ops {
		s.runOp(op)
	}
}

// drainHash keeps delivering ops that chained behind the hash while it was
// in flight, releasing the latch once nothing is waiting.
func (s *Syncer) drainHash(hash string) {
	for ops := s.latch.next(hash); ops != nil; ops = s.latch.next(hash) {
		s.runOps(ops)
	}
}

func (s *Syncer) runOp(op syncOp) {
	if err := s.applyWithRetry(op); err != nil {
		s.noteFailed()
		return
	}
	s.noteSynced()
}

// runBulk delivers lone store ops through the secondary's batch path.
// Items the batch reports transient errors for fall back to individual
// delivery with the usual retry policy; an aborted batch falls back
// entirely.
func (s *Syncer) runBulk(ops []syncOp, hashes []string) {
	mems := make([]*types.Memory, len(ops))
	for i, op := range ops {
		mems[i] = op.memory
	}

	ctx, cancel := context.WithTimeout(context.Background(), syncOpTimeout)
	results, err := s.batcher.StoreBatch(ctx, mems)
	cancel()

	if err != nil {
		log.Printf("WARNING: bulk sync of %d memories aborted, retrying individually: %v", len(ops), err)
		s.runOps(ops)
	} else {
		for i, r := range results {
			switch {
			case r.Err == nil || errors.Is(r.Err, storage.ErrDuplicate):
				s.noteSynced()
			case isPermanentSyncErr(r.Err):
				s.noteFailed()
				logPermanent(ops[i], r.Err)
			default:
				s.runOp(ops[i])
			}
		}
	}

	for _, h := range hashes {
		s.drainHash(h)
	}
}

// applyWithRetry delivers one op with the attempt-squared backoff used for
// transient failures. Permanent failures are never retried.
func (s *Syncer) applyWithRetry(op syncOp) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), syncOpTimeout)
		err := s.applyOnce(ctx, op)
		cancel()
		if err == nil {
			return nil
		}
		if isPermanentSyncErr(err) {
			logPermanent(op, err)
			return err
		}
		lastErr = err
		if attempt < s.cfg.MaxAttempts {
			s.noteRetried()
			s.retrySleep(attempt)
		}
	}
	log.Printf("ERROR: sync %s for %s failed after %d attempts: %v",
		op.kind, shortHash(op.contentHash), s.cfg.MaxAttempts, lastErr)
	return lastErr
}

// applyOnce performs one delivery attempt, mapping outcomes that leave the
// secondary in the desired state to success: a duplicate on store means
// the row is already there, a missing row on delete means there is nothing
// to tombstone, and a missing row on update is delivered as a full store.
func (s *Syncer) applyOnce(ctx context.Context, op syncOp) error {
	switch op.kind {
	case opStore:
		err := s.secondary.Store(ctx, op.memory)
		if errors.Is(err, storage.ErrDuplicate) {
			return nil
		}
		return err
	case opUpdate:
		err := s.secondary.Update(ctx, op.memory)
		if errors.Is(err, storage.ErrNotFound) {
			err = s.secondary.Store(ctx, op.memory)
			if errors.Is(err, storage.ErrDuplicate) {
				return nil
			}
		}
		return err
	case opDelete:
		err := s.secondary.Delete(ctx, op.contentHash)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("%w: unknown sync op kind %q", storage.ErrInvalidInput, op.kind)
	}
}

func (s *Syncer) retrySleep(attempt int) {
	delay := time.Duration(attempt*attempt) * s.cfg.RetryDelayUnit
	select {
	case <-time.After(delay):
	case <-s.ctx.Done():
	}
}

func isPermanentSyncErr(err error) bool {
	return errors.Is(err, storage.ErrLimitExceeded) ||
		errors.Is(err, storage.ErrInvalidInput) ||
		errors.Is(err, storage.ErrSchema)
}

func logPermanent(op syncOp, err error) {
	if errors.Is(err, storage.ErrLimitExceeded) {
		log.Printf("WARNING: secondary capacity limit while syncing %s %s: %v",
			op.kind, shortHash(op.contentHash), err)
		return
	}
	log.Printf("ERROR: permanent sync failure for %s %s: %v",
		op.kind, shortHash(op.contentHash), err)
}

func (s *Syncer) noteSynced() {
	s.statsMu.Lock()
	s.stats.synced++
	s.stats.lastSync = types.UnixSeconds(time.Now())
	s.statsMu.Unlock()
}

func (s *Syncer) noteFailed() {
	s.statsMu.Lock()
	s.stats.failed++
	s.statsMu.Unlock()
}

func (s *Syncer) noteRetried() {
	s.statsMu.Lock()
	s.stats.retried++
	s.statsMu.Unlock()
}

// daemons runs the startup reconciliation, the immediate first drift pass
// that pushes anything the reconciliation walk could not see (local rows
// the remote never received), and then the periodic drift and tombstone
// purge loops.
func (s *Syncer) daemons() {
	defer s.wg.Done()

	if report, err := s.Reconcile(s.ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("WARNING: initial reconciliation failed: %v", err)
		}
	} else {
		log.Printf("reconciliation: %d pulled, %d deletes pushed, %d drift-checked, %d already aligned in %.1fs",
			report.Pulled, report.DeletesPushed, report.DriftChecked, report.InSync, report.Elapsed)
	}

	s.runDrift()
	s.runPurge()

	driftTicker := time.NewTicker(s.cfg.DriftInterval)
	purgeTicker := time.NewTicker(s.cfg.PurgeInterval)
	defer driftTicker.Stop()
	defer purgeTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-driftTicker.C:
			s.runDrift()
		case <-purgeTicker.C:
			s.runPurge()
		}
	}
}

func (s *Syncer) runDrift() {
	report, err := s.DriftCheck(s.ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("WARNING: drift check failed: %v", err)
		}
		return
	}
	if report.PushedToRemote+report.PulledToLocal+report.DeletesPushed > 0 {
		log.Printf("drift check: %d pushed, %d pulled, %d deletes pushed (%d local / %d remote changes since %.0f)",
			report.PushedToRemote, report.PulledToLocal, report.DeletesPushed,
			report.LocalChanged, report.RemoteChanged, report.Since)
	}
}

func (s *Syncer) runPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), syncOpTimeout)
	defer cancel()
	days := s.cfg.TombstoneRetentionDays
	if n, err := s.primary.PurgeDeleted(ctx, days); err != nil {
		log.Printf("WARNING: purging local tombstones: %v", err)
	} else if n > 0 {
		log.Printf("purged %d local tombstones older than %d days", n, days)
	}
	if n, err := s.secondary.PurgeDeleted(ctx, days); err != nil {
		log.Printf("WARNING: purging remote tombstones: %v", err)
	} else if n > 0 {
		log.Printf("purged %d remote tombstones older than %d days", n, days)
	}
}

// hashLatch serializes deliveries per content hash. A hash present in the
// map is in flight; its value holds ops that arrived meanwhile, in order.
type hashLatch struct {
	mu      sync.Mutex
	pending map[string][]syncOp
}

func newHashLatch() *hashLatch {
	return &hashLatch{pending: make(map[string][]syncOp)}
}

// acquire marks the hash in flight and returns true, or chains the ops
// behind the current holder and returns false.
func (l *hashLatch) acquire(hash string, ops []syncOp) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if chained, busy := l.pending[hash]; busy {
		l.pending[hash] = append(chained, ops...)
		return false
	}
	l.pending[hash] = nil
	return true
}

// next hands the holder whatever chained behind it, or releases the hash
// when nothing is waiting.
func (l *hashLatch) next(hash string) []syncOp {
	l.mu.Lock()
	defer l.mu.Unlock()
	if chained := l.pending[hash]; len(chained) > 0 {
		l.pending[hash] = nil
		return chained
	}
	delete(l.pending, hash)
	return nil
}

func (l *hashLatch) counts() (inFlight, chained int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inFlight = len(l.pending)
	for _, ops := range l.pending {
		chained += len(ops)
	}
	return inFlight, chained
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
