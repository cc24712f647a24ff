package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// driftSkewSeconds is the clock-skew tolerance when comparing updated_at
// across backends. Differences inside it count as in sync.
const driftSkewSeconds = 1.0

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	RemoteSeen    int     `json:"remote_seen"`
	Pulled        int     `json:"pulled"`
	DeletesPushed int     `json:"deletes_pushed"`
	DriftChecked  int     `json:"drift_checked"`
	Pushed        int     `json:"pushed"`
	InSync        int     `json:"in_sync"`
	Failed        int     `json:"failed"`
	Elapsed       float64 `json:"elapsed_seconds"`
	DryRun        bool    `json:"dry_run,omitempty"`
}

// DriftReport summarizes one drift detection pass.
type DriftReport struct {
	Since          float64 `json:"since"`
	LocalChanged   int     `json:"local_changed"`
	RemoteChanged  int     `json:"remote_changed"`
	PushedToRemote int     `json:"pushed_to_remote"`
	PulledToLocal  int     `json:"pulled_to_local"`
	DeletesPushed  int     `json:"deletes_pushed"`
	UpdatesHeld    int     `json:"updates_held,omitempty"`
	InSync         int     `json:"in_sync"`
	Failed         int     `json:"failed"`
	DryRun         bool    `json:"dry_run,omitempty"`
}

// Reconcile aligns the primary with the secondary: it loads the local hash
// set in one call, walks the remote in pages with parallel workers, pulls
// records the primary is missing (timestamps preserved), pushes deletions
// for records the primary has tombstoned, and drift-checks records present
// on both sides. Local tombstones are never resurrected.
func (s *Syncer) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	start := time.Now()

	localHashes, err := s.primary.GetAllContentHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load local hashes: %w", err)
	}

	report := &ReconcileReport{DryRun: s.cfg.DriftDryRun}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(s.cfg.MaxConcurrent)

	pageSize := s.cfg.ReconcilePageSize
	if _, ok := s.secondary.(storage.Pager); !ok && pageSize > 100 {
		pageSize = 100 // the GetAll fallback clamps its page size
	}

	var walkErr error
walk:
	for offset := 0; ; offset += pageSize {
		page, err := s.remotePage(ctx, pageSize, offset)
		if err != nil {
			walkErr = fmt.Errorf("walk remote at offset %d: %w", offset, err)
			break
		}
		if len(page) == 0 {
			break
		}
		mu.Lock()
		report.RemoteSeen += len(page)
		mu.Unlock()

		for _, m := range page {
			if err := sem.Acquire(gctx, 1); err != nil {
				walkErr = err
				break walk
			}
			m := m
			g.Go(func() error {
				defer sem.Release(1)
				s.reconcileRecord(gctx, m, localHashes, report, &mu)
				return nil
			})
		}
		if len(page) < pageSize {
			break
		}
	}

	if err := g.Wait(); err != nil && walkErr == nil {
		walkErr = err
	}
	report.Elapsed = time.Since(start).Seconds()
	if walkErr != nil {
		return report, walkErr
	}
	return report, nil
}

func (s *Syncer) remotePage(ctx context.Context, limit, offset int) ([]*types.Memory, error) {
	if pager, ok := s.secondary.(storage.Pager); ok {
		return pager.Page(ctx, limit, offset)
	}
	return s.secondary.GetAll(ctx, storage.ListOptions{Page: offset/limit + 1, PageSize: limit})
}

func (s *Syncer) reconcileRecord(ctx context.Context, m *types.Memory, local map[string]struct{}, report *ReconcileReport, mu *sync.Mutex) {
	count := func(f func(*ReconcileReport)) {
		mu.Lock()
		f(report)
		mu.Unlock()
	}

	if _, present := local[m.ContentHash]; present {
		count(func(r *ReconcileReport) { r.DriftChecked++ })
		s.reconcileOverlap(ctx, m, report, mu)
		return
	}

	dead, err := s.primary.IsDeleted(ctx, m.ContentHash)
	if err != nil {
		count(func(r *ReconcileReport) { r.Failed++ })
		log.Printf("WARNING: reconcile tombstone check for %s: %v", shortHash(m.ContentHash), err)
		return
	}
	if dead {
		// Deleted here, still live remotely: push the deletion rather
		// than resurrect the memory.
		if s.cfg.DriftDryRun {
			count(func(r *ReconcileReport) { r.DeletesPushed++ })
			log.Printf("reconcile dry-run: would push delete of %s to secondary", shortHash(m.ContentHash))
			return
		}
		if err := s.applyOnce(ctx, syncOp{kind: opDelete, contentHash: m.ContentHash}); err != nil {
			count(func(r *ReconcileReport) { r.Failed++ })
			log.Printf("WARNING: reconcile delete push for %s: %v", shortHash(m.ContentHash), err)
			return
		}
		count(func(r *ReconcileReport) { r.DeletesPushed++ })
		return
	}

	if s.cfg.DriftDryRun {
		count(func(r *ReconcileReport) { r.Pulled++ })
		log.Printf("reconcile dry-run: would pull %s from secondary", shortHash(m.ContentHash))
		return
	}
	if err := s.pullLocal(ctx, m); err != nil {
		count(func(r *ReconcileReport) { r.Failed++ })
		log.Printf("WARNING: reconcile pull %s: %v", shortHash(m.ContentHash), err)
		return
	}
	count(func(r *ReconcileReport) { r.Pulled++ })
}

// reconcileOverlap resolves a record present on both sides: the newer
// updated_at wins, within the clock-skew tolerance.
func (s *Syncer) reconcileOverlap(ctx context.Context, remote *types.Memory, report *ReconcileReport, mu *sync.Mutex) {
	count := func(f func(*ReconcileReport)) {
		mu.Lock()
		f(report)
		mu.Unlock()
	}

	local, err := s.primary.GetByHash(ctx, remote.ContentHash)
	if err != nil {
		count(func(r *ReconcileReport) { r.Failed++ })
		log.Printf("WARNING: reconcile read of local %s: %v", shortHash(remote.ContentHash), err)
		return
	}

	switch {
	case local.UpdatedAt > remote.UpdatedAt+driftSkewSeconds:
		if s.cfg.DriftDryRun {
			count(func(r *ReconcileReport) { r.Pushed++ })
			log.Printf("reconcile dry-run: would push %s to secondary", shortHash(local.ContentHash))
			return
		}
		if err := s.pushRemote(ctx, local); err != nil {
			count(func(r *ReconcileReport) { r.Failed++ })
			log.Printf("WARNING: reconcile push %s: %v", shortHash(local.ContentHash), err)
			return
		}
		count(func(r *ReconcileReport) { r.Pushed++ })
	case remote.UpdatedAt > local.UpdatedAt+driftSkewSeconds:
		if s.cfg.DriftDryRun {
			count(func(r *ReconcileReport) { r.Pulled++ })
			log.Printf("reconcile dry-run: would pull %s from secondary", shortHash(remote.ContentHash))
			return
		}
		if err := s.pullLocal(ctx, remote); err != nil {
			count(func(r *ReconcileReport) { r.Failed++ })
			log.Printf("WARNING: reconcile pull %s: %v", shortHash(remote.ContentHash), err)
			return
		}
		count(func(r *ReconcileReport) { r.Pulled++ })
	default:
		count(func(r *ReconcileReport) { r.InSync++ })
	}
}

// DriftCheck compares what changed on each side since the last pass and
// converges both: the newer updated_at wins within the skew tolerance,
// created_at is always preserved, and locally tombstoned records push a
// delete instead of being pulled back. In dry-run mode intended writes are
// logged and counted, nothing is written, and the checkpoint stays put.
func (s *Syncer) DriftCheck(ctx context.Context) (*DriftReport, error) {
	s.driftMu.Lock()
	defer s.driftMu.Unlock()

	since := s.lastDrift
	start := types.UnixSeconds(time.Now())

	local, err := s.changedSince(ctx, s.primary, since)
	if err != nil {
		return nil, fmt.Errorf("local changes since %.0f: %w", since, err)
	}
	remote, err := s.changedSince(ctx, s.secondary, since)
	if err != nil {
		return nil, fmt.Errorf("remote changes since %.0f: %w", since, err)
	}

	report := &DriftReport{
		Since:         since,
		LocalChanged:  len(local),
		RemoteChanged: len(remote),
		DryRun:        s.cfg.DriftDryRun,
	}

	remoteByHash := make(map[string]*types.Memory, len(remote))
	for _, m := range remote {
		remoteByHash[m.ContentHash] = m
	}

	seen := make(map[string]bool, len(local))
	for _, l := range local {
		seen[l.ContentHash] = true
		r := remoteByHash[l.ContentHash]
		switch {
		case r == nil || l.UpdatedAt > r.UpdatedAt+driftSkewSeconds:
			// Changed here and not (or less recently) there.
			if s.cfg.NoUpdateSync {
				held, err := s.heldAsUpdate(ctx, s.secondary, l.ContentHash, r != nil)
				if err != nil {
					report.Failed++
					log.Printf("WARNING: drift existence check for %s: %v", shortHash(l.ContentHash), err)
					continue
				}
				if held {
					report.UpdatesHeld++
					continue
				}
			}
			report.PushedToRemote++
			if s.cfg.DriftDryRun {
				log.Printf("drift dry-run: would push %s to secondary", shortHash(l.ContentHash))
				continue
			}
			if err := s.pushRemote(ctx, l); err != nil {
				report.Failed++
				log.Printf("WARNING: drift push %s: %v", shortHash(l.ContentHash), err)
			}
		case r.UpdatedAt > l.UpdatedAt+driftSkewSeconds:
			if s.cfg.NoUpdateSync {
				report.UpdatesHeld++
				continue
			}
			report.PulledToLocal++
			if s.cfg.DriftDryRun {
				log.Printf("drift dry-run: would pull %s from secondary", shortHash(r.ContentHash))
				continue
			}
			if err := s.pullLocal(ctx, r); err != nil {
				report.Failed++
				log.Printf("WARNING: drift pull %s: %v", shortHash(r.ContentHash), err)
			}
		default:
			report.InSync++
		}
	}

	for _, r := range remote {
		if seen[r.ContentHash] {
			continue
		}
		dead, err := s.primary.IsDeleted(ctx, r.ContentHash)
		if err != nil {
			report.Failed++
			log.Printf("WARNING: drift tombstone check for %s: %v", shortHash(r.ContentHash), err)
			continue
		}
		if dead {
			report.DeletesPushed++
			if s.cfg.DriftDryRun {
				log.Printf("drift dry-run: would push delete of %s to secondary", shortHash(r.ContentHash))
				continue
			}
			if err := s.applyOnce(ctx, syncOp{kind: opDelete, contentHash: r.ContentHash}); err != nil {
				report.Failed++
				log.Printf("WARNING: drift delete push for %s: %v", shortHash(r.ContentHash), err)
			}
			continue
		}
		if s.cfg.NoUpdateSync {
			held, err := s.heldAsUpdate(ctx, s.primary, r.ContentHash, false)
			if err != nil {
				report.Failed++
				log.Printf("WARNING: drift existence check for %s: %v", shortHash(r.ContentHash), err)
				continue
			}
			if held {
				report.UpdatesHeld++
				continue
			}
		}
		report.PulledToLocal++
		if s.cfg.DriftDryRun {
			log.Printf("drift dry-run: would pull %s from secondary", shortHash(r.ContentHash))
			continue
		}
		if err := s.pullLocal(ctx, r); err != nil {
			report.Failed++
			log.Printf("WARNING: drift pull %s: %v", shortHash(r.ContentHash), err)
		}
	}

	if !s.cfg.DriftDryRun {
		// Back the checkpoint off by the skew so a write that landed
		// mid-pass is seen again next time rather than skipped.
		s.lastDrift = start - driftSkewSeconds
	}
	return report, nil
}

// changedSince pages through one side's live memories with updated_at past
// the checkpoint. Both backends return them oldest-update first, so the
// cursor can follow the last row of each page.
func (s *Syncer) changedSince(ctx context.Context, st storage.Storage, since float64) ([]*types.Memory, error) {
	page := s.cfg.DriftBatchSize
	var out []*types.Memory
	cursor := since
	for {
		batch, err := st.GetUpdatedSince(ctx, cursor, page)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < page {
			return out, nil
		}
		next := batch[len(batch)-1].UpdatedAt
		if next <= cursor {
			// A full page sharing one updated_at cannot advance the
			// cursor; stop rather than loop.
			return out, nil
		}
		cursor = next
	}
}

// heldAsUpdate reports whether a changed record is an update of a row the
// receiving side already tracks. With NoUpdateSync set those stay where
// they are; only rows the receiver is missing cross over.
func (s *Syncer) heldAsUpdate(ctx context.Context, receiver storage.Storage, hash string, knownThere bool) (bool, error) {
	if knownThere {
		return true, nil
	}
	_, err := receiver.GetByHash(ctx, hash)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// pushRemote delivers local state to the secondary as an update, which
// applyOnce turns into a full store when the row is missing there.
func (s *Syncer) pushRemote(ctx context.Context, m *types.Memory) error {
	return s.applyOnce(ctx, syncOp{kind: opUpdate, contentHash: m.ContentHash, memory: m.Clone()})
}

// pullLocal applies remote state to the primary with its timestamps
// preserved. Existing rows take the remote's tags, type, metadata, and
// updated_at; missing rows are inserted whole (the primary re-embeds,
// since remote reads carry no vectors). created_at is never rewritten.
func (s *Syncer) pullLocal(ctx context.Context, m *types.Memory) error {
	err := s.primary.Update(ctx, m.Clone())
	if errors.Is(err, storage.ErrNotFound) {
		err = s.primary.Store(ctx, m.Clone())
		if errors.Is(err, storage.ErrDuplicate) {
			return nil
		}
	}
	return err
}
