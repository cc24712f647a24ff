// Package backup snapshots the local SQLite database with VACUUM INTO,
// verifies each snapshot, and prunes old ones under a tiered keep
// policy. It backs cmd/keepsake-backup and the optional in-process
// schedule in cmd/keepsake-web.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	snapshotPrefix = "keepsake-backup-"
	snapshotExt    = ".db"
	stampLayout    = "20060102-150405.000000"
)

// Config wires a Service to one live database file.
type Config struct {
	Database string        // live SQLite file to snapshot
	Dir      string        // where snapshots land
	Interval time.Duration // schedule period for Run (default 1h)
	Verify   bool          // integrity-check each snapshot
	Keep     Retention
}

// Retention is the per-tier keep count. Zero values take the defaults
// (24/7/4/12).
type Retention struct {
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
}

func (r Retention) withDefaults() Retention {
	if r.Hourly == 0 {
		r.Hourly = 24
	}
	if r.Daily == 0 {
		r.Daily = 7
	}
	if r.Weekly == 0 {
		r.Weekly = 4
	}
	if r.Monthly == 0 {
		r.Monthly = 12
	}
	return r
}

// Result describes one completed snapshot.
type Result struct {
	Path     string
	Size     int64
	Duration time.Duration
	Verified bool
}

// Snapshot is one backup file on disk.
type Snapshot struct {
	Path    string
	Size    int64
	Created time.Time
}

// Health summarizes the service for the -health command and the
// detailed health endpoint.
type Health struct {
	Status    string // healthy | warning
	Message   string
	LastRun   time.Time
	NextRun   time.Time
	Snapshots int
	Dir       string
	BytesUsed int64
}

// Service takes snapshots on demand or on an interval.
type Service struct {
	cfg Config

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	lastRun time.Time
	nextRun time.Time
}

// New validates cfg, fills defaults, and creates the snapshot
// directory.
func New(cfg Config) (*Service, error) {
	if cfg.Database == "" {
		return nil, errors.New("backup: database path required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("backup: snapshot directory required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	cfg.Keep = cfg.Keep.withDefaults()

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: creating %s: %w", cfg.Dir, err)
	}
	return &Service{cfg: cfg, stop: make(chan struct{})}, nil
}

// Run snapshots every Interval until ctx is cancelled or Stop is
// called. The first snapshot happens one interval in, not at startup.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("backup: already running")
	}
	s.running = true
	s.nextRun = time.Now().Add(s.cfg.Interval)
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	log.Printf("backup: every %v into %s", s.cfg.Interval, s.cfg.Dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case <-ticker.C:
			if result, err := s.Backup(ctx); err != nil {
				log.Printf("backup: scheduled snapshot failed: %v", err)
			} else {
				log.Printf("backup: %s (%d bytes in %v, verified=%v)",
					filepath.Base(result.Path), result.Size, result.Duration.Round(time.Millisecond), result.Verified)
			}
			s.mu.Lock()
			s.nextRun = time.Now().Add(s.cfg.Interval)
			s.mu.Unlock()
		}
	}
}

// Stop ends a Run loop.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return errors.New("backup: not running")
	}
	close(s.stop)
	s.running = false
	return nil
}

// Backup takes one snapshot now, verifies it when configured, and
// prunes old snapshots. A prune failure is logged, never surfaced: the
// snapshot itself succeeded.
func (s *Service) Backup(ctx context.Context) (*Result, error) {
	start := time.Now()

	if _, err := os.Stat(s.cfg.Database); err != nil {
		return nil, fmt.Errorf("backup: database missing: %w", err)
	}

	path := filepath.Join(s.cfg.Dir, snapshotPrefix+start.Format(stampLayout)+snapshotExt)
	if err := vacuumInto(s.cfg.Database, path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("backup: stat snapshot: %w", err)
	}

	result := &Result{Path: path, Size: info.Size(), Duration: time.Since(start)}
	if s.cfg.Verify {
		if err := checkIntegrity(path); err != nil {
			return result, err
		}
		result.Verified = true
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()

	if n, err := prune(s.cfg.Dir, s.cfg.Keep, time.Now()); err != nil {
		log.Printf("backup: prune: %v", err)
	} else if n > 0 {
		log.Printf("backup: pruned %d old snapshot(s)", n)
	}
	return result, nil
}

// Restore replaces the live database with a snapshot. The writers must
// be down. A pre-restore copy of the current database guards against a
// bad snapshot; on failure the copy is restored.
func (s *Service) Restore(ctx context.Context, snapshotPath string) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return errors.New("backup: stop the schedule before restoring")
	}

	if _, err := os.Stat(snapshotPath); err != nil {
		return fmt.Errorf("backup: snapshot missing: %w", err)
	}
	if err := checkIntegrity(snapshotPath); err != nil {
		return err
	}

	guard := s.cfg.Database + ".pre-restore"
	if _, err := os.Stat(s.cfg.Database); err == nil {
		if err := vacuumInto(s.cfg.Database, guard); err != nil {
			return fmt.Errorf("backup: pre-restore copy: %w", err)
		}
		defer os.Remove(guard)
	}

	restoreErr := overwrite(s.cfg.Database, snapshotPath)
	if restoreErr == nil {
		restoreErr = checkIntegrity(s.cfg.Database)
	}
	if restoreErr == nil {
		log.Printf("backup: restored %s", filepath.Base(snapshotPath))
		return nil
	}

	// Roll the guard copy back over the failed restore.
	if _, err := os.Stat(guard); err != nil {
		return fmt.Errorf("backup: restore failed: %w", restoreErr)
	}
	if rbErr := overwrite(s.cfg.Database, guard); rbErr != nil {
		return fmt.Errorf("backup: restore failed (%v) and rollback failed: %w", restoreErr, rbErr)
	}
	return fmt.Errorf("backup: restore failed, previous database kept: %w", restoreErr)
}

// List returns the snapshots on disk, newest first.
func (s *Service) List() ([]Snapshot, error) {
	return list(s.cfg.Dir)
}

// Health reports schedule state and disk usage. Status degrades to
// warning when the last snapshot is more than two intervals old.
func (s *Service) Health() (*Health, error) {
	s.mu.Lock()
	lastRun, nextRun := s.lastRun, s.nextRun
	s.mu.Unlock()

	snaps, err := list(s.cfg.Dir)
	if err != nil {
		return nil, err
	}
	var used int64
	for _, snap := range snaps {
		used += snap.Size
	}

	h := &Health{
		Status:    "healthy",
		LastRun:   lastRun,
		NextRun:   nextRun,
		Snapshots: len(snaps),
		Dir:       s.cfg.Dir,
		BytesUsed: used,
	}
	switch {
	case lastRun.IsZero():
		h.Message = "no snapshots taken yet"
	case time.Since(lastRun) > 2*s.cfg.Interval:
		h.Status = "warning"
		h.Message = fmt.Sprintf("last snapshot overdue by %v", (time.Since(lastRun) - s.cfg.Interval).Round(time.Minute))
	default:
		h.Message = fmt.Sprintf("last snapshot %v ago", time.Since(lastRun).Round(time.Minute))
	}
	return h, nil
}
