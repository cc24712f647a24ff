package consolidation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/scrypster/keepsake/pkg/types"
)

// SchedulerConfig holds the wall-clock times, as "HH:MM" in UTC, at which
// each horizon runs. An empty string disables that horizon. The weekly
// run fires on Sundays and the monthly run on the first of the month.
type SchedulerConfig struct {
	Daily   string
	Weekly  string
	Monthly string
}

// ScheduledJob describes one horizon's schedule for status responses.
type ScheduledJob struct {
	Horizon  Horizon `json:"horizon"`
	Schedule string  `json:"schedule"`
	NextRun  string  `json:"next_run,omitempty"`
	LastRun  string  `json:"last_run,omitempty"`
}

// SchedulerStatus snapshots the scheduler and its engine.
type SchedulerStatus struct {
	Running       bool           `json:"running"`
	Paused        bool           `json:"paused"`
	SkippedPaused int            `json:"skipped_paused"`
	Jobs          []ScheduledJob `json:"jobs"`
	Engine        Status         `json:"engine"`
}

// Scheduler drives an Engine on wall-clock schedules. One goroutine owns
// the timer; runs are synchronous within it, so scheduled passes never
// overlap. Pause keeps the clock ticking but skips scheduled runs;
// Trigger runs a horizon immediately and works even while paused, since
// an explicit request outranks the pause.
type Scheduler struct {
	engine *Engine
	clocks map[Horizon]string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	trigger chan Horizon

	mu      sync.Mutex // guards everything below
	running bool
	paused  bool
	skipped int
	next    map[Horizon]time.Time
	last    map[Horizon]time.Time
}

// NewScheduler validates the configured clocks and builds a scheduler.
// A malformed time string fails construction rather than silently
// disabling a horizon.
func NewScheduler(engine *Engine, cfg SchedulerConfig) (*Scheduler, error) {
	clocks := make(map[Horizon]string)
	for h, clock := range map[Horizon]string{
		HorizonDaily:   cfg.Daily,
		HorizonWeekly:  cfg.Weekly,
		HorizonMonthly: cfg.Monthly,
	} {
		if clock == "" {
			continue
		}
		if _, _, err := parseClock(clock); err != nil {
			return nil, fmt.Errorf("%s schedule: %w", h, err)
		}
		clocks[h] = clock
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		engine:  engine,
		clocks:  clocks,
		ctx:     ctx,
		cancel:  cancel,
		trigger: make(chan Horizon, 4),
		next:    make(map[Horizon]time.Time),
		last:    make(map[Horizon]time.Time),
	}, nil
}

// Start launches the timer loop. Starting twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	now := time.Now()
	for h, clock := range s.clocks {
		if next, err := nextAfter(now, h, clock); err == nil {
			s.next[h] = next
		}
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	log.Printf("consolidation scheduler started (daily=%q weekly=%q monthly=%q)",
		s.clocks[HorizonDaily], s.clocks[HorizonWeekly], s.clocks[HorizonMonthly])
}

// Stop cancels any in-progress run at its next batch boundary and waits
// for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	log.Printf("consolidation scheduler stopped")
}

// Pause skips scheduled runs until Resume. Skipped runs are counted and
// their horizons rescheduled for the next occurrence.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	log.Printf("consolidation scheduler paused")
}

// Resume lifts a pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	log.Printf("consolidation scheduler resumed")
}

// Trigger queues an immediate run of the given horizon. It fails when the
// scheduler is not running or a manual run is already queued.
func (s *Scheduler) Trigger(horizon Horizon) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return errors.New("consolidation scheduler is not running")
	}
	select {
	case s.trigger <- horizon:
		return nil
	default:
		return errors.New("a manual consolidation run is already queued")
	}
}

// Status reports the schedule, recent activity, and the engine's state.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	st := SchedulerStatus{
		Running:       s.running,
		Paused:        s.paused,
		SkippedPaused: s.skipped,
	}
	for _, h := range []Horizon{HorizonDaily, HorizonWeekly, HorizonMonthly} {
		clock, ok := s.clocks[h]
		if !ok {
			continue
		}
		job := ScheduledJob{Horizon: h, Schedule: clock}
		if next, ok := s.next[h]; ok {
			job.NextRun = types.ISOFromUnix(types.UnixSeconds(next))
		}
		if last, ok := s.last[h]; ok {
			job.LastRun = types.ISOFromUnix(types.UnixSeconds(last))
		}
		st.Jobs = append(st.Jobs, job)
	}
	s.mu.Unlock()

	st.Engine = s.engine.Status()
	return st
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	timer := time.NewTimer(s.untilNext(time.Now()))
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case h := <-s.trigger:
			s.runDue(h, true)
			resetTimer(timer, s.untilNext(time.Now()))
		case <-timer.C:
			now := time.Now()
			for _, h := range s.due(now) {
				s.runDue(h, false)
			}
			resetTimer(timer, s.untilNext(time.Now()))
		}
	}
}

func (s *Scheduler) due(now time.Time) []Horizon {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Horizon
	for h, next := range s.next {
		if !next.After(now) {
			out = append(out, h)
		}
	}
	return out
}

// untilNext returns the wait until the earliest scheduled run. With no
// horizons enabled the loop wakes daily anyway, finds nothing due, and
// sleeps again.
func (s *Scheduler) untilNext(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	wait := 24 * time.Hour
	for _, next := range s.next {
		if d := next.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// runDue executes one horizon. Scheduled runs respect the pause and
// advance the horizon's next occurrence whether or not the run succeeds;
// manual runs leave the schedule untouched.
func (s *Scheduler) runDue(h Horizon, manual bool) {
	s.mu.Lock()
	if s.paused && !manual {
		s.skipped++
		s.advance(h, time.Now())
		s.mu.Unlock()
		log.Printf("consolidation %s run skipped while paused", h)
		return
	}
	s.mu.Unlock()

	report, err := s.engine.Run(s.ctx, h)

	s.mu.Lock()
	now := time.Now()
	s.last[h] = now
	if !manual {
		s.advance(h, now)
	}
	s.mu.Unlock()

	switch {
	case errors.Is(err, ErrRunning):
		log.Printf("consolidation %s run skipped: %v", h, err)
	case err != nil:
		log.Printf("WARNING: consolidation %s run failed: %v", h, err)
	default:
		log.Printf("consolidation %s run finished in %dms (%d scanned, %d rescored, %d associated, %d compressed, %d archived)",
			h, report.DurationMS, report.MemoriesScanned, report.RelevanceUpdated,
			report.AssociationsCreated, report.ClustersCompressed, report.Archived)
	}
}

// advance must be called with s.mu held.
func (s *Scheduler) advance(h Horizon, now time.Time) {
	clock, ok := s.clocks[h]
	if !ok {
		return
	}
	if next, err := nextAfter(now, h, clock); err == nil {
		s.next[h] = next
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// nextAfter computes the first occurrence of a horizon's schedule
// strictly after now, in UTC.
func nextAfter(now time.Time, h Horizon, clock string) (time.Time, error) {
	hour, minute, err := parseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	now = now.UTC()

	switch h {
	case HorizonDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil
	case HorizonWeekly:
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
		next = next.AddDate(0, 0, (7-int(now.Weekday()))%7)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next, nil
	case HorizonMonthly:
		next := time.Date(now.Year(), now.Month(), 1, hour, minute, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 1, 0)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("unknown consolidation horizon %q", h)
	}
}

func parseClock(clock string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid schedule time %q (want HH:MM): %v", clock, err)
	}
	return t.Hour(), t.Minute(), nil
}
