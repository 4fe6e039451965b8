package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// CycleJobName is the gocron job name of the cycle tick.
const CycleJobName = "scrape-cycle"

// Scheduler is the default TickSource. It wraps a gocron scheduler with a
// single duration job that emits one tick per interval.
//
// Ticks are fixed-rate: gocron computes each run from the previous scheduled
// run, and the task only hands the tick to the dispatch loop, so a long cycle
// never delays the next tick.
type Scheduler struct {
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
	job       gocron.Job
}

// NewScheduler creates a scheduler ticking every interval. It does not start
// until Start is called.
func NewScheduler(interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{interval: interval, logger: logger}
}

// Start creates the gocron scheduler and begins delivering ticks to emit.
// The first tick fires one interval after Start.
func (s *Scheduler) Start(emit func(time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduler != nil {
		return errors.New("scheduler already started")
	}
	if s.interval <= 0 {
		return fmt.Errorf("invalid interval %v", s.interval)
	}

	opts := []gocron.SchedulerOption{}
	if s.logger != nil {
		opts = append(opts, gocron.WithLogger(s.logger))
	}
	gs, err := gocron.NewScheduler(opts...)
	if err != nil {
		return fmt.Errorf("create cron scheduler: %w", err)
	}

	j, err := gs.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { emit(time.Now()) }),
		gocron.WithName(CycleJobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = gs.Shutdown()
		return fmt.Errorf("create scheduled job %s: %w", CycleJobName, err)
	}

	gs.Start()
	s.scheduler = gs
	s.job = j
	if s.logger != nil {
		s.logger.Info("scheduled job added", "name", CycleJobName, "interval", s.interval)
	}
	return nil
}

// Stop shuts down the scheduler and waits for a running emit to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	gs := s.scheduler
	s.scheduler = nil
	s.job = nil
	s.mu.Unlock()

	if gs == nil {
		return nil
	}
	return gs.Shutdown()
}

// NextRun returns when the next tick is due.
func (s *Scheduler) NextRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return time.Time{}, errors.New("scheduler not started")
	}
	return s.job.NextRun()
}
