// Package orchestrator runs scrape cycles on a fixed schedule.
//
// A cycle takes one timestamp and one registry snapshot, then fetches every
// source in that snapshot into the archive. Sources are independent: a
// failure is recorded in that source's outcome and never stops the others,
// and RunCycle only reports conditions affecting the whole cycle.
//
// Concurrency model:
//   - A tick source (gocron by default) emits one event per interval onto a
//     channel. It does no work itself, so its cadence is fixed-rate and
//     independent of how long cycles take.
//   - A single dispatch loop consumes ticks and applies the OverlapPolicy.
//   - Within a cycle, sources are fetched by a bounded worker pool.
//   - The registry snapshot is the only state shared by workers, and it is
//     immutable.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"camscrape/internal/archive"
	"camscrape/internal/fetch"
	"camscrape/internal/logging"
	"camscrape/internal/registry"
)

var (
	// ErrEmptyRegistry is returned by RunCycle when there are no sources.
	ErrEmptyRegistry = errors.New("orchestrator: registry has no sources")
	// ErrAlreadyRunning is returned by Start when the scheduler is running.
	ErrAlreadyRunning = errors.New("orchestrator: already running")
	// ErrNotRunning is returned by Stop when the scheduler is not running.
	ErrNotRunning = errors.New("orchestrator: not running")
)

// DefaultInterval is the cycle period used when none is configured.
const DefaultInterval = 20 * time.Minute

// Sources provides registry snapshots.
type Sources interface {
	Snapshot() *registry.Snapshot
}

// Fetcher downloads one clip.
type Fetcher interface {
	Fetch(ctx context.Context, url string, ts time.Time, dest string) fetch.Outcome
}

// TickSource emits cycle-start events. Start begins delivering ticks to
// emit; Stop prevents further ticks and waits for an in-progress emit call
// to return.
type TickSource interface {
	Start(emit func(time.Time)) error
	Stop() error
	NextRun() (time.Time, error)
}

// Config holds orchestrator configuration.
type Config struct {
	// Sources supplies the registry snapshot for each cycle. Required.
	Sources Sources

	// Planner computes clip paths. Its location is also the zone of cycle
	// timestamps. Required.
	Planner *archive.Planner

	// Fetcher downloads clips. Required.
	Fetcher Fetcher

	// Workers caps concurrent fetches within one cycle. Zero means one
	// worker per source.
	Workers int

	// Interval between cycle starts. Default: DefaultInterval.
	Interval time.Duration

	// Overlap decides what happens to a tick while a cycle is running.
	// Default: OverlapSkip.
	Overlap OverlapPolicy

	// RunOnStart runs a cycle as soon as Start is called instead of
	// waiting one interval.
	RunOnStart bool

	// Ticks overrides the tick source. Default: a gocron scheduler firing
	// every Interval.
	Ticks TickSource

	// Now overrides the clock used for cycle timestamps. Default: time.Now.
	Now func() time.Time

	// Logger for structured logging.
	Logger *slog.Logger
}

// Orchestrator runs cycles, either directly via RunCycle or on a schedule
// via Start/Stop.
type Orchestrator struct {
	sources  Sources
	planner  *archive.Planner
	fetcher  Fetcher
	workers  int
	interval time.Duration
	overlap  OverlapPolicy
	onStart  bool
	ticks    TickSource
	now      func() time.Time
	logger   *slog.Logger

	seq   atomic.Uint64
	stats stats

	// Lifecycle state, guarded by mu.
	mu         sync.Mutex
	running    bool
	stopping   bool
	active     TickSource
	quit       chan struct{}
	abort      context.CancelFunc
	dispatchWg sync.WaitGroup
	cycleWg    sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Sources == nil {
		return nil, errors.New("orchestrator: Sources is required")
	}
	if cfg.Planner == nil {
		return nil, errors.New("orchestrator: Planner is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("orchestrator: Fetcher is required")
	}
	if cfg.Workers < 0 {
		return nil, errors.New("orchestrator: Workers must not be negative")
	}

	o := &Orchestrator{
		sources:  cfg.Sources,
		planner:  cfg.Planner,
		fetcher:  cfg.Fetcher,
		workers:  cfg.Workers,
		interval: cfg.Interval,
		overlap:  cfg.Overlap,
		onStart:  cfg.RunOnStart,
		ticks:    cfg.Ticks,
		now:      cfg.Now,
		logger:   logging.Default(cfg.Logger).With("component", "orchestrator"),
	}
	if o.interval <= 0 {
		o.interval = DefaultInterval
	}
	if o.overlap == "" {
		o.overlap = OverlapSkip
	}
	if _, err := ParseOverlapPolicy(string(o.overlap)); err != nil {
		return nil, err
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Interval returns the configured cycle period.
func (o *Orchestrator) Interval() time.Duration { return o.interval }

// Overlap returns the configured overlap policy.
func (o *Orchestrator) Overlap() OverlapPolicy { return o.overlap }
