package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"camscrape/internal/archive"
	"camscrape/internal/registry"
)

// manualTicks is a TickSource driven by the test.
type manualTicks struct {
	mu       sync.Mutex
	emit     func(time.Time)
	stopped  bool
	startErr error
}

func (m *manualTicks) Start(emit func(time.Time)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.emit = emit
	m.stopped = false
	return nil
}

func (m *manualTicks) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

func (m *manualTicks) NextRun() (time.Time, error) {
	return time.Time{}, errors.New("manual ticks")
}

// tick delivers one tick and returns once the dispatch loop has taken it
// (or the orchestrator has stopped).
func (m *manualTicks) tick() {
	m.mu.Lock()
	emit := m.emit
	m.mu.Unlock()
	emit(fixedNow())
}

func (m *manualTicks) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newScheduled(t *testing.T, policy OverlapPolicy, fetcher *stubFetcher, sources ...registry.Source) (*Orchestrator, *manualTicks) {
	t.Helper()
	if len(sources) == 0 {
		sources = []registry.Source{{ID: "camera1", URL: "http://cam1"}}
	}
	ticks := &manualTicks{}
	o := newOrchestrator(t, Config{
		Sources: newRegistry(t, sources...),
		Fetcher: fetcher,
		Overlap: policy,
		Ticks:   ticks,
	})
	return o, ticks
}

func TestStartStop(t *testing.T) {
	o, ticks := newScheduled(t, OverlapSkip, &stubFetcher{})

	if err := o.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop before Start: got %v, want ErrNotRunning", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !o.IsRunning() {
		t.Error("IsRunning = false after Start")
	}
	if err := o.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start: got %v, want ErrAlreadyRunning", err)
	}
	if _, ok := o.NextRun(); ok {
		t.Error("NextRun ok with a tick source that cannot tell")
	}
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if o.IsRunning() {
		t.Error("IsRunning = true after Stop")
	}
	if !ticks.isStopped() {
		t.Error("tick source not stopped")
	}
	if err := o.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second Stop: got %v, want ErrNotRunning", err)
	}

	// Restart works after a clean stop.
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after restart: %v", err)
	}
}

func TestStartTickSourceError(t *testing.T) {
	ticks := &manualTicks{startErr: errors.New("no clock")}
	o := newOrchestrator(t, Config{
		Sources: newRegistry(t),
		Fetcher: &stubFetcher{},
		Ticks:   ticks,
	})
	if err := o.Start(context.Background()); err == nil {
		t.Fatal("expected Start error")
	}
	if o.IsRunning() {
		t.Error("IsRunning = true after failed Start")
	}
}

func TestTickRunsCycle(t *testing.T) {
	fetcher := &stubFetcher{}
	o, ticks := newScheduled(t, OverlapSkip, fetcher)
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = o.Stop(context.Background()) }()

	ticks.tick()
	waitFor(t, "first cycle", func() bool { return o.Stats().Cycles == 1 })
	ticks.tick()
	waitFor(t, "second cycle", func() bool { return o.Stats().Cycles == 2 })

	if fetcher.callCount() != 2 {
		t.Errorf("fetches = %d, want 2", fetcher.callCount())
	}
}

func TestRunOnStart(t *testing.T) {
	fetcher := &stubFetcher{}
	o := newOrchestrator(t, Config{
		Sources:    newRegistry(t, registry.Source{ID: "camera1", URL: "http://cam1"}),
		Fetcher:    fetcher,
		Ticks:      &manualTicks{},
		RunOnStart: true,
	})
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = o.Stop(context.Background()) }()

	waitFor(t, "immediate cycle", func() bool { return o.Stats().Cycles == 1 })
}

func TestOverlapSkip(t *testing.T) {
	fetcher := &stubFetcher{started: make(chan string, 10), release: make(chan struct{})}
	o, ticks := newScheduled(t, OverlapSkip, fetcher)
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ticks.tick()
	<-fetcher.started
	ticks.tick()
	ticks.tick()
	waitFor(t, "skipped ticks", func() bool { return o.Stats().SkippedTicks == 2 })

	close(fetcher.release)
	waitFor(t, "cycle to finish", func() bool { return o.Stats().Cycles == 1 })
	if err := o.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	if fetcher.callCount() != 1 {
		t.Errorf("fetches = %d, want 1 (overlapping ticks skipped)", fetcher.callCount())
	}
	if got := o.Stats().Cycles; got != 1 {
		t.Errorf("Cycles = %d, want 1", got)
	}
}

func TestOverlapQueue(t *testing.T) {
	fetcher := &stubFetcher{started: make(chan string, 10), release: make(chan struct{})}
	o, ticks := newScheduled(t, OverlapQueue, fetcher)
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ticks.tick()
	<-fetcher.started
	ticks.tick() // queued
	ticks.tick() // dropped: one tick already pending
	waitFor(t, "dropped tick", func() bool { return o.Stats().SkippedTicks == 1 })

	close(fetcher.release)
	waitFor(t, "queued cycle", func() bool { return o.Stats().Cycles == 2 })
	if err := o.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	if fetcher.callCount() != 2 {
		t.Errorf("fetches = %d, want 2", fetcher.callCount())
	}
}

func TestOverlapConcurrent(t *testing.T) {
	fetcher := &stubFetcher{started: make(chan string, 10), release: make(chan struct{})}
	o, ticks := newScheduled(t, OverlapConcurrent, fetcher)
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ticks.tick()
	<-fetcher.started
	ticks.tick()
	<-fetcher.started // second cycle started while the first is blocked

	if got := fetcher.inFlight.Load(); got != 2 {
		t.Errorf("in-flight fetches = %d, want 2", got)
	}

	close(fetcher.release)
	waitFor(t, "both cycles", func() bool { return o.Stats().Cycles == 2 })
	if err := o.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := o.Stats().SkippedTicks; got != 0 {
		t.Errorf("SkippedTicks = %d, want 0", got)
	}
}

func TestStopDrainsInFlightCycle(t *testing.T) {
	base := t.TempDir()
	fetcher := &stubFetcher{started: make(chan string, 10), release: make(chan struct{})}
	ticks := &manualTicks{}
	o := newOrchestrator(t, Config{
		Sources: newRegistry(t,
			registry.Source{ID: "camera1", URL: "http://cam1"},
			registry.Source{ID: "camera2", URL: "http://cam2"},
		),
		Planner: archive.NewPlanner(base, utcMinus3, "mp4"),
		Fetcher: fetcher,
		Ticks:   ticks,
	})
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ticks.tick()
	<-fetcher.started
	<-fetcher.started

	stopped := make(chan error, 1)
	go func() { stopped <- o.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned with fetches in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if o.IsRunning() {
		t.Error("IsRunning = true while stopping")
	}

	close(fetcher.release)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}

	for _, id := range []string{"camera1", "camera2"} {
		if _, err := os.Stat(filepath.Join(base, id, "01-03-2024", "08-15-30.mp4")); err != nil {
			t.Errorf("%s not completed: %v", id, err)
		}
	}
	if st := o.Stats(); st.Cycles != 1 || st.FetchFailures != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestStopGraceExpiryAbortsFetches(t *testing.T) {
	fetcher := &stubFetcher{started: make(chan string, 10), release: make(chan struct{})}
	o, ticks := newScheduled(t, OverlapSkip, fetcher)
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ticks.tick()
	<-fetcher.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := o.Stop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop: got %v, want DeadlineExceeded", err)
	}
	if st := o.Stats(); st.Cycles != 1 || st.FetchFailures != 1 {
		t.Errorf("stats = %+v, want one aborted fetch", st)
	}
}

func TestNoCycleAfterStop(t *testing.T) {
	fetcher := &stubFetcher{}
	o, ticks := newScheduled(t, OverlapConcurrent, fetcher)
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := o.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A late tick from a tick source that ignored Stop must not block or run.
	ticks.tick()
	time.Sleep(20 * time.Millisecond)
	if got := o.Stats().Cycles; got != 0 {
		t.Errorf("Cycles = %d after Stop, want 0", got)
	}
	if fetcher.callCount() != 0 {
		t.Errorf("fetches = %d after Stop, want 0", fetcher.callCount())
	}
}

func TestStartContextCancelDoesNotAbortCycle(t *testing.T) {
	fetcher := &stubFetcher{started: make(chan string, 10), release: make(chan struct{})}
	o, ticks := newScheduled(t, OverlapSkip, fetcher)
	ctx, cancel := context.WithCancel(context.Background())
	if err := o.Start(ctx); err != nil {
		t.Fatal(err)
	}

	ticks.tick()
	<-fetcher.started
	cancel()
	close(fetcher.release)

	waitFor(t, "cycle", func() bool { return o.Stats().Cycles == 1 })
	if err := o.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := o.Stats().FetchFailures; got != 0 {
		t.Errorf("FetchFailures = %d, want 0", got)
	}
}
