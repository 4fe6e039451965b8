package orchestrator

import (
	"context"
	"errors"
	"time"
)

// Start begins running cycles on the configured interval. With RunOnStart
// the first cycle begins immediately. Start returns once the tick source is
// running; use Stop to shut down.
//
// Cycles are detached from ctx cancellation. In-flight fetches are only
// interrupted by Stop when its grace period runs out.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return ErrAlreadyRunning
	}

	ticks := o.ticks
	if ticks == nil {
		ticks = NewScheduler(o.interval, o.logger)
	}

	cycleCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	tickCh := make(chan time.Time)
	quit := make(chan struct{})

	o.dispatchWg.Go(func() { o.dispatch(cycleCtx, tickCh, quit) })

	emit := func(t time.Time) {
		select {
		case tickCh <- t:
		case <-quit:
		}
	}
	if err := ticks.Start(emit); err != nil {
		close(quit)
		o.dispatchWg.Wait()
		abort()
		return err
	}

	o.running = true
	o.stopping = false
	o.active = ticks
	o.quit = quit
	o.abort = abort

	attrs := []any{"interval", o.interval, "overlap", o.overlap, "workers", o.workers}
	if next, err := ticks.NextRun(); err == nil {
		attrs = append(attrs, "next_run", next)
	}
	o.logger.Info("starting orchestrator", attrs...)

	if o.onStart {
		emit(o.now())
	}
	return nil
}

// Stop stops issuing ticks and waits for in-flight cycles to finish. If ctx
// expires first, in-flight fetches are cancelled (their partial files stay
// on disk) and Stop waits for them to unwind before returning ctx's error.
// No cycle starts after Stop is called.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running || o.stopping {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.stopping = true
	ticks := o.active
	quit := o.quit
	abort := o.abort
	o.mu.Unlock()

	// Stage 1: stop dispatching. A tick racing with quit is dropped.
	close(quit)
	o.dispatchWg.Wait()
	tickErr := ticks.Stop()

	// Stage 2: drain in-flight cycles within the grace period.
	done := make(chan struct{})
	go func() {
		o.cycleWg.Wait()
		close(done)
	}()

	var graceErr error
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("shutdown grace period expired, aborting in-flight fetches")
		graceErr = ctx.Err()
		abort()
		<-done
	}
	abort()

	o.mu.Lock()
	o.running = false
	o.stopping = false
	o.active = nil
	o.quit = nil
	o.abort = nil
	o.mu.Unlock()

	o.logger.Info("orchestrator stopped")
	return errors.Join(tickErr, graceErr)
}

// IsRunning reports whether the orchestrator is scheduling cycles.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running && !o.stopping
}

// NextRun returns when the next tick is due. ok is false when the
// orchestrator is not running or the tick source cannot tell.
func (o *Orchestrator) NextRun() (next time.Time, ok bool) {
	o.mu.Lock()
	ticks := o.active
	o.mu.Unlock()
	if ticks == nil {
		return time.Time{}, false
	}
	next, err := ticks.NextRun()
	return next, err == nil
}

// dispatch consumes ticks and applies the overlap policy. It is the only
// goroutine that starts scheduled cycles, so active and pending need no lock.
func (o *Orchestrator) dispatch(ctx context.Context, tickCh <-chan time.Time, quit <-chan struct{}) {
	finished := make(chan struct{})
	active := 0
	pending := false

	launch := func() {
		active++
		seq := o.seq.Add(1)
		o.cycleWg.Go(func() {
			_, _ = o.runCycle(ctx, seq)
			select {
			case finished <- struct{}{}:
			case <-quit:
			}
		})
	}

	for {
		select {
		case <-quit:
			return

		case t := <-tickCh:
			select {
			case <-quit:
				return
			default:
			}
			switch {
			case active == 0 || o.overlap == OverlapConcurrent:
				launch()
			case o.overlap == OverlapQueue && !pending:
				pending = true
				o.logger.Info("cycle still running, tick queued", "tick", t, "running", active)
			default:
				o.stats.skippedTicks.Add(1)
				o.logger.Warn("cycle still running, tick skipped", "tick", t, "running", active)
			}

		case <-finished:
			active--
			if pending && active == 0 {
				pending = false
				launch()
			}
		}
	}
}
