package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"camscrape/internal/archive"
	"camscrape/internal/fetch"
	"camscrape/internal/registry"
)

// Report summarizes one cycle.
type Report struct {
	ID        uuid.UUID // UUIDv7, sortable by start time
	Seq       uint64    // dispatch order, starting at 1
	Timestamp time.Time // cycle timestamp shared by every clip in the cycle
	Started   time.Time
	Finished  time.Time
	Outcomes  []fetch.Outcome // one per source, ordered by source ID
}

// Succeeded returns the number of successful fetches.
func (r *Report) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Success {
			n++
		}
	}
	return n
}

// Failed returns the number of failed fetches.
func (r *Report) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// Bytes returns the bytes written across all sources, including partial files.
func (r *Report) Bytes() int64 {
	var n int64
	for _, o := range r.Outcomes {
		n += o.Bytes
	}
	return n
}

// Duration returns how long the cycle took.
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// RunCycle runs one cycle now and returns its report. Per-source failures
// are reported in the outcomes, never as the returned error. The only error
// is ErrEmptyRegistry, which comes with an empty report.
func (o *Orchestrator) RunCycle(ctx context.Context) (*Report, error) {
	return o.runCycle(ctx, o.seq.Add(1))
}

func (o *Orchestrator) runCycle(ctx context.Context, seq uint64) (*Report, error) {
	started := o.now()
	ts := started.In(o.planner.Location()).Truncate(time.Second)
	snap := o.sources.Snapshot()

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	report := &Report{ID: id, Seq: seq, Timestamp: ts, Started: started}
	logger := o.logger.With("cycle", seq, "cycle_id", id.String())

	sources := snap.Sources()
	if len(sources) == 0 {
		report.Finished = o.now()
		o.stats.recordReport(report)
		logger.Warn("cycle skipped: registry has no sources",
			"registry_version", snap.Version())
		return report, ErrEmptyRegistry
	}

	logger.Info("cycle started",
		"timestamp", ts.Format(time.RFC3339),
		"sources", len(sources),
		"registry_version", snap.Version())

	workers := o.workers
	if workers == 0 || workers > len(sources) {
		workers = len(sources)
	}

	report.Outcomes = make([]fetch.Outcome, len(sources))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, src := range sources {
		g.Go(func() error {
			report.Outcomes[i] = o.runSource(ctx, src, ts)
			o.logOutcome(logger, report.Outcomes[i])
			return nil
		})
	}
	_ = g.Wait()

	report.Finished = o.now()
	o.stats.recordReport(report)

	logger.Info("cycle finished",
		"sources", len(sources),
		"succeeded", report.Succeeded(),
		"failed", report.Failed(),
		"bytes", report.Bytes(),
		"duration", report.Duration())
	return report, nil
}

// runSource plans, prepares and fetches one source. It never panics out:
// a panic is converted into a failed outcome so siblings keep running.
func (o *Orchestrator) runSource(ctx context.Context, src registry.Source, ts time.Time) (out fetch.Outcome) {
	out = fetch.Outcome{SourceID: src.ID, URL: src.URL}
	defer func() {
		if r := recover(); r != nil {
			out.Success = false
			out.Err = fmt.Errorf("panic fetching %s: %v", src.ID, r)
		}
	}()

	if err := archive.ValidateID(src.ID); err != nil {
		out.Err = err
		return out
	}

	path := o.planner.Plan(src.ID, ts)
	out.Path = path.Full()
	if err := o.planner.Ensure(path); err != nil {
		out.Err = err
		return out
	}

	out = o.fetcher.Fetch(ctx, src.URL, ts, path.Full())
	out.SourceID = src.ID
	return out
}

func (o *Orchestrator) logOutcome(logger *slog.Logger, out fetch.Outcome) {
	if out.Success {
		logger.Info("clip saved",
			"source", out.SourceID,
			"path", out.Path,
			"bytes", out.Bytes,
			"duration", out.Duration)
		return
	}
	logger.Warn("clip fetch failed",
		"source", out.SourceID,
		"url", out.URL,
		"path", out.Path,
		"status", out.Status,
		"bytes", out.Bytes,
		"partial_file", out.Bytes > 0,
		"error", out.Err)
}
