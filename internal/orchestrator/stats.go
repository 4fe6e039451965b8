package orchestrator

import (
	"sync/atomic"
	"time"
)

// Stats are cumulative counters since the orchestrator was created.
type Stats struct {
	Cycles        int64 // cycles that ran (including empty-registry cycles)
	SkippedTicks  int64 // ticks dropped by the overlap policy
	Fetches       int64
	FetchFailures int64
	BytesWritten  int64
	LastCycle     time.Time // timestamp of the most recent cycle; zero before the first
}

type stats struct {
	cycles        atomic.Int64
	skippedTicks  atomic.Int64
	fetches       atomic.Int64
	fetchFailures atomic.Int64
	bytesWritten  atomic.Int64
	lastCycle     atomic.Int64 // unix nanoseconds
}

func (s *stats) recordReport(r *Report) {
	s.cycles.Add(1)
	s.fetches.Add(int64(len(r.Outcomes)))
	s.fetchFailures.Add(int64(r.Failed()))
	s.bytesWritten.Add(r.Bytes())
	ts := r.Timestamp.UnixNano()
	for {
		prev := s.lastCycle.Load()
		if prev >= ts || s.lastCycle.CompareAndSwap(prev, ts) {
			return
		}
	}
}

// Stats returns a copy of the counters.
func (o *Orchestrator) Stats() Stats {
	st := Stats{
		Cycles:        o.stats.cycles.Load(),
		SkippedTicks:  o.stats.skippedTicks.Load(),
		Fetches:       o.stats.fetches.Load(),
		FetchFailures: o.stats.fetchFailures.Load(),
		BytesWritten:  o.stats.bytesWritten.Load(),
	}
	if ns := o.stats.lastCycle.Load(); ns != 0 {
		st.LastCycle = time.Unix(0, ns).In(o.planner.Location())
	}
	return st
}
