package server

import (
	"fmt"
	"net/http"
	"time"

	"camscrape/internal/sysmetrics"
)

// registerMetrics registers the /metrics endpoint for Prometheus scraping.
// This endpoint is unauthenticated (standard for Prometheus targets) and
// compressed when the scraper accepts it.
func (s *Server) registerMetrics(mux *http.ServeMux) {
	mux.Handle("GET /metrics", compressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		s.writeMetrics(w)
	})))
}

func (s *Server) writeMetrics(w http.ResponseWriter) {
	// -- Server info --
	_, _ = fmt.Fprintf(w, "# HELP camscrape_info Server version and metadata.\n")
	_, _ = fmt.Fprintf(w, "# TYPE camscrape_info gauge\n")
	_, _ = fmt.Fprintf(w, "camscrape_info{version=%q} 1\n", s.version)

	_, _ = fmt.Fprintf(w, "# HELP camscrape_uptime_seconds Seconds since server start.\n")
	_, _ = fmt.Fprintf(w, "# TYPE camscrape_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "camscrape_uptime_seconds %.0f\n", time.Since(s.startTime).Seconds())

	s.writeProcessMetrics(w)
	s.writeSchedulerMetrics(w)
	s.writeRegistryMetrics(w)
}

func (s *Server) writeProcessMetrics(w http.ResponseWriter) {
	p := sysmetrics.Read()

	_, _ = fmt.Fprintf(w, "# HELP camscrape_process_cpu_seconds_total User and system CPU time consumed.\n")
	_, _ = fmt.Fprintf(w, "# TYPE camscrape_process_cpu_seconds_total counter\n")
	_, _ = fmt.Fprintf(w, "camscrape_process_cpu_seconds_total %.3f\n", p.CPU.Seconds())

	_, _ = fmt.Fprintf(w, "# HELP camscrape_process_memory_inuse_bytes Heap and stack memory in use.\n")
	_, _ = fmt.Fprintf(w, "# TYPE camscrape_process_memory_inuse_bytes gauge\n")
	_, _ = fmt.Fprintf(w, "camscrape_process_memory_inuse_bytes %d\n", p.MemoryInuse)

	_, _ = fmt.Fprintf(w, "# HELP camscrape_goroutines Live goroutines.\n")
	_, _ = fmt.Fprintf(w, "# TYPE camscrape_goroutines gauge\n")
	_, _ = fmt.Fprintf(w, "camscrape_goroutines %d\n", p.Goroutines)
}

func (s *Server) writeSchedulerMetrics(w http.ResponseWriter) {
	if s.sched == nil {
		return
	}

	_, _ = fmt.Fprintf(w, "# HELP camscrape_up Whether cycles are being scheduled.\n")
	_, _ = fmt.Fprintf(w, "# TYPE camscrape_up gauge\n")
	if s.sched.IsRunning() {
		_, _ = fmt.Fprintf(w, "camscrape_up 1\n")
	} else {
		_, _ = fmt.Fprintf(w, "camscrape_up 0\n")
	}

	st := s.sched.Stats()
	counters := []struct {
		name, help string
		value      int64
	}{
		{"camscrape_cycles_total", "Cycles run.", st.Cycles},
		{"camscrape_skipped_ticks_total", "Ticks dropped because a cycle was still running.", st.SkippedTicks},
		{"camscrape_fetches_total", "Clip fetches attempted.", st.Fetches},
		{"camscrape_fetch_failures_total", "Clip fetches that failed.", st.FetchFailures},
		{"camscrape_bytes_written_total", "Clip bytes written, including partial files.", st.BytesWritten},
	}
	for _, c := range counters {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
		_, _ = fmt.Fprintf(w, "%s %d\n", c.name, c.value)
	}

	_, _ = fmt.Fprintf(w, "# HELP camscrape_last_cycle_timestamp_seconds Cycle timestamp of the most recent cycle, 0 before the first.\n")
	_, _ = fmt.Fprintf(w, "# TYPE camscrape_last_cycle_timestamp_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "camscrape_last_cycle_timestamp_seconds %d\n", unixSeconds(st.LastCycle))
}

func (s *Server) writeRegistryMetrics(w http.ResponseWriter) {
	if s.sources == nil {
		return
	}
	snap := s.sources.Snapshot()

	_, _ = fmt.Fprintf(w, "# HELP camscrape_registry_sources Sources in the active registry.\n")
	_, _ = fmt.Fprintf(w, "# TYPE camscrape_registry_sources gauge\n")
	_, _ = fmt.Fprintf(w, "camscrape_registry_sources %d\n", snap.Len())

	_, _ = fmt.Fprintf(w, "# HELP camscrape_registry_version Successful registry loads.\n")
	_, _ = fmt.Fprintf(w, "# TYPE camscrape_registry_version gauge\n")
	_, _ = fmt.Fprintf(w, "camscrape_registry_version %d\n", snap.Version())

	_, _ = fmt.Fprintf(w, "# HELP camscrape_registry_loaded_timestamp_seconds When the active registry was loaded, 0 if never.\n")
	_, _ = fmt.Fprintf(w, "# TYPE camscrape_registry_loaded_timestamp_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "camscrape_registry_loaded_timestamp_seconds %d\n", unixSeconds(snap.LoadedAt()))
}

func unixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
