package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"camscrape/internal/archive"
	"camscrape/internal/fetch"
	"camscrape/internal/registry"
)

var utcMinus3 = time.FixedZone("UTC-3", -3*60*60)

func fixedNow() time.Time {
	return time.Date(2024, 3, 1, 8, 15, 30, 0, utcMinus3)
}

func newRegistry(t *testing.T, sources ...registry.Source) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.Config{})
	if err := reg.Replace(sources); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	return reg
}

func newOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.Planner == nil {
		cfg.Planner = archive.NewPlanner(t.TempDir(), utcMinus3, "mp4")
	}
	if cfg.Now == nil {
		cfg.Now = fixedNow
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

// stubFetcher writes a small file for every URL unless fail returns an error.
type stubFetcher struct {
	mu      sync.Mutex
	calls   []string
	fail    func(url string) error
	started chan string
	release chan struct{}
	inFlight, peak atomic.Int32
}

func (f *stubFetcher) Fetch(ctx context.Context, url string, ts time.Time, dest string) fetch.Outcome {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- url
	}
	out := fetch.Outcome{URL: url, Path: dest}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			out.Err = ctx.Err()
			return out
		}
	}
	if f.fail != nil {
		if err := f.fail(url); err != nil {
			out.Err = err
			return out
		}
	}
	if err := os.WriteFile(dest, []byte("clip"), 0o600); err != nil {
		out.Err = err
		return out
	}
	out.Success = true
	out.Bytes = 4
	out.Status = http.StatusOK
	return out
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestNewValidation(t *testing.T) {
	reg := newRegistry(t)
	planner := archive.NewPlanner(t.TempDir(), nil, "")
	fetcher := &stubFetcher{}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no sources", Config{Planner: planner, Fetcher: fetcher}},
		{"no planner", Config{Sources: reg, Fetcher: fetcher}},
		{"no fetcher", Config{Sources: reg, Planner: planner}},
		{"negative workers", Config{Sources: reg, Planner: planner, Fetcher: fetcher, Workers: -1}},
		{"bad overlap", Config{Sources: reg, Planner: planner, Fetcher: fetcher, Overlap: "sometimes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	o, err := New(Config{Sources: reg, Planner: planner, Fetcher: fetcher})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if o.Interval() != DefaultInterval {
		t.Errorf("Interval = %v, want %v", o.Interval(), DefaultInterval)
	}
	if o.Overlap() != OverlapSkip {
		t.Errorf("Overlap = %q, want skip", o.Overlap())
	}
}

func TestRunCycleArchivesEverySource(t *testing.T) {
	clips := map[string][]byte{
		"/cam1": bytes.Repeat([]byte("a"), 70_000),
		"/cam2": bytes.Repeat([]byte("b"), 1_000),
	}
	var mu sync.Mutex
	queries := map[string]string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clip, ok := clips[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		queries[r.URL.Path] = r.URL.Query().Get("time")
		mu.Unlock()
		_, _ = w.Write(clip)
	}))
	defer server.Close()

	base := t.TempDir()
	f, err := fetch.New(fetch.Config{ChunkSize: 4096})
	if err != nil {
		t.Fatalf("fetch.New: %v", err)
	}
	o := newOrchestrator(t, Config{
		Sources: newRegistry(t,
			registry.Source{ID: "camera1", URL: server.URL + "/cam1"},
			registry.Source{ID: "camera2", URL: server.URL + "/cam2"},
		),
		Planner: archive.NewPlanner(base, utcMinus3, "mp4"),
		Fetcher: f,
	})

	report, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Succeeded() != 2 || report.Failed() != 0 {
		t.Fatalf("succeeded=%d failed=%d, outcomes=%+v", report.Succeeded(), report.Failed(), report.Outcomes)
	}
	if report.Seq != 1 {
		t.Errorf("Seq = %d, want 1", report.Seq)
	}
	if report.ID.Version() != 7 {
		t.Errorf("cycle ID version = %d, want 7", report.ID.Version())
	}
	if !report.Timestamp.Equal(fixedNow()) {
		t.Errorf("Timestamp = %v, want %v", report.Timestamp, fixedNow())
	}

	for i, id := range []string{"camera1", "camera2"} {
		want := filepath.Join(base, id, "01-03-2024", "08-15-30.mp4")
		got, err := os.ReadFile(want)
		if err != nil {
			t.Fatalf("read %s: %v", want, err)
		}
		if !bytes.Equal(got, clips[fmt.Sprintf("/cam%d", i+1)]) {
			t.Errorf("%s: content mismatch (%d bytes)", id, len(got))
		}
		if report.Outcomes[i].SourceID != id || report.Outcomes[i].Path != want {
			t.Errorf("outcome %d = %+v", i, report.Outcomes[i])
		}
	}
	if report.Bytes() != 71_000 {
		t.Errorf("Bytes = %d, want 71000", report.Bytes())
	}

	// Both requests carry the same cycle timestamp.
	for path, q := range queries {
		if q != "2024-03-01T08:15:30-03:00" {
			t.Errorf("%s: time = %q", path, q)
		}
	}

	st := o.Stats()
	if st.Cycles != 1 || st.Fetches != 2 || st.FetchFailures != 0 || st.BytesWritten != 71_000 {
		t.Errorf("stats = %+v", st)
	}
	if !st.LastCycle.Equal(fixedNow()) {
		t.Errorf("LastCycle = %v, want %v", st.LastCycle, fixedNow())
	}
}

func TestStatsLastCycleZeroBeforeFirstCycle(t *testing.T) {
	o := newOrchestrator(t, Config{Sources: newRegistry(t), Fetcher: &stubFetcher{}})
	if !o.Stats().LastCycle.IsZero() {
		t.Errorf("LastCycle = %v before any cycle", o.Stats().LastCycle)
	}
}

func TestRunCycleFailureIsolated(t *testing.T) {
	fetcher := &stubFetcher{fail: func(url string) error {
		if url == "http://cam2" {
			return errors.New("connection refused")
		}
		return nil
	}}
	base := t.TempDir()
	o := newOrchestrator(t, Config{
		Sources: newRegistry(t,
			registry.Source{ID: "camera1", URL: "http://cam1"},
			registry.Source{ID: "camera2", URL: "http://cam2"},
			registry.Source{ID: "camera3", URL: "http://cam3"},
		),
		Planner: archive.NewPlanner(base, utcMinus3, "mp4"),
		Fetcher: fetcher,
	})

	report, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Succeeded() != 2 || report.Failed() != 1 {
		t.Fatalf("succeeded=%d failed=%d", report.Succeeded(), report.Failed())
	}
	if report.Outcomes[1].Success || report.Outcomes[1].Err == nil {
		t.Errorf("camera2 outcome = %+v, want failure", report.Outcomes[1])
	}
	for _, id := range []string{"camera1", "camera3"} {
		if _, err := os.Stat(filepath.Join(base, id, "01-03-2024", "08-15-30.mp4")); err != nil {
			t.Errorf("%s not archived: %v", id, err)
		}
	}
	if got := o.Stats().FetchFailures; got != 1 {
		t.Errorf("FetchFailures = %d, want 1", got)
	}
}

func TestRunCycleEmptyRegistry(t *testing.T) {
	fetcher := &stubFetcher{}
	o := newOrchestrator(t, Config{Sources: newRegistry(t), Fetcher: fetcher})

	report, err := o.RunCycle(context.Background())
	if !errors.Is(err, ErrEmptyRegistry) {
		t.Fatalf("err = %v, want ErrEmptyRegistry", err)
	}
	if report == nil || len(report.Outcomes) != 0 {
		t.Fatalf("report = %+v, want empty", report)
	}
	if fetcher.callCount() != 0 {
		t.Errorf("fetcher called %d times", fetcher.callCount())
	}
}

func TestRunCycleDirectoryFailureIsolated(t *testing.T) {
	base := t.TempDir()
	// A regular file where camera1's directory should go.
	if err := os.WriteFile(filepath.Join(base, "camera1"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	fetcher := &stubFetcher{}
	o := newOrchestrator(t, Config{
		Sources: newRegistry(t,
			registry.Source{ID: "camera1", URL: "http://cam1"},
			registry.Source{ID: "camera2", URL: "http://cam2"},
		),
		Planner: archive.NewPlanner(base, utcMinus3, "mp4"),
		Fetcher: fetcher,
	})

	report, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Outcomes[0].Success || report.Outcomes[0].Err == nil {
		t.Errorf("camera1 outcome = %+v, want directory failure", report.Outcomes[0])
	}
	if !report.Outcomes[1].Success {
		t.Errorf("camera2 outcome = %+v, want success", report.Outcomes[1])
	}
	if fetcher.callCount() != 1 {
		t.Errorf("fetcher called %d times, want 1", fetcher.callCount())
	}
}

func TestRunCycleRecoversPanics(t *testing.T) {
	fetcher := &stubFetcher{fail: func(url string) error {
		if url == "http://cam1" {
			panic("boom")
		}
		return nil
	}}
	o := newOrchestrator(t, Config{
		Sources: newRegistry(t,
			registry.Source{ID: "camera1", URL: "http://cam1"},
			registry.Source{ID: "camera2", URL: "http://cam2"},
		),
		Fetcher: fetcher,
	})

	report, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Outcomes[0].Success || report.Outcomes[0].Err == nil {
		t.Errorf("camera1 outcome = %+v, want panic failure", report.Outcomes[0])
	}
	if !report.Outcomes[1].Success {
		t.Errorf("camera2 outcome = %+v, want success", report.Outcomes[1])
	}
}

func TestRunCycleBoundedWorkers(t *testing.T) {
	sources := make([]registry.Source, 8)
	for i := range sources {
		sources[i] = registry.Source{ID: fmt.Sprintf("camera%d", i+1), URL: fmt.Sprintf("http://cam%d", i+1)}
	}
	fetcher := &stubFetcher{fail: func(string) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}}
	o := newOrchestrator(t, Config{
		Sources: newRegistry(t, sources...),
		Fetcher: fetcher,
		Workers: 2,
	})

	report, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Succeeded() != 8 {
		t.Fatalf("succeeded = %d, want 8", report.Succeeded())
	}
	if peak := fetcher.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestRunCycleUsesSnapshotAtStart(t *testing.T) {
	reg := newRegistry(t,
		registry.Source{ID: "camera1", URL: "http://cam1"},
		registry.Source{ID: "camera2", URL: "http://cam2"},
	)
	fetcher := &stubFetcher{started: make(chan string, 2), release: make(chan struct{})}
	o := newOrchestrator(t, Config{Sources: reg, Fetcher: fetcher})

	done := make(chan *Report, 1)
	go func() {
		r, _ := o.RunCycle(context.Background())
		done <- r
	}()
	<-fetcher.started
	<-fetcher.started

	// Reload mid-cycle; the running cycle keeps its snapshot.
	if err := reg.Replace([]registry.Source{{ID: "camera9", URL: "http://cam9"}}); err != nil {
		t.Fatal(err)
	}
	close(fetcher.release)

	report := <-done
	if len(report.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(report.Outcomes))
	}
	for _, out := range report.Outcomes {
		if out.SourceID == "camera9" {
			t.Fatal("running cycle saw a registry reload")
		}
	}
}

func TestRunCycleSequenceIncreases(t *testing.T) {
	o := newOrchestrator(t, Config{
		Sources: newRegistry(t, registry.Source{ID: "camera1", URL: "http://cam1"}),
		Fetcher: &stubFetcher{},
	})
	var last uint64
	for range 3 {
		r, err := o.RunCycle(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if r.Seq <= last {
			t.Fatalf("Seq = %d after %d", r.Seq, last)
		}
		last = r.Seq
	}
}
