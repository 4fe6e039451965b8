package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"camscrape/internal/archive"
	"camscrape/internal/orchestrator"
	"camscrape/internal/registry"
)

type outcomeView struct {
	Source   string `json:"source"`
	URL      string `json:"url"`
	Path     string `json:"path"`
	Success  bool   `json:"success"`
	Bytes    int64  `json:"bytes"`
	Status   int    `json:"status,omitempty"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

type reportView struct {
	CycleID   string        `json:"cycle_id"`
	Timestamp string        `json:"timestamp"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Bytes     int64         `json:"bytes"`
	Outcomes  []outcomeView `json:"outcomes"`
}

// runOnce runs a single cycle and prints its outcomes.
func runOnce(ctx context.Context, e *env, p *printer) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := e.buildComponents()
	if err != nil {
		return err
	}

	report, err := c.orch.RunCycle(ctx)
	if err != nil {
		return err
	}
	if err := printReport(p, report); err != nil {
		return err
	}
	if report.Succeeded() == 0 {
		return errAllFailed
	}
	return nil
}

func printReport(p *printer, r *orchestrator.Report) error {
	view := reportView{
		CycleID:   r.ID.String(),
		Timestamp: r.Timestamp.Format(time.RFC3339),
		Succeeded: r.Succeeded(),
		Failed:    r.Failed(),
		Bytes:     r.Bytes(),
		Outcomes:  make([]outcomeView, 0, len(r.Outcomes)),
	}
	for _, o := range r.Outcomes {
		ov := outcomeView{
			Source:   o.SourceID,
			URL:      o.URL,
			Path:     o.Path,
			Success:  o.Success,
			Bytes:    o.Bytes,
			Status:   o.Status,
			Duration: o.Duration.Round(time.Millisecond).String(),
		}
		if o.Err != nil {
			ov.Error = o.Err.Error()
		}
		view.Outcomes = append(view.Outcomes, ov)
	}

	header := []string{"SOURCE", "RESULT", "STATUS", "SIZE", "DURATION", "PATH", "ERROR"}
	return p.print(view, header, func() [][]string {
		rows := make([][]string, 0, len(view.Outcomes))
		for _, o := range view.Outcomes {
			result := "ok"
			if !o.Success {
				result = "FAILED"
			}
			status := "-"
			if o.Status != 0 {
				status = strconv.Itoa(o.Status)
			}
			rows = append(rows, []string{o.Source, result, status, humanize.IBytes(uint64(o.Bytes)), o.Duration, o.Path, o.Error})
		}
		return rows
	})
}

type sourceView struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// runValidate parses a registry file and prints its sources. Ids that
// cannot be used as archive directory names are reported as an error.
func runValidate(path string, p *printer) error {
	reg := registry.New(registry.Config{})
	if err := reg.LoadFile(path); err != nil {
		return err
	}

	sources := reg.Snapshot().Sources()
	var badIDs []error
	views := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		if err := archive.ValidateID(src.ID); err != nil {
			badIDs = append(badIDs, err)
		}
		views = append(views, sourceView{ID: src.ID, URL: src.URL})
	}

	err := p.print(views, []string{"ID", "URL"}, func() [][]string {
		rows := make([][]string, 0, len(views))
		for _, v := range views {
			rows = append(rows, []string{v.ID, v.URL})
		}
		return rows
	})
	return errors.Join(append(badIDs, err)...)
}

// runPlan prints the archive path for sourceID at the given RFC 3339 time,
// or now when at is empty.
func runPlan(e *env, sourceID, at string, w io.Writer) error {
	if err := archive.ValidateID(sourceID); err != nil {
		return err
	}
	planner, err := e.newPlanner()
	if err != nil {
		return err
	}

	ts := time.Now()
	if at != "" {
		ts, err = time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("parse time: %w", err)
		}
	}

	_, err = fmt.Fprintln(w, planner.Plan(sourceID, ts.Truncate(time.Second)).Full())
	return err
}
