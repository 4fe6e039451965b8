package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"camscrape/internal/orchestrator"
	"camscrape/internal/registry"
	"camscrape/internal/server"
)

// runServer runs cycles on the configured interval until SIGINT or SIGTERM,
// then drains in-flight cycles within the shutdown grace period.
// SIGHUP forces a registry reload.
func runServer(ctx context.Context, e *env) error {
	logger := e.logger
	cfg := e.cfg

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := e.buildComponents()
	if err != nil {
		return err
	}

	watcher := registry.NewWatcher(c.registry, registry.WatcherConfig{
		Path:         cfg.RegistryFile,
		PollInterval: cfg.RegistryPoll,
		Logger:       logger,
	})
	watchCtx, stopWatch := context.WithCancel(context.Background())
	var bg sync.WaitGroup
	defer func() {
		stopWatch()
		bg.Wait()
	}()

	if cfg.WatchRegistry {
		bg.Go(func() {
			if err := watcher.Run(watchCtx); err != nil {
				logger.Warn("registry watcher stopped", "error", err)
			}
		})
	}

	bg.Go(func() { reportRegistryChanges(watchCtx, c.registry, c.orch, logger) })

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	bg.Go(func() {
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-hup:
				logger.Info("SIGHUP received, reloading registry")
				_ = watcher.Reload()
			}
		}
	})

	if err := c.orch.Start(ctx); err != nil {
		return err
	}
	if next, ok := c.orch.NextRun(); ok {
		logger.Info("next scheduled cycle", "at", next)
	}

	// Start server if address is provided.
	var srv *server.Server
	var serverWg sync.WaitGroup
	if cfg.Listen != "" {
		srv = server.New(server.Config{Version: version, Scheduler: c.orch, Sources: c.registry, Logger: logger})
		serverWg.Go(func() {
			if err := srv.ServeTCP(cfg.Listen); err != nil {
				logger.Error("server error", "error", err)
			}
		})
	}

	// Wait for shutdown signal.
	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop the server first.
	if srv != nil {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Stop(stopCtx); err != nil {
			logger.Error("server stop error", "error", err)
		}
		cancelStop()
		serverWg.Wait()
	}

	// Drain in-flight cycles. A zero grace period waits indefinitely.
	graceCtx := context.Background()
	if cfg.ShutdownGrace > 0 {
		var cancelGrace context.CancelFunc
		graceCtx, cancelGrace = context.WithTimeout(graceCtx, cfg.ShutdownGrace)
		defer cancelGrace()
	}
	logger.Info("draining in-flight cycles", "grace", cfg.ShutdownGrace)
	if err := c.orch.Stop(graceCtx); err != nil {
		logger.Warn("orchestrator stopped before cycles finished", "error", err)
	}

	st := c.orch.Stats()
	logger.Info("shutdown complete",
		"cycles", st.Cycles,
		"fetches", st.Fetches,
		"failures", st.FetchFailures,
		"written", humanize.IBytes(uint64(st.BytesWritten)))
	return nil
}

// reportRegistryChanges logs, after every successful registry load, the
// source set the next cycle will use and when that cycle is due.
func reportRegistryChanges(ctx context.Context, reg *registry.Registry, orch *orchestrator.Orchestrator, logger *slog.Logger) {
	for {
		changed := reg.Changed()
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
		snap := reg.Snapshot()
		attrs := []any{"registry_version", snap.Version(), "sources", snap.Len()}
		if next, ok := orch.NextRun(); ok {
			attrs = append(attrs, "next_cycle", next)
		}
		logger.Info("registry change applies from next cycle", attrs...)
	}
}
