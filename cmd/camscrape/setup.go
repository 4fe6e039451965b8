package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"camscrape/internal/archive"
	"camscrape/internal/config"
	"camscrape/internal/fetch"
	"camscrape/internal/home"
	"camscrape/internal/logging"
	"camscrape/internal/orchestrator"
	"camscrape/internal/registry"
)

// env is the resolved configuration and logger shared by every command.
type env struct {
	cfg     config.Config
	logger  *slog.Logger
	levels  *logging.ComponentFilterHandler
	closers []io.Closer
}

func (e *env) close() {
	for _, c := range e.closers {
		_ = c.Close()
	}
}

// setup resolves configuration (defaults < file < env < flags), validates
// it and builds the logger.
func setup(cmd *cobra.Command, stderr io.Writer) (*env, error) {
	homeFlag, _ := cmd.Flags().GetString("home")
	hd, err := resolveHome(homeFlag)
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	cfg, err := loadConfig(cmd, hd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	componentLevels, _ := cmd.Flags().GetStringToString("component-level")

	e := &env{cfg: cfg}
	if err := e.buildLogger(stderr, componentLevels); err != nil {
		return nil, err
	}
	return e, nil
}

// resolveHome returns a Dir from the flag value, or the platform default,
// creating it if needed.
func resolveHome(flagValue string) (home.Dir, error) {
	hd := home.New(flagValue)
	if flagValue == "" {
		var err error
		if hd, err = home.Default(); err != nil {
			return home.Dir{}, err
		}
	}
	if err := hd.EnsureExists(); err != nil {
		return home.Dir{}, err
	}
	return hd, nil
}

func loadConfig(cmd *cobra.Command, hd home.Dir) (config.Config, error) {
	cfg := config.Default()

	path, _ := cmd.Flags().GetString("config")
	explicit := path != ""
	if !explicit {
		path = hd.ConfigPath()
	}
	if _, err := os.Stat(path); err == nil || explicit {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	cfg = cfg.Merge(flagOverrides(cmd))
	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		cfg.Listen = f.Value.String()
	}
	if f := cmd.Flags().Lookup("run-on-start"); f != nil && f.Changed {
		cfg.RunOnStart, _ = cmd.Flags().GetBool("run-on-start")
	}
	if f := cmd.Flags().Lookup("watch"); f != nil && f.Changed {
		cfg.WatchRegistry, _ = cmd.Flags().GetBool("watch")
	}

	return cfg.WithHome(hd), nil
}

// flagOverrides collects the flags the user set explicitly.
func flagOverrides(cmd *cobra.Command) config.Config {
	var o config.Config
	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	str("archive-dir", &o.ArchiveDir)
	str("registry", &o.RegistryFile)
	str("utc-offset", &o.UTCOffset)
	str("log-level", &o.LogLevel)
	str("log-file", &o.LogFile)
	str("overlap", &o.Overlap)
	if f := flags.Lookup("interval"); f != nil && f.Changed {
		o.Interval, _ = flags.GetDuration("interval")
	}
	if f := flags.Lookup("workers"); f != nil && f.Changed {
		o.Workers, _ = flags.GetInt("workers")
	}
	return o
}

// buildLogger creates the base logger: a ComponentFilterHandler over stderr,
// teed to the log file when one is configured.
func (e *env) buildLogger(stderr io.Writer, componentLevels map[string]string) error {
	level, err := logging.ParseLevel(e.cfg.LogLevel)
	if err != nil {
		return err
	}
	overrides := make(map[string]slog.Level, len(componentLevels))
	for component, s := range componentLevels {
		l, err := logging.ParseLevel(s)
		if err != nil {
			return fmt.Errorf("component-level %s: %w", component, err)
		}
		overrides[component] = l
	}

	// Allow all levels; filtering done by ComponentFilterHandler.
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	handlers := []slog.Handler{slog.NewTextHandler(stderr, opts)}

	if e.cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(e.cfg.LogFile), 0o750); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(e.cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // G304: operator-supplied path
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		e.closers = append(e.closers, f)
		handlers = append(handlers, slog.NewTextHandler(f, opts))
	}

	e.levels = logging.NewComponentFilterHandler(logging.NewTeeHandler(handlers...), level)
	for component, l := range overrides {
		e.levels.SetLevel(component, l)
	}
	e.logger = slog.New(e.levels)
	return nil
}

// components are the cycle engine's building blocks.
type components struct {
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
}

// newPlanner builds the path planner for the configured archive and zone.
func (e *env) newPlanner() (*archive.Planner, error) {
	loc, err := e.cfg.Location()
	if err != nil {
		return nil, err
	}
	return archive.NewPlanner(e.cfg.ArchiveDir, loc, e.cfg.Extension), nil
}

// buildComponents loads the registry and wires the cycle engine. A missing
// or malformed registry and an unusable archive root are fatal here.
func (e *env) buildComponents() (*components, error) {
	cfg := e.cfg

	planner, err := e.newPlanner()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.ArchiveDir, 0o750); err != nil {
		return nil, fmt.Errorf("prepare archive directory: %w", err)
	}

	reg := registry.New(registry.Config{Logger: e.logger})
	if err := reg.LoadFile(cfg.RegistryFile); err != nil {
		return nil, err
	}

	fetcher, err := fetch.New(fetch.Config{
		Timeout:     cfg.FetchTimeout,
		ChunkSize:   int(cfg.ChunkSize),
		Param:       cfg.CacheBustParam,
		Format:      fetch.Format(cfg.CacheBustFormat),
		RequestRate: cfg.RequestRate,
		UserAgent:   "camscrape/" + version,
		Logger:      e.logger,
	})
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Sources:    reg,
		Planner:    planner,
		Fetcher:    fetcher,
		Workers:    cfg.Workers,
		Interval:   cfg.Interval,
		Overlap:    orchestrator.OverlapPolicy(cfg.Overlap),
		RunOnStart: cfg.RunOnStart,
		Logger:     e.logger,
	})
	if err != nil {
		return nil, err
	}

	return &components{registry: reg, orch: orch}, nil
}

// errAllFailed is returned by once when no source produced a clip.
var errAllFailed = errors.New("every source failed")
