package registry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"camscrape/internal/callgroup"
	"camscrape/internal/logging"
)

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Path is the registry file to watch.
	Path string

	// Debounce delays a reload after the last filesystem event, so an
	// editor's write-truncate-write sequence produces one reload.
	// Default: 250ms.
	Debounce time.Duration

	// PollInterval, when positive, also re-reads the file whenever its
	// size or modification time changes. Useful on filesystems without
	// inotify support. Zero disables polling.
	PollInterval time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// Watcher reloads a Registry when its backing file changes.
// Reload failures are logged and the previous snapshot stays active.
type Watcher struct {
	reg      *Registry
	path     string
	debounce time.Duration
	poll     time.Duration
	logger   *slog.Logger

	reloads callgroup.Group[string]
	last    fileStamp
}

// fileStamp identifies a version of the file for change polling.
type fileStamp struct {
	size    int64
	modTime time.Time
}

// NewWatcher creates a watcher for reg backed by cfg.Path.
func NewWatcher(reg *Registry, cfg WatcherConfig) *Watcher {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	path := filepath.Clean(cfg.Path)
	return &Watcher{
		reg:      reg,
		path:     path,
		debounce: debounce,
		poll:     cfg.PollInterval,
		logger:   logging.Default(cfg.Logger).With("component", "registry-watcher", "path", path),
	}
}

// Reload re-reads the registry file. Concurrent calls share one reload.
func (w *Watcher) Reload() error {
	return w.reloads.Do(w.path, func() error {
		if err := w.reg.LoadFile(w.path); err != nil {
			w.logger.Error("registry reload rejected, keeping previous registry",
				"version", w.reg.Snapshot().Version(), "error", err)
			return err
		}
		return nil
	})
}

// Run watches the registry file until ctx is cancelled.
// The parent directory is watched rather than the file itself so that
// atomic replacements (write temp file, rename over) are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.last, _ = stat(w.path)

	var tickCh <-chan time.Time
	if w.poll > 0 {
		ticker := time.NewTicker(w.poll)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	debounce := time.NewTimer(w.debounce)
	debounce.Stop()
	defer debounce.Stop()

	w.logger.Info("watching registry file", "poll_interval", w.poll)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				debounce.Reset(w.debounce)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.logger.Warn("registry file removed, keeping current registry")
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)

		case <-debounce.C:
			w.reloadIfPresent()

		case <-tickCh:
			st, err := stat(w.path)
			if err != nil || st.equal(w.last) {
				continue
			}
			w.logger.Debug("registry file changed on disk", "size", st.size)
			w.reloadIfPresent()
		}
	}
}

func (w *Watcher) reloadIfPresent() {
	st, err := stat(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	w.last = st
	_ = w.Reload()
}

func (s fileStamp) equal(o fileStamp) bool {
	return s.size == o.size && s.modTime.Equal(o.modTime)
}

func stat(path string) (fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{size: info.Size(), modTime: info.ModTime()}, nil
}
