// Package registry holds the set of camera sources scraped on every cycle.
//
// The registry is an atomic-swap container: every successful load builds a
// new immutable Snapshot and publishes it with a single pointer store.
// Readers call Snapshot() and keep using the value they got for as long as
// they like; a concurrent reload never changes a snapshot that has already
// been handed out. Loads are serialized against each other.
//
// A load either succeeds completely or leaves the previous snapshot active.
// One malformed row rejects the whole input, so a bad edit to the registry
// file can never silently shrink the set of cameras being archived.
package registry

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"camscrape/internal/logging"
	"camscrape/internal/notify"
)

const (
	// Comma is the field separator of registry files.
	Comma = ';'

	// IDColumn and URLColumn are the required header names.
	IDColumn  = "Id"
	URLColumn = "Url"

	// IDPrefix is prepended to the Id column to form a source ID.
	IDPrefix = "camera"
)

var (
	// ErrMissingColumn is returned when the header lacks Id or Url.
	ErrMissingColumn = errors.New("registry: missing required column")
	// ErrMalformedRow is returned for a row with an empty Id or Url, or a
	// row whose field count differs from the header.
	ErrMalformedRow = errors.New("registry: malformed row")
	// ErrDuplicateID is returned when two rows map to the same source ID.
	ErrDuplicateID = errors.New("registry: duplicate source id")
)

// Source is one camera endpoint.
type Source struct {
	ID  string // "camera<Id>"
	URL string // fetch endpoint, without the cache-busting query
}

// Snapshot is an immutable view of the registry at one point in time.
type Snapshot struct {
	sources  map[string]Source
	version  uint64
	loadedAt time.Time
}

// Len returns the number of sources.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.sources)
}

// Get returns the source with the given ID.
func (s *Snapshot) Get(id string) (Source, bool) {
	if s == nil {
		return Source{}, false
	}
	src, ok := s.sources[id]
	return src, ok
}

// Sources returns a copy of all sources, sorted by ID.
func (s *Snapshot) Sources() []Source {
	if s == nil {
		return nil
	}
	out := make([]Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	slices.SortFunc(out, func(a, b Source) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Version increases by one with every successful load. The empty registry is version 0.
func (s *Snapshot) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}

// LoadedAt returns when the snapshot was published (zero for the empty registry).
func (s *Snapshot) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// Config configures a Registry.
type Config struct {
	// Logger for structured logging.
	Logger *slog.Logger

	// Now overrides the clock used to stamp snapshots. Defaults to time.Now.
	Now func() time.Time
}

// Registry owns the current source snapshot.
type Registry struct {
	loadMu  sync.Mutex // one load at a time
	current atomic.Pointer[Snapshot]
	changed *notify.Signal
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	r := &Registry{
		changed: notify.NewSignal(),
		now:     cfg.Now,
		logger:  logging.Default(cfg.Logger).With("component", "registry"),
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.current.Store(&Snapshot{sources: map[string]Source{}})
	return r
}

// Snapshot returns the current snapshot. It never returns nil.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Changed returns a channel closed on the next successful load.
func (r *Registry) Changed() <-chan struct{} {
	return r.changed.C()
}

// Load parses a registry from rd and replaces the current snapshot.
// On error the current snapshot is left untouched. Loads are serialized
// including the parse, so the last load to start is the last to publish.
func (r *Registry) Load(rd io.Reader) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.load(rd)
}

// LoadFile loads the registry from the file at path.
func (r *Registry) LoadFile(path string) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	data, err := os.ReadFile(path) //nolint:gosec // G304: registry path comes from operator config
	if err != nil {
		return fmt.Errorf("read registry %s: %w", path, err)
	}
	if err := r.load(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("load registry %s: %w", path, err)
	}
	return nil
}

func (r *Registry) load(rd io.Reader) error {
	sources, err := Parse(rd)
	if err != nil {
		return err
	}
	r.swap(sources)
	return nil
}

// Replace installs sources directly, bypassing parsing. Source IDs must be
// unique and non-empty; URLs must be non-empty.
func (r *Registry) Replace(sources []Source) error {
	m := make(map[string]Source, len(sources))
	for i, src := range sources {
		if src.ID == "" || src.URL == "" {
			return fmt.Errorf("%w: entry %d: empty id or url", ErrMalformedRow, i)
		}
		if _, dup := m[src.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, src.ID)
		}
		m[src.ID] = src
	}
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	r.swap(m)
	return nil
}

// swap publishes sources as the next snapshot. The caller holds loadMu.
func (r *Registry) swap(sources map[string]Source) {
	prev := r.current.Load()
	next := &Snapshot{
		sources:  sources,
		version:  prev.version + 1,
		loadedAt: r.now(),
	}
	r.current.Store(next)

	added, removed := diff(prev, next)
	r.logger.Info("registry loaded",
		"version", next.version,
		"sources", len(sources),
		"added", added,
		"removed", removed)
	r.changed.Notify()
}

// diff counts source IDs present only in next (added) and only in prev (removed).
func diff(prev, next *Snapshot) (added, removed int) {
	for id := range next.sources {
		if _, ok := prev.sources[id]; !ok {
			added++
		}
	}
	for id := range prev.sources {
		if _, ok := next.sources[id]; !ok {
			removed++
		}
	}
	return added, removed
}

// Parse reads a ';'-separated registry with a header row containing at
// least the Id and Url columns. Each data row becomes one Source with
// ID "camera"+Id. Any malformed row fails the whole parse.
func Parse(rd io.Reader) (map[string]Source, error) {
	cr := csv.NewReader(rd)
	cr.Comma = Comma
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty input, no header row", ErrMissingColumn)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	idCol, urlCol := -1, -1
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		switch name {
		case IDColumn:
			idCol = i
		case URLColumn:
			urlCol = i
		}
	}
	if idCol < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, IDColumn)
	}
	if urlCol < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, URLColumn)
	}

	sources := make(map[string]Source)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, csv.ErrFieldCount) {
				return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
			}
			return nil, fmt.Errorf("read registry: %w", err)
		}
		line, _ := cr.FieldPos(0)

		id := strings.TrimSpace(row[idCol])
		u := strings.TrimSpace(row[urlCol])
		if id == "" {
			return nil, fmt.Errorf("%w: line %d: empty %s", ErrMalformedRow, line, IDColumn)
		}
		if u == "" {
			return nil, fmt.Errorf("%w: line %d: empty %s", ErrMalformedRow, line, URLColumn)
		}

		src := Source{ID: IDPrefix + id, URL: u}
		if _, dup := sources[src.ID]; dup {
			return nil, fmt.Errorf("%w: line %d: %s", ErrDuplicateID, line, src.ID)
		}
		sources[src.ID] = src
	}
	return sources, nil
}
