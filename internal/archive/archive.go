// Package archive maps (source, cycle time) pairs to clip locations.
//
// Layout:
//
//	<base>/<source-id>/<DD-MM-YYYY>/<HH-MM-SS>.<ext>
//
// Date and time are rendered in the planner's fixed zone, never the host's
// local zone, so the layout does not move when the host timezone changes.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DateLayout names the per-day directory.
	DateLayout = "02-01-2006"
	// TimeLayout names the clip file (without extension).
	TimeLayout = "15-04-05"

	// DefaultExt is the clip extension used when none is configured.
	DefaultExt = "mp4"
)

// ErrInvalidSourceID is returned for IDs that cannot be used as a single path element.
var ErrInvalidSourceID = errors.New("archive: invalid source id")

// Path is the destination of one clip.
type Path struct {
	Dir      string
	Filename string
}

// Full returns Dir/Filename.
func (p Path) Full() string {
	return filepath.Join(p.Dir, p.Filename)
}

// Planner computes clip paths under a base directory.
type Planner struct {
	base string
	loc  *time.Location
	ext  string
}

// NewPlanner returns a planner rooted at base. A nil loc means UTC; an empty
// ext means DefaultExt. A leading dot on ext is ignored.
func NewPlanner(base string, loc *time.Location, ext string) *Planner {
	if loc == nil {
		loc = time.UTC
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = DefaultExt
	}
	return &Planner{base: filepath.Clean(base), loc: loc, ext: ext}
}

// Base returns the archive root.
func (p *Planner) Base() string { return p.base }

// Location returns the zone used to render dates and times.
func (p *Planner) Location() *time.Location { return p.loc }

// Plan returns the clip path for sourceID at ts. It is a pure function of
// its inputs: equal arguments always produce equal paths.
func (p *Planner) Plan(sourceID string, ts time.Time) Path {
	local := ts.In(p.loc)
	return Path{
		Dir:      filepath.Join(p.base, sourceID, local.Format(DateLayout)),
		Filename: local.Format(TimeLayout) + "." + p.ext,
	}
}

// Ensure creates the clip's directory and any missing parents. An existing
// directory is not an error; any other failure is.
func (p *Planner) Ensure(path Path) error {
	if err := os.MkdirAll(path.Dir, 0o750); err != nil {
		return fmt.Errorf("create archive directory %s: %w", path.Dir, err)
	}
	return nil
}

// ValidateID rejects source IDs that would not stay a single directory
// below the archive root.
func ValidateID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidSourceID, id)
	case strings.ContainsAny(id, `/\`), strings.ContainsRune(id, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidSourceID, id)
	}
	return nil
}
