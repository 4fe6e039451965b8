// Package home manages the camscrape home directory layout.
//
// The home directory holds defaults for everything the service persists when
// no explicit path is configured: the config file, the camera registry and
// the clip archive.
//
// Layout:
//
//	<root>/
//	  config.yaml                      (optional process configuration)
//	  cameras.csv                      (camera registry, ';'-separated)
//	  archive/
//	    <source-id>/<DD-MM-YYYY>/      (one clip per cycle: <HH-MM-SS>.<ext>)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a camscrape home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/camscrape
//   - macOS:   ~/Library/Application Support/camscrape
//   - Windows: %APPDATA%/camscrape
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "camscrape")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the YAML config file.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "config.yaml")
}

// RegistryPath returns the default camera registry file.
func (d Dir) RegistryPath() string {
	return filepath.Join(d.root, "cameras.csv")
}

// ArchiveDir returns the default clip archive root.
func (d Dir) ArchiveDir() string {
	return filepath.Join(d.root, "archive")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}
