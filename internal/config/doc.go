// Package config defines the camscrape service configuration.
//
// Configuration can be provided via (lowest to highest precedence):
//   - Built-in defaults (Default)
//   - YAML configuration file (LoadFromFile)
//   - Environment variables (CAMSCRAPE_ prefix, LoadFromEnv)
//   - Command-line flags (Merge, applied by the CLI)
//
// Durations use Go syntax ("20m", "90s"); sizes accept SI and IEC suffixes
// ("32KiB", "1MB"); utc_offset is a fixed offset such as "-03:00".
//
// Example file:
//
//	archive_dir: /var/lib/camscrape/videos
//	registry_file: /etc/camscrape/cameras.csv
//	interval: 20m
//	utc_offset: "-03:00"
//	overlap: skip
//	workers: 8
//	fetch_timeout: 5m
//	chunk_size: 64KiB
package config
