package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"camscrape/internal/fetch"
	"camscrape/internal/home"
	"camscrape/internal/logging"
	"camscrape/internal/orchestrator"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "CAMSCRAPE_"

// Config defines configuration for the camscrape service.
type Config struct {
	ArchiveDir      string        `yaml:"archive_dir"`
	RegistryFile    string        `yaml:"registry_file"`
	Interval        time.Duration `yaml:"interval"`
	UTCOffset       string        `yaml:"utc_offset"`
	Extension       string        `yaml:"extension"`
	Overlap         string        `yaml:"overlap"`
	Workers         int           `yaml:"workers"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	ChunkSize       int64         `yaml:"chunk_size"`
	RequestRate     float64       `yaml:"request_rate"`
	CacheBustParam  string        `yaml:"cache_bust_param"`
	CacheBustFormat string        `yaml:"cache_bust_format"`
	Listen          string        `yaml:"listen"`
	WatchRegistry   bool          `yaml:"watch_registry"`
	RegistryPoll    time.Duration `yaml:"registry_poll"`
	RunOnStart      bool          `yaml:"run_on_start"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	LogFile         string        `yaml:"log_file"`
	LogLevel        string        `yaml:"log_level"`
}

// Default returns a Config with sensible defaults. ArchiveDir and
// RegistryFile are left empty; see WithHome.
func Default() Config {
	return Config{
		Interval:        orchestrator.DefaultInterval,
		UTCOffset:       "-03:00",
		Extension:       "mp4",
		Overlap:         string(orchestrator.OverlapSkip),
		FetchTimeout:    fetch.DefaultTimeout,
		ChunkSize:       fetch.DefaultChunkSize,
		CacheBustParam:  fetch.DefaultParam,
		CacheBustFormat: string(fetch.FormatRFC3339),
		Listen:          ":5000",
		WatchRegistry:   true,
		RunOnStart:      true,
		ShutdownGrace:   2 * time.Minute,
		LogLevel:        "info",
	}
}

// WithHome fills unset paths from the home directory layout.
func (c Config) WithHome(h home.Dir) Config {
	if c.ArchiveDir == "" {
		c.ArchiveDir = h.ArchiveDir()
	}
	if c.RegistryFile == "" {
		c.RegistryFile = h.RegistryPath()
	}
	return c
}

// yamlConfig is used for YAML unmarshaling with string durations and sizes.
// Booleans are pointers so an explicit false overrides a true default.
type yamlConfig struct {
	ArchiveDir      string  `yaml:"archive_dir"`
	RegistryFile    string  `yaml:"registry_file"`
	Interval        string  `yaml:"interval"`
	UTCOffset       string  `yaml:"utc_offset"`
	Extension       string  `yaml:"extension"`
	Overlap         string  `yaml:"overlap"`
	Workers         int     `yaml:"workers"`
	FetchTimeout    string  `yaml:"fetch_timeout"`
	ChunkSize       string  `yaml:"chunk_size"`
	RequestRate     float64 `yaml:"request_rate"`
	CacheBustParam  string  `yaml:"cache_bust_param"`
	CacheBustFormat string  `yaml:"cache_bust_format"`
	Listen          *string `yaml:"listen"`
	WatchRegistry   *bool   `yaml:"watch_registry"`
	RegistryPoll    string  `yaml:"registry_poll"`
	RunOnStart      *bool   `yaml:"run_on_start"`
	ShutdownGrace   string  `yaml:"shutdown_grace"`
	LogFile         string  `yaml:"log_file"`
	LogLevel        string  `yaml:"log_level"`
}

// LoadFromFile loads configuration from a YAML file on top of Default.
// Unknown keys are rejected.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: config path comes from the operator
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&yc); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	setString(&cfg.ArchiveDir, yc.ArchiveDir)
	setString(&cfg.RegistryFile, yc.RegistryFile)
	setString(&cfg.UTCOffset, yc.UTCOffset)
	setString(&cfg.Extension, yc.Extension)
	setString(&cfg.Overlap, yc.Overlap)
	setString(&cfg.CacheBustParam, yc.CacheBustParam)
	setString(&cfg.CacheBustFormat, yc.CacheBustFormat)
	setString(&cfg.LogFile, yc.LogFile)
	setString(&cfg.LogLevel, yc.LogLevel)
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	if yc.RequestRate != 0 {
		cfg.RequestRate = yc.RequestRate
	}
	if yc.Listen != nil {
		cfg.Listen = *yc.Listen
	}
	if yc.WatchRegistry != nil {
		cfg.WatchRegistry = *yc.WatchRegistry
	}
	if yc.RunOnStart != nil {
		cfg.RunOnStart = *yc.RunOnStart
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"interval", yc.Interval, &cfg.Interval},
		{"fetch_timeout", yc.FetchTimeout, &cfg.FetchTimeout},
		{"registry_poll", yc.RegistryPoll, &cfg.RegistryPoll},
		{"shutdown_grace", yc.ShutdownGrace, &cfg.ShutdownGrace},
	}
	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if yc.ChunkSize != "" {
		size, err := ParseBytes(yc.ChunkSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse chunk_size: %w", err)
		}
		cfg.ChunkSize = size
	}

	return cfg, nil
}

// envAliases maps variables understood for compatibility with existing
// deployments to their CAMSCRAPE_ equivalents.
var envAliases = map[string]string{
	"VIDEOS_BASE_PATH": EnvPrefix + "ARCHIVE_DIR",
	"CSV_FILENAME":     EnvPrefix + "REGISTRY_FILE",
}

func getenv(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	for alias, canonical := range envAliases {
		if canonical == key {
			return os.Getenv(alias)
		}
	}
	return ""
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the CAMSCRAPE_ prefix.
func (c *Config) LoadFromEnv() error {
	strs := []struct {
		key string
		dst *string
	}{
		{"ARCHIVE_DIR", &c.ArchiveDir},
		{"REGISTRY_FILE", &c.RegistryFile},
		{"UTC_OFFSET", &c.UTCOffset},
		{"EXTENSION", &c.Extension},
		{"OVERLAP", &c.Overlap},
		{"CACHE_BUST_PARAM", &c.CacheBustParam},
		{"CACHE_BUST_FORMAT", &c.CacheBustFormat},
		{"LISTEN", &c.Listen},
		{"LOG_FILE", &c.LogFile},
		{"LOG_LEVEL", &c.LogLevel},
	}
	for _, s := range strs {
		if v := getenv(EnvPrefix + s.key); v != "" {
			*s.dst = v
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"INTERVAL", &c.Interval},
		{"FETCH_TIMEOUT", &c.FetchTimeout},
		{"REGISTRY_POLL", &c.RegistryPoll},
		{"SHUTDOWN_GRACE", &c.ShutdownGrace},
	}
	for _, d := range durations {
		if v := getenv(EnvPrefix + d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, d.key, err)
			}
			*d.dst = parsed
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"WATCH_REGISTRY", &c.WatchRegistry},
		{"RUN_ON_START", &c.RunOnStart},
	}
	for _, b := range bools {
		if v := getenv(EnvPrefix + b.key); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, b.key, err)
			}
			*b.dst = parsed
		}
	}

	if v := getenv(EnvPrefix + "WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sWORKERS: %w", EnvPrefix, err)
		}
		c.Workers = n
	}
	if v := getenv(EnvPrefix + "CHUNK_SIZE"); v != "" {
		size, err := ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse %sCHUNK_SIZE: %w", EnvPrefix, err)
		}
		c.ChunkSize = size
	}
	if v := getenv(EnvPrefix + "REQUEST_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse %sREQUEST_RATE: %w", EnvPrefix, err)
		}
		c.RequestRate = r
	}

	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored, so booleans can only be switched on
// here; the CLI applies explicit false flags directly.
func (c Config) Merge(override Config) Config {
	setString(&c.ArchiveDir, override.ArchiveDir)
	setString(&c.RegistryFile, override.RegistryFile)
	setString(&c.UTCOffset, override.UTCOffset)
	setString(&c.Extension, override.Extension)
	setString(&c.Overlap, override.Overlap)
	setString(&c.CacheBustParam, override.CacheBustParam)
	setString(&c.CacheBustFormat, override.CacheBustFormat)
	setString(&c.Listen, override.Listen)
	setString(&c.LogFile, override.LogFile)
	setString(&c.LogLevel, override.LogLevel)
	if override.Interval != 0 {
		c.Interval = override.Interval
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.FetchTimeout != 0 {
		c.FetchTimeout = override.FetchTimeout
	}
	if override.ChunkSize != 0 {
		c.ChunkSize = override.ChunkSize
	}
	if override.RequestRate != 0 {
		c.RequestRate = override.RequestRate
	}
	if override.RegistryPoll != 0 {
		c.RegistryPoll = override.RegistryPoll
	}
	if override.ShutdownGrace != 0 {
		c.ShutdownGrace = override.ShutdownGrace
	}
	if override.WatchRegistry {
		c.WatchRegistry = true
	}
	if override.RunOnStart {
		c.RunOnStart = true
	}
	return c
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.ArchiveDir == "" {
		errs = append(errs, errors.New("config: archive_dir is required"))
	}
	if c.RegistryFile == "" {
		errs = append(errs, errors.New("config: registry_file is required"))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("config: interval must be positive"))
	}
	if _, err := ParseOffset(c.UTCOffset); err != nil {
		errs = append(errs, fmt.Errorf("config: utc_offset: %w", err))
	}
	if strings.ContainsAny(strings.TrimPrefix(c.Extension, "."), `/\`) {
		errs = append(errs, errors.New("config: extension must not contain path separators"))
	}
	if _, err := orchestrator.ParseOverlapPolicy(c.Overlap); err != nil {
		errs = append(errs, fmt.Errorf("config: overlap: %w", err))
	}
	if c.Workers < 0 {
		errs = append(errs, errors.New("config: workers must not be negative"))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, errors.New("config: fetch_timeout must be positive"))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, errors.New("config: chunk_size must be positive"))
	} else if c.ChunkSize > fetch.MaxChunkSize {
		errs = append(errs, fmt.Errorf("config: chunk_size %s exceeds %s",
			humanize.IBytes(uint64(c.ChunkSize)), humanize.IBytes(fetch.MaxChunkSize)))
	}
	if c.RequestRate < 0 {
		errs = append(errs, errors.New("config: request_rate must not be negative"))
	}
	if c.CacheBustParam == "" {
		errs = append(errs, errors.New("config: cache_bust_param is required"))
	}
	if _, err := fetch.ParseFormat(c.CacheBustFormat); err != nil {
		errs = append(errs, fmt.Errorf("config: cache_bust_format: %w", err))
	}
	if c.RegistryPoll < 0 {
		errs = append(errs, errors.New("config: registry_poll must not be negative"))
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, errors.New("config: shutdown_grace must not be negative"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("config: log_level: %w", err))
	}
	return errors.Join(errs...)
}

// Location returns the fixed zone for UTCOffset.
func (c *Config) Location() (*time.Location, error) {
	return ParseOffset(c.UTCOffset)
}

// ParseOffset parses a UTC offset such as "-03:00", "+0530", "Z" or "UTC"
// into a fixed zone. Daylight saving is never applied.
func ParseOffset(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "", "Z", "UTC", "+00:00", "-00:00":
		return time.UTC, nil
	}

	for _, layout := range []string{"-07:00", "-0700", "-07"} {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		_, offset := t.Zone()
		if offset == 0 {
			return time.UTC, nil
		}
		return time.FixedZone("UTC"+s, offset), nil
	}
	return nil, fmt.Errorf("invalid offset %q (want e.g. -03:00)", s)
}

// ParseBytes parses a byte size such as "32KiB", "1 MB" or "4096".
// SI suffixes (KB, MB) are powers of 1000; IEC suffixes (KiB, MiB) are
// powers of 1024.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty value")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > uint64(1<<62) {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return int64(n), nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
