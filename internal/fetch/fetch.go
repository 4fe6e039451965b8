package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"camscrape/internal/logging"
)

// Defaults.
const (
	DefaultTimeout   = 5 * time.Minute
	DefaultChunkSize = 32 * 1024
	MaxChunkSize     = 16 << 20 // every in-flight fetch holds one buffer
	DefaultParam     = "time"
	DefaultUserAgent = "camscrape"
)

var (
	// ErrStatus is returned when the camera answers with a non-2xx status.
	ErrStatus = errors.New("fetch: unexpected status")
	// ErrUnknownFormat is returned for an unsupported cache-buster format.
	ErrUnknownFormat = errors.New("fetch: unknown cache-buster format")
	// ErrChunkSize is returned for a chunk size above MaxChunkSize.
	ErrChunkSize = errors.New("fetch: chunk size too large")
)

// Format selects how the cycle timestamp is rendered in the cache buster.
type Format string

const (
	FormatRFC3339 Format = "rfc3339"
	FormatUnix    Format = "unix"
	FormatTicks   Format = "ticks"
)

// ParseFormat validates a format name. Empty means FormatRFC3339.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case "":
		return FormatRFC3339, nil
	case FormatRFC3339, FormatUnix, FormatTicks:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Outcome is the result of fetching one source in one cycle.
type Outcome struct {
	SourceID string
	URL      string // endpoint as configured, without cache buster
	Path     string // destination file
	Success  bool
	Bytes    int64 // bytes written to Path, also on failure
	Status   int   // HTTP status, 0 if no response was received
	Duration time.Duration
	Err      error
}

// Config configures a Fetcher.
type Config struct {
	// Client performs requests. Defaults to a client with its own transport
	// and compression disabled, so clips are stored byte-for-byte.
	Client *http.Client

	// Timeout bounds a single fetch, from request start to the last byte
	// written. Default: DefaultTimeout.
	Timeout time.Duration

	// ChunkSize is the copy buffer size. Default: DefaultChunkSize.
	ChunkSize int

	// Param is the cache-buster query parameter name. Default: DefaultParam.
	Param string

	// Format renders the cycle timestamp. Default: FormatRFC3339.
	Format Format

	// RequestRate limits request starts per second across all fetches made
	// by this Fetcher. Zero means unlimited.
	RequestRate float64

	// UserAgent header value. Default: DefaultUserAgent.
	UserAgent string

	// Logger for structured logging.
	Logger *slog.Logger
}

// Fetcher downloads clips. It is safe for concurrent use.
type Fetcher struct {
	client    *http.Client
	timeout   time.Duration
	param     string
	format    Format
	userAgent string
	limiter   *rate.Limiter
	buffers   sync.Pool
	logger    *slog.Logger
}

// New creates a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	format, err := ParseFormat(string(cfg.Format))
	if err != nil {
		return nil, err
	}

	client := cfg.Client
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DisableCompression = true
		client = &http.Client{Transport: transport}
	}

	f := &Fetcher{
		client:    client,
		timeout:   cfg.Timeout,
		param:     cfg.Param,
		format:    format,
		userAgent: cfg.UserAgent,
		logger:    logging.Default(cfg.Logger).With("component", "fetch"),
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.param == "" {
		f.param = DefaultParam
	}
	if f.userAgent == "" {
		f.userAgent = DefaultUserAgent
	}
	if cfg.RequestRate > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestRate), 1)
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrChunkSize, chunkSize, MaxChunkSize)
	}
	f.buffers.New = func() any {
		b := make([]byte, chunkSize)
		return &b
	}
	return f, nil
}

// Fetch downloads rawURL, with the cache buster for ts appended, into dest.
// It never panics on network or disk errors and never returns them directly:
// the returned Outcome carries success or failure.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, ts time.Time, dest string) Outcome {
	start := time.Now()
	written, status, err := f.fetch(ctx, rawURL, ts, dest)
	out := Outcome{
		URL:      rawURL,
		Path:     dest,
		Success:  err == nil,
		Bytes:    written,
		Status:   status,
		Duration: time.Since(start),
		Err:      err,
	}
	f.logger.Debug("fetch finished", "url", rawURL, "path", dest,
		"ok", out.Success, "bytes", written, "status", status)
	return out
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string, ts time.Time, dest string) (written int64, status int, err error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return 0, 0, fmt.Errorf("wait for request slot: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	target, err := CacheBust(rawURL, f.param, FormatTimestamp(ts, f.format))
	if err != nil {
		return 0, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, resp.StatusCode, fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}

	file, err := os.Create(dest) //nolint:gosec // G304: dest is built by the archive planner
	if err != nil {
		return 0, resp.StatusCode, fmt.Errorf("create clip: %w", err)
	}

	written, err = f.stream(file, resp.Body)
	if cerr := file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close clip: %w", cerr)
	}
	return written, resp.StatusCode, err
}

// stream copies r to w one buffer at a time.
func (f *Fetcher) stream(w io.Writer, r io.Reader) (int64, error) {
	bp := f.buffers.Get().(*[]byte)
	defer f.buffers.Put(bp)
	buf := *bp

	var written int64
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			nw, writeErr := w.Write(buf[:n])
			written += int64(nw)
			if writeErr != nil {
				return written, fmt.Errorf("write clip: %w", writeErr)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("read stream: %w", readErr)
		}
	}
}

// CacheBust returns rawURL with param=value added to its query. Existing
// query parameters are kept; an existing value for param is replaced.
func CacheBust(rawURL, param, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("parse url %q: unsupported scheme %q", rawURL, u.Scheme)
	}
	q := u.Query()
	q.Set(param, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FormatTimestamp renders ts for the cache buster. Unknown formats fall
// back to RFC 3339.
func FormatTimestamp(ts time.Time, format Format) string {
	switch format {
	case FormatUnix:
		return strconv.FormatInt(ts.Unix(), 10)
	case FormatTicks:
		return strconv.FormatInt(Ticks(ts), 10)
	default:
		return ts.Format(time.RFC3339)
	}
}

// unixEpochTicks is 1970-01-01T00:00:00Z expressed in ticks.
const unixEpochTicks = 621355968000000000

// Ticks returns the number of 100-nanosecond intervals between
// 0001-01-01T00:00:00Z and ts.
func Ticks(ts time.Time) int64 {
	return unixEpochTicks + ts.Unix()*10_000_000 + int64(ts.Nanosecond()/100)
}
