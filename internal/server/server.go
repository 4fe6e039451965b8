// Package server provides the HTTP liveness endpoint for camscrape.
//
// The root endpoint answers whenever the process is alive, independent of
// cycle outcomes. Probe and metrics endpoints expose scheduler state for
// operators; none of them can affect a running cycle.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"camscrape/internal/logging"
	"camscrape/internal/orchestrator"
	"camscrape/internal/registry"
)

// LivenessMessage is the fixed acknowledgement returned by GET /.
const LivenessMessage = "Video scraping service is running!"

// Scheduler is the orchestrator state the server reports on.
type Scheduler interface {
	IsRunning() bool
	Stats() orchestrator.Stats
}

// Sources provides the registry snapshot the server reports on.
type Sources interface {
	Snapshot() *registry.Snapshot
}

// Config holds server configuration.
type Config struct {
	// Version is reported by camscrape_info. Default: "dev".
	Version string

	// Scheduler backs /readyz and /metrics. Optional.
	Scheduler Scheduler

	// Sources backs the registry gauges in /metrics. Optional.
	Sources Sources

	// Logger for structured logging.
	Logger *slog.Logger
}

// Server is the camscrape HTTP server. It accepts HTTP/1.1 and cleartext
// HTTP/2 on the same listener.
type Server struct {
	version   string
	sched     Scheduler
	sources   Sources
	logger    *slog.Logger
	startTime time.Time

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	stopped  bool           // set by Stop; a later Serve returns at once
	inFlight sync.WaitGroup // tracks in-flight requests for graceful drain
	draining atomic.Bool    // true when server is draining (rejecting new requests)
}

// New creates a new Server.
func New(cfg Config) *Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		version:   version,
		sched:     cfg.Scheduler,
		sources:   cfg.Sources,
		logger:    logging.Default(cfg.Logger).With("component", "server"),
		startTime: time.Now(),
	}
}

type livenessResponse struct {
	Message string `json:"message"`
}

// registerLiveness adds the root acknowledgement endpoint.
func (s *Server) registerLiveness(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(livenessResponse{Message: LivenessMessage})
	})
}

// registerProbes adds Kubernetes liveness and readiness probe endpoints.
func (s *Server) registerProbes(mux *http.ServeMux) {
	// Liveness probe - returns 200 if the process is alive
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Readiness probe - returns 200 while cycles are being scheduled
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.sched != nil && s.sched.IsRunning() && !s.draining.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
}

// trackingMiddleware wraps an http.Handler to track in-flight requests.
func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.registerLiveness(mux)
	s.registerProbes(mux)
	s.registerMetrics(mux)
	return mux
}

// Handler returns an http.Handler for the server.
// This is useful for testing or embedding in another server.
func (s *Server) Handler() http.Handler {
	handler := h2c.NewHandler(s.buildMux(), &http2.Server{})
	return s.trackingMiddleware(handler)
}

// Serve starts the server on the given listener.
// It blocks until the server is stopped or an error occurs. If Stop has
// already been called, Serve closes the listener and returns nil.
func (s *Server) Serve(listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	if s.server != nil {
		s.mu.Unlock()
		return errors.New("server already serving")
	}
	s.listener = listener
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("server starting", "addr", listener.Addr().String())

	err := srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeTCP starts the server on a TCP address.
func (s *Server) ServeTCP(addr string) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server. New requests are rejected while
// in-flight ones finish or ctx expires. Stop may be called before Serve.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	server := s.server
	s.mu.Unlock()
	s.draining.Store(true)

	if server == nil {
		return nil
	}

	s.logger.Info("server stopping")
	return server.Shutdown(ctx)
}
