package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/teemow/mcpgate/internal/instrumentation"
	"github.com/teemow/mcpgate/internal/logging"
)

const (
	// DefaultMetricsAddr is where the metrics listener binds unless configured.
	DefaultMetricsAddr = ":9090"

	// MetricsPath serves the prometheus exposition.
	MetricsPath = "/metrics"

	metricsReadHeaderTimeout = 10 * time.Second
	metricsWriteTimeout      = 10 * time.Second
	metricsIdleTimeout       = 60 * time.Second
)

// MetricsServerConfig configures the metrics listener.
type MetricsServerConfig struct {
	Addr string

	// Instrumentation must be enabled with the prometheus exporter.
	Instrumentation *instrumentation.Provider

	Logger *slog.Logger
}

// MetricsServer exposes the gateway's session, broker and transport metrics
// on a listener separate from the public MCP and OAuth routes.
type MetricsServer struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewMetricsServer creates a MetricsServer. It fails when the provider has
// nothing to scrape.
func NewMetricsServer(cfg MetricsServerConfig) (*MetricsServer, error) {
	if cfg.Instrumentation == nil {
		return nil, errors.New("instrumentation provider is required for metrics server")
	}
	if !cfg.Instrumentation.Enabled() {
		return nil, errors.New("instrumentation provider is not enabled")
	}
	metrics := cfg.Instrumentation.MetricsHandler()
	if metrics == nil {
		return nil, fmt.Errorf("metrics exporter is not %s; nothing to serve", instrumentation.ExporterPrometheus)
	}

	addr := cfg.Addr
	if addr == "" {
		addr = DefaultMetricsAddr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+MetricsPath, metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &MetricsServer{
		addr:    addr,
		handler: mux,
		logger:  logger,
	}, nil
}

// Handler returns the metrics mux.
func (s *MetricsServer) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in the background. Bind errors are
// returned; later serve errors are logged.
func (s *MetricsServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("metrics server already started")
	}

	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
		WriteTimeout:      metricsWriteTimeout,
		IdleTimeout:       metricsIdleTimeout,
	}
	s.srv = srv
	s.listener = l

	s.logger.Info("Starting metrics server", logging.Operation("metrics.start"), slog.String("addr", l.Addr().String()))
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server stopped", logging.Operation("metrics.serve"), logging.Err(err))
		}
	}()
	return nil
}

// Shutdown stops the listener. It is a no-op before Start.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("Shutting down metrics server", logging.Operation("metrics.shutdown"))
	return srv.Shutdown(ctx)
}

// Addr returns the bound address once started, the configured one before.
func (s *MetricsServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
