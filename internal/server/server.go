package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teemow/mcpgate/internal/instrumentation"
	"github.com/teemow/mcpgate/internal/logging"
	"github.com/teemow/mcpgate/internal/oauth"
	"github.com/teemow/mcpgate/internal/session"
	"github.com/teemow/mcpgate/internal/tokenstore"
	"github.com/teemow/mcpgate/internal/transport"
)

const (
	// DefaultShutdownGrace bounds how long in-flight requests may run after
	// shutdown starts.
	DefaultShutdownGrace = 30 * time.Second

	drainPollInterval = 25 * time.Millisecond
)

// Config holds the components the server mounts and releases.
type Config struct {
	Addr    string
	BaseURL string

	OAuth *oauth.Handler
	SSE   *transport.SSEHandler
	HTTP  *transport.HTTPHandler

	Health   *HealthChecker
	Sessions *session.Manager
	States   *oauth.StateStore
	Tokens   tokenstore.Store

	ShutdownGrace time.Duration

	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
}

// Server is the public mcpgate HTTP server.
type Server struct {
	cfg        Config
	httpServer *http.Server
	inflight   *inflightTracker
	logger     *slog.Logger
}

// New validates cfg and assembles the server.
func New(cfg Config) (*Server, error) {
	if cfg.OAuth == nil || cfg.SSE == nil || cfg.HTTP == nil {
		return nil, errors.New("oauth, sse and http handlers are required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if err := validateBaseURL(cfg.BaseURL); err != nil {
		return nil, err
	}
	if cfg.Health == nil {
		cfg.Health = NewHealthChecker(cfg.Sessions, 0, "")
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		inflight: &inflightTracker{},
		logger:   cfg.Logger,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: SSE streams and long-poll replies stay open.
	}
	return s, nil
}

// Handler returns the fully wrapped mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.cfg.Health.RegisterHealthEndpoints(mux)
	s.cfg.SSE.Register(mux)
	s.cfg.HTTP.Register(mux)
	s.cfg.OAuth.Register(mux)

	var h http.Handler = mux
	h = instrumentationMiddleware(s.cfg.Metrics, h)
	h = s.inflight.middleware(h)
	h = recoveryMiddleware(s.logger, h)
	return h
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting mcpgate server",
		logging.Operation("server.start"),
		slog.String("addr", s.cfg.Addr),
		slog.String("base_url", s.cfg.BaseURL))
	return s.httpServer.ListenAndServe()
}

// Serve serves on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	return s.httpServer.Serve(l)
}

// Shutdown drains the server: readiness turns unhealthy, new sessions are
// refused, in-flight requests get up to the grace period, then every session
// is closed with a shutdown frame and the stores are released.
func (s *Server) Shutdown(ctx context.Context) error {
	start := time.Now()
	logger := s.logger.With(logging.Operation("server.shutdown"))
	logger.Info("Draining server", slog.Int("active_sessions", s.cfg.Sessions.Len()))

	s.cfg.Health.SetReady(false)
	s.cfg.Sessions.StopOpening()

	graceCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()

	g, gctx := errgroup.WithContext(graceCtx)
	g.Go(func() error {
		if err := s.httpServer.Shutdown(gctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.waitInflight(gctx)
		// Streams only end once their sessions are closed.
		if err := s.cfg.Sessions.Drain(context.WithoutCancel(gctx)); err != nil {
			return fmt.Errorf("session drain: %w", err)
		}
		return nil
	})
	err := g.Wait()
	if graceCtx.Err() != nil {
		// Whatever is still connected after the grace period is cut off.
		_ = s.httpServer.Close()
	}

	var release errgroup.Group
	release.Go(func() error {
		s.cfg.Sessions.Stop()
		return nil
	})
	if s.cfg.States != nil {
		release.Go(func() error {
			s.cfg.States.Stop()
			return nil
		})
	}
	if s.cfg.Tokens != nil {
		release.Go(func() error {
			if err := s.cfg.Tokens.Close(); err != nil {
				return fmt.Errorf("token store close: %w", err)
			}
			return nil
		})
	}
	err = errors.Join(err, release.Wait())

	logger.Info("Server drained", logging.Duration(time.Since(start)), logging.Err(err))
	return err
}

// waitInflight returns once no counted request is running or ctx ends.
func (s *Server) waitInflight(ctx context.Context) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for s.inflight.count() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// validateBaseURL requires HTTPS except on loopback hosts, since provider
// callbacks and caller credentials travel through it.
func validateBaseURL(baseURL string) error {
	if baseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}

	switch u.Scheme {
	case "https":
	case "http":
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return fmt.Errorf("base URL must use HTTPS outside of localhost (got: %s)", baseURL)
		}
	default:
		return fmt.Errorf("invalid URL scheme: %s. Must be http (localhost only) or https", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("base URL has no host: %s", baseURL)
	}
	return nil
}
