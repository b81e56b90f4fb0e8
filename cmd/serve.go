package cmd

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/mcpgate/internal/connector"
	"github.com/teemow/mcpgate/internal/instrumentation"
	"github.com/teemow/mcpgate/internal/logging"
	"github.com/teemow/mcpgate/internal/oauth"
	"github.com/teemow/mcpgate/internal/provider"
	"github.com/teemow/mcpgate/internal/server"
	"github.com/teemow/mcpgate/internal/session"
	"github.com/teemow/mcpgate/internal/tokenstore"
	"github.com/teemow/mcpgate/internal/tools/calendar_tools"
	"github.com/teemow/mcpgate/internal/transport"
)

// serveOptions holds every serve flag after environment fallbacks.
type serveOptions struct {
	addr             string
	baseURL          string
	postAuthRedirect string

	providers       string
	providersConfig string

	credentialSecret string
	credentialTTL    time.Duration

	tokenStore      string
	valkeyURL       string
	valkeyPassword  string
	valkeyTLS       bool
	valkeyTLSCAFile string
	valkeyDB        int
	valkeyKeyPrefix string
	postgresDSN     string
	encryptionKey   string

	sessionIdleTimeout time.Duration
	sseIdleTimeout     time.Duration
	responseWindow     time.Duration
	providerTimeout    time.Duration
	connectorTimeout   time.Duration
	shutdownGrace      time.Duration

	rateLimit      float64
	rateLimitBurst int
	trustProxy     bool

	metricsEnabled bool
	metricsAddr    string

	logLevel  string
	logFormat string
}

// serveEnv lists the environment fallback of each serve flag.
var serveEnv = []envBinding{
	{"addr", "MCPGATE_ADDR"},
	{"base-url", "MCPGATE_BASE_URL"},
	{"post-auth-redirect", "MCPGATE_POST_AUTH_REDIRECT"},
	{"providers", "MCPGATE_PROVIDERS"},
	{"providers-config", "MCPGATE_PROVIDERS_CONFIG"},
	{"credential-secret", "MCPGATE_CREDENTIAL_SECRET"},
	{"credential-ttl", "MCPGATE_CREDENTIAL_TTL"},
	{"token-store", "MCPGATE_TOKEN_STORE"},
	{"valkey-url", "VALKEY_URL"},
	{"valkey-password", "VALKEY_PASSWORD"},
	{"valkey-tls", "VALKEY_TLS_ENABLED"},
	{"valkey-tls-ca-file", "VALKEY_TLS_CA_FILE"},
	{"valkey-db", "VALKEY_DB"},
	{"valkey-key-prefix", "VALKEY_KEY_PREFIX"},
	{"postgres-dsn", "MCPGATE_POSTGRES_DSN"},
	{"encryption-key", "MCPGATE_ENCRYPTION_KEY"},
	{"session-idle-timeout", "MCPGATE_SESSION_IDLE_TIMEOUT"},
	{"sse-idle-timeout", "MCPGATE_SSE_IDLE_TIMEOUT"},
	{"http-response-window", "MCPGATE_HTTP_RESPONSE_WINDOW"},
	{"provider-timeout", "MCPGATE_PROVIDER_TIMEOUT"},
	{"connector-timeout", "MCPGATE_CONNECTOR_TIMEOUT"},
	{"shutdown-grace", "MCPGATE_SHUTDOWN_GRACE"},
	{"rate-limit", "MCPGATE_RATE_LIMIT"},
	{"rate-limit-burst", "MCPGATE_RATE_LIMIT_BURST"},
	{"trust-proxy", "MCPGATE_TRUST_PROXY"},
	{"metrics-enabled", "METRICS_ENABLED"},
	{"metrics-addr", "METRICS_ADDR"},
	{"log-level", "MCPGATE_LOG_LEVEL"},
	{"log-format", "MCPGATE_LOG_FORMAT"},
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the OAuth broker and MCP transport",
		Long: `Start the mcpgate HTTP server.

Routes:
  GET  /{provider}/authorize     start an authorization-code flow
  GET  /{provider}/callback      complete the flow and mint a caller credential
  GET  /{provider}/status        report the caller's grant (Authorization: Bearer <credential>)
  DELETE /{provider}/connection  forget the caller's grant and close its sessions
  GET  /sse/                     open an SSE session (Authorization: Bearer <credential>)
  POST /sse/message              send a JSON-RPC message to an SSE session
  POST /mcp/                     request/response MCP over HTTP
  GET  /mcp/pending/{token}      collect a reply that missed the response window
  DELETE /mcp/                   close an HTTP session
  GET  /healthz, /readyz         health checks

Providers:
  Enable built-in providers with --providers slack,google or declare them in a
  YAML file passed with --providers-config. Client credentials are read from
  <ID>_CLIENT_ID and <ID>_CLIENT_SECRET. Startup fails if any enabled
  provider lacks them.

Every flag can also be set through the environment variable named in its help.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyEnvFallbacks(cmd.Flags(), serveEnv, os.Getenv); err != nil {
				return err
			}
			return runServe(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", ":8080", "HTTP listen address. Can also use MCPGATE_ADDR env var.")
	f.StringVar(&opts.baseURL, "base-url", "", "Externally reachable URL of this server, used for provider callbacks. Must be HTTPS outside of localhost. Can also use MCPGATE_BASE_URL env var.")
	f.StringVar(&opts.postAuthRedirect, "post-auth-redirect", "", "URL the browser is sent to after a successful authorization. The credential is passed in the URL fragment. Can also use MCPGATE_POST_AUTH_REDIRECT env var.")

	f.StringVar(&opts.providers, "providers", "", "Comma-separated provider ids to enable (slack, google, github, figma, atlassian). Can also use MCPGATE_PROVIDERS env var.")
	f.StringVar(&opts.providersConfig, "providers-config", "", "Path to a YAML provider configuration file. Can also use MCPGATE_PROVIDERS_CONFIG env var.")

	f.StringVar(&opts.credentialSecret, "credential-secret", "", "HMAC secret (at least 32 bytes) for caller credentials. A random secret is generated when empty. Can also use MCPGATE_CREDENTIAL_SECRET env var.")
	f.DurationVar(&opts.credentialTTL, "credential-ttl", oauth.DefaultCredentialTTL, "Lifetime of caller credentials. Can also use MCPGATE_CREDENTIAL_TTL env var.")

	f.StringVar(&opts.tokenStore, "token-store", tokenstore.BackendMemory, "Token store backend: memory, valkey or postgres. Can also use MCPGATE_TOKEN_STORE env var.")
	f.StringVar(&opts.valkeyURL, "valkey-url", "", "Valkey server address (e.g., valkey.namespace.svc:6379). Can also use VALKEY_URL env var.")
	f.StringVar(&opts.valkeyPassword, "valkey-password", "", "Valkey authentication password. Can also use VALKEY_PASSWORD env var.")
	f.BoolVar(&opts.valkeyTLS, "valkey-tls", false, "Enable TLS for Valkey connections. Can also use VALKEY_TLS_ENABLED env var.")
	f.StringVar(&opts.valkeyTLSCAFile, "valkey-tls-ca-file", "", "CA certificate file for Valkey TLS. Can also use VALKEY_TLS_CA_FILE env var.")
	f.IntVar(&opts.valkeyDB, "valkey-db", 0, "Valkey database number. Can also use VALKEY_DB env var.")
	f.StringVar(&opts.valkeyKeyPrefix, "valkey-key-prefix", "mcpgate:", "Prefix for all Valkey keys. Can also use VALKEY_KEY_PREFIX env var.")
	f.StringVar(&opts.postgresDSN, "postgres-dsn", "", "PostgreSQL connection string for the postgres token store. Can also use MCPGATE_POSTGRES_DSN env var.")
	f.StringVar(&opts.encryptionKey, "encryption-key", "", "AES-256 key for tokens at rest in valkey or postgres (32 bytes, base64 encoded). Generate with: openssl rand -base64 32. Can also use MCPGATE_ENCRYPTION_KEY env var.")

	f.DurationVar(&opts.sessionIdleTimeout, "session-idle-timeout", session.DefaultHTTPIdleTimeout, "Idle timeout of HTTP sessions. Can also use MCPGATE_SESSION_IDLE_TIMEOUT env var.")
	f.DurationVar(&opts.sseIdleTimeout, "sse-idle-timeout", session.DefaultSSEIdleTimeout, "Idle timeout of SSE sessions. Can also use MCPGATE_SSE_IDLE_TIMEOUT env var.")
	f.DurationVar(&opts.responseWindow, "http-response-window", transport.DefaultResponseWindow, "How long POST /mcp/ waits before answering with a poll token. Can also use MCPGATE_HTTP_RESPONSE_WINDOW env var.")
	f.DurationVar(&opts.providerTimeout, "provider-timeout", oauth.DefaultProviderTimeout, "Timeout of each provider token call. Can also use MCPGATE_PROVIDER_TIMEOUT env var.")
	f.DurationVar(&opts.connectorTimeout, "connector-timeout", transport.DefaultConnectorTimeout, "Timeout of each connector call. Can also use MCPGATE_CONNECTOR_TIMEOUT env var.")
	f.DurationVar(&opts.shutdownGrace, "shutdown-grace", server.DefaultShutdownGrace, "How long in-flight requests may finish after a shutdown signal. Can also use MCPGATE_SHUTDOWN_GRACE env var.")

	f.Float64Var(&opts.rateLimit, "rate-limit", oauth.DefaultRateLimitRate, "Requests per second per client IP on the OAuth routes (0 disables). Can also use MCPGATE_RATE_LIMIT env var.")
	f.IntVar(&opts.rateLimitBurst, "rate-limit-burst", oauth.DefaultRateLimitBurst, "Burst size of the OAuth rate limiter. Can also use MCPGATE_RATE_LIMIT_BURST env var.")
	f.BoolVar(&opts.trustProxy, "trust-proxy", false, "Use X-Forwarded-For for client IPs. Only enable behind a trusted proxy. Can also use MCPGATE_TRUST_PROXY env var.")

	f.BoolVar(&opts.metricsEnabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	f.StringVar(&opts.metricsAddr, "metrics-addr", server.DefaultMetricsAddr, "Metrics server address. Can also use METRICS_ADDR env var.")

	f.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error. Can also use MCPGATE_LOG_LEVEL env var.")
	f.StringVar(&opts.logFormat, "log-format", logging.FormatText, "Log format: text or json. Can also use MCPGATE_LOG_FORMAT env var.")

	return cmd
}

func runServe(parent context.Context, opts serveOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	logger, err := logging.Setup(os.Stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	baseURL := resolveBaseURL(opts.baseURL, opts.addr, logger)

	// Configuration errors are reported before anything is started.
	registry, err := provider.Load(provider.LoadOptions{
		Path:    opts.providersConfig,
		Enabled: parseCommaSeparatedList(opts.providers),
		BaseURL: baseURL,
	})
	if err != nil {
		return fmt.Errorf("invalid provider configuration: %w", err)
	}
	encKey, err := decodeEncryptionKey(opts.encryptionKey)
	if err != nil {
		return err
	}

	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version
	instr, err := instrumentation.NewProvider(ctx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := instr.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during instrumentation shutdown", logging.Err(err))
		}
	}()
	metrics := instr.Metrics()
	audit := instr.Audit()

	metricsServer, err := startMetricsServer(opts, instr, logger)
	if err != nil {
		return err
	}
	if metricsServer != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("Error during metrics server shutdown", logging.Err(err))
			}
		}()
	}

	tokens, err := tokenstore.New(ctx, tokenstore.Config{
		Backend: opts.tokenStore,
		Valkey: tokenstore.ValkeyConfig{
			Address:    opts.valkeyURL,
			Password:   opts.valkeyPassword,
			DB:         opts.valkeyDB,
			TLSEnabled: opts.valkeyTLS,
			TLSCAFile:  opts.valkeyTLSCAFile,
			KeyPrefix:  opts.valkeyKeyPrefix,
		},
		PostgresDSN:   opts.postgresDSN,
		EncryptionKey: encKey,
	})
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}

	states := oauth.NewStateStore(oauth.DefaultStateTTL, logger)
	var sessions *session.Manager
	handedOff := false
	defer func() {
		// Once serving, Server.Shutdown releases these.
		if handedOff {
			return
		}
		if sessions != nil {
			sessions.Stop()
		}
		states.Stop()
		_ = tokens.Close()
	}()

	broker, err := oauth.NewBroker(oauth.Config{
		Registry:        registry,
		Tokens:          tokens,
		States:          states,
		ProviderTimeout: opts.providerTimeout,
		Metrics:         metrics,
		Audit:           audit,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	if opts.credentialSecret == "" {
		logger.Warn("No credential secret configured, generating one; caller credentials will not survive a restart")
	}
	creds, err := oauth.NewCredentials([]byte(opts.credentialSecret), opts.credentialTTL)
	if err != nil {
		return err
	}

	sessions, err = session.NewManager(session.Config{
		Tokens:          broker,
		HTTPIdleTimeout: opts.sessionIdleTimeout,
		SSEIdleTimeout:  opts.sseIdleTimeout,
		Metrics:         metrics,
		Audit:           audit,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	var limiter *oauth.RateLimiter
	if opts.rateLimit > 0 {
		limiter = oauth.NewRateLimiter(opts.rateLimit, opts.rateLimitBurst, opts.trustProxy)
	}
	oauthHandler := oauth.NewHandler(oauth.HandlerConfig{
		Broker:           broker,
		Credentials:      creds,
		PostAuthRedirect: opts.postAuthRedirect,
		RateLimiter:      limiter,
		Sessions:         sessions,
		Audit:            audit,
		Logger:           logger,
	})
	go oauthHandler.RunRateLimitCleanup(ctx, time.Minute)

	dispatcher, err := transport.NewDispatcher(transport.DispatcherConfig{
		Sessions:         sessions,
		Connector:        connector.NewMCPServerAdapter(calendar_tools.NewServer(version, nil, calendar_tools.InstrumentedMiddleware(metrics, logger))),
		ConnectorTimeout: opts.connectorTimeout,
		Metrics:          metrics,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	sseHandler, err := transport.NewSSEHandler(transport.SSEConfig{
		Sessions:      sessions,
		Dispatcher:    dispatcher,
		Authenticator: creds,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	httpHandler, err := transport.NewHTTPHandler(transport.HTTPConfig{
		Sessions:       sessions,
		Dispatcher:     dispatcher,
		Authenticator:  creds,
		ResponseWindow: opts.responseWindow,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	health := server.NewHealthChecker(sessions, registry.Len(), opts.tokenStore)
	srv, err := server.New(server.Config{
		Addr:          opts.addr,
		BaseURL:       baseURL,
		OAuth:         oauthHandler,
		SSE:           sseHandler,
		HTTP:          httpHandler,
		Health:        health,
		Sessions:      sessions,
		States:        states,
		Tokens:        tokens,
		ShutdownGrace: opts.shutdownGrace,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	logger.Info("mcpgate configured",
		slog.String("version", version),
		slog.Any("providers", registry.IDs()),
		slog.String("token_store", opts.tokenStore),
		slog.String("base_url", baseURL))

	handedOff = true
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server stopped with error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	// The grace period is enforced by the server; this bounds the release of
	// the stores after it.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), opts.shutdownGrace+10*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

// resolveBaseURL falls back to a localhost URL for development.
func resolveBaseURL(baseURL, addr string, logger *slog.Logger) string {
	if baseURL != "" {
		return strings.TrimRight(baseURL, "/")
	}
	if strings.HasPrefix(addr, ":") {
		baseURL = "http://localhost" + addr
	} else {
		baseURL = "http://" + addr
	}
	logger.Warn("No base URL configured, using auto-detected one; set --base-url or MCPGATE_BASE_URL for deployed instances",
		slog.String("base_url", baseURL))
	return baseURL
}

func decodeEncryptionKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key (must be base64 encoded): %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes (got %d bytes)", len(key))
	}
	return key, nil
}

func startMetricsServer(opts serveOptions, instr *instrumentation.Provider, logger *slog.Logger) (*server.MetricsServer, error) {
	if !opts.metricsEnabled || instr.MetricsHandler() == nil {
		return nil, nil
	}
	metricsServer, err := server.NewMetricsServer(server.MetricsServerConfig{
		Addr:            opts.metricsAddr,
		Instrumentation: instr,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics server: %w", err)
	}
	if err := metricsServer.Start(); err != nil {
		return nil, fmt.Errorf("metrics server failed to start: %w", err)
	}
	return metricsServer, nil
}
