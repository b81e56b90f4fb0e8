package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/teemow/mcpgate/internal/instrumentation"
	"github.com/teemow/mcpgate/internal/logging"
	"github.com/teemow/mcpgate/internal/provider"
	"github.com/teemow/mcpgate/internal/tokenstore"
)

const (
	// DefaultProviderTimeout bounds each call to a provider endpoint.
	DefaultProviderTimeout = 10 * time.Second

	// DefaultRefreshMaxTries is how often a refresh grant is attempted when
	// the provider times out or answers with a server error.
	DefaultRefreshMaxTries = 3

	// DefaultRefreshBackoff is the initial wait between refresh attempts.
	DefaultRefreshBackoff = 200 * time.Millisecond
)

// Config configures a Broker.
type Config struct {
	Registry *provider.Registry
	Tokens   tokenstore.Store
	States   *StateStore

	// HTTPClient is used for token and identity calls. Defaults to a client
	// without its own timeout; calls are bounded by ProviderTimeout.
	HTTPClient *http.Client

	ProviderTimeout time.Duration
	RefreshMaxTries uint
	RefreshBackoff  time.Duration

	Metrics *instrumentation.Metrics
	Audit   *instrumentation.AuditLogger
	Logger  *slog.Logger
}

// Authorization is the result of Begin.
type Authorization struct {
	RedirectURL string
	State       string
	ExpiresAt   time.Time
}

// Broker drives authorization-code flows and token refresh.
type Broker struct {
	registry        *provider.Registry
	tokens          tokenstore.Store
	states          *StateStore
	httpClient      *http.Client
	providerTimeout time.Duration
	refreshMaxTries uint
	refreshBackoff  time.Duration

	refreshGroup singleflight.Group

	metrics *instrumentation.Metrics
	audit   *instrumentation.AuditLogger
	logger  *slog.Logger
	now     func() time.Time
}

// NewBroker creates a Broker. Registry, Tokens and States are required.
func NewBroker(cfg Config) (*Broker, error) {
	if cfg.Registry == nil {
		return nil, errors.New("provider registry is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token store is required")
	}
	if cfg.States == nil {
		return nil, errors.New("state store is required")
	}

	b := &Broker{
		registry:        cfg.Registry,
		tokens:          cfg.Tokens,
		states:          cfg.States,
		httpClient:      cfg.HTTPClient,
		providerTimeout: cfg.ProviderTimeout,
		refreshMaxTries: cfg.RefreshMaxTries,
		refreshBackoff:  cfg.RefreshBackoff,
		metrics:         cfg.Metrics,
		audit:           cfg.Audit,
		logger:          cfg.Logger,
		now:             time.Now,
	}
	if b.httpClient == nil {
		b.httpClient = &http.Client{}
	}
	if b.providerTimeout <= 0 {
		b.providerTimeout = DefaultProviderTimeout
	}
	if b.refreshMaxTries == 0 {
		b.refreshMaxTries = DefaultRefreshMaxTries
	}
	if b.refreshBackoff <= 0 {
		b.refreshBackoff = DefaultRefreshBackoff
	}
	if b.metrics == nil {
		b.metrics = &instrumentation.Metrics{}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b, nil
}

// Begin starts a flow for providerID and returns the provider URL the user
// must be sent to.
func (b *Broker) Begin(ctx context.Context, providerID string) (*Authorization, error) {
	cfg, err := b.registry.Lookup(providerID)
	if err != nil {
		b.metrics.RecordOAuthFlow(ctx, providerID, instrumentation.StageBegin, instrumentation.OAuthResultFailure)
		return nil, err
	}

	var verifier string
	if cfg.PKCE {
		verifier = oauth2.GenerateVerifier()
	}

	st, err := b.states.Create(cfg.ID, verifier)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization state: %w", err)
	}

	redirect := oauth2Config(cfg).AuthCodeURL(st.Token, authCodeOptions(cfg, verifier)...)

	b.metrics.RecordOAuthFlow(ctx, cfg.ID, instrumentation.StageBegin, instrumentation.OAuthResultSuccess)
	b.audit.Log(instrumentation.AuthEvent{
		Type:     instrumentation.AuditFlowStarted,
		Provider: cfg.ID,
		Success:  true,
		TraceID:  instrumentation.GetTraceID(ctx),
	})
	b.logger.Info("Authorization flow started",
		logging.Operation("oauth.begin"),
		logging.Provider(cfg.ID),
		slog.Bool("pkce", cfg.PKCE),
	)

	return &Authorization{RedirectURL: redirect, State: st.Token, ExpiresAt: st.ExpiresAt}, nil
}

// Cancel discards a pending flow, e.g. when the provider redirected back with
// an error instead of a code.
func (b *Broker) Cancel(state string) {
	b.states.Consume(state)
}

// Complete finishes a flow: it consumes the state, exchanges the code and
// stores the resulting token record.
func (b *Broker) Complete(ctx context.Context, providerID, state, code string) (*tokenstore.Record, error) {
	rec, err := b.complete(ctx, providerID, state, code)
	if err != nil {
		b.metrics.RecordOAuthFlow(ctx, providerID, instrumentation.StageComplete, instrumentation.OAuthResultFailure)
		b.audit.Log(instrumentation.AuthEvent{
			Type:     instrumentation.AuditFlowFailed,
			Provider: providerID,
			Error:    err.Error(),
			TraceID:  instrumentation.GetTraceID(ctx),
		})
		b.logger.Warn("Authorization flow failed",
			logging.Operation("oauth.complete"),
			logging.Provider(providerID),
			logging.Err(err),
		)
		return nil, err
	}

	b.metrics.RecordOAuthFlow(ctx, providerID, instrumentation.StageComplete, instrumentation.OAuthResultSuccess)
	b.audit.Log(instrumentation.AuthEvent{
		Type:     instrumentation.AuditFlowCompleted,
		Provider: providerID,
		Subject:  rec.SubjectID,
		Success:  true,
		TraceID:  instrumentation.GetTraceID(ctx),
	})
	b.logger.Info("Authorization flow completed",
		logging.Operation("oauth.complete"),
		logging.Provider(providerID),
		logging.SubjectHash(rec.SubjectID),
	)
	return rec, nil
}

func (b *Broker) complete(ctx context.Context, providerID, state, code string) (*tokenstore.Record, error) {
	st, ok := b.states.Consume(state)
	if !ok {
		return nil, ErrInvalidOrExpiredState
	}
	if st.ProviderID != providerID {
		return nil, fmt.Errorf("%w: state was issued for another provider", ErrInvalidOrExpiredState)
	}

	cfg, err := b.registry.Lookup(providerID)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, &ExchangeError{Provider: providerID, Detail: "callback carried no authorization code"}
	}

	ctx, cancel := context.WithTimeout(ctx, b.providerTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)

	var opts []oauth2.AuthCodeOption
	if st.PKCEVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(st.PKCEVerifier))
	}

	tok, _, err := b.exchange(ctx, cfg, "authorization_code", func(ctx context.Context) (*oauth2.Token, error) {
		return oauth2Config(cfg).Exchange(ctx, code, opts...)
	})
	if err != nil {
		return nil, err
	}

	subject, err := b.resolveSubject(ctx, cfg, tok)
	if err != nil {
		return nil, err
	}

	rec := recordFromToken(cfg.ID, subject, tok, nil, b.now())
	if err := b.tokens.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store token record: %w", err)
	}
	return rec, nil
}

// exchange runs one token endpoint call inside a provider span and records
// its latency. The returned bool reports whether the failure is transient.
func (b *Broker) exchange(ctx context.Context, cfg provider.Config, grant string, call func(context.Context) (*oauth2.Token, error)) (*oauth2.Token, bool, error) {
	ctx, span := instrumentation.StartProviderSpan(ctx, cfg.ID, grant)
	defer span.End()

	start := time.Now()
	tok, err := call(ctx)
	if err != nil {
		classified, transient := classifyProviderError(cfg.ID, err)
		b.metrics.RecordProviderCall(ctx, cfg.ID, instrumentation.StatusError, time.Since(start))
		instrumentation.SetSpanError(span, classified)
		return nil, transient, classified
	}
	b.metrics.RecordProviderCall(ctx, cfg.ID, instrumentation.StatusSuccess, time.Since(start))
	instrumentation.SetSpanSuccess(span)
	return tok, false, nil
}

// resolveSubject derives the account id the token was issued for.
func (b *Broker) resolveSubject(ctx context.Context, cfg provider.Config, tok *oauth2.Token) (string, error) {
	src := cfg.Subject
	if src.TokenField != "" {
		if v := tokenField(tok, src.TokenField); v != "" {
			return v, nil
		}
	}
	if src.IDTokenClaim != "" {
		if v := idTokenClaim(tok, src.IDTokenClaim); v != "" {
			return v, nil
		}
	}
	if src.UserInfoURL != "" {
		ctx, span := instrumentation.StartProviderSpan(ctx, cfg.ID, "userinfo")
		defer span.End()

		v, err := fetchUserInfo(ctx, b.httpClient, tok, src.UserInfoURL, src.UserInfoField)
		if err != nil {
			instrumentation.SetSpanError(span, err)
			if isTimeout(err) {
				return "", fmt.Errorf("%w: %s identity call: %w", ErrProviderTimeout, cfg.ID, err)
			}
			return "", &ExchangeError{Provider: cfg.ID, Detail: "identity call failed: " + err.Error(), Err: err}
		}
		if v != "" {
			return v, nil
		}
	}
	return "", &ExchangeError{Provider: cfg.ID, Detail: "token response did not identify the authorized account"}
}

// Refresh renews the access token of (providerID, subjectID). Concurrent calls
// for the same key share one refresh grant and receive the same record.
func (b *Broker) Refresh(ctx context.Context, providerID, subjectID string) (*tokenstore.Record, error) {
	return b.sharedRefresh(ctx, providerID, subjectID, 0)
}

// sharedRefresh runs at most one refresh grant per key at a time. With a
// positive margin the grant is skipped when the stored record no longer
// expires within it, which is the case for callers that read the old record
// before an earlier refresh finished.
func (b *Broker) sharedRefresh(ctx context.Context, providerID, subjectID string, margin time.Duration) (*tokenstore.Record, error) {
	key := tokenstore.Key{ProviderID: providerID, SubjectID: subjectID}.String()
	v, err, shared := b.refreshGroup.Do(key, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		return b.refresh(context.WithoutCancel(ctx), providerID, subjectID, margin)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		b.logger.Debug("Joined in-flight token refresh", logging.Provider(providerID))
	}
	return v.(*tokenstore.Record).Clone(), nil
}

func (b *Broker) refresh(ctx context.Context, providerID, subjectID string, margin time.Duration) (*tokenstore.Record, error) {
	logger := logging.WithOperation(b.logger, "oauth.refresh").With(logging.Provider(providerID), logging.SubjectHash(subjectID))

	cfg, err := b.registry.Lookup(providerID)
	if err != nil {
		return nil, err
	}

	prev, err := b.tokens.Get(ctx, providerID, subjectID)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: no token record for %s", ErrNoRefreshToken, providerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token record: %w", err)
	}
	if prev.Invalid {
		return nil, fmt.Errorf("%w: %s", ErrRevokedGrant, prev.InvalidReason)
	}
	if margin > 0 && !prev.ExpiresWithin(b.now(), margin) {
		logger.Debug("Token already refreshed")
		return prev, nil
	}
	if prev.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	conf := oauth2Config(cfg)
	operation := func() (*oauth2.Token, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.providerTimeout)
		defer cancel()
		callCtx = context.WithValue(callCtx, oauth2.HTTPClient, b.httpClient)

		tok, transient, err := b.exchange(callCtx, cfg, "refresh_token", func(ctx context.Context) (*oauth2.Token, error) {
			// An empty access token forces the source to run the refresh grant.
			return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: prev.RefreshToken}).Token()
		})
		if err != nil {
			if transient {
				logger.Debug("Token refresh attempt failed", logging.Err(err))
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return tok, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = b.refreshBackoff

	tok, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(b.refreshMaxTries),
	)
	if err != nil {
		return nil, b.revoke(ctx, cfg.ID, subjectID, err, logger)
	}

	rec := recordFromToken(cfg.ID, subjectID, tok, prev, b.now())
	if err := b.tokens.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store refreshed token: %w", err)
	}

	b.metrics.RecordOAuthTokenRefresh(ctx, cfg.ID, instrumentation.OAuthResultSuccess)
	b.audit.Log(instrumentation.AuthEvent{
		Type:     instrumentation.AuditTokenRefreshed,
		Provider: cfg.ID,
		Subject:  subjectID,
		Success:  true,
	})
	logger.Info("Token refreshed", slog.Time("expires_at", rec.ExpiresAt))
	return rec, nil
}

// revoke marks the grant invalid after a refresh that could not succeed, so
// later users see ErrRevokedGrant instead of a stale token.
func (b *Broker) revoke(ctx context.Context, providerID, subjectID string, cause error, logger *slog.Logger) error {
	reason := cause.Error()
	var xe *ExchangeError
	if errors.As(cause, &xe) {
		reason = xe.Detail
	}

	result := instrumentation.OAuthResultRevoked
	if err := b.tokens.Invalidate(ctx, providerID, subjectID, reason); err != nil && !errors.Is(err, tokenstore.ErrNotFound) {
		logger.Error("Failed to invalidate token record", logging.Err(err))
		result = instrumentation.OAuthResultFailure
	}

	b.metrics.RecordOAuthTokenRefresh(ctx, providerID, result)
	b.audit.Log(instrumentation.AuthEvent{
		Type:     instrumentation.AuditGrantRevoked,
		Provider: providerID,
		Subject:  subjectID,
		Error:    reason,
	})
	logger.Warn("Token refresh failed, grant marked invalid", logging.Err(cause))
	return fmt.Errorf("token refresh failed: %w", cause)
}

// Token returns the stored record of (providerID, subjectID), refreshing it
// first when it expires within margin. Invalid records yield ErrRevokedGrant.
func (b *Broker) Token(ctx context.Context, providerID, subjectID string, margin time.Duration) (*tokenstore.Record, error) {
	rec, err := b.tokens.Get(ctx, providerID, subjectID)
	if err != nil {
		return nil, err
	}
	if rec.Invalid {
		return nil, fmt.Errorf("%w: %s", ErrRevokedGrant, rec.InvalidReason)
	}
	if !rec.ExpiresWithin(b.now(), margin) {
		return rec, nil
	}
	return b.sharedRefresh(ctx, providerID, subjectID, margin)
}

// Connection returns the stored record of (providerID, subjectID) as is,
// without refreshing it.
func (b *Broker) Connection(ctx context.Context, providerID, subjectID string) (*tokenstore.Record, error) {
	if _, err := b.registry.Lookup(providerID); err != nil {
		return nil, err
	}
	return b.tokens.Get(ctx, providerID, subjectID)
}

// Disconnect forgets the grant of (providerID, subjectID). Disconnecting an
// unknown grant is not an error.
func (b *Broker) Disconnect(ctx context.Context, providerID, subjectID string) error {
	if _, err := b.registry.Lookup(providerID); err != nil {
		return err
	}
	if err := b.tokens.Delete(ctx, providerID, subjectID); err != nil {
		return fmt.Errorf("failed to delete token record: %w", err)
	}

	b.audit.Log(instrumentation.AuthEvent{
		Type:     instrumentation.AuditDisconnected,
		Provider: providerID,
		Subject:  subjectID,
		Success:  true,
		TraceID:  instrumentation.GetTraceID(ctx),
	})
	b.logger.Info("Grant disconnected",
		logging.Operation("oauth.disconnect"),
		logging.Provider(providerID),
		logging.SubjectHash(subjectID),
	)
	return nil
}
