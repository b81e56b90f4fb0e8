package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teemow/mcpgate/internal/instrumentation"
	"github.com/teemow/mcpgate/internal/logging"
	"github.com/teemow/mcpgate/internal/tokenstore"
)

const (
	// DefaultRefreshMargin is how close to expiry a token is refreshed.
	DefaultRefreshMargin = 60 * time.Second

	// DefaultRecheckInterval bounds how often a session's token is re-checked.
	DefaultRecheckInterval = 30 * time.Second

	// DefaultHTTPIdleTimeout closes HTTP sessions without traffic.
	DefaultHTTPIdleTimeout = 5 * time.Minute

	// DefaultSSEIdleTimeout closes SSE sessions without traffic.
	DefaultSSEIdleTimeout = 30 * time.Minute

	// DefaultSweepInterval is how often idle sessions are looked for.
	DefaultSweepInterval = 15 * time.Second
)

// TokenSource returns a usable token record for a caller, refreshing it when
// it expires within margin.
type TokenSource interface {
	Token(ctx context.Context, providerID, subjectID string, margin time.Duration) (*tokenstore.Record, error)
}

// Config configures a Manager.
type Config struct {
	Tokens TokenSource

	RefreshMargin   time.Duration
	RecheckInterval time.Duration
	HTTPIdleTimeout time.Duration
	SSEIdleTimeout  time.Duration
	SweepInterval   time.Duration

	Metrics *instrumentation.Metrics
	Audit   *instrumentation.AuditLogger
	Logger  *slog.Logger
}

// Manager owns the session table.
//
// Sessions are stored in a sync.Map and each guards its own state, so work on
// one session never waits for another.
type Manager struct {
	sessions sync.Map // id -> *Session
	active   atomic.Int64
	draining atomic.Bool

	tokens          TokenSource
	refreshMargin   time.Duration
	recheckInterval time.Duration
	idleTimeouts    map[Kind]time.Duration

	metrics *instrumentation.Metrics
	audit   *instrumentation.AuditLogger
	logger  *slog.Logger
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates a Manager and starts its idle sweep. Call Stop to end it.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("token source is required")
	}
	m := &Manager{
		tokens:          cfg.Tokens,
		refreshMargin:   orDefault(cfg.RefreshMargin, DefaultRefreshMargin),
		recheckInterval: orDefault(cfg.RecheckInterval, DefaultRecheckInterval),
		idleTimeouts: map[Kind]time.Duration{
			KindHTTP: orDefault(cfg.HTTPIdleTimeout, DefaultHTTPIdleTimeout),
			KindSSE:  orDefault(cfg.SSEIdleTimeout, DefaultSSEIdleTimeout),
		},
		metrics: cfg.Metrics,
		audit:   cfg.Audit,
		logger:  cfg.Logger,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if m.metrics == nil {
		m.metrics = &instrumentation.Metrics{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}

	go m.sweepLoop(orDefault(cfg.SweepInterval, DefaultSweepInterval))

	return m, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Open creates an Active session for the caller. The caller's token is
// refreshed first if it expires within the refresh margin.
func (m *Manager) Open(ctx context.Context, providerID, subjectID string, kind Kind) (*Session, error) {
	if m.draining.Load() {
		return nil, ErrDraining
	}

	now := m.now()
	s := newSession(uuid.NewString(), providerID, subjectID, kind, now)

	rec, err := m.tokens.Token(ctx, providerID, subjectID, m.refreshMargin)
	if err != nil {
		s.cancel()
		m.audit.Log(instrumentation.AuthEvent{
			Type:     instrumentation.AuditSessionDenied,
			Provider: providerID,
			Subject:  subjectID,
			Error:    err.Error(),
			TraceID:  instrumentation.GetTraceID(ctx),
		})
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	s.activate(rec.AccessToken, rec.ExpiresAt, m.now())
	m.sessions.Store(s.ID, s)

	// Drain may have started while the token was being checked.
	if m.draining.Load() {
		m.sessions.Delete(s.ID)
		s.close(ReasonShutdown, closeFrame(ReasonShutdown))
		return nil, ErrDraining
	}

	m.active.Add(1)
	m.metrics.IncrementActiveSessions(ctx, string(kind))
	m.audit.Log(instrumentation.AuthEvent{
		Type:     instrumentation.AuditSessionOpened,
		Provider: providerID,
		Subject:  subjectID,
		Success:  true,
		TraceID:  instrumentation.GetTraceID(ctx),
	})
	m.logger.Info("Session opened",
		logging.Session(s.ID),
		logging.Transport(string(kind)),
		logging.Provider(providerID),
		logging.SubjectHash(subjectID),
	)
	return s, nil
}

// Get returns the Active session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	s := v.(*Session)
	if s.State() != StateActive {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Touch records activity on a session.
func (m *Manager) Touch(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if !s.touch(m.now()) {
		return ErrSessionNotFound
	}
	return nil
}

// Close ends a session and delivers a close frame to its stream. Closing an
// unknown or already closed session is a no-op that returns false.
func (m *Manager) Close(id string, reason CloseReason) bool {
	return m.closeWith(id, reason, closeFrame(reason))
}

// Fail ends a session because of an error and delivers frame as its last
// output.
func (m *Manager) Fail(id string, frame Frame) bool {
	if frame.Event == "" {
		frame.Event = EventError
	}
	return m.closeWith(id, ReasonError, frame)
}

func (m *Manager) closeWith(id string, reason CloseReason, terminal Frame) bool {
	v, ok := m.sessions.LoadAndDelete(id)
	if !ok {
		return false
	}
	s := v.(*Session)
	if !s.close(reason, terminal) {
		return false
	}

	m.active.Add(-1)
	m.metrics.DecrementActiveSessions(context.Background(), string(s.Kind), string(reason))
	m.logger.Info("Session closed",
		logging.Session(s.ID),
		logging.Transport(string(s.Kind)),
		slog.String("reason", string(reason)),
		logging.Duration(m.now().Sub(s.CreatedAt)),
	)
	return true
}

// CloseSubject closes every session of (providerID, subjectID) with reason
// revoked and returns how many were closed.
func (m *Manager) CloseSubject(providerID, subjectID string) int {
	closed := 0
	m.sessions.Range(func(key, value any) bool {
		s := value.(*Session)
		if s.ProviderID == providerID && s.SubjectID == subjectID && m.Close(key.(string), ReasonRevoked) {
			closed++
		}
		return true
	})
	return closed
}

// Authorize returns the session's access token. The token store is consulted
// at most once per recheck interval, or sooner when the cached token is about
// to expire. If no valid token can be obtained it returns ErrUnauthorized and
// the caller is expected to Fail the session.
func (m *Manager) Authorize(ctx context.Context, s *Session) (string, error) {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	now := m.now()
	fresh := now.Sub(s.tokenCheckedAt) < m.recheckInterval
	expiring := !s.tokenExpiresAt.IsZero() && !now.Add(m.refreshMargin).Before(s.tokenExpiresAt)
	if fresh && !expiring && s.accessToken != "" {
		return s.accessToken, nil
	}

	rec, err := m.tokens.Token(ctx, s.ProviderID, s.SubjectID, m.refreshMargin)
	if err != nil {
		m.logger.Warn("Session token could not be renewed",
			logging.Session(s.ID),
			logging.Provider(s.ProviderID),
			logging.Err(err),
		)
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	s.accessToken = rec.AccessToken
	s.tokenExpiresAt = rec.ExpiresAt
	s.tokenCheckedAt = m.now()
	return s.accessToken, nil
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	return int(m.active.Load())
}

// Draining reports whether Drain has been called.
func (m *Manager) Draining() bool {
	return m.draining.Load()
}

// StopOpening makes Open fail with ErrDraining. Existing sessions keep
// running until Drain.
func (m *Manager) StopOpening() {
	m.draining.Store(true)
}

// Drain stops new sessions from opening and closes every session with a
// shutdown frame.
func (m *Manager) Drain(ctx context.Context) error {
	m.draining.Store(true)

	closed := 0
	m.sessions.Range(func(key, _ any) bool {
		if ctx.Err() != nil {
			return false
		}
		if m.Close(key.(string), ReasonShutdown) {
			closed++
		}
		return true
	})
	m.logger.Info("Sessions drained", slog.Int("closed", closed))
	return ctx.Err()
}

// Stop ends the idle sweep.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(m.now())
		case <-m.stop:
			return
		}
	}
}

// sweep closes sessions idle past their kind's timeout and returns how many
// were closed.
func (m *Manager) sweep(now time.Time) int {
	closed := 0
	m.sessions.Range(func(key, value any) bool {
		s := value.(*Session)
		if s.idleSince(now) > m.idleTimeouts[s.Kind] {
			if m.Close(key.(string), ReasonIdle) {
				closed++
			}
		}
		return true
	})
	if closed > 0 {
		m.logger.Debug("Closed idle sessions", slog.Int("closed", closed))
	}
	return closed
}
