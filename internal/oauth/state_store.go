package oauth

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teemow/mcpgate/internal/logging"
)

const (
	// DefaultStateTTL is how long a started flow may wait for its callback.
	DefaultStateTTL = 10 * time.Minute

	// DefaultCleanupInterval is how often expired states are purged.
	DefaultCleanupInterval = 1 * time.Minute
)

// AuthState is one pending authorization flow.
type AuthState struct {
	Token        string
	ProviderID   string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	PKCEVerifier string
}

// StateStore holds pending flows keyed by state token.
type StateStore struct {
	mu     sync.Mutex
	states map[string]*AuthState
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewStateStore creates a store and starts its cleanup goroutine.
// Call Stop to release it.
func NewStateStore(ttl time.Duration, logger *slog.Logger) *StateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &StateStore{
		states: make(map[string]*AuthState),
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
		stop:   make(chan struct{}),
	}

	go s.cleanup(DefaultCleanupInterval)

	return s
}

// Create stores a new flow for providerID and returns it.
func (s *StateStore) Create(providerID, verifier string) (*AuthState, error) {
	for range 3 {
		token, err := generateToken(StateTokenBytes)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if _, taken := s.states[token]; taken {
			s.mu.Unlock()
			continue
		}
		now := s.now()
		st := &AuthState{
			Token:        token,
			ProviderID:   providerID,
			CreatedAt:    now,
			ExpiresAt:    now.Add(s.ttl),
			PKCEVerifier: verifier,
		}
		s.states[token] = st
		s.mu.Unlock()

		s.logger.Debug("Saved authorization state",
			logging.Provider(providerID),
			slog.Time("expires_at", st.ExpiresAt),
		)
		copied := *st
		return &copied, nil
	}
	return nil, errors.New("failed to allocate a unique state token")
}

// Consume removes the state and returns it if it had not expired.
// A state can be consumed at most once.
func (s *StateStore) Consume(token string) (*AuthState, bool) {
	if token == "" {
		return nil, false
	}

	s.mu.Lock()
	st, exists := s.states[token]
	if exists {
		delete(s.states, token)
	}
	s.mu.Unlock()

	if !exists {
		return nil, false
	}
	if s.now().After(st.ExpiresAt) {
		s.logger.Debug("Authorization state expired", logging.Provider(st.ProviderID))
		return nil, false
	}
	return st, true
}

// Len returns the number of pending flows, expired ones included.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// Stop ends the cleanup goroutine.
func (s *StateStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *StateStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stop:
			return
		}
	}
}

// cleanupExpired removes expired states and returns how many were dropped.
func (s *StateStore) cleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	deleted := 0
	for token, st := range s.states {
		if now.After(st.ExpiresAt) {
			delete(s.states, token)
			deleted++
		}
	}

	if deleted > 0 {
		s.logger.Debug("Cleaned up authorization states", slog.Int("states_deleted", deleted))
	}
	return deleted
}
