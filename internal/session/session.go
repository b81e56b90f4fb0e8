package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Kind is the transport a session was opened on.
type Kind string

const (
	KindSSE  Kind = "sse"
	KindHTTP Kind = "http"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateOpening State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a session ended.
type CloseReason string

const (
	ReasonExplicit   CloseReason = "explicit"
	ReasonIdle       CloseReason = "idle"
	ReasonError      CloseReason = "error"
	ReasonDisconnect CloseReason = "disconnect"
	ReasonShutdown   CloseReason = "shutdown"
	ReasonRevoked    CloseReason = "revoked"
)

// Session is one live MCP session. The identifying fields are immutable.
type Session struct {
	ID         string
	ProviderID string
	SubjectID  string
	Kind       Kind
	CreatedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	outbox *Outbox

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	closeReason  CloseReason

	// authMu serializes the lazy token re-check of this session.
	authMu         sync.Mutex
	accessToken    string
	tokenExpiresAt time.Time
	tokenCheckedAt time.Time
}

func newSession(id, providerID, subjectID string, kind Kind, now time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:           id,
		ProviderID:   providerID,
		SubjectID:    subjectID,
		Kind:         kind,
		CreatedAt:    now,
		ctx:          ctx,
		cancel:       cancel,
		outbox:       newOutbox(),
		state:        StateOpening,
		lastActivity: now,
	}
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Outbox returns the session's outbound frame queue.
func (s *Session) Outbox() *Outbox {
	return s.outbox
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns when the session last saw traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// CloseReason returns why the session closed, or "" while it is open.
func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

func (s *Session) activate(accessToken string, expiresAt, now time.Time) {
	s.authMu.Lock()
	s.accessToken = accessToken
	s.tokenExpiresAt = expiresAt
	s.tokenCheckedAt = now
	s.authMu.Unlock()

	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()
}

func (s *Session) touch(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	s.lastActivity = now
	return true
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// close moves the session to Closed, cancels its context and hands the
// terminal frame to the outbox. It reports false if the session was already
// closing.
func (s *Session) close(reason CloseReason, terminal Frame) bool {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosing
	s.closeReason = reason
	s.mu.Unlock()

	s.cancel()
	s.outbox.close(terminal)

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return true
}

// closeFrame is the terminal frame of a session closed without an error.
func closeFrame(reason CloseReason) Frame {
	data, _ := json.Marshal(struct {
		Reason CloseReason `json:"reason"`
	}{reason})
	return Frame{Event: EventClose, Data: data}
}
