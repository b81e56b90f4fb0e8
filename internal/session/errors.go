package session

import "errors"

var (
	// ErrUnauthorized is returned when no valid token can be obtained for the caller.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSessionNotFound is returned for unknown or closed sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDraining is returned by Open once shutdown has started.
	ErrDraining = errors.New("server is draining")

	// ErrSessionClosed is returned by Outbox operations after close.
	ErrSessionClosed = errors.New("session closed")
)
