// Package connector is the boundary between the MCP transports and the
// integration that actually serves a session's calls.
//
// The transports forward every authorized, well-formed message to a
// Connector and relay whatever it answers. A connector learns who it is
// serving from the Call, or from the request context via IdentityFromContext.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrUpstreamTimeout is returned when a connector does not answer in time.
var ErrUpstreamTimeout = errors.New("upstream timeout")

// Call is one MCP message on behalf of an authorized caller.
type Call struct {
	SessionID   string
	ProviderID  string
	SubjectID   string
	AccessToken string
	Message     json.RawMessage
}

// Connector handles MCP messages. It returns the JSON-RPC reply, or nil for
// messages that have none (notifications and client responses).
type Connector interface {
	Handle(ctx context.Context, call Call) (json.RawMessage, error)
}

// Func adapts a function to the Connector interface.
type Func func(ctx context.Context, call Call) (json.RawMessage, error)

// Handle calls f.
func (f Func) Handle(ctx context.Context, call Call) (json.RawMessage, error) {
	return f(ctx, call)
}

// Identity describes the caller a connector works for.
type Identity struct {
	SessionID   string
	ProviderID  string
	SubjectID   string
	AccessToken string
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// AccessTokenFromContext returns the caller's provider access token, or "".
func AccessTokenFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.AccessToken
}

func (c Call) identity() Identity {
	return Identity{
		SessionID:   c.SessionID,
		ProviderID:  c.ProviderID,
		SubjectID:   c.SubjectID,
		AccessToken: c.AccessToken,
	}
}

// WithTimeout bounds every call to c by d. A call that runs out of time fails
// with ErrUpstreamTimeout even if c ignores its context; its late result is
// discarded.
func WithTimeout(c Connector, d time.Duration) Connector {
	if d <= 0 {
		return c
	}
	return Func(func(ctx context.Context, call Call) (json.RawMessage, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		type result struct {
			reply json.RawMessage
			err   error
		}
		done := make(chan result, 1)
		go func() {
			reply, err := c.Handle(ctx, call)
			done <- result{reply, err}
		}()

		select {
		case r := <-done:
			if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
				return nil, errors.Join(ErrUpstreamTimeout, r.err)
			}
			return r.reply, r.err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrUpstreamTimeout
			}
			return nil, ctx.Err()
		}
	})
}
