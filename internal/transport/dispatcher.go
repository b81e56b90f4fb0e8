package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teemow/mcpgate/internal/connector"
	"github.com/teemow/mcpgate/internal/instrumentation"
	"github.com/teemow/mcpgate/internal/logging"
	"github.com/teemow/mcpgate/internal/session"
)

// Dispatcher defaults.
const (
	DefaultConnectorTimeout = 30 * time.Second
	DefaultRetryBackoff     = 250 * time.Millisecond
	connectorMaxTries       = 2
)

// DispatcherConfig holds the dependencies of a Dispatcher.
type DispatcherConfig struct {
	Sessions  *session.Manager
	Connector connector.Connector

	// ConnectorTimeout bounds each connector attempt.
	ConnectorTimeout time.Duration
	// RetryBackoff is the wait before the single retry after a timeout.
	RetryBackoff time.Duration

	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
}

// Dispatcher runs one message of one session through validation, lazy
// authorization and the connector.
type Dispatcher struct {
	sessions     *session.Manager
	connector    connector.Connector
	retryBackoff time.Duration
	metrics      *instrumentation.Metrics
	logger       *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if cfg.Connector == nil {
		return nil, errors.New("connector is required")
	}
	if cfg.ConnectorTimeout == 0 {
		cfg.ConnectorTimeout = DefaultConnectorTimeout
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &instrumentation.Metrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		sessions:     cfg.Sessions,
		connector:    connector.WithTimeout(cfg.Connector, cfg.ConnectorTimeout),
		retryBackoff: cfg.RetryBackoff,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}, nil
}

// IsFatal reports whether err ended the session it occurred on.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMalformedMessage) ||
		errors.Is(err, session.ErrUnauthorized) ||
		errors.Is(err, session.ErrSessionNotFound)
}

// Dispatch handles raw for s and returns the reply to emit, or nil when the
// message has none.
//
// On failure the returned reply is a JSON-RPC error response. When the error
// is fatal (see IsFatal) the session has already been failed with that reply
// as its terminal frame. The connector call is cancelled when the session
// closes.
func (d *Dispatcher) Dispatch(ctx context.Context, s *session.Session, raw []byte) (json.RawMessage, error) {
	transport := string(s.Kind)
	logger := d.logger.With(logging.Session(s.ID), logging.Transport(transport))

	msg, err := ParseMessage(raw)
	if err != nil {
		var merr *MessageError
		errors.As(err, &merr)
		reply := ErrorReply(merr.ID, merr.Code, merr.Reason)
		d.metrics.RecordMessage(ctx, transport, "", instrumentation.StatusError, s.ProviderID)
		logger.Warn("Rejected malformed message", logging.Err(err))
		d.fail(s, reply)
		return reply, err
	}

	ctx, span := instrumentation.StartMessageSpan(ctx, transport, s.ID, msg.Method)
	defer span.End()
	logger = logger.With(logging.Method(msg.Method))

	if err := d.sessions.Touch(s.ID); err != nil {
		instrumentation.SetSpanError(span, err)
		return ErrorReply(msg.ID, CodeSessionNotFound, err.Error()), err
	}

	token, err := d.sessions.Authorize(ctx, s)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		reply := ErrorReply(msg.ID, CodeUnauthorized, "unauthorized: the provider grant is no longer valid")
		d.metrics.RecordMessage(ctx, transport, msg.Method, instrumentation.StatusError, s.ProviderID)
		logger.Warn("Session no longer authorized", logging.Err(err))
		d.fail(s, reply)
		return reply, err
	}

	// The call ends with the session even when the caller's context lives on.
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.Context(), cancel)
	defer stop()

	reply, err := d.call(callCtx, msg, connector.Call{
		SessionID:   s.ID,
		ProviderID:  s.ProviderID,
		SubjectID:   s.SubjectID,
		AccessToken: token,
		Message:     msg.Raw,
	})
	if err != nil {
		instrumentation.SetSpanError(span, err)
		d.metrics.RecordMessage(ctx, transport, msg.Method, instrumentation.StatusError, s.ProviderID)
		switch {
		case s.Context().Err() != nil:
			err = fmt.Errorf("%w: closed during call", session.ErrSessionNotFound)
			return ErrorReply(msg.ID, CodeSessionNotFound, "session closed"), err
		case errors.Is(err, connector.ErrUpstreamTimeout):
			logger.Warn("Connector timed out", logging.Err(err))
			return ErrorReply(msg.ID, CodeUpstreamTimeout, "upstream timeout"), err
		default:
			logger.Error("Connector call failed", logging.Err(err))
			return ErrorReply(msg.ID, mcp.INTERNAL_ERROR, "connector error"), err
		}
	}

	instrumentation.SetSpanSuccess(span)
	d.metrics.RecordMessage(ctx, transport, msg.Method, instrumentation.StatusSuccess, s.ProviderID)
	if !msg.HasReply() || reply == nil {
		return nil, nil
	}
	return reply, nil
}

// call forwards msg and retries once when the connector times out.
func (d *Dispatcher) call(ctx context.Context, msg Message, call connector.Call) (json.RawMessage, error) {
	start := time.Now()
	operation := func() (json.RawMessage, error) {
		attemptStart := time.Now()
		reply, err := d.connector.Handle(ctx, call)
		if err != nil {
			d.metrics.RecordConnectorCall(ctx, msg.Method, instrumentation.StatusError, time.Since(attemptStart))
			if errors.Is(err, connector.ErrUpstreamTimeout) && ctx.Err() == nil {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		d.metrics.RecordConnectorCall(ctx, msg.Method, instrumentation.StatusSuccess, time.Since(attemptStart))
		return reply, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryBackoff

	reply, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(connectorMaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			d.metrics.RecordConnectorRetry(ctx, msg.Method)
			d.logger.Debug("Retrying connector call",
				logging.Session(call.SessionID),
				logging.Method(msg.Method),
				logging.Duration(wait),
				logging.Err(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	if reply == nil || msg.ID == nil {
		return reply, nil
	}

	reply, err = withID(reply, msg.ID)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("Connector replied",
		logging.Session(call.SessionID),
		logging.Method(msg.Method),
		logging.Duration(time.Since(start)))
	return reply, nil
}

func (d *Dispatcher) fail(s *session.Session, reply json.RawMessage) {
	d.sessions.Fail(s.ID, session.Frame{Event: session.EventError, Data: reply})
}
