package instrumentation

import (
	"log/slog"
	"time"

	"github.com/teemow/mcpgate/internal/logging"
)

// AuditEventType names an authorization lifecycle event.
type AuditEventType string

const (
	AuditFlowStarted    AuditEventType = "oauth_flow_started"
	AuditFlowCompleted  AuditEventType = "oauth_flow_completed"
	AuditFlowFailed     AuditEventType = "oauth_flow_failed"
	AuditTokenRefreshed AuditEventType = "oauth_token_refreshed"
	AuditGrantRevoked   AuditEventType = "oauth_grant_revoked"
	AuditDisconnected   AuditEventType = "oauth_grant_disconnected"
	AuditSessionOpened  AuditEventType = "mcp_session_opened"
	AuditSessionDenied  AuditEventType = "mcp_session_denied"
)

// AuthEvent captures one authorization-relevant event for the audit trail.
//
// Subject is the provider account id. It is hashed unless the audit logger
// was configured with RawSubjects.
type AuthEvent struct {
	Type      AuditEventType
	Provider  string
	Subject   string
	ClientIP  string
	Success   bool
	Error     string
	Timestamp time.Time
	TraceID   string
}

// LogAttrs returns the slog attributes for the event.
func (e AuthEvent) LogAttrs(rawSubjects bool) []slog.Attr {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	attrs := []slog.Attr{
		slog.String("event", string(e.Type)),
		slog.String(logging.KeyProvider, e.Provider),
		slog.Bool("success", e.Success),
		slog.Time("timestamp", ts.UTC()),
	}
	if e.Subject != "" {
		if rawSubjects {
			attrs = append(attrs, slog.String("subject", e.Subject))
		} else {
			attrs = append(attrs, logging.SubjectHash(e.Subject))
		}
	}
	if e.ClientIP != "" {
		attrs = append(attrs, slog.String("client_ip", e.ClientIP))
	}
	if e.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", e.TraceID))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String(logging.KeyError, e.Error))
	}
	return attrs
}

// AuditLogger writes authorization events to a dedicated slog logger.
type AuditLogger struct {
	logger     *slog.Logger
	rawSubjects bool
	enabled    bool
}

// NewAuditLogger creates an enabled AuditLogger that hashes subjects.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return NewAuditLoggerWithConfig(logger, AuditLoggingConfig{Enabled: true})
}

// NewAuditLoggerWithConfig creates a new AuditLogger with the given configuration.
func NewAuditLoggerWithConfig(logger *slog.Logger, config AuditLoggingConfig) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger:     logger.With(slog.String("component", "audit")),
		rawSubjects: config.RawSubjects,
		enabled:    config.Enabled,
	}
}

// Log writes the event. Failures are logged at warn level.
func (al *AuditLogger) Log(e AuthEvent) {
	if al == nil || !al.enabled {
		return
	}
	attrs := e.LogAttrs(al.rawSubjects)
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	if e.Success {
		al.logger.Info("audit", args...)
	} else {
		al.logger.Warn("audit", args...)
	}
}
