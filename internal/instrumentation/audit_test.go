package instrumentation

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/mcpgate/internal/logging"
)

func decodeAudit(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestAuditLogger_HashesSubject(t *testing.T) {
	var buf bytes.Buffer
	al := NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	al.Log(AuthEvent{Type: AuditFlowCompleted, Provider: "slack", Subject: "T0123", Success: true})

	out := decodeAudit(t, &buf)
	assert.Equal(t, "oauth_flow_completed", out["event"])
	assert.Equal(t, "slack", out["provider"])
	assert.Equal(t, "INFO", out["level"])
	assert.Equal(t, logging.AnonymizeSubject("T0123"), out[logging.KeySubjectHash])
	assert.NotContains(t, buf.String(), "T0123")
}

func TestAuditLogger_RawSubjects(t *testing.T) {
	var buf bytes.Buffer
	al := NewAuditLoggerWithConfig(slog.New(slog.NewJSONHandler(&buf, nil)), AuditLoggingConfig{Enabled: true, RawSubjects: true})

	al.Log(AuthEvent{Type: AuditGrantRevoked, Provider: "google", Subject: "1089", Error: "invalid_grant"})

	out := decodeAudit(t, &buf)
	assert.Equal(t, "1089", out["subject"])
	assert.Equal(t, "invalid_grant", out["error"])
	assert.Equal(t, "WARN", out["level"])
}

func TestAuditLogger_Disabled(t *testing.T) {
	var buf bytes.Buffer
	al := NewAuditLoggerWithConfig(slog.New(slog.NewJSONHandler(&buf, nil)), AuditLoggingConfig{Enabled: false})

	al.Log(AuthEvent{Type: AuditFlowStarted, Provider: "github", Success: true})
	assert.Zero(t, buf.Len())

	var nilLogger *AuditLogger
	nilLogger.Log(AuthEvent{Type: AuditFlowStarted})
}
