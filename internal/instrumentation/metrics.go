package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrProvider  = "provider"
	attrStage     = "stage"
	attrResult    = "result"
	attrTransport = "transport"
	attrReason    = "reason"
	attrTool      = "tool"
)

// Metrics records mcpgate's metrics. The zero value is a valid no-op recorder.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Session metrics
	activeSessions      metric.Int64UpDownCounter
	sessionsClosedTotal metric.Int64Counter

	// OAuth metrics
	oauthFlowsTotal        metric.Int64Counter
	oauthTokenRefreshTotal metric.Int64Counter
	providerCallDuration   metric.Float64Histogram

	// MCP metrics
	mcpMessagesTotal      metric.Int64Counter
	connectorCallDuration metric.Float64Histogram
	connectorRetriesTotal metric.Int64Counter

	// Tool metrics
	toolInvocationsTotal metric.Int64Counter
	toolDuration         metric.Float64Histogram

	providerLabels bool
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics(meter metric.Meter, providerLabels bool) (*Metrics, error) {
	m := &Metrics{providerLabels: providerLabels}
	var err error

	if m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	if m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	); err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	if m.activeSessions, err = meter.Int64UpDownCounter(
		"mcp_active_sessions",
		metric.WithDescription("Number of active MCP sessions"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create mcp_active_sessions gauge: %w", err)
	}

	if m.sessionsClosedTotal, err = meter.Int64Counter(
		"mcp_sessions_closed_total",
		metric.WithDescription("Total number of closed MCP sessions by reason"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create mcp_sessions_closed_total counter: %w", err)
	}

	if m.oauthFlowsTotal, err = meter.Int64Counter(
		"oauth_flows_total",
		metric.WithDescription("Total number of OAuth authorization flow steps"),
		metric.WithUnit("{flow}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create oauth_flows_total counter: %w", err)
	}

	if m.oauthTokenRefreshTotal, err = meter.Int64Counter(
		"oauth_token_refresh_total",
		metric.WithDescription("Total number of OAuth token refresh attempts"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create oauth_token_refresh_total counter: %w", err)
	}

	if m.providerCallDuration, err = meter.Float64Histogram(
		"oauth_provider_call_duration_seconds",
		metric.WithDescription("Duration of outbound calls to OAuth providers"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		return nil, fmt.Errorf("failed to create oauth_provider_call_duration_seconds histogram: %w", err)
	}

	if m.mcpMessagesTotal, err = meter.Int64Counter(
		"mcp_messages_total",
		metric.WithDescription("Total number of MCP messages processed"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create mcp_messages_total counter: %w", err)
	}

	if m.connectorCallDuration, err = meter.Float64Histogram(
		"mcp_connector_call_duration_seconds",
		metric.WithDescription("Connector adapter call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	); err != nil {
		return nil, fmt.Errorf("failed to create mcp_connector_call_duration_seconds histogram: %w", err)
	}

	if m.connectorRetriesTotal, err = meter.Int64Counter(
		"mcp_connector_retries_total",
		metric.WithDescription("Total number of connector calls retried after an upstream timeout"),
		metric.WithUnit("{retry}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create mcp_connector_retries_total counter: %w", err)
	}

	if m.toolInvocationsTotal, err = meter.Int64Counter(
		"mcp_tool_invocations_total",
		metric.WithDescription("Total number of MCP tool invocations"),
		metric.WithUnit("{invocation}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_invocations_total counter: %w", err)
	}

	if m.toolDuration, err = meter.Float64Histogram(
		"mcp_tool_duration_seconds",
		metric.WithDescription("MCP tool invocation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	); err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_duration_seconds histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, route, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m.httpRequestsTotal == nil || m.httpRequestDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordOAuthFlow records one step (begin or complete) of an authorization flow.
func (m *Metrics) RecordOAuthFlow(ctx context.Context, provider, stage, result string) {
	if m.oauthFlowsTotal == nil {
		return
	}
	m.oauthFlowsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrProvider, provider),
		attribute.String(attrStage, stage),
		attribute.String(attrResult, result),
	))
}

// RecordOAuthTokenRefresh records a refresh grant attempt.
// Result should be one of: "success", "failure", "revoked"
func (m *Metrics) RecordOAuthTokenRefresh(ctx context.Context, provider, result string) {
	if m.oauthTokenRefreshTotal == nil {
		return
	}
	m.oauthTokenRefreshTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrProvider, provider),
		attribute.String(attrResult, result),
	))
}

// RecordProviderCall records the latency of a token or identity endpoint call.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, status string, duration time.Duration) {
	if m.providerCallDuration == nil {
		return
	}
	m.providerCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(attrProvider, provider),
		attribute.String(attrStatus, status),
	))
}

// RecordMessage records an inbound MCP message and how it was resolved.
// The provider label is only attached when provider labels are enabled.
func (m *Metrics) RecordMessage(ctx context.Context, transport, method, status, provider string) {
	if m.mcpMessagesTotal == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String(attrTransport, transport),
		attribute.String(attrMethod, MethodLabel(method)),
		attribute.String(attrStatus, status),
	}
	if m.providerLabels && provider != "" {
		attrs = append(attrs, attribute.String(attrProvider, provider))
	}
	m.mcpMessagesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordConnectorCall records the duration of a single connector adapter call.
func (m *Metrics) RecordConnectorCall(ctx context.Context, method, status string, duration time.Duration) {
	if m.connectorCallDuration == nil {
		return
	}
	m.connectorCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(attrMethod, MethodLabel(method)),
		attribute.String(attrStatus, status),
	))
}

// RecordConnectorRetry counts a connector call that is retried after a timeout.
func (m *Metrics) RecordConnectorRetry(ctx context.Context, method string) {
	if m.connectorRetriesTotal == nil {
		return
	}
	m.connectorRetriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrMethod, MethodLabel(method)),
	))
}

// RecordToolInvocation records one tool call and its duration.
func (m *Metrics) RecordToolInvocation(ctx context.Context, tool, status string, duration time.Duration) {
	if m.toolInvocationsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(attrTool, MethodLabel(tool)),
		attribute.String(attrStatus, status),
	)
	m.toolInvocationsTotal.Add(ctx, 1, attrs)
	if m.toolDuration != nil {
		m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// IncrementActiveSessions increments the active sessions gauge.
func (m *Metrics) IncrementActiveSessions(ctx context.Context, transport string) {
	if m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, 1, metric.WithAttributes(attribute.String(attrTransport, transport)))
}

// DecrementActiveSessions decrements the active sessions gauge and counts the close reason.
func (m *Metrics) DecrementActiveSessions(ctx context.Context, transport, reason string) {
	if m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, -1, metric.WithAttributes(attribute.String(attrTransport, transport)))
	if m.sessionsClosedTotal != nil {
		m.sessionsClosedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String(attrTransport, transport),
			attribute.String(attrReason, reason),
		))
	}
}
