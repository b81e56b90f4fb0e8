// Package instrumentation provides OpenTelemetry metrics, tracing and the
// authorization audit log for mcpgate.
//
// # Metrics
//
// Server/HTTP:
//   - http_requests_total, http_request_duration_seconds by method, route and status
//
// Sessions:
//   - mcp_active_sessions by transport
//   - mcp_sessions_closed_total by transport and close reason
//
// OAuth:
//   - oauth_flows_total by provider, stage (begin, complete) and result
//   - oauth_token_refresh_total by provider and result
//   - oauth_provider_call_duration_seconds by provider and status
//
// MCP:
//   - mcp_messages_total by transport, method and status
//   - mcp_connector_call_duration_seconds by method and status
//   - mcp_connector_retries_total by method
//
// # Tracing
//
// Spans are created for provider calls (oauth.<grant>) and for each inbound
// MCP message (mcp.<method>).
//
// # Configuration
//
// DefaultConfig reads INSTRUMENTATION_ENABLED, METRICS_EXPORTER (prometheus,
// otlp, stdout), TRACING_EXPORTER (otlp, stdout, none),
// OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_INSECURE,
// OTEL_TRACES_SAMPLER_ARG, METRICS_PROVIDER_LABELS, AUDIT_LOGGING_ENABLED and
// AUDIT_LOGGING_RAW_SUBJECTS.
//
// With the prometheus exporter each Provider registers on its own registry,
// served by Provider.MetricsHandler.
package instrumentation
