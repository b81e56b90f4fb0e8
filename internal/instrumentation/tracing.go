package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the default tracer name for mcpgate.
const TracerName = "github.com/teemow/mcpgate"

// Span attribute keys.
const (
	SpanAttrProvider  = "oauth.provider"
	SpanAttrGrantType = "oauth.grant_type"
	SpanAttrSession   = "mcp.session_id"
	SpanAttrTransport = "mcp.transport"
	SpanAttrMethod    = "mcp.method"
	SpanAttrAttempt   = "mcp.attempt"
)

// StartSpan starts a new span with the given name and attributes.
// The caller is responsible for ending the span with defer span.End().
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartProviderSpan starts a client span for a call to an OAuth provider
// (token exchange, refresh, or identity lookup).
func StartProviderSpan(ctx context.Context, provider, grantType string) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, "oauth."+grantType,
		trace.WithAttributes(
			attribute.String(SpanAttrProvider, provider),
			attribute.String(SpanAttrGrantType, grantType),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartMessageSpan starts a server span for one inbound MCP message.
func StartMessageSpan(ctx context.Context, transport, sessionID, method string) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, "mcp."+MethodLabel(method),
		trace.WithAttributes(
			attribute.String(SpanAttrTransport, transport),
			attribute.String(SpanAttrSession, sessionID),
			attribute.String(SpanAttrMethod, method),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// SetSpanError records an error on the span and sets the status to error.
func SetSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess sets the span status to OK.
func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// GetTraceID returns the trace ID from the current span in context.
// Returns empty string if no valid span is present.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
