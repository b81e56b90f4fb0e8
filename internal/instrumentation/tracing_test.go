package instrumentation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func TestStartProviderSpan(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := StartProviderSpan(context.Background(), "slack", "refresh_token")
	assert.NotEmpty(t, GetTraceID(ctx))
	SetSpanError(span, errors.New("invalid_grant"))
	span.End()

	ended := recorder.Ended()
	if assert.Len(t, ended, 1) {
		assert.Equal(t, "oauth.refresh_token", ended[0].Name())
		assert.Equal(t, "invalid_grant", ended[0].Status().Description)
	}
}

func TestStartMessageSpan(t *testing.T) {
	recorder := withRecorder(t)

	_, span := StartMessageSpan(context.Background(), TransportSSE, "sess-1", "tools/call")
	SetSpanSuccess(span)
	span.End()

	ended := recorder.Ended()
	if assert.Len(t, ended, 1) {
		assert.Equal(t, "mcp.tools/call", ended[0].Name())
		attrs := map[string]string{}
		for _, kv := range ended[0].Attributes() {
			attrs[string(kv.Key)] = kv.Value.AsString()
		}
		assert.Equal(t, "sse", attrs[SpanAttrTransport])
		assert.Equal(t, "sess-1", attrs[SpanAttrSession])
	}
}

func TestGetTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
}

func TestSetSpanError_Nil(t *testing.T) {
	recorder := withRecorder(t)
	_, span := StartSpan(context.Background(), "noop")
	SetSpanError(span, nil)
	span.End()
	if assert.Len(t, recorder.Ended(), 1) {
		assert.Empty(t, recorder.Ended()[0].Events())
	}
}
