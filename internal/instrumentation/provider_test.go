package instrumentation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) (*Provider, context.Context) {
	t.Helper()
	return newTestProviderWithConfig(t, Config{})
}

func newTestProviderWithConfig(t *testing.T, cfg Config) (*Provider, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	cfg.ServiceName = "test-service"
	cfg.ServiceVersion = "1.0.0"
	cfg.Enabled = true
	cfg.MetricsExporter = ExporterPrometheus
	cfg.TracingExporter = ExporterNone
	provider, err := NewProvider(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return provider, ctx
}

// scrape returns the prometheus exposition served by the provider.
func scrape(t *testing.T, provider *Provider) string {
	t.Helper()
	handler := provider.MetricsHandler()
	require.NotNil(t, handler)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{ServiceName: "test-service"})
	require.NoError(t, err)

	assert.False(t, provider.Enabled())
	assert.NotNil(t, provider.Metrics())
	assert.NotNil(t, provider.Audit())
	assert.NotNil(t, provider.Tracer("test"))
	assert.Nil(t, provider.MetricsHandler())
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestNewProvider_PrometheusExporter(t *testing.T) {
	provider, _ := newTestProvider(t)

	assert.True(t, provider.Enabled())
	assert.NotNil(t, provider.Metrics())
	assert.NotNil(t, provider.Tracer("test"))
	assert.NotNil(t, provider.MetricsHandler())
}

func TestNewProvider_SeparateRegistries(t *testing.T) {
	first, ctx := newTestProvider(t)
	second, _ := newTestProvider(t)

	first.Metrics().IncrementActiveSessions(ctx, TransportSSE)

	assert.Contains(t, scrape(t, first), "mcp_active_sessions")
	assert.NotContains(t, scrape(t, second), `transport="sse"`)
}

func TestNewProvider_StdoutExporter(t *testing.T) {
	ctx := context.Background()
	provider, err := NewProvider(ctx, Config{
		ServiceName:       "test-service",
		Enabled:           true,
		MetricsExporter:   ExporterStdout,
		TracingExporter:   ExporterStdout,
		TraceSamplingRate: 1,
	})
	require.NoError(t, err)
	assert.True(t, provider.Enabled())
	assert.Nil(t, provider.MetricsHandler(), "stdout metrics are not scraped")
	_ = provider.Shutdown(ctx)
}

func TestNewProvider_UnsupportedExporters(t *testing.T) {
	ctx := context.Background()

	_, err := NewProvider(ctx, Config{Enabled: true, MetricsExporter: "graphite", TracingExporter: ExporterNone})
	assert.Error(t, err)

	_, err = NewProvider(ctx, Config{Enabled: true, MetricsExporter: ExporterPrometheus, TracingExporter: "zipkin"})
	assert.Error(t, err)

	_, err = NewProvider(ctx, Config{Enabled: true, MetricsExporter: ExporterOTLP, TracingExporter: ExporterNone})
	assert.Error(t, err, "otlp without endpoint must fail")
}

func TestProvider_NilSafe(t *testing.T) {
	var p *Provider
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.Metrics())
	assert.NotNil(t, p.Audit())
	assert.NotNil(t, p.Tracer("x"))
	assert.Nil(t, p.MetricsHandler())
	assert.NoError(t, p.Shutdown(context.Background()))
}
