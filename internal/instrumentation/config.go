package instrumentation

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// Config controls what telemetry the gateway emits and where it goes.
type Config struct {
	// Enabled turns metrics and tracing on. Audit logging is configured
	// separately and keeps working when this is false.
	Enabled bool

	ServiceName    string
	ServiceVersion string

	// ServiceInstanceID defaults to the hostname. K8sNamespace and K8sPodName
	// are attached to the resource when set.
	ServiceInstanceID string
	K8sNamespace      string
	K8sPodName        string

	// MetricsExporter is one of prometheus, otlp or stdout. The prometheus
	// exporter is scraped through Provider.MetricsHandler.
	MetricsExporter string

	// TracingExporter is one of otlp, stdout or none.
	TracingExporter   string
	TraceSamplingRate float64

	// OTLPEndpoint is host:port without a scheme. OTLPInsecure disables TLS
	// and is meant for local collectors only.
	OTLPEndpoint string
	OTLPInsecure bool

	// ProviderLabels attaches the provider id to mcp_messages_total. The
	// label set grows with every enabled provider.
	ProviderLabels bool

	AuditLogging AuditLoggingConfig
}

// AuditLoggingConfig controls the authorization audit trail.
type AuditLoggingConfig struct {
	Enabled bool

	// RawSubjects writes provider subject ids as they are. By default they
	// are replaced with a short hash.
	RawSubjects bool
}

// Environment variables read by DefaultConfig.
const (
	EnvServiceName       = "OTEL_SERVICE_NAME"
	EnvServiceInstanceID = "OTEL_SERVICE_INSTANCE_ID"
	EnvEnabled           = "INSTRUMENTATION_ENABLED"
	EnvMetricsExporter   = "METRICS_EXPORTER"
	EnvTracingExporter   = "TRACING_EXPORTER"
	EnvSamplingRate      = "OTEL_TRACES_SAMPLER_ARG"
	EnvOTLPEndpoint      = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvOTLPInsecure      = "OTEL_EXPORTER_OTLP_INSECURE"
	EnvProviderLabels    = "METRICS_PROVIDER_LABELS"
	EnvAuditEnabled      = "AUDIT_LOGGING_ENABLED"
	EnvAuditRawSubjects  = "AUDIT_LOGGING_RAW_SUBJECTS"
)

// DefaultConfig reads the instrumentation settings from the environment.
// Values that do not parse fall back to the default.
func DefaultConfig() Config {
	return Config{
		Enabled:           envBool(EnvEnabled, true),
		ServiceName:       envString(EnvServiceName, "mcpgate"),
		ServiceVersion:    "unknown",
		ServiceInstanceID: envString(EnvServiceInstanceID, ""),
		K8sNamespace:      envString("K8S_NAMESPACE", envString("POD_NAMESPACE", "")),
		K8sPodName:        envString("K8S_POD_NAME", envString("HOSTNAME", "")),
		MetricsExporter:   envString(EnvMetricsExporter, ExporterPrometheus),
		TracingExporter:   envString(EnvTracingExporter, ExporterNone),
		TraceSamplingRate: envFloat(EnvSamplingRate, 0.1),
		OTLPEndpoint:      envString(EnvOTLPEndpoint, ""),
		OTLPInsecure:      envBool(EnvOTLPInsecure, false),
		ProviderLabels:    envBool(EnvProviderLabels, false),
		AuditLogging: AuditLoggingConfig{
			Enabled:     envBool(EnvAuditEnabled, true),
			RawSubjects: envBool(EnvAuditRawSubjects, false),
		},
	}
}

var (
	metricsExporters = []string{ExporterPrometheus, ExporterOTLP, ExporterStdout}
	tracingExporters = []string{ExporterOTLP, ExporterStdout, ExporterNone}
)

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0.0 and 1.0, got %f", c.TraceSamplingRate)
	}
	if c.MetricsExporter != "" && !slices.Contains(metricsExporters, c.MetricsExporter) {
		return fmt.Errorf("invalid metrics exporter %q, must be one of: %v", c.MetricsExporter, metricsExporters)
	}
	if c.TracingExporter != "" && !slices.Contains(tracingExporters, c.TracingExporter) {
		return fmt.Errorf("invalid tracing exporter %q, must be one of: %v", c.TracingExporter, tracingExporters)
	}
	if c.OTLPEndpoint == "" && (c.TracingExporter == ExporterOTLP || c.MetricsExporter == ExporterOTLP) {
		return fmt.Errorf("OTLP endpoint is required when an exporter is set to otlp; set %s", EnvOTLPEndpoint)
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func envFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return v
}

// Label values shared by the recorders and their callers.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusPending = "pending"

	OAuthResultSuccess = "success"
	OAuthResultFailure = "failure"
	OAuthResultRevoked = "revoked"

	StageBegin    = "begin"
	StageComplete = "complete"

	TransportSSE  = "sse"
	TransportHTTP = "http"
)

// Exporter names.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"

	DefaultMetricInterval = 10 * time.Second
)
