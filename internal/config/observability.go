package config

// ObservabilityConfig governs the OpenTelemetry tracer, meter, and logger
// providers initialized by internal/observability (§6.4).
type ObservabilityConfig struct {
	OTelEnabled bool   `env:"TASKQUEUE_OTEL_ENABLED" default:"false"`
	ServiceName string `env:"OTEL_SERVICE_NAME" default:"taskqueue"`
}

// MetricsConfig governs the Prometheus scrape endpoint exposed by
// internal/metrics (§6.4 "domain stack", prometheus/client_golang).
type MetricsConfig struct {
	Enabled bool   `env:"TASKQUEUE_METRICS_ENABLED" default:"true"`
	Addr    string `env:"TASKQUEUE_METRICS_ADDR" default:":9090"`
	Path    string `env:"TASKQUEUE_METRICS_PATH" default:"/metrics"`
}
