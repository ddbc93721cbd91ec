package telemetry

import (
	"fmt"
	"time"

	"github.com/openfroyo/converge/pkg/config"
)

// Config contains the telemetry configuration of the agent.
type Config struct {
	// ServiceName identifies the agent in traces.
	ServiceName string

	// ServiceVersion is the agent version.
	ServiceVersion string

	// Logging contains logging configuration.
	Logging LoggingConfig

	// Tracing contains tracing configuration.
	Tracing TracingConfig

	// Metrics contains metrics configuration.
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file path.
	Output string

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP gRPC endpoint, e.g. "localhost:4317".
	Endpoint string

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64

	// ExportTimeout is the timeout for one export batch.
	ExportTimeout time.Duration

	// Headers are additional headers for the OTLP exporter.
	Headers map[string]string

	// Insecure disables TLS for the OTLP connection.
	Insecure bool
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled serves metrics on ListenAddress in watch mode.
	Enabled bool

	// ListenAddress is the address of the metrics HTTP endpoint.
	ListenAddress string

	// Path is the HTTP path for metrics.
	Path string

	// Namespace prefixes every metric name.
	Namespace string

	// Textfile, when set, receives the metrics after every run in the
	// node_exporter textfile format.
	Textfile string

	// Buckets are the duration histogram buckets in seconds.
	Buckets []float64
}

// DefaultConfig returns the default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "converge",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			Headers:       make(map[string]string),
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			ListenAddress: "127.0.0.1:9464",
			Path:          "/metrics",
			Namespace:     "converge",
			Buckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0,
			},
		},
	}
}

// FromAgentConfig builds the telemetry configuration from the telemetry
// section of the agent configuration.
func FromAgentConfig(tc config.TelemetryConfig, version string) *Config {
	cfg := DefaultConfig()
	cfg.ServiceVersion = version
	if tc.LogLevel != "" {
		cfg.Logging.Level = tc.LogLevel
	}
	if tc.LogFormat != "" {
		cfg.Logging.Format = tc.LogFormat
	}
	if tc.TracingExporter != "" {
		cfg.Tracing.Exporter = tc.TracingExporter
	}
	cfg.Tracing.Endpoint = tc.TracingEndpoint
	cfg.Tracing.SamplingRate = tc.SamplingRate
	cfg.Metrics.Enabled = tc.MetricsEnabled
	if tc.MetricsAddr != "" {
		cfg.Metrics.ListenAddress = tc.MetricsAddr
	}
	cfg.Metrics.Textfile = tc.MetricsTextfile
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	switch c.Tracing.Exporter {
	case "none", "stdout":
	case "otlp":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	return nil
}
