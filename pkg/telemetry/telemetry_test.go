package telemetry

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/stores"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Exporter = "otlp" }, true},
		{"otlp with endpoint", func(c *Config) {
			c.Tracing.Exporter = "otlp"
			c.Tracing.Endpoint = "localhost:4317"
		}, false},
		{"bad exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"metrics without address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFromAgentConfig(t *testing.T) {
	cfg := FromAgentConfig(config.TelemetryConfig{
		LogLevel:        "debug",
		LogFormat:       "json",
		TracingExporter: "stdout",
		SamplingRate:    0.5,
		MetricsEnabled:  true,
		MetricsAddr:     "127.0.0.1:9100",
		MetricsTextfile: "/var/lib/node_exporter/converge.prom",
	}, "1.2.3")

	if cfg.ServiceVersion != "1.2.3" || cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v version %s", cfg.Logging, cfg.ServiceVersion)
	}
	if cfg.Tracing.Exporter != "stdout" || cfg.Tracing.SamplingRate != 0.5 {
		t.Errorf("tracing = %+v", cfg.Tracing)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.ListenAddress != "127.0.0.1:9100" || cfg.Metrics.Textfile == "" {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "test").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"message":"shown"`) || !strings.Contains(out, `"component":"test"`) {
		t.Errorf("output = %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]zerolog.Level{
		"trace": zerolog.TraceLevel,
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	} {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestMetricsRecorder(t *testing.T) {
	m := NewMetrics(DefaultConfig().Metrics)
	var _ engine.Recorder = m

	m.RecordPromise("files", engine.OutcomeRepaired, 10*time.Millisecond)
	m.RecordPromise("files", engine.OutcomeRepaired, 10*time.Millisecond)
	m.RecordBundle("main", 50*time.Millisecond)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.RecordRun(&engine.Summary{
		Status:     stores.RunStatusCompleted,
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
		Counters:   engine.Counters{Kept: 3, Repaired: 2, Failed: 1},
		Compliance: 83.3,
	})

	if got := testutil.ToFloat64(m.promises.WithLabelValues("files", "repaired")); got != 2 {
		t.Errorf("promises_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("completed")); got != 1 {
		t.Errorf("runs_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.lastOutcomes.WithLabelValues("failed")); got != 1 {
		t.Errorf("last_run_promises{failed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.compliance); got < 0.83 || got > 0.84 {
		t.Errorf("compliance_ratio = %v", got)
	}
	if got := testutil.ToFloat64(m.lastRun); got != float64(start.Add(2*time.Second).Unix()) {
		t.Errorf("last_run_timestamp_seconds = %v", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics(DefaultConfig().Metrics)
	m.RecordBundle("main", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `converge_bundle_duration_seconds_count{bundle="main"} 1`) {
		t.Errorf("body does not contain bundle histogram:\n%s", rec.Body.String())
	}
}

func TestMetricsServeStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.ListenAddress = "127.0.0.1:0"
	m := NewMetrics(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestNewTracer(t *testing.T) {
	none, err := NewTracer(context.Background(), TracingConfig{Exporter: "none"}, "converge", "test", nil)
	if err != nil {
		t.Fatalf("NewTracer(none) error = %v", err)
	}
	if err := none.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	var buf bytes.Buffer
	tr, err := NewTracer(context.Background(), TracingConfig{Exporter: "stdout", SamplingRate: 1}, "converge", "test", &buf)
	if err != nil {
		t.Fatalf("NewTracer(stdout) error = %v", err)
	}
	ctx, span := otel.Tracer("test").Start(context.Background(), "run")
	if TraceID(ctx) == "" {
		t.Error("TraceID() should return the active trace")
	}
	span.End()
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !strings.Contains(buf.String(), `"Name": "run"`) {
		t.Errorf("stdout exporter output = %s", buf.String())
	}

	if _, err := NewTracer(context.Background(), TracingConfig{Exporter: "zipkin"}, "converge", "test", nil); err == nil {
		t.Error("NewTracer() should reject unknown exporters")
	}
}
