package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/converge/pkg/engine"
)

// Metrics records promise outcomes and run timings on a private Prometheus
// registry. It implements engine.Recorder.
type Metrics struct {
	config MetricsConfig

	promises        *prometheus.CounterVec
	promiseDuration *prometheus.HistogramVec
	bundleDuration  *prometheus.HistogramVec

	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	lastRun      prometheus.Gauge
	compliance   prometheus.Gauge
	lastOutcomes *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates the metrics collector.
func NewMetrics(cfg MetricsConfig) *Metrics {
	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		promises: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "promises_total",
				Help:      "Total number of evaluated promise instances by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		promiseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "promise_duration_seconds",
				Help:      "Duration of promise handler calls in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),
		bundleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bundle_duration_seconds",
				Help:      "Duration of bundle evaluation in seconds",
				Buckets:   buckets,
			},
			[]string{"bundle"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of agent runs by status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of agent runs in seconds",
				Buckets:   buckets,
			},
		),
		lastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run finished",
			},
		),
		compliance: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "compliance_ratio",
				Help:      "Share of promises kept or repaired in the last run (0 to 1)",
			},
		),
		lastOutcomes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_promises",
				Help:      "Promise outcomes of the last run",
			},
			[]string{"outcome"},
		),
	}

	m.registry.MustRegister(
		m.promises,
		m.promiseDuration,
		m.bundleDuration,
		m.runs,
		m.runDuration,
		m.lastRun,
		m.compliance,
		m.lastOutcomes,
	)
	return m
}

// RecordPromise implements engine.Recorder.
func (m *Metrics) RecordPromise(promiseType string, outcome engine.Outcome, duration time.Duration) {
	m.promises.WithLabelValues(promiseType, outcome.String()).Inc()
	m.promiseDuration.WithLabelValues(promiseType).Observe(duration.Seconds())
}

// RecordBundle implements engine.Recorder.
func (m *Metrics) RecordBundle(bundle string, duration time.Duration) {
	m.bundleDuration.WithLabelValues(bundle).Observe(duration.Seconds())
}

// RecordRun implements engine.Recorder.
func (m *Metrics) RecordRun(summary *engine.Summary) {
	m.runs.WithLabelValues(string(summary.Status)).Inc()
	m.runDuration.Observe(summary.Duration().Seconds())
	m.lastRun.Set(float64(summary.FinishedAt.Unix()))
	m.compliance.Set(summary.Compliance / 100)

	c := summary.Counters
	m.lastOutcomes.WithLabelValues("kept").Set(float64(c.Kept))
	m.lastOutcomes.WithLabelValues("repaired").Set(float64(c.Repaired))
	m.lastOutcomes.WithLabelValues("not_kept").Set(float64(c.NotKept))
	m.lastOutcomes.WithLabelValues("failed").Set(float64(c.Failed))
	m.lastOutcomes.WithLabelValues("denied").Set(float64(c.Denied))
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WriteTextfile writes the metrics to path in the node_exporter textfile
// collector format. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics on the configured address until ctx is done.
func (m *Metrics) Serve(ctx context.Context) error {
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down metrics server: %w", err)
		}
		return nil
	}
}
