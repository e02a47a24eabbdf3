package supervisor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects render-process supervision metrics into its own registry.
type Metrics struct {
	spawns        prometheus.Counter
	spawnFailures *prometheus.CounterVec
	reuses        prometheus.Counter
	reaps         *prometheus.CounterVec
	liveProcesses prometheus.Gauge
	spawnDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector. A nil registry gets a fresh
// one; passing a shared registry lets several collectors serve one /metrics
// endpoint.
func NewMetrics(namespace string, registry *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = "foamrun"
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
	}

	m.spawns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "render_spawns_total",
		Help:      "Total number of render server processes spawned",
	})

	m.spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_spawn_failures_total",
			Help:      "Total number of failed render server spawns",
		},
		[]string{"reason"},
	)

	m.reuses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "render_reuses_total",
		Help:      "Total number of times an existing render server was reused",
	})

	m.reaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_reaps_total",
			Help:      "Total number of render process records retired",
		},
		[]string{"cause"},
	)

	m.liveProcesses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "render_live_processes",
		Help:      "Render processes currently tracked by this daemon",
	})

	m.spawnDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "render_spawn_duration_seconds",
		Help:      "Time from spawn start until the render server accepted a connection",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	m.registry.MustRegister(
		m.spawns,
		m.spawnFailures,
		m.reuses,
		m.reaps,
		m.liveProcesses,
		m.spawnDuration,
	)

	return m
}

// RecordSpawn records a successful spawn and its readiness latency
func (m *Metrics) RecordSpawn(d time.Duration) {
	m.spawns.Inc()
	m.spawnDuration.Observe(d.Seconds())
}

// RecordSpawnFailure records a failed spawn by reason
func (m *Metrics) RecordSpawnFailure(reason string) {
	m.spawnFailures.WithLabelValues(reason).Inc()
}

// RecordReuse records a request served by an already-running render server
func (m *Metrics) RecordReuse() {
	m.reuses.Inc()
}

// RecordReap records a retired render process record by cause
// (exit, stop, sweep, invalid)
func (m *Metrics) RecordReap(cause string) {
	m.reaps.WithLabelValues(cause).Inc()
}

// SetLiveProcesses records the current tracked process count
func (m *Metrics) SetLiveProcesses(n int) {
	m.liveProcesses.Set(float64(n))
}

// Registry returns the Prometheus registry for HTTP handler setup
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
