package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects job execution metrics.
type Metrics struct {
	started    prometheus.Counter
	completed  prometheus.Counter
	failed     *prometheus.CounterVec
	duration   prometheus.Histogram
	queueDepth prometheus.Gauge

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

	m.started = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_started_total",
		Help:      "Total number of jobs picked up by a worker",
	})

	m.completed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_completed_total",
		Help:      "Total number of jobs that finished successfully",
	})

	m.failed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of failed jobs",
		},
		[]string{"reason"},
	)

	m.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Wall-clock time spent executing a job command",
		Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
	})

	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "job_queue_depth",
		Help:      "Jobs buffered in the run queue",
	})

	m.registry.MustRegister(
		m.started,
		m.completed,
		m.failed,
		m.duration,
		m.queueDepth,
	)

	return m
}

// RecordStarted records a job handed to a worker
func (m *Metrics) RecordStarted() {
	m.started.Inc()
}

// RecordCompleted records a successful job and its duration
func (m *Metrics) RecordCompleted(d time.Duration) {
	m.completed.Inc()
	m.duration.Observe(d.Seconds())
}

// RecordFailed records a failed job by reason (exit, timeout, internal)
func (m *Metrics) RecordFailed(reason string, d time.Duration) {
	m.failed.WithLabelValues(reason).Inc()
	m.duration.Observe(d.Seconds())
}

// SetQueueDepth records the current run queue length
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// Registry returns the Prometheus registry for HTTP handler setup
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
