// Package metrics exposes engine counters through Prometheus.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskpilot"

type Metrics struct {
	registry *prometheus.Registry

	executions     *prometheus.CounterVec
	claimConflicts prometheus.Counter
	rateLimited    *prometheus.CounterVec
	dedupDropped   prometheus.Counter
	running        prometheus.Gauge
	pollDuration   prometheus.Histogram
}

// New builds a fresh registry holding the engine metrics plus the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished task executions by task type and status.",
		}, []string{"task_type", "status"}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_conflicts_total",
			Help:      "Claims lost to another dispatcher or poll cycle.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejections_total",
			Help:      "Fetch requests rejected by the rate limiter.",
		}, []string{"key"}),
		dedupDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_dropped_total",
			Help:      "Fetched results dropped as duplicates.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_executions",
			Help:      "Executions currently running in this process.",
		}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Time spent listing and claiming due tasks per poll cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.executions, m.claimConflicts, m.rateLimited, m.dedupDropped, m.running, m.pollDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveExecution(taskType, status string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(taskType, status).Inc()
}

func (m *Metrics) ClaimConflict() {
	if m == nil {
		return
	}
	m.claimConflicts.Inc()
}

func (m *Metrics) RateLimited(key string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(key).Inc()
}

func (m *Metrics) DedupDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dedupDropped.Add(float64(n))
}

func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) ExecutionDone() {
	if m == nil {
		return
	}
	m.running.Dec()
}

func (m *Metrics) ObservePoll(d time.Duration) {
	if m == nil {
		return
	}
	m.pollDuration.Observe(d.Seconds())
}
