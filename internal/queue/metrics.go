package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for lane activity.
type Metrics struct {
	activeLanes  prometheus.Gauge
	dispatches   *prometheus.CounterVec
	failures     *prometheus.CounterVec
	retryDelay   prometheus.Histogram
	killed       prometheus.Counter
	runDurations *prometheus.HistogramVec
}

// MustNewMetrics registers the queue collectors with reg. Collectors that are
// already registered are reused so several queues may share a registry.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		activeLanes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nanoclaw",
			Subsystem: "queue",
			Name:      "active_lanes",
			Help:      "Number of group lanes currently running an invocation.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nanoclaw",
			Subsystem: "queue",
			Name:      "dispatches_total",
			Help:      "Units of work started, by kind.",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nanoclaw",
			Subsystem: "queue",
			Name:      "failures_total",
			Help:      "Units of work that returned an error, by kind.",
		}, []string{"kind"}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nanoclaw",
			Subsystem: "queue",
			Name:      "retry_delay_seconds",
			Help:      "Backoff delay scheduled after a failed message check.",
			Buckets:   []float64{5, 10, 20, 40, 80, 160, 300, 600},
		}),
		killed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nanoclaw",
			Subsystem: "queue",
			Name:      "killed_processes_total",
			Help:      "Agent processes terminated by the queue.",
		}),
		runDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nanoclaw",
			Subsystem: "queue",
			Name:      "run_duration_seconds",
			Help:      "Wall time of each unit of work.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "status"}),
	}

	register := func(c prometheus.Collector) prometheus.Collector {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return already.ExistingCollector
			}
			panic(err)
		}
		return c
	}
	m.activeLanes = register(m.activeLanes).(prometheus.Gauge)
	m.dispatches = register(m.dispatches).(*prometheus.CounterVec)
	m.failures = register(m.failures).(*prometheus.CounterVec)
	m.retryDelay = register(m.retryDelay).(prometheus.Histogram)
	m.killed = register(m.killed).(prometheus.Counter)
	m.runDurations = register(m.runDurations).(*prometheus.HistogramVec)
	return m
}

func (m *Metrics) laneStarted(kind string) {
	if m == nil {
		return
	}
	m.activeLanes.Inc()
	m.dispatches.WithLabelValues(kind).Inc()
}

func (m *Metrics) laneFinished(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.activeLanes.Dec()
	status := "success"
	if err != nil {
		status = "error"
		m.failures.WithLabelValues(kind).Inc()
	}
	m.runDurations.WithLabelValues(kind, status).Observe(d.Seconds())
}

func (m *Metrics) observeRetry(d time.Duration) {
	if m == nil {
		return
	}
	m.retryDelay.Observe(d.Seconds())
}

func (m *Metrics) processKilled() {
	if m == nil {
		return
	}
	m.killed.Inc()
}
