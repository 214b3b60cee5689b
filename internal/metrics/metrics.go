// Package metrics exposes Prometheus series for the playback core. Every
// recorder method is safe on a nil *Metrics so components can run without it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registry and all collectors.
type Metrics struct {
	registry *prometheus.Registry

	transitions        *prometheus.CounterVec
	illegalTransitions prometheus.Counter
	tasks              *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	queueDepth         prometheus.Gauge
	running            prometheus.Gauge
	cacheBytes         prometheus.Gauge
	cacheItems         prometheus.Gauge
	cacheEvictions     *prometheus.CounterVec
	cacheRequests      *prometheus.CounterVec
	pressureEvents     *prometheus.CounterVec
	recognitions       *prometheus.CounterVec
}

// New creates and registers every collector on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prism_state_transitions_total",
			Help: "State machine transitions by source and target state",
		}, []string{"from", "to"}),
		illegalTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prism_illegal_transitions_total",
			Help: "Events rejected because the current state does not accept them",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prism_scheduler_tasks_total",
			Help: "Scheduler tasks by priority and outcome",
		}, []string{"priority", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prism_task_duration_seconds",
			Help:    "Wall time spent running scheduler tasks",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"priority"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prism_scheduler_queue_depth",
			Help: "Outstanding scheduler tasks (queued and running)",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prism_scheduler_running",
			Help: "Scheduler tasks currently holding a worker slot",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prism_cache_bytes",
			Help: "Bytes of decoded audio held by the cache",
		}),
		cacheItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prism_cache_items",
			Help: "Entries held by the cache",
		}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prism_cache_evictions_total",
			Help: "Cache entries evicted, by reason (lru, pressure)",
		}, []string{"reason"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prism_cache_requests_total",
			Help: "Cache lookups by result (hit, miss)",
		}, []string{"result"}),
		pressureEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prism_pressure_events_total",
			Help: "Memory pressure events by level",
		}, []string{"level"}),
		recognitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prism_recognitions_total",
			Help: "Recognition windows by outcome",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.transitions,
		m.illegalTransitions,
		m.tasks,
		m.taskDuration,
		m.queueDepth,
		m.running,
		m.cacheBytes,
		m.cacheItems,
		m.cacheEvictions,
		m.cacheRequests,
		m.pressureEvents,
		m.recognitions,
	)
	return m
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IllegalTransition() {
	if m == nil {
		return
	}
	m.illegalTransitions.Inc()
}

// TaskFinished records one completed, failed or cancelled task.
func (m *Metrics) TaskFinished(priority, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(priority, outcome).Inc()
	if d > 0 {
		m.taskDuration.WithLabelValues(priority).Observe(d.Seconds())
	}
}

func (m *Metrics) SchedulerLoad(depth, running int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
	m.running.Set(float64(running))
}

func (m *Metrics) CacheSize(bytes int64, items int) {
	if m == nil {
		return
	}
	m.cacheBytes.Set(float64(bytes))
	m.cacheItems.Set(float64(items))
}

func (m *Metrics) CacheEvicted(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) Pressure(level string) {
	if m == nil {
		return
	}
	m.pressureEvents.WithLabelValues(level).Inc()
}

func (m *Metrics) Recognition(outcome string) {
	if m == nil {
		return
	}
	m.recognitions.WithLabelValues(outcome).Inc()
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry. refresh runs before each scrape so callers can
// update gauges that are cheaper to sample than to track.
func (m *Metrics) Handler(refresh func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refresh != nil {
			refresh()
		}
		inner.ServeHTTP(w, r)
	})
}
