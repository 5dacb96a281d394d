package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "isocore"

// PrometheusRecorder implements MetricsRecorder with a duration histogram
// labelled by operation and outcome.
type PrometheusRecorder struct {
	durations *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the operation histogram with reg. A nil
// registerer uses the default.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	return &PrometheusRecorder{
		durations: promauto.With(orDefault(reg)).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of observed operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
	}
}

// Observe implements MetricsRecorder.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	status := "error"
	if success {
		status = "success"
	}
	r.durations.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// CacheMetrics counts cache activity per entity kind.
type CacheMetrics struct {
	fetches       *prometheus.CounterVec
	dedups        *prometheus.CounterVec
	hits          *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

// NewCacheMetrics registers the cache counters with reg.
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	f := promauto.With(orDefault(reg))
	return &CacheMetrics{
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_fetch_total",
			Help: "Fetches issued to the backend.",
		}, []string{"kind"}),
		dedups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_dedup_total",
			Help: "Gets attached to an outstanding fetch.",
		}, []string{"kind"}),
		hits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total",
			Help: "Gets served from a cached value.",
		}, []string{"kind"}),
		invalidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_invalidations_total",
			Help: "Entries dropped or reloaded by events.",
		}, []string{"kind", "effect"}),
	}
}

func (m *CacheMetrics) Fetch(kind string) { m.fetches.WithLabelValues(kind).Inc() }
func (m *CacheMetrics) Dedup(kind string) { m.dedups.WithLabelValues(kind).Inc() }
func (m *CacheMetrics) Hit(kind string)   { m.hits.WithLabelValues(kind).Inc() }

// Invalidation counts one event-driven effect ("invalidate" or "reload").
func (m *CacheMetrics) Invalidation(kind, effect string) {
	m.invalidations.WithLabelValues(kind, effect).Inc()
}

// CalcMetrics tracks client calculator runs.
type CalcMetrics struct {
	restarts prometheus.Counter
	duration *prometheus.HistogramVec
}

// NewCalcMetrics registers the calculator collectors with reg.
func NewCalcMetrics(reg prometheus.Registerer) *CalcMetrics {
	f := promauto.With(orDefault(reg))
	return &CalcMetrics{
		restarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "calc_restarts_total",
			Help: "Calculations discarded and restarted because their inputs went stale.",
		}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "calc_duration_seconds",
			Help:    "Duration of calculations by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}

// Restart counts one staleness restart.
func (m *CalcMetrics) Restart() { m.restarts.Inc() }

// Duration observes one finished calculation.
func (m *CalcMetrics) Duration(kind string, d time.Duration) {
	m.duration.WithLabelValues(kind).Observe(d.Seconds())
}

// CommandMetrics counts processed commands.
type CommandMetrics struct {
	total *prometheus.CounterVec
}

// NewCommandMetrics registers the command counter with reg.
func NewCommandMetrics(reg prometheus.Registerer) *CommandMetrics {
	return &CommandMetrics{
		total: promauto.With(orDefault(reg)).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_total",
			Help: "Commands processed by name and status.",
		}, []string{"command", "status"}),
	}
}

// Command counts one processed command.
func (m *CommandMetrics) Command(name, status string) {
	m.total.WithLabelValues(name, status).Inc()
}

func orDefault(reg prometheus.Registerer) prometheus.Registerer {
	if reg == nil {
		return prometheus.DefaultRegisterer
	}
	return reg
}
