package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "voyant",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var JobsSubmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "voyant",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Total number of jobs admitted, by type.",
	},
	[]string{"type"},
)

var JobsCompletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "voyant",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total number of jobs finished, by terminal status.",
	},
	[]string{"status"},
)

var JobsRequeuedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "voyant",
		Subsystem: "jobs",
		Name:      "requeued_total",
		Help:      "Total number of jobs requeued after lease expiry.",
	},
)

var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "voyant",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Queued jobs per tenant.",
	},
	[]string{"tenant"},
)

var QuotaRejectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "voyant",
		Subsystem: "quota",
		Name:      "rejections_total",
		Help:      "Admission rejections by limit name.",
	},
	[]string{"limit"},
)

var ActivityDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "voyant",
		Subsystem: "activity",
		Name:      "duration_seconds",
		Help:      "Activity execution duration in seconds, by activity and outcome.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	},
	[]string{"activity", "outcome"},
)

var ActivityRetriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "voyant",
		Subsystem: "activity",
		Name:      "retries_total",
		Help:      "Activity retry attempts, by activity.",
	},
	[]string{"activity"},
)

var BreakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "voyant",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open), by service.",
	},
	[]string{"service"},
)

var BreakerTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "voyant",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions, by service and new state.",
	},
	[]string{"service", "to"},
)

var EventsEmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "voyant",
		Subsystem: "events",
		Name:      "emitted_total",
		Help:      "Events emitted to the bus, by type.",
	},
	[]string{"type"},
)

var EventsDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "voyant",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped, by reason (validation, publish).",
	},
	[]string{"reason"},
)

var GeneratorDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "voyant",
		Subsystem: "generators",
		Name:      "duration_seconds",
		Help:      "Generator execution duration in seconds, by plugin.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	},
	[]string{"plugin"},
)

var AnalyticsWaiters = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "voyant",
		Subsystem: "analytics",
		Name:      "waiters",
		Help:      "Goroutines waiting on the shared analytical store gate.",
	},
)

var ArtifactsPrunedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "voyant",
		Subsystem: "artifacts",
		Name:      "pruned_total",
		Help:      "Artifacts removed by the retention pruner.",
	},
)

// basic returns the always-on families for metrics_mode=basic.
func basic() []prometheus.Collector {
	return []prometheus.Collector{
		JobsSubmittedTotal,
		JobsCompletedTotal,
		JobsRequeuedTotal,
		QueueDepth,
		QuotaRejectionsTotal,
	}
}

// full returns the additional families for metrics_mode=full.
func full() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		ActivityDuration,
		ActivityRetriesTotal,
		BreakerState,
		BreakerTransitionsTotal,
		EventsEmittedTotal,
		EventsDroppedTotal,
		GeneratorDuration,
		AnalyticsWaiters,
		ArtifactsPrunedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors and the metric families allowed by mode (off, basic, full),
// plus any additional service-specific collectors passed as arguments.
func NewMetricsRegistry(mode string, extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	if mode == "off" {
		return reg
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg.MustRegister(basic()...)
	if mode == "full" {
		reg.MustRegister(full()...)
	}
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
