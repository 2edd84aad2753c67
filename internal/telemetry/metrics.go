package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors shared across the core engine,
// registered on the default registry via promauto and served by
// bootstrap.RunDaemon's /metrics handler.
var Metrics = struct {
	EventsPublished   *prometheus.CounterVec
	FlowsStarted      prometheus.Counter
	FlowsCompleted    *prometheus.CounterVec
	StepsEnqueued     prometheus.Counter
	AwaitsRegistered  *prometheus.CounterVec
	AwaitsResolved    *prometheus.CounterVec
	SchedulerLockWait prometheus.Histogram
}{
	EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowengine_bus_events_published_total",
		Help: "Events published to the in-process bus, by type.",
	}, []string{"type"}),
	FlowsStarted: promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowengine_flows_started_total",
		Help: "Flow runs started.",
	}),
	FlowsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowengine_flows_completed_total",
		Help: "Flow runs reaching a terminal status, by status.",
	}, []string{"status"}),
	StepsEnqueued: promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowengine_steps_enqueued_total",
		Help: "Step jobs enqueued to the Queue adapter.",
	}),
	AwaitsRegistered: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowengine_awaits_registered_total",
		Help: "Await patterns registered, by awaitType.",
	}, []string{"await_type"}),
	AwaitsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowengine_awaits_resolved_total",
		Help: "Await patterns resolved, by outcome (resolved|timeout).",
	}, []string{"outcome"}),
	SchedulerLockWait: promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowengine_scheduler_lock_acquire_seconds",
		Help:    "Time spent attempting to acquire the scheduler's distributed lock.",
		Buckets: prometheus.DefBuckets,
	}),
}
