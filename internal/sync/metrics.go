package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floracore_sync_events_pushed_total",
		Help: "Events acknowledged by the hub",
	})

	eventsPulled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floracore_sync_events_pulled_total",
		Help: "Events downloaded and merged from the hub",
	})

	eventsQuarantined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floracore_sync_events_quarantined_total",
		Help: "Events isolated after schema or rule violations",
	})

	pushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floracore_sync_push_failures_total",
		Help: "Push attempts that ended in a transport error",
	})

	outboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "floracore_sync_outbox_depth",
		Help: "Events staged locally and not yet acknowledged",
	})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "floracore_sync_cycle_duration_seconds",
		Help:    "Wall time of a full push and pull cycle",
		Buckets: prometheus.DefBuckets,
	})
)
