package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FeedsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "activityfeed_feeds_open",
		Help: "Number of viewer feeds currently open.",
	})

	FeedsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activityfeed_feeds_expired_total",
		Help: "Feeds closed after sitting idle with no stream attached.",
	})

	ScopeResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activityfeed_scope_resolutions_total",
		Help: "Scope resolutions, labelled by viewer role and outcome.",
	}, []string{"role", "outcome"})

	Backfills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activityfeed_backfills_total",
		Help: "Historical backfills, labelled by outcome.",
	}, []string{"outcome"})

	BackfillDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "activityfeed_backfill_duration_ms",
		Help:    "Backfill latency in milliseconds, including attribute priming.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})

	LiveEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activityfeed_live_events_total",
		Help: "Live events seen by open feeds, labelled by merge result.",
	}, []string{"result"})

	DegradedFeeds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activityfeed_degraded_feeds_total",
		Help: "Feeds whose live subscription ended unexpectedly.",
	})

	AttributeFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activityfeed_attribute_fetches_total",
		Help: "Actor attribute batch fetches, labelled by mode and outcome.",
	}, []string{"mode", "outcome"})

	AttributeQueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "activityfeed_attribute_queue_utilization_ratio",
		Help: "Current async attribute fetch queue utilization (0–1).",
	})

	SessionsBuilt = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "activityfeed_sessions_built",
		Help:    "Sessions produced per aggregation pass.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activityfeed_events_ingested_total",
		Help: "Events appended through the ingest endpoint.",
	})
)
