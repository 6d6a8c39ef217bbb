package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposed on the pull endpoint. Registered once at package load;
// every label dimension is low-cardinality (destination, table, category).
var (
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdc_events_processed_total",
		Help: "Events committed to a destination.",
	}, []string{"destination", "table"})

	ReplicationLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cdc_replication_lag_seconds",
		Help: "Seconds between now and the newest committed source timestamp.",
	}, []string{"destination"})

	EventsPerSecond = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cdc_events_per_second",
		Help: "Moving-average commit throughput.",
	}, []string{"destination"})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdc_errors_total",
		Help: "Sink errors by category.",
	}, []string{"destination", "error_category"})

	BacklogDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cdc_backlog_depth",
		Help: "Events queued for a destination.",
	}, []string{"destination"})

	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdc_retry_attempts_total",
		Help: "Batch write retries.",
	}, []string{"destination"})

	DLQEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdc_dlq_events_total",
		Help: "Events dead-lettered, by reason.",
	}, []string{"destination", "reason"})

	ParseSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdc_parse_skips_total",
		Help: "Unreadable commit-log frames skipped.",
	})

	ReplicationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdc_replication_duration_seconds",
		Help:    "Batch write latency per destination.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"destination"})
)
