package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tree/node metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hierarchidb_nodes_total",
			Help: "Total number of live nodes by node type",
		},
		[]string{"node_type"},
	)

	TrashedNodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hierarchidb_trashed_nodes_total",
			Help: "Total number of nodes currently in trash by node type",
		},
		[]string{"node_type"},
	)

	WorkingCopiesOpenTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hierarchidb_working_copies_open_total",
			Help: "Number of currently open working copies across all views",
		},
	)

	WorkingCopiesExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hierarchidb_working_copies_expired_total",
			Help: "Total number of working copies discarded by the TTL sweep",
		},
	)

	// Command pipeline metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hierarchidb_commands_total",
			Help: "Total number of dispatched command envelopes by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hierarchidb_command_duration_seconds",
			Help:    "Command dispatch duration in seconds by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	UndoRingDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hierarchidb_undo_ring_depth",
			Help: "Current number of undo groups held per tree",
		},
		[]string{"tree_id"},
	)

	RedoRingDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hierarchidb_redo_ring_depth",
			Help: "Current number of redo groups held per tree",
		},
		[]string{"tree_id"},
	)

	UndoRingEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hierarchidb_undo_ring_evictions_total",
			Help: "Total number of undo groups evicted because the ring was at capacity",
		},
		[]string{"tree_id"},
	)

	// Change-event / subscription metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hierarchidb_events_published_total",
			Help: "Total number of change events published by kind",
		},
		[]string{"kind"},
	)

	SubscriptionsActiveTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hierarchidb_subscriptions_active_total",
			Help: "Number of currently active subscriptions",
		},
	)

	SubscriberDroppedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hierarchidb_subscriber_dropped_events_total",
			Help: "Total number of events dropped because a subscriber's buffer was full",
		},
		[]string{"tree_id"},
	)

	// Store metrics
	StoreTxDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hierarchidb_store_tx_duration_seconds",
			Help:    "Store transaction duration in seconds by kind (update/view)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	StoreConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hierarchidb_store_conflicts_total",
			Help: "Total number of write-transaction retries caused by a StoreConflict",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(TrashedNodesTotal)
	prometheus.MustRegister(WorkingCopiesOpenTotal)
	prometheus.MustRegister(WorkingCopiesExpiredTotal)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(UndoRingDepth)
	prometheus.MustRegister(RedoRingDepth)
	prometheus.MustRegister(UndoRingEvictionsTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(SubscriptionsActiveTotal)
	prometheus.MustRegister(SubscriberDroppedEventsTotal)
	prometheus.MustRegister(StoreTxDuration)
	prometheus.MustRegister(StoreConflictsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
