// Package metrics exposes Prometheus collectors for the feed daemon.
//
// Usage:
//
//	metrics.RecordRecompute("subscription", 3*time.Millisecond)
//	metrics.SetUnread(4)
//	metrics.RecordAlert("telegram", nil)
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "feedd"

var (
	// Aggregation

	// Recomputes counts feed recomputations by trigger.
	Recomputes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recomputes_total",
			Help:      "Total number of feed recomputations",
		},
		[]string{"trigger"},
	)

	// RecomputeDuration tracks how long a recomputation takes, read-state lookup included.
	RecomputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_duration_seconds",
			Help:      "Duration of feed recomputations in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	// UnreadGauge is the unread count of the most recent published feed.
	UnreadGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread",
			Help:      "Unread notifications in the current feed",
		},
	)

	// FeedItems is the length of the most recent published feed.
	FeedItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_items",
			Help:      "Items in the current feed",
		},
	)

	// Sources

	// SourceSnapshots counts snapshots received per category.
	SourceSnapshots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_snapshots_total",
			Help:      "Total number of source snapshots received",
		},
		[]string{"category"},
	)

	// SourceErrors counts terminal source errors per category.
	SourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_errors_total",
			Help:      "Total number of source subscription errors",
		},
		[]string{"category"},
	)

	// Alerts

	// AlertsFired counts alerts accepted by the trigger queue.
	AlertsFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Total number of alerts fired",
		},
	)

	// AlertsCoalesced counts alerts merged into an already queued one.
	AlertsCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_coalesced_total",
			Help:      "Total number of alerts merged into a pending alert",
		},
	)

	// AlertDeliveries counts sink deliveries by sink and outcome.
	AlertDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_deliveries_total",
			Help:      "Total number of alert sink deliveries",
		},
		[]string{"sink", "outcome"},
	)

	// Read state

	// ReadStateIDs is the number of persisted read audit ids.
	ReadStateIDs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "readstate_ids",
			Help:      "Number of audit ids marked read",
		},
	)

	// API

	// WSClients is the number of connected websocket clients.
	WSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected websocket clients",
		},
	)

	// HTTPRequests counts API requests by route and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP API requests",
		},
		[]string{"route", "status"},
	)

	// Maintenance

	// MaintenanceRuns counts storage maintenance runs by outcome.
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Total number of storage maintenance runs",
		},
		[]string{"outcome"},
	)
)

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordRecompute records one recomputation.
func RecordRecompute(trigger string, d time.Duration) {
	Recomputes.WithLabelValues(trigger).Inc()
	RecomputeDuration.Observe(d.Seconds())
}

// SetFeed records the shape of the latest published feed.
func SetFeed(items, unread int) {
	FeedItems.Set(float64(items))
	UnreadGauge.Set(float64(unread))
}

// RecordAlert records one sink delivery.
func RecordAlert(sink string, err error) {
	AlertDeliveries.WithLabelValues(sink, outcome(err)).Inc()
}

// RecordMaintenance records one storage maintenance run.
func RecordMaintenance(err error) {
	MaintenanceRuns.WithLabelValues(outcome(err)).Inc()
}
