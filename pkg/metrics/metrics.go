package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the sync engine
type Metrics struct {
	SyncRuns          *prometheus.CounterVec
	SyncDuration      *prometheus.HistogramVec
	ClassifierActions *prometheus.CounterVec
	TransitionOps     *prometheus.CounterVec
	WatchMaintenance  *prometheus.CounterVec
	SeriesInstances   prometheus.Histogram
}

// NewMetrics creates a new metrics instance
func NewMetrics(serviceName string) *Metrics {
	return &Metrics{
		SyncRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "daybook",
				Subsystem: serviceName,
				Name:      "sync_runs_total",
				Help:      "Total number of calendar sync runs",
			},
			[]string{"status"},
		),
		SyncDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "daybook",
				Subsystem: serviceName,
				Name:      "sync_duration_seconds",
				Help:      "Duration of calendar sync runs in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		ClassifierActions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "daybook",
				Subsystem: serviceName,
				Name:      "classifier_actions_total",
				Help:      "Change batches classified, by resulting action",
			},
			[]string{"action"},
		),
		TransitionOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "daybook",
				Subsystem: serviceName,
				Name:      "transition_operations_total",
				Help:      "Repository operations performed by the transition machine",
			},
			[]string{"operation"},
		),
		WatchMaintenance: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "daybook",
				Subsystem: serviceName,
				Name:      "watch_maintenance_total",
				Help:      "Watch maintenance outcomes",
			},
			[]string{"outcome"},
		),
		SeriesInstances: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "daybook",
				Subsystem: serviceName,
				Name:      "series_instances",
				Help:      "Instances materialized per series expansion",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
		),
	}
}

// ObserveSync records one sync run's status and duration.
func (m *Metrics) ObserveSync(status string, started time.Time) {
	m.SyncRuns.WithLabelValues(status).Inc()
	m.SyncDuration.WithLabelValues("total").Observe(time.Since(started).Seconds())
}
