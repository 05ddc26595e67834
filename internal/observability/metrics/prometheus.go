// Package metrics provides Prometheus metrics for the distribution pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline metrics.
type Metrics struct {
	RunsTotal    *prometheus.CounterVec
	RunsInFlight prometheus.Gauge
	TaskDuration *prometheus.HistogramVec
	TaskFailures *prometheus.CounterVec

	RowsLoaded         prometheus.Counter
	RowsRejected       prometheus.Counter
	ViewsBuilt         prometheus.Counter
	DocumentsPublished prometheus.Counter
	DocumentsSkipped   prometheus.Counter
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Pipeline runs by terminal status",
		}, []string{"status"}),
		RunsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_runs_in_flight",
			Help: "Currently executing pipeline runs (0 or 1)",
		}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_task_duration_seconds",
			Help:    "Task execution duration",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"task"}),
		TaskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_task_failures_total",
			Help: "Task failures by task name",
		}, []string{"task"}),
		RowsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loader_rows_loaded_total",
			Help: "Rows upserted into the transactional store",
		}),
		RowsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loader_rows_rejected_total",
			Help: "Input rows rejected and skipped",
		}),
		ViewsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mart_views_built_total",
			Help: "Analytical views replaced",
		}),
		DocumentsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "search_documents_published_total",
			Help: "Documents published to the search index",
		}),
		DocumentsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "search_documents_skipped_total",
			Help: "Documents that failed to publish and were skipped",
		}),
	}

	prometheus.MustRegister(
		m.RunsTotal,
		m.RunsInFlight,
		m.TaskDuration,
		m.TaskFailures,
		m.RowsLoaded,
		m.RowsRejected,
		m.ViewsBuilt,
		m.DocumentsPublished,
		m.DocumentsSkipped,
	)

	return m
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
