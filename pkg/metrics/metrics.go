// Package metrics declares the Prometheus collectors this worker
// exposes on its ops HTTP surface, grounded on the teacher's own
// metrics_exporter.go (one package-level collector var block,
// MustRegister on startup, WithLabelValues().Inc()/Observe() call
// sites scattered through the packages that produce the numbers).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsTotal counts fetcher outcomes by result.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlpipe_requests_total",
			Help: "Total fetch attempts by outcome",
		},
		[]string{"result"}, // succeeded, retried, failed
	)

	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawlpipe_fetch_duration_seconds",
			Help:    "HTTP fetch latency",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"result"},
	)

	QueuePendingLen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawlpipe_queue_pending",
			Help: "Pending requests in a project's queue",
		},
		[]string{"project_id"},
	)

	QueueProcessingLen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawlpipe_queue_processing",
			Help: "In-flight requests in a project's queue",
		},
		[]string{"project_id"},
	)

	ItemsRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlpipe_items_routed_total",
			Help: "Items accepted by the item router, by type",
		},
		[]string{"type"}, // article, keywords, images
	)

	GeneratorProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlpipe_generator_processed_total",
			Help: "Articles successfully processed by the generator pipeline",
		},
	)

	GeneratorFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlpipe_generator_failed_total",
			Help: "Articles that failed generator processing",
		},
	)

	GeneratorRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlpipe_generator_retried_total",
			Help: "Articles requeued to the generator retry list",
		},
	)

	SchedulerFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlpipe_scheduler_fires_total",
			Help: "Scheduler job firings by outcome",
		},
		[]string{"outcome"}, // dispatched, skipped_running, skipped_disabled, error
	)

	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlpipe_errors_total",
			Help: "Errors by originating component",
		},
		[]string{"component"},
	)
)

// Register adds every collector to the default Prometheus registry.
// Call once at startup before serving the ops HTTP handler.
func Register() {
	prometheus.MustRegister(
		RequestsTotal,
		FetchDuration,
		QueuePendingLen,
		QueueProcessingLen,
		ItemsRouted,
		GeneratorProcessed,
		GeneratorFailed,
		GeneratorRetried,
		SchedulerFires,
		ErrorsTotal,
	)
}
