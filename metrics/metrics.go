package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// PipelineRunsTotal counts finished verification runs by outcome.
	PipelineRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "darshi",
		Subsystem: "verifier",
		Name:      "pipeline_runs_total",
		Help:      "Total number of verification pipeline runs, labeled by outcome.",
	}, []string{"outcome"})

	// PipelineDurationSeconds is end-to-end time per run.
	PipelineDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "darshi",
		Subsystem: "verifier",
		Name:      "pipeline_duration_seconds",
		Help:      "End-to-end time to verify one report, labeled by outcome.",
		// Keep buckets fairly coarse to avoid high-cardinality time series.
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60, 120},
	}, []string{"outcome"})

	// ClassifierFailuresTotal counts failed classification attempts.
	ClassifierFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "darshi",
		Subsystem: "verifier",
		Name:      "classifier_failures_total",
		Help:      "Total number of classification runs that ended without a verdict.",
	})

	// BreakerState is 0 closed, 1 open, 2 half-open, per external service.
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "darshi",
		Subsystem: "verifier",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per external service (0=closed, 1=open, 2=half_open).",
	}, []string{"service"})

	// DuplicatesLinkedTotal counts reports resolved as duplicates.
	DuplicatesLinkedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "darshi",
		Subsystem: "verifier",
		Name:      "duplicates_linked_total",
		Help:      "Total number of reports linked to a canonical duplicate.",
	})

	// ImageDecodeFailuresTotal counts images that could not be hashed.
	ImageDecodeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "darshi",
		Subsystem: "verifier",
		Name:      "image_decode_failures_total",
		Help:      "Total number of report images the perceptual hasher failed to decode.",
	})

	// RabbitMQConnected is 1 when the subscriber considers itself connected.
	RabbitMQConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "darshi",
		Subsystem: "verifier",
		Name:      "rabbitmq_connected",
		Help:      "Whether the submitted-report subscriber is currently connected (best-effort).",
	})

	// WorkerInFlight is the current number of reports being verified.
	WorkerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "darshi",
		Subsystem: "verifier",
		Name:      "worker_in_flight",
		Help:      "Current number of reports being processed by pipeline workers.",
	})

	// MessagesProcessedTotal counts consumed queue messages by result.
	MessagesProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "darshi",
		Subsystem: "verifier",
		Name:      "messages_processed_total",
		Help:      "Consumed submitted-report messages by result (success, transient_error, permanent_error).",
	}, []string{"result"})
)

// Register registers verifier metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			PipelineRunsTotal,
			PipelineDurationSeconds,
			ClassifierFailuresTotal,
			BreakerState,
			DuplicatesLinkedTotal,
			ImageDecodeFailuresTotal,
			RabbitMQConnected,
			WorkerInFlight,
			MessagesProcessedTotal,
		)
	})
}
