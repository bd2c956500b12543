package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InferencesTotal tracks inference calls per backend and outcome
	InferencesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeinfer_inferences_total",
			Help: "Total number of inference calls",
		},
		[]string{"backend", "result"},
	)

	// InferenceLatency tracks wall-clock inference time
	InferenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgeinfer_inference_latency_seconds",
			Help:    "Inference latency in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"backend"},
	)

	// FallbacksTotal counts calls served by the CPU fallback instead of the selected backend
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeinfer_fallbacks_total",
			Help: "Total number of inference calls routed to the CPU fallback",
		},
		[]string{"reason"},
	)

	// BatchSize tracks the size of accepted batches
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgeinfer_batch_size",
			Help:    "Number of items per batch inference call",
			Buckets: prometheus.LinearBuckets(1, 4, 8),
		},
	)

	// ErrorsReported tracks errors reported to the recovery engine
	ErrorsReported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeinfer_errors_reported_total",
			Help: "Total number of errors reported to the recovery engine",
		},
		[]string{"category", "severity"},
	)

	// RecoveryAttempts tracks recovery strategy invocations
	RecoveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeinfer_recovery_attempts_total",
			Help: "Total number of recovery strategy invocations",
		},
		[]string{"category", "result"},
	)

	// SystemHealthy is 1 while the recovery engine reports a healthy system
	SystemHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgeinfer_system_healthy",
			Help: "Whether the system is healthy (1) or not (0)",
		},
	)

	// BackendState tracks backend lifecycle (1 ready, 0 idle/released, -1 failed)
	BackendState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgeinfer_backend_state",
			Help: "Backend lifecycle state",
		},
		[]string{"backend"},
	)

	// ErrorSinkFailures tracks failed deliveries to error-log sinks
	ErrorSinkFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeinfer_error_sink_failures_total",
			Help: "Total number of failed error-log sink deliveries",
		},
		[]string{"sink"},
	)

	// DBConnectionPoolUsage tracks error-log database pool usage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgeinfer_db_connection_pool_usage_percent",
			Help: "Percentage of open error-log database connections",
		},
	)

	// NATSPublishDropped counts error events dropped by the publish rate limit
	NATSPublishDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgeinfer_nats_publish_dropped_total",
			Help: "Total number of error events dropped by the NATS rate limiter",
		},
	)
)
