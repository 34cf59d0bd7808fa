package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchesCreated counts batches accepted by the tracker.
	BatchesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rndc_batches_created_total",
			Help: "Total number of batches created",
		},
		[]string{"kind"},
	)

	// BatchesCompleted counts batches that reached the completed status.
	BatchesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rndc_batches_completed_total",
			Help: "Total number of batches completed",
		},
		[]string{"kind"},
	)

	// SubmissionsResolved counts records by final status.
	SubmissionsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rndc_submissions_resolved_total",
			Help: "Total number of submissions resolved, by kind and status",
		},
		[]string{"kind", "status"},
	)

	// QueryFallbacks counts pre-completion lookups that fell back to the default quantity.
	QueryFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rndc_query_fallbacks_total",
			Help: "Total number of quantity lookups that used the fallback value",
		},
	)

	// RegistryRequestDuration observes round trips to the registry web service.
	RegistryRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rndc_registry_request_duration_seconds",
			Help:    "Duration of registry web service requests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"procesoid"},
	)

	// RegistryAttempts counts HTTP attempts, including retries.
	RegistryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rndc_registry_attempts_total",
			Help: "Total number of registry HTTP attempts",
		},
		[]string{"result"},
	)

	// SubmissionsInFlight tracks records currently being transmitted.
	SubmissionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rndc_submissions_in_flight",
			Help: "Number of submissions currently being transmitted",
		},
	)
)
