// Package metrics provides Prometheus metrics for the Fern ingestion jobs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	// ReferenceLoadsTotal tracks reference type loads by outcome
	ReferenceLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ingestion",
			Name:      "reference_loads_total",
			Help:      "Total number of reference type loads by status",
		},
		[]string{"entity_type", "status"},
	)

	// ReferenceLoadDuration tracks how long one reference type takes to load
	ReferenceLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "ingestion",
			Name:      "reference_load_duration_seconds",
			Help:      "Duration of reference type loads in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"entity_type"},
	)

	// ListingsProcessedTotal tracks listing items by outcome
	ListingsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ingestion",
			Name:      "listings_processed_total",
			Help:      "Total number of listing items processed by outcome",
		},
		[]string{"outcome"},
	)

	// VersionedUpsertsTotal tracks versioned upserts by kind and result
	VersionedUpsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "versioning",
			Name:      "upserts_total",
			Help:      "Total number of versioned upserts by kind and result",
		},
		[]string{"kind", "result"},
	)

	// VersionConflictsTotal tracks lost races on the live-row uniqueness constraint
	VersionConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "versioning",
			Name:      "conflicts_total",
			Help:      "Total number of concurrent upsert conflicts",
		},
		[]string{"kind"},
	)

	// QuotaRotationsTotal tracks credential rotations
	QuotaRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "quota",
			Name:      "rotations_total",
			Help:      "Total number of credential rotations",
		},
		[]string{"service_id"},
	)

	// QuotaExhaustedTotal tracks requests refused because every credential was at its limit
	QuotaExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "quota",
			Name:      "exhausted_total",
			Help:      "Total number of acquisitions refused with all credentials exhausted",
		},
		[]string{"service_id"},
	)

	// HTTPRequestsTotal tracks outbound HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"service_id", "status_code"},
	)

	// HTTPRequestDuration tracks outbound HTTP request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service_id"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)
)

// RecordReferenceLoad records the outcome of one reference type load
func RecordReferenceLoad(entityType, status string, durationSeconds float64) {
	ReferenceLoadsTotal.WithLabelValues(entityType, status).Inc()
	ReferenceLoadDuration.WithLabelValues(entityType).Observe(durationSeconds)
}

// RecordHTTPRequest records an outbound HTTP request metric
func RecordHTTPRequest(serviceID, statusCode string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(serviceID, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(serviceID).Observe(durationSeconds)
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}

// Push sends everything in the default registry to a Pushgateway. Batch commands exit before a
// scrape could reach them, so they push once on the way out.
func Push(gatewayURL, job string) error {
	if gatewayURL == "" {
		return nil
	}
	return push.New(gatewayURL, job).Gatherer(prometheus.DefaultGatherer).Push()
}
