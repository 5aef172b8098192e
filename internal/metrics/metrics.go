// Package metrics declares the Prometheus collectors of the health-data API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "glucolog"

var (
	// HTTP request metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by type",
		},
		[]string{"type"},
	)

	// Consent
	ConsentChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consent_checks_total",
			Help:      "Consent checks by cache result",
		},
		[]string{"cache"},
	)

	// Health record store
	ReadingsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_appended_total",
			Help:      "Readings stored, by metric",
		},
		[]string{"metric"},
	)

	ReadingsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_deduplicated_total",
			Help:      "Appends answered from an earlier reading with the same dedup token",
		},
	)

	ReadingsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_rejected_total",
			Help:      "Readings rejected by validation, by field",
		},
		[]string{"field"},
	)

	// Alert engine
	AlertsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Alert events recorded, by kind",
		},
		[]string{"kind"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Threshold crossings suppressed by cool-down, by kind",
		},
		[]string{"kind"},
	)

	AlertsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_delivered_total",
			Help:      "Alert events handed to the transport, by result",
		},
		[]string{"result"},
	)

	AlertEvaluationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_evaluation_failures_total",
			Help:      "Readings whose alert evaluation failed after retries",
		},
	)

	// Analytics
	AnalyticsRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_requests_total",
			Help:      "Summary requests by outcome (hit, recompute, forced)",
		},
		[]string{"outcome"},
	)

	AnalyticsRecomputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analytics_recompute_duration_seconds",
			Help:      "Time spent recomputing a snapshot",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// Lifecycle
	Exports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Data exports by result",
		},
		[]string{"result"},
	)

	Erasures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "erasures_total",
			Help:      "Erasure requests by result (completed, replayed, failed, already_erased, not_found)",
		},
		[]string{"result"},
	)

	// Chat gate
	ChatResponsesWrapped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_responses_total",
			Help:      "Chat responses by gate result",
		},
		[]string{"result"},
	)
)
