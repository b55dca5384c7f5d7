// Package metrics exposes the fabric's Prometheus instruments. All of them
// are registered on the default registry and served from /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solarbus_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solarbus_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Envelope store metrics
	EnvelopesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solarbus_envelopes_appended_total",
			Help: "Total envelopes committed to the store",
		},
		[]string{"type"},
	)

	EnvelopesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solarbus_envelopes_rejected_total",
			Help: "Total envelope writes rejected at validation",
		},
		[]string{"code"},
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solarbus_status_transitions_total",
			Help: "Total envelope status transitions applied",
		},
		[]string{"to"},
	)

	ProgressAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "solarbus_progress_records_total",
			Help: "Total progress records appended",
		},
	)

	AppendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "solarbus_append_latency_seconds",
			Help:    "Envelope append latency including validation",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
		},
	)

	// Authorization metrics
	AuthzDenied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "solarbus_authz_denied_total",
			Help: "Total authorization denials",
		},
	)

	AuthzChecks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "solarbus_authz_checks_total",
			Help: "Total authorization checks",
		},
	)

	// Router metrics
	EnvelopesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "solarbus_envelopes_delivered_total",
			Help: "Total envelope notifications delivered to subscribers",
		},
	)

	SubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "solarbus_subscribers_active",
			Help: "Currently connected envelope subscribers",
		},
	)

	// Coordinator metrics
	AggregationsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solarbus_aggregations_resolved_total",
			Help: "Fan-in aggregations resolved by outcome",
		},
		[]string{"outcome"}, // "consolidated", "needs_human", "timeout"
	)

	RetriesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "solarbus_retries_issued_total",
			Help: "Subtask retries issued by the coordinator",
		},
	)
)
