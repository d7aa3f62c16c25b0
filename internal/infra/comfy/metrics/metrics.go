package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubmissionsTotal tracks prompt submissions by outcome
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_submissions_total",
			Help: "Total number of prompt submissions",
		},
		[]string{"outcome"},
	)

	// RetryAttemptsTotal tracks retry attempts per operation
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_retry_attempts_total",
			Help: "Total number of retry attempts",
		},
		[]string{"operation"},
	)

	// ClassifiedErrorsTotal tracks classified errors by kind
	ClassifiedErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_classified_errors_total",
			Help: "Total number of classified errors",
		},
		[]string{"kind"},
	)

	// BreakerTransitionsTotal tracks circuit breaker state transitions
	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"class", "state"},
	)

	// ReconnectsTotal tracks websocket reconnect attempts
	ReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_ws_reconnects_total",
			Help: "Total number of websocket reconnect attempts",
		},
	)

	// ActiveLeases tracks currently held connection leases
	ActiveLeases = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_ws_active_leases",
			Help: "Number of currently held websocket connection leases",
		},
	)

	// ProgressEventsTotal tracks dispatched progress events by status
	ProgressEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_progress_events_total",
			Help: "Total number of progress events dispatched",
		},
		[]string{"status"},
	)

	// RequestLatency tracks backend HTTP request latency per operation
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_request_latency_seconds",
			Help:    "Backend HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)
