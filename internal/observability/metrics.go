package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertrelay_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convertrelay_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// lifecycle events accepted, labelled by event name
	EventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertrelay_events_received_total",
			Help: "Total lifecycle events received",
		},
		[]string{"event"},
	)

	// pipeline outcomes (reported, not_found, filtered, dropped, malformed, failed)
	PipelineOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertrelay_pipeline_outcomes_total",
			Help: "Total pipeline outcomes per event",
		},
		[]string{"event", "status"},
	)

	// tracking deliveries by kind (goal, transaction) and status
	DeliveryCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertrelay_deliveries_total",
			Help: "Total tracking deliveries",
		},
		[]string{"kind", "status"},
	)

	// Latency of tracking endpoint calls
	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convertrelay_delivery_duration_seconds",
			Help:    "Duration of tracking endpoint requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// number of errors writing deliveries to the audit log
	DeliveryPersistErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "convertrelay_delivery_persist_errors_total",
			Help: "Total delivery audit persistence errors",
		},
	)

	// client ids are unbounded, so rate limiting is exported without labels
	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "convertrelay_ratelimit_hits_total",
			Help: "Total events rejected by the per-client rate limiter",
		},
	)

	RateLimitRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "convertrelay_ratelimit_requests_total",
			Help: "Total per-client rate limit checks",
		},
	)

	// project goal reloads labelled by outcome
	GoalReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertrelay_goal_reloads_total",
			Help: "Total project goal reloads",
		},
		[]string{"outcome"},
	)
)

func init() {
	// register all metrics
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		EventsReceived,
		PipelineOutcomes,
		DeliveryCount,
		DeliveryLatency,
		DeliveryPersistErrors,
		RateLimitHits,
		RateLimitRequests,
		GoalReloads,
	)
}
