package observability

import "time"

// MetricsRegistry records relay metrics. Components receive it by injection;
// tests pass NoOpRegistry or MockMetricsRegistry.
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Pipeline metrics
	IncrementEventsReceived(name string)
	IncrementOutcomes(event, status string)

	// Tracking delivery metrics
	IncrementDeliveries(kind, status string)
	RecordDeliveryLatency(kind string, duration time.Duration)
	IncrementDeliveryPersistErrors()

	// Rate limiting metrics
	IncrementRateLimitRequests(clientID string)
	IncrementRateLimitHits(clientID string)

	// Goal catalog metrics
	IncrementGoalReloads(outcome string)
}

// PrometheusRegistry records into the package-level collectors.
type PrometheusRegistry struct{}

func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

// HTTP Request metrics
func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// Pipeline metrics
func (r *PrometheusRegistry) IncrementEventsReceived(name string) {
	EventsReceived.WithLabelValues(name).Inc()
}

func (r *PrometheusRegistry) IncrementOutcomes(event, status string) {
	PipelineOutcomes.WithLabelValues(event, status).Inc()
}

// Tracking delivery metrics
func (r *PrometheusRegistry) IncrementDeliveries(kind, status string) {
	DeliveryCount.WithLabelValues(kind, status).Inc()
}

func (r *PrometheusRegistry) RecordDeliveryLatency(kind string, duration time.Duration) {
	DeliveryLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementDeliveryPersistErrors() {
	DeliveryPersistErrors.Inc()
}

// Rate limiting metrics
func (r *PrometheusRegistry) IncrementRateLimitRequests(string) {
	RateLimitRequests.Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitHits(string) {
	RateLimitHits.Inc()
}

// Goal catalog metrics
func (r *PrometheusRegistry) IncrementGoalReloads(outcome string) {
	GoalReloads.WithLabelValues(outcome).Inc()
}

// NoOpRegistry discards everything.
type NoOpRegistry struct{}

func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

// HTTP Request metrics
func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

// Pipeline metrics
func (r *NoOpRegistry) IncrementEventsReceived(name string)    {}
func (r *NoOpRegistry) IncrementOutcomes(event, status string) {}

// Tracking delivery metrics
func (r *NoOpRegistry) IncrementDeliveries(kind, status string)                   {}
func (r *NoOpRegistry) RecordDeliveryLatency(kind string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementDeliveryPersistErrors()                           {}

// Rate limiting metrics
func (r *NoOpRegistry) IncrementRateLimitRequests(clientID string) {}
func (r *NoOpRegistry) IncrementRateLimitHits(clientID string)     {}

// Goal catalog metrics
func (r *NoOpRegistry) IncrementGoalReloads(outcome string) {}
