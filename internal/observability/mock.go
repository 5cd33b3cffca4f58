package observability

import (
	"strings"
	"sync"
	"time"
)

// MockMetricsRegistry records counter increments so tests can assert on
// them. Keys are the metric name followed by its labels, joined with "|".
type MockMetricsRegistry struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMockMetricsRegistry returns an empty recording registry.
func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{counts: make(map[string]int)}
}

func (m *MockMetricsRegistry) inc(parts ...string) {
	key := strings.Join(parts, "|")
	m.mu.Lock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[key]++
	m.mu.Unlock()
}

// Count returns how often the metric with the given name and labels was
// incremented.
func (m *MockMetricsRegistry) Count(parts ...string) int {
	key := strings.Join(parts, "|")
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

// HTTP Request metrics
func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string) {
	m.inc("requests", endpoint, method, status)
}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

// Pipeline metrics
func (m *MockMetricsRegistry) IncrementEventsReceived(name string) { m.inc("events", name) }
func (m *MockMetricsRegistry) IncrementOutcomes(event, status string) {
	m.inc("outcomes", event, status)
}

// Tracking delivery metrics
func (m *MockMetricsRegistry) IncrementDeliveries(kind, status string) {
	m.inc("deliveries", kind, status)
}
func (m *MockMetricsRegistry) RecordDeliveryLatency(kind string, duration time.Duration) {}
func (m *MockMetricsRegistry) IncrementDeliveryPersistErrors()                           { m.inc("persist_errors") }

// Rate limiting metrics
func (m *MockMetricsRegistry) IncrementRateLimitRequests(clientID string) {
	m.inc("ratelimit_requests", clientID)
}
func (m *MockMetricsRegistry) IncrementRateLimitHits(clientID string) {
	m.inc("ratelimit_hits", clientID)
}

// Goal catalog metrics
func (m *MockMetricsRegistry) IncrementGoalReloads(outcome string) { m.inc("goal_reloads", outcome) }
