package analytics

import (
	"context"
	"sync"

	"github.com/patrickwarner/convertrelay/internal/models"
	"github.com/patrickwarner/convertrelay/internal/tracking"
)

var (
	_ DeliveryRecorder = (*Analytics)(nil)
	_ DeliveryRecorder = (*MockAnalytics)(nil)
)

// MockAnalytics keeps recorded deliveries in memory for tests.
type MockAnalytics struct {
	mu         sync.Mutex
	Deliveries []tracking.Delivery
	Events     []models.CommerceEvent
	Err        error
}

// NewMockAnalytics creates a new mock analytics instance
func NewMockAnalytics() *MockAnalytics {
	return &MockAnalytics{}
}

// RecordDelivery appends d unless Err is set.
func (m *MockAnalytics) RecordDelivery(_ context.Context, ev models.CommerceEvent, d tracking.Delivery) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deliveries = append(m.Deliveries, d)
	m.Events = append(m.Events, ev)
	return nil
}

// Recorded returns a copy of the recorded deliveries.
func (m *MockAnalytics) Recorded() []tracking.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tracking.Delivery, len(m.Deliveries))
	copy(out, m.Deliveries)
	return out
}
