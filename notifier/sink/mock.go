package sink

import (
	"context"
	"sync"

	"github.com/subwatch/subwatch/notifier"
)

// MockSink is a mock implementation of notifier.Sink for testing
type MockSink struct {
	Deliveries []MockDelivery
	DeliverErr error
	mu         sync.Mutex
}

// MockDelivery records one delivered event for later inspection
type MockDelivery struct {
	EventType string
	EventID   string
	Body      []byte
}

// Deliver records the event, or fails with the configured error
func (m *MockSink) Deliver(ctx context.Context, evt *notifier.Event, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DeliverErr != nil {
		return m.DeliverErr
	}

	m.Deliveries = append(m.Deliveries, MockDelivery{
		EventType: evt.EventType,
		EventID:   evt.EventID,
		Body:      append([]byte(nil), body...),
	})

	return nil
}

// Close is a no-op for MockSink
func (m *MockSink) Close() error {
	return nil
}

// Count returns the number of recorded deliveries
func (m *MockSink) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Deliveries)
}

// Reset clears all recorded deliveries
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deliveries = nil
}
