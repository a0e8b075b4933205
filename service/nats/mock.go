package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing. Like the
// stream it dedupes by signature.
type MockPublisher struct {
	mu              sync.RWMutex
	publishedEvents []*PaymentEvent
	seen            map[string]struct{}
	publishError    error
	closed          bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{seen: make(map[string]struct{})}
}

// PublishPayment records the event and returns any configured error.
func (m *MockPublisher) PublishPayment(ctx context.Context, event *PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	if _, dup := m.seen[event.Signature]; dup {
		return nil
	}
	m.seen[event.Signature] = struct{}{}
	m.publishedEvents = append(m.publishedEvents, event)
	return nil
}

func (m *MockPublisher) PublishPaymentBatch(ctx context.Context, events []*PaymentEvent) error {
	for _, event := range events {
		if err := m.PublishPayment(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns a copy of all published events.
func (m *MockPublisher) GetPublishedEvents() []*PaymentEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*PaymentEvent, len(m.publishedEvents))
	copy(events, m.publishedEvents)
	return events
}

// GetPublishedEventsForMerchant returns events published for a specific merchant.
func (m *MockPublisher) GetPublishedEventsForMerchant(merchant string) []*PaymentEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []*PaymentEvent
	for _, event := range m.publishedEvents {
		if event.Merchant == merchant {
			events = append(events, event)
		}
	}
	return events
}

// SetPublishError configures the mock to return an error on PublishPayment.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
