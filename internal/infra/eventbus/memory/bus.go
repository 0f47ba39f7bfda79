// Package memory provides an in-process event bus used when the controller
// runs without Kafka and in tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/ahrav/clearing-armada/internal/domain/events"
	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("event bus closed")

var _ events.EventBus = (*EventBus)(nil)

// EventBus delivers events synchronously to every subscriber registered for
// the event's type. Handler errors are logged, not returned to the publisher.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[events.EventType][]events.HandlerFunc
	closed   bool

	logger *logger.Logger
}

// NewEventBus returns an empty bus.
func NewEventBus(log *logger.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[events.EventType][]events.HandlerFunc),
		logger:   log.With("component", "memory_event_bus"),
	}
}

// Subscribe registers handler for each of eventTypes.
func (b *EventBus) Subscribe(eventTypes []events.EventType, handler events.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, et := range eventTypes {
		b.handlers[et] = append(b.handlers[et], handler)
	}
}

// Publish fans event out to the subscribed handlers.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := append([]events.HandlerFunc(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	params := events.ApplyOptions(opts)
	if params.Key != "" {
		event.Key = params.Key
	}
	if len(params.Headers) > 0 {
		event.Headers = params.Headers
	}

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			b.logger.Warn(ctx, "event handler failed", "event_type", event.Type, "error", err)
		}
	}
	return nil
}

// Close stops accepting new events.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
