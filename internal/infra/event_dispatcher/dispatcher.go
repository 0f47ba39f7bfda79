// Package eventdispatcher routes in-process event envelopes to the single
// handler registered for their type.
package eventdispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/clearing-armada/internal/domain/events"
	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

// Dispatcher manages event handlers and dispatches events to their registered
// handler. Each event type has exactly one handler.
//
// Typical usage:
//
//	dispatcher := eventdispatcher.New(tracer, logger)
//	dispatcher.RegisterHandler(ctx, clearing.EventTypeClearingProcessAdvanced, handler)
//	bus.Subscribe(dispatcher.EventTypes(), dispatcher.Dispatch)
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[events.EventType]events.HandlerFunc
	tracer   trace.Tracer
	logger   *logger.Logger
}

// New constructs a dispatcher with an empty registry.
func New(tracer trace.Tracer, logger *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[events.EventType]events.HandlerFunc),
		tracer:   tracer,
		logger:   logger.With("component", "event_dispatcher"),
	}
}

// RegisterHandler associates a handler with eventType, replacing any handler
// registered before. It is safe to call concurrently.
func (d *Dispatcher) RegisterHandler(ctx context.Context, eventType events.EventType, handler events.HandlerFunc) {
	_, span := d.tracer.Start(ctx, "event_dispatcher.register_handler",
		trace.WithAttributes(attribute.String("event_type", string(eventType))),
	)
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[eventType] = handler
	d.logger.Debug(ctx, "handler registered", "event_type", eventType)
}

// EventTypes lists the types that currently have a handler.
func (d *Dispatcher) EventTypes() []events.EventType {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]events.EventType, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	return types
}

// HandlerNotFoundError indicates no handler is registered for an event type.
type HandlerNotFoundError struct {
	EventType events.EventType
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for event type: %s", e.EventType)
}

// Dispatch runs the handler registered for evt.Type and returns its error.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.EventEnvelope) error {
	logger := logger.NewLoggerContext(d.logger.With("operation", "dispatch",
		"event_type", evt.Type,
		"key", evt.Key,
	))
	ctx, span := d.tracer.Start(ctx, "event_dispatcher.handle_event",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.String("key", evt.Key),
		))
	defer span.End()

	d.mu.RLock()
	handler, exists := d.handlers[evt.Type]
	d.mu.RUnlock()
	if !exists {
		err := &HandlerNotFoundError{EventType: evt.Type}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := handler(ctx, evt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to dispatch event type %s: %w", evt.Type, err)
	}

	span.SetStatus(codes.Ok, "event dispatched successfully")
	logger.Debug(ctx, "event dispatched successfully")
	return nil
}
