// Package eventbus publishes domain events through a pluggable EventBus.
package eventbus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/clearing-armada/internal/domain/events"
	"github.com/ahrav/clearing-armada/internal/infra/eventbus/reliability"
	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

// criticalPublishAttempts bounds how often a critical event is retried.
const criticalPublishAttempts = 3

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher adapts domain events to the event bus abstraction.
// Critical events are retried with a short exponential backoff; everything
// else gets a single attempt.
type DomainEventPublisher struct {
	eventBus     events.EventBus
	logger       *logger.Logger
	retryBackoff time.Duration
}

// NewDomainEventPublisher creates a new publisher that will distribute domain
// events through the provided event bus.
func NewDomainEventPublisher(bus events.EventBus, log *logger.Logger) *DomainEventPublisher {
	return &DomainEventPublisher{
		eventBus:     bus,
		logger:       log.With("component", "domain_event_publisher"),
		retryBackoff: 200 * time.Millisecond,
	}
}

// PublishDomainEvent wraps event in an envelope and sends it through the bus.
func (pub *DomainEventPublisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	domainOpts ...events.PublishOption,
) error {
	evt := events.EventEnvelope{
		Type:      event.EventType(),
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}
	opts := events.ConvertDomainOptions(domainOpts)

	if !reliability.IsCriticalEvent(event.EventType()) {
		return pub.eventBus.Publish(ctx, evt, opts...)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = pub.retryBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, criticalPublishAttempts-1), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := pub.eventBus.Publish(ctx, evt, opts...)
		if err != nil {
			pub.logger.Warn(ctx, "critical event publish failed",
				"event_type", evt.Type,
				"attempt", attempt,
				"error", err,
			)
		}
		return err
	}, policy)
}
