package kafka

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OtelMetrics records event bus counters through an OpenTelemetry meter.
type OtelMetrics struct {
	published     metric.Int64Counter
	publishErrors metric.Int64Counter
}

var _ EventBusMetrics = (*OtelMetrics)(nil)

// NewOtelMetrics registers the event bus instruments on mp.
func NewOtelMetrics(mp metric.MeterProvider) (*OtelMetrics, error) {
	meter := mp.Meter("clearing-armada/eventbus")

	published, err := meter.Int64Counter("eventbus_messages_published_total",
		metric.WithDescription("Total number of messages published to Kafka"))
	if err != nil {
		return nil, fmt.Errorf("failed to create published counter: %w", err)
	}

	publishErrors, err := meter.Int64Counter("eventbus_publish_errors_total",
		metric.WithDescription("Total number of Kafka publish failures"))
	if err != nil {
		return nil, fmt.Errorf("failed to create publish error counter: %w", err)
	}

	return &OtelMetrics{published: published, publishErrors: publishErrors}, nil
}

func (m *OtelMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *OtelMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
