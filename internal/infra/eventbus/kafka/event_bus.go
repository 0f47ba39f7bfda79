// Package kafka provides a Kafka-based implementation of the event bus used to
// announce clearing progress to downstream consumers.
package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/clearing-armada/internal/domain/clearing"
	"github.com/ahrav/clearing-armada/internal/domain/events"
	"github.com/ahrav/clearing-armada/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/clearing-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message publishing.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
}

// Config contains settings for connecting to Kafka brokers and routing
// clearing events.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string
	// ClearingTopic receives every clearing process event.
	ClearingTopic string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements events.EventBus on top of a synchronous Kafka producer.
// It is publish-only: clearing events are consumed by other systems.
type EventBus struct {
	client   sarama.Client
	producer sarama.SyncProducer

	// Maps domain event types to their Kafka topics
	topicMap map[events.EventType]string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus wraps an existing producer. The bus takes ownership of the
// producer and closes it on Close.
func NewEventBus(
	producer sarama.SyncProducer,
	cfg *Config,
	log *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}
	if cfg.ClearingTopic == "" {
		return nil, fmt.Errorf("clearing topic is required")
	}

	log = log.With("component", "kafka_event_bus", "client_id", cfg.ClientID)

	topicMap := map[events.EventType]string{
		clearing.EventTypeClearingProcessAdvanced: cfg.ClearingTopic,
		clearing.EventTypeClearingProcessOutdated: cfg.ClearingTopic,
	}

	return &EventBus{
		producer: producer,
		topicMap: topicMap,
		logger:   log,
		tracer:   tracer,
		metrics:  metrics,
	}, nil
}

// Publish serializes the event and sends it to the topic mapped to its type.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, b.tracer)
	defer span.End()

	params := events.ApplyOptions(opts)
	if params.Key != "" {
		event.Key = params.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}
	if len(params.Headers) > 0 {
		if event.Headers == nil {
			event.Headers = make(map[string]string, len(params.Headers))
		}
		for k, v := range params.Headers {
			event.Headers[k] = v
		}
	}

	msgBytes, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "serialization failed")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(msgBytes),
	}
	for k, v := range event.Headers {
		kafkaMsg.Headers = append(kafkaMsg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	kafkaMsg.Headers = append(kafkaMsg.Headers, sarama.RecordHeader{
		Key:   []byte("event_type"),
		Value: []byte(event.Type),
	})

	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}
	b.metrics.IncMessagePublished(ctx, topic)

	span.SetAttributes(
		attribute.Int64("messaging.kafka.partition", int64(partition)),
		attribute.Int64("messaging.kafka.offset", offset),
	)
	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", event.Key,
		"event_type", event.Type,
	)

	return nil
}

// Close shuts down the producer and, when the bus created it, the client.
func (b *EventBus) Close() error {
	if err := b.producer.Close(); err != nil {
		return fmt.Errorf("error closing producer: %w", err)
	}
	if b.client != nil && !b.client.Closed() {
		if err := b.client.Close(); err != nil {
			return fmt.Errorf("error closing client: %w", err)
		}
	}
	return nil
}
