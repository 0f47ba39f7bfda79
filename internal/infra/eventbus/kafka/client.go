package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/clearing-armada/pkg/common"
	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

// NewClient creates and configures a Kafka client suitable for the
// synchronous producer used by the event bus.
func NewClient(cfg *Config) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Idempotent = true
	config.Producer.Retry.Max = 5
	config.Net.MaxOpenRequests = 1

	// Version should be consistent across all components
	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}

// ConnectEventBus dials the brokers and builds an EventBus, retrying with
// exponential backoff while Kafka is unavailable.
func ConnectEventBus(
	ctx context.Context,
	cfg *Config,
	retry common.RetryConfig,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	var bus *EventBus

	err := common.ConnectWithRetry(ctx, logger, "kafka", retry, func(ctx context.Context) error {
		client, err := NewClient(cfg)
		if err != nil {
			return fmt.Errorf("creating client: %w", err)
		}

		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			client.Close()
			return fmt.Errorf("creating producer: %w", err)
		}

		bus, err = NewEventBus(producer, cfg, logger, metrics, tracer)
		if err != nil {
			producer.Close()
			client.Close()
			return fmt.Errorf("creating event bus: %w", err)
		}
		bus.client = client
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect event bus after retries: %w", err)
	}

	return bus, nil
}
