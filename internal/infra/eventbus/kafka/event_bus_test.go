package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/clearing-armada/internal/domain/clearing"
	"github.com/ahrav/clearing-armada/internal/domain/events"
	"github.com/ahrav/clearing-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/clearing-armada/internal/infra/storage"
	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

type recordingMetrics struct {
	mu        sync.Mutex
	published map[string]int
	errors    map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{published: map[string]int{}, errors: map[string]int{}}
}

func (m *recordingMetrics) IncMessagePublished(_ context.Context, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[topic]++
}

func (m *recordingMetrics) IncPublishError(_ context.Context, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[topic]++
}

func testConfig() *Config {
	return &Config{Brokers: []string{"localhost:9092"}, ClearingTopic: "clearing", ClientID: "test"}
}

func advancedEvent(t *testing.T) clearing.ProcessAdvancedEvent {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := clearing.NewProcess(
		clearing.ToolFossology,
		clearing.Fingerprint{ContentID: "c1", SHA1: "abc"},
		false,
		clearing.Actor{Email: "a@example.com", Group: "g"},
		now,
	)
	return clearing.NewProcessAdvancedEvent("release-1", p, clearing.ClearingStateNew, now)
}

func TestNewEventBus_Validation(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	defer producer.Close()

	_, err := NewEventBus(producer, testConfig(), logger.Noop(), nil, storage.NoOpTracer())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.ClearingTopic = ""
	_, err = NewEventBus(producer, cfg, logger.Noop(), newRecordingMetrics(), storage.NoOpTracer())
	assert.Error(t, err)
}

func TestEventBus_Publish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	metrics := newRecordingMetrics()
	bus, err := NewEventBus(producer, testConfig(), logger.Noop(), metrics, storage.NoOpTracer())
	require.NoError(t, err)

	evt := advancedEvent(t)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "clearing" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "release-1" {
			return errors.New("unexpected key " + string(key))
		}

		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		eventType, payload, err := serialization.DeserializeEventEnvelope(value)
		if err != nil {
			return err
		}
		if eventType != clearing.EventTypeClearingProcessAdvanced {
			return errors.New("unexpected event type")
		}
		got, ok := payload.(clearing.ProcessAdvancedEvent)
		if !ok || got.ReleaseID != "release-1" {
			return errors.New("unexpected payload")
		}
		return nil
	})

	err = bus.Publish(context.Background(), events.EventEnvelope{
		Type:      evt.EventType(),
		Timestamp: evt.OccurredAt(),
		Payload:   evt,
	}, events.WithKey("release-1"))
	require.NoError(t, err)

	assert.Equal(t, 1, metrics.published["clearing"])
	assert.Zero(t, metrics.errors["clearing"])
	require.NoError(t, bus.Close())
}

func TestEventBus_PublishUnknownType(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	bus, err := NewEventBus(producer, testConfig(), logger.Noop(), newRecordingMetrics(), storage.NoOpTracer())
	require.NoError(t, err)

	err = bus.Publish(context.Background(), events.EventEnvelope{Type: "Nope"})
	assert.Error(t, err)
	require.NoError(t, bus.Close())
}

func TestEventBus_PublishSendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	metrics := newRecordingMetrics()
	bus, err := NewEventBus(producer, testConfig(), logger.Noop(), metrics, storage.NoOpTracer())
	require.NoError(t, err)

	producer.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)

	evt := advancedEvent(t)
	err = bus.Publish(context.Background(), events.EventEnvelope{Type: evt.EventType(), Payload: evt})
	assert.ErrorIs(t, err, sarama.ErrLeaderNotAvailable)
	assert.Equal(t, 1, metrics.errors["clearing"])
	require.NoError(t, bus.Close())
}
