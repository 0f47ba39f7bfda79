package clearing

import (
	"context"
	"fmt"

	domain "github.com/ahrav/clearing-armada/internal/domain/clearing"
	"github.com/ahrav/clearing-armada/internal/domain/events"
	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

// EventLog writes clearing events to the log. It stands in for downstream
// consumers when events stay in process.
type EventLog struct {
	logger *logger.Logger
}

// NewEventLog creates an EventLog.
func NewEventLog(log *logger.Logger) *EventLog {
	return &EventLog{logger: log.With("component", "clearing_event_log")}
}

// HandleProcessAdvanced logs a ProcessAdvancedEvent.
func (l *EventLog) HandleProcessAdvanced(ctx context.Context, evt events.EventEnvelope) error {
	e, err := payload[domain.ProcessAdvancedEvent](evt)
	if err != nil {
		return err
	}
	l.logger.Info(ctx, "clearing process advanced",
		"release_id", e.ReleaseID,
		"process_id", e.ProcessID,
		"process_status", e.ProcessStatus,
		"step", e.Step,
		"step_status", e.StepStatus,
		"clearing_state", e.ClearingState,
	)
	return nil
}

// HandleProcessOutdated logs a ProcessOutdatedEvent.
func (l *EventLog) HandleProcessOutdated(ctx context.Context, evt events.EventEnvelope) error {
	e, err := payload[domain.ProcessOutdatedEvent](evt)
	if err != nil {
		return err
	}
	l.logger.Info(ctx, "clearing process outdated",
		"release_id", e.ReleaseID,
		"process_id", e.ProcessID,
		"actor", e.Actor,
	)
	return nil
}

// payload accepts both value and pointer payloads.
func payload[T any](evt events.EventEnvelope) (T, error) {
	switch p := evt.Payload.(type) {
	case T:
		return p, nil
	case *T:
		if p != nil {
			return *p, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("unexpected payload %T for event type %s", evt.Payload, evt.Type)
}
