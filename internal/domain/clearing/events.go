package clearing

import (
	"time"

	"github.com/ahrav/clearing-armada/internal/domain/events"
)

const (
	EventTypeClearingProcessAdvanced events.EventType = "ClearingProcessAdvanced"
	EventTypeClearingProcessOutdated events.EventType = "ClearingProcessOutdated"
)

// ProcessAdvancedEvent is emitted when a Process call changed a process.
type ProcessAdvancedEvent struct {
	Timestamp     time.Time
	ReleaseID     string
	ProcessID     string
	Tool          Tool
	ProcessStatus ProcessStatus
	Step          StepName
	StepStatus    StepStatus
	ClearingState ClearingState
}

// NewProcessAdvancedEvent snapshots p after it was persisted.
func NewProcessAdvancedEvent(releaseID string, p *Process, state ClearingState, now time.Time) ProcessAdvancedEvent {
	furthest := p.FurthestStep()
	return ProcessAdvancedEvent{
		Timestamp:     now,
		ReleaseID:     releaseID,
		ProcessID:     p.ID().String(),
		Tool:          p.Tool(),
		ProcessStatus: p.Status(),
		Step:          furthest.Name(),
		StepStatus:    furthest.Status(),
		ClearingState: state,
	}
}

func (e ProcessAdvancedEvent) EventType() events.EventType { return EventTypeClearingProcessAdvanced }
func (e ProcessAdvancedEvent) OccurredAt() time.Time       { return e.Timestamp }

// ProcessOutdatedEvent is emitted when a process is marked outdated.
type ProcessOutdatedEvent struct {
	Timestamp time.Time
	ReleaseID string
	ProcessID string
	Tool      Tool
	Actor     string
}

func NewProcessOutdatedEvent(releaseID string, p *Process, actor Actor, now time.Time) ProcessOutdatedEvent {
	return ProcessOutdatedEvent{
		Timestamp: now,
		ReleaseID: releaseID,
		ProcessID: p.ID().String(),
		Tool:      p.Tool(),
		Actor:     actor.Email,
	}
}

func (e ProcessOutdatedEvent) EventType() events.EventType { return EventTypeClearingProcessOutdated }
func (e ProcessOutdatedEvent) OccurredAt() time.Time       { return e.Timestamp }
