// Package reliability classifies events by how much their loss would hurt,
// so publishers can decide how hard to try.
package reliability

import (
	"github.com/ahrav/clearing-armada/internal/domain/clearing"
	"github.com/ahrav/clearing-armada/internal/domain/events"
)

// IsCriticalEvent reports whether an event type must not be dropped.
//
// Outdating a process is a one-off transition that no later event repeats.
// Progress events are re-emitted by the next advance of the same process, so
// losing one is tolerable.
func IsCriticalEvent(eventType events.EventType) bool {
	switch eventType {
	case clearing.EventTypeClearingProcessOutdated:
		return true
	case clearing.EventTypeClearingProcessAdvanced:
		return false
	default:
		return false
	}
}
