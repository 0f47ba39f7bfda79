package events

import "time"

// DomainEvent is a fact that happened in the domain and is worth announcing
// to other parts of the system.
type DomainEvent interface {
	// EventType identifies the category of the event for routing.
	EventType() EventType
	// OccurredAt records when the event happened.
	OccurredAt() time.Time
}

// EventEnvelope carries a domain event through an event bus together with
// its routing metadata.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically a business identifier
	// such as a release ID that events are partitioned by.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the actual event. The concrete type depends on Type.
	Payload any
}
