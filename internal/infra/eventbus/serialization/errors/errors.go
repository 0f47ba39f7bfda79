package serializationerrors

import "fmt"

// ErrNilEvent indicates that a nil event was provided for serialization/deserialization
type ErrNilEvent struct{ EventType string }

func (e ErrNilEvent) Error() string { return fmt.Sprintf("nil %s event", e.EventType) }

// ErrInvalidPayload indicates that a payload had the wrong Go type for its event type.
type ErrInvalidPayload struct {
	EventType string
	Got       any
}

func (e ErrInvalidPayload) Error() string {
	return fmt.Sprintf("invalid payload for %s: %T", e.EventType, e.Got)
}

// ErrMissingField indicates that a required field was absent from a wire payload.
type ErrMissingField struct{ Field string }

func (e ErrMissingField) Error() string { return fmt.Sprintf("missing field %q", e.Field) }

// ErrInvalidTimestamp indicates that a timestamp field could not be parsed
type ErrInvalidTimestamp struct {
	Field string
	Err   error
}

func (e ErrInvalidTimestamp) Error() string { return fmt.Sprintf("invalid %s: %v", e.Field, e.Err) }

func (e ErrInvalidTimestamp) Unwrap() error { return e.Err }
