// Package serialization translates domain events to and from their wire
// format. Every event is carried as a protobuf Struct envelope holding the
// event type and a Struct payload; per-type functions registered here map
// payloads to domain objects.
package serialization

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/clearing-armada/internal/domain/clearing"
	"github.com/ahrav/clearing-armada/internal/domain/events"
	serializationerrors "github.com/ahrav/clearing-armada/internal/infra/eventbus/serialization/errors"
)

// SerializeFunc converts a domain object into its wire payload.
type SerializeFunc func(payload any) (*structpb.Struct, error)

// DeserializeFunc converts a wire payload back into a domain object.
type DeserializeFunc func(payload *structpb.Struct) (any, error)

var (
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterSerializeFunc registers a serialization function for a given event type.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers a deserialization function for a given event type.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	deserializerRegistry[eventType] = fn
}

func init() { RegisterEventSerializers() }

// RegisterEventSerializers registers handlers for all supported event types.
func RegisterEventSerializers() {
	RegisterSerializeFunc(clearing.EventTypeClearingProcessAdvanced, serializeProcessAdvanced)
	RegisterDeserializeFunc(clearing.EventTypeClearingProcessAdvanced, deserializeProcessAdvanced)

	RegisterSerializeFunc(clearing.EventTypeClearingProcessOutdated, serializeProcessOutdated)
	RegisterDeserializeFunc(clearing.EventTypeClearingProcessOutdated, deserializeProcessOutdated)
}

const (
	envelopeTypeField    = "event_type"
	envelopePayloadField = "payload"
)

// SerializeEventEnvelope encodes payload with the serializer registered for
// eventType and wraps it in the universal envelope.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	fn, ok := serializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	body, err := fn(payload)
	if err != nil {
		return nil, err
	}

	envelope := &structpb.Struct{Fields: map[string]*structpb.Value{
		envelopeTypeField:    structpb.NewStringValue(string(eventType)),
		envelopePayloadField: structpb.NewStructValue(body),
	}}
	return proto.Marshal(envelope)
}

// DeserializeEventEnvelope decodes an envelope produced by
// SerializeEventEnvelope.
func DeserializeEventEnvelope(data []byte) (events.EventType, any, error) {
	var envelope structpb.Struct
	if err := proto.Unmarshal(data, &envelope); err != nil {
		return "", nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	eventType := events.EventType(envelope.GetFields()[envelopeTypeField].GetStringValue())
	if eventType == "" {
		return "", nil, serializationerrors.ErrMissingField{Field: envelopeTypeField}
	}
	body := envelope.GetFields()[envelopePayloadField].GetStructValue()
	if body == nil {
		return "", nil, serializationerrors.ErrMissingField{Field: envelopePayloadField}
	}

	fn, ok := deserializerRegistry[eventType]
	if !ok {
		return "", nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	payload, err := fn(body)
	if err != nil {
		return "", nil, err
	}
	return eventType, payload, nil
}

func serializeProcessAdvanced(payload any) (*structpb.Struct, error) {
	evt, ok := asValue[clearing.ProcessAdvancedEvent](payload)
	if !ok {
		return nil, serializationerrors.ErrInvalidPayload{EventType: string(clearing.EventTypeClearingProcessAdvanced), Got: payload}
	}
	return structpb.NewStruct(map[string]any{
		"timestamp":      evt.Timestamp.UTC().Format(time.RFC3339Nano),
		"release_id":     evt.ReleaseID,
		"process_id":     evt.ProcessID,
		"tool":           string(evt.Tool),
		"process_status": string(evt.ProcessStatus),
		"step":           string(evt.Step),
		"step_status":    string(evt.StepStatus),
		"clearing_state": string(evt.ClearingState),
	})
}

func deserializeProcessAdvanced(body *structpb.Struct) (any, error) {
	f := fields{body}
	ts, err := f.time("timestamp")
	if err != nil {
		return nil, err
	}
	releaseID, err := f.required("release_id")
	if err != nil {
		return nil, err
	}
	return clearing.ProcessAdvancedEvent{
		Timestamp:     ts,
		ReleaseID:     releaseID,
		ProcessID:     f.str("process_id"),
		Tool:          clearing.Tool(f.str("tool")),
		ProcessStatus: clearing.ProcessStatus(f.str("process_status")),
		Step:          clearing.StepName(f.str("step")),
		StepStatus:    clearing.StepStatus(f.str("step_status")),
		ClearingState: clearing.ClearingState(f.str("clearing_state")),
	}, nil
}

func serializeProcessOutdated(payload any) (*structpb.Struct, error) {
	evt, ok := asValue[clearing.ProcessOutdatedEvent](payload)
	if !ok {
		return nil, serializationerrors.ErrInvalidPayload{EventType: string(clearing.EventTypeClearingProcessOutdated), Got: payload}
	}
	return structpb.NewStruct(map[string]any{
		"timestamp":  evt.Timestamp.UTC().Format(time.RFC3339Nano),
		"release_id": evt.ReleaseID,
		"process_id": evt.ProcessID,
		"tool":       string(evt.Tool),
		"actor":      evt.Actor,
	})
}

func deserializeProcessOutdated(body *structpb.Struct) (any, error) {
	f := fields{body}
	ts, err := f.time("timestamp")
	if err != nil {
		return nil, err
	}
	releaseID, err := f.required("release_id")
	if err != nil {
		return nil, err
	}
	return clearing.ProcessOutdatedEvent{
		Timestamp: ts,
		ReleaseID: releaseID,
		ProcessID: f.str("process_id"),
		Tool:      clearing.Tool(f.str("tool")),
		Actor:     f.str("actor"),
	}, nil
}

// asValue accepts both T and *T.
func asValue[T any](payload any) (T, bool) {
	switch v := payload.(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	}
	var zero T
	return zero, false
}

type fields struct{ s *structpb.Struct }

func (f fields) str(name string) string { return f.s.GetFields()[name].GetStringValue() }

func (f fields) required(name string) (string, error) {
	v := f.str(name)
	if v == "" {
		return "", serializationerrors.ErrMissingField{Field: name}
	}
	return v, nil
}

func (f fields) time(name string) (time.Time, error) {
	raw, err := f.required(name)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, serializationerrors.ErrInvalidTimestamp{Field: name, Err: err}
	}
	return t, nil
}
