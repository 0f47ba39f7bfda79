package serialization

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/clearing-armada/internal/domain/clearing"
	serializationerrors "github.com/ahrav/clearing-armada/internal/infra/eventbus/serialization/errors"
)

func TestEnvelope_ProcessAdvanced(t *testing.T) {
	t.Parallel()

	evt := clearing.ProcessAdvancedEvent{
		Timestamp:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ReleaseID:     "r1",
		ProcessID:     "p1",
		Tool:          clearing.ToolFossology,
		ProcessStatus: clearing.ProcessStatusInWork,
		Step:          clearing.StepScan,
		StepStatus:    clearing.StepStatusInWork,
		ClearingState: clearing.ClearingStateSentToClearingTool,
	}

	data, err := SerializeEventEnvelope(evt.EventType(), &evt)
	require.NoError(t, err)

	eventType, payload, err := DeserializeEventEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, clearing.EventTypeClearingProcessAdvanced, eventType)
	assert.Equal(t, evt, payload)
}

func TestEnvelope_ProcessOutdated(t *testing.T) {
	t.Parallel()

	evt := clearing.ProcessOutdatedEvent{
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ReleaseID: "r1",
		ProcessID: "p1",
		Tool:      clearing.ToolFossology,
		Actor:     "alice@example.com",
	}

	data, err := SerializeEventEnvelope(evt.EventType(), evt)
	require.NoError(t, err)

	_, payload, err := DeserializeEventEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, evt, payload)
}

func TestSerializeEventEnvelope_Errors(t *testing.T) {
	t.Parallel()

	_, err := SerializeEventEnvelope("Unknown", struct{}{})
	assert.Error(t, err)

	_, err = SerializeEventEnvelope(clearing.EventTypeClearingProcessAdvanced, "not an event")
	var invalid serializationerrors.ErrInvalidPayload
	assert.ErrorAs(t, err, &invalid)
}

func TestDeserializeEventEnvelope_MissingFields(t *testing.T) {
	t.Parallel()

	noType, err := proto.Marshal(&structpb.Struct{})
	require.NoError(t, err)
	_, _, err = DeserializeEventEnvelope(noType)
	var missing serializationerrors.ErrMissingField
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, envelopeTypeField, missing.Field)

	body, err := structpb.NewStruct(map[string]any{"timestamp": "2024-05-01T12:00:00Z"})
	require.NoError(t, err)
	noRelease, err := proto.Marshal(&structpb.Struct{Fields: map[string]*structpb.Value{
		envelopeTypeField:    structpb.NewStringValue(string(clearing.EventTypeClearingProcessOutdated)),
		envelopePayloadField: structpb.NewStructValue(body),
	}})
	require.NoError(t, err)
	_, _, err = DeserializeEventEnvelope(noRelease)
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "release_id", missing.Field)

	_, _, err = DeserializeEventEnvelope([]byte{0xff, 0xff})
	assert.Error(t, err)
}
