package streaming

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_Envelope(t *testing.T) {
	data, err := Marshal(TypeSubscribe, 7, SubscribePayload{Collection: "objects"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribe","id":7,"payload":{"collection":"objects"}}`, string(data))

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	var sub SubscribePayload
	require.NoError(t, env.Decode(&sub))
	assert.Equal(t, "objects", sub.Collection)
}

func TestMarshal_NoPayload(t *testing.T) {
	data, err := Marshal(TypeAck, 0, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ack"}`, string(data))
}

func TestEnvelope_DecodeEmpty(t *testing.T) {
	assert.Error(t, Envelope{Type: TypeSet}.Decode(&WritePayload{}))
}

func TestWritePayload_NullFieldSurvives(t *testing.T) {
	data, err := json.Marshal(WritePayload{Collection: "objects", Key: "a", Fields: map[string]json.RawMessage{"trajectory": json.RawMessage("null")}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"trajectory":null`)
}
