// Package streaming is the relay wire protocol. Every frame is a JSON
// Envelope; requests carry an ID that the relay echoes in its ack.
package streaming

import (
	"encoding/json"
	"fmt"
)

// Message type constants.
const (
	// client to relay
	TypeSet                = "set"
	TypeUpdate             = "update"
	TypeRemove             = "remove"
	TypeRemoveCollection   = "remove_collection"
	TypeOnDisconnectRemove = "on_disconnect_remove"
	TypeSubscribe          = "subscribe"
	TypeUnsubscribe        = "unsubscribe"

	// relay to client
	TypeAck   = "ack"
	TypeEvent = "event"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AckMessage is the relay's answer to a request. Error is empty on success.
type AckMessage struct {
	Type  string `json:"type"` // always "ack"
	For   string `json:"for"`  // the message type being acknowledged
	ID    uint64 `json:"id"`
	Error string `json:"error,omitempty"`
}

// WritePayload addresses one child. Value is used by set, Fields by update;
// a null field deletes it.
type WritePayload struct {
	Collection string                     `json:"collection"`
	Key        string                     `json:"key,omitempty"`
	Value      json.RawMessage            `json:"value,omitempty"`
	Fields     map[string]json.RawMessage `json:"fields,omitempty"`
}

// SubscribePayload names a collection to follow.
type SubscribePayload struct {
	Collection string `json:"collection"`
}

// EventPayload is one change delivered to a subscriber.
type EventPayload struct {
	Type       string          `json:"type"`
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data,omitempty"`
	Seq        uint64          `json:"seq"`
}

// Marshal builds a JSON-encoded Envelope from a message type and payload.
func Marshal(msgType string, id uint64, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
	}
	data, err := json.Marshal(Envelope{Type: msgType, ID: id, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s payload: %w", e.Type, err)
	}
	return nil
}
