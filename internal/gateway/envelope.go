package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the JSON frame exchanged over the socket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var errMissingEvent = errors.New("frame has no event name")

// EncodeEvent marshals an event and its payload into a text frame.
func EncodeEvent(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Data = raw
	}

	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", event, err)
	}
	return frame, nil
}

// DecodeEnvelope parses a text frame. Frames without an event name are rejected.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, errMissingEvent
	}
	return env, nil
}
