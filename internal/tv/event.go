package tv

import (
	"encoding/json"
	"fmt"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Event is one push notification. Delete events may carry only the id.
type Event struct {
	Action string
	Record Record
}

type eventPayload struct {
	TV json.RawMessage `json:"tv"`
}

type wireEvent struct {
	Action  string       `json:"action"`
	Payload eventPayload `json:"payload"`
}

// EncodeEvent renders e in its wire shape.
func EncodeEvent(e Event) ([]byte, error) {
	record, err := json.Marshal(e.Record)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Action: e.Action, Payload: eventPayload{TV: record}})
}

// DecodeEvent validates a push message against the event schema and decodes
// it. Invalid messages return an error wrapping ErrInvalidInput.
func DecodeEvent(data []byte) (Event, error) {
	if err := validate(eventSchemaURL, data); err != nil {
		return Event{}, err
	}
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return Event{}, fmt.Errorf("%w: decode event: %v", ErrInvalidInput, err)
	}
	var record Record
	if err := json.Unmarshal(wire.Payload.TV, &record); err != nil {
		return Event{}, fmt.Errorf("%w: decode event record: %v", ErrInvalidInput, err)
	}
	return Event{Action: wire.Action, Record: record}, nil
}
