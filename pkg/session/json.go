package session

import (
	"encoding/json"
	"fmt"
	"time"
)

type eventJSON struct {
	Direction           string          `json:"direction"`
	SessionID           string          `json:"sessionId"`
	SequenceNum         int             `json:"sequenceNum"`
	ReceivedSequenceNum *int            `json:"receivedSequenceNum,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
	PayloadType         string          `json:"payloadType"`
	Payload             json.RawMessage `json:"payload"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("session: event for session %s has no payload", e.SessionID)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&eventJSON{
		Direction:           e.Direction.String(),
		SessionID:           e.SessionID,
		SequenceNum:         e.SequenceNum,
		ReceivedSequenceNum: e.ReceivedSequenceNum,
		Timestamp:           e.Timestamp,
		PayloadType:         e.Payload.Kind().String(),
		Payload:             payload,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	raw := eventJSON{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	direction, ok := ParseDirection(raw.Direction)
	if !ok {
		return fmt.Errorf("session: unknown message direction %q", raw.Direction)
	}
	payload, err := decodePayload(raw.PayloadType, raw.Payload)
	if err != nil {
		return err
	}

	*e = Event{
		Direction:           direction,
		SessionID:           raw.SessionID,
		SequenceNum:         raw.SequenceNum,
		ReceivedSequenceNum: raw.ReceivedSequenceNum,
		Timestamp:           raw.Timestamp,
		Payload:             payload,
	}
	return nil
}

func decodePayload(payloadType string, data json.RawMessage) (Payload, error) {
	switch payloadType {
	case KindInit.String():
		p := Init{}
		err := unmarshalPayload(data, &p)
		return p, err
	case KindData.String():
		p := Data{}
		err := unmarshalPayload(data, &p)
		return p, err
	case KindAck.String():
		p := Ack{}
		err := unmarshalPayload(data, &p)
		return p, err
	case KindClose.String():
		return Close{}, nil
	case KindError.String():
		p := Error{}
		err := unmarshalPayload(data, &p)
		return p, err
	}
	return nil, fmt.Errorf("session: unknown payload type %q", payloadType)
}

func unmarshalPayload(data json.RawMessage, target any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	status, ok := ParseStatus(string(text))
	if !ok {
		return fmt.Errorf("session: unknown status %q", string(text))
	}
	*s = status
	return nil
}
