package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fr3shw3b/flowsession/pkg/session"
)

var (
	ErrEmptyFrame    = errors.New("wire: empty frame")
	ErrUnknownPrefix = errors.New("wire: unknown frame prefix")
)

// Header carries the addressing a replayed message was sent with.
type Header struct {
	MessageID   string           `json:"messageId"`
	Source      session.Identity `json:"source"`
	Destination session.Identity `json:"destination"`
	NetworkType string           `json:"networkType"`
}

// Frame is a decoded websocket message. Header is only set for frames
// with the link out prefix.
type Frame struct {
	Prefix uint8
	Header *Header
	Event  session.Event
}

type linkOutBody struct {
	Header Header        `json:"header"`
	Event  session.Event `json:"event"`
}

// Inbound returns the frame's event as seen by the receiving side.
func (f Frame) Inbound() session.Event {
	event := f.Event.Clone()
	event.Direction = session.DirectionInbound
	return event
}

func EncodeSessionEvent(event session.Event) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return append([]byte{SessionEventPrefix}, body...), nil
}

func EncodeLinkOut(header Header, event session.Event) ([]byte, error) {
	body, err := json.Marshal(&linkOutBody{Header: header, Event: event})
	if err != nil {
		return nil, err
	}
	return append([]byte{LinkOutPrefix}, body...), nil
}

func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	prefix, body := data[0], data[1:]
	switch prefix {
	case SessionEventPrefix:
		event := session.Event{}
		if err := json.Unmarshal(body, &event); err != nil {
			return Frame{}, fmt.Errorf("wire: decoding session event: %w", err)
		}
		return Frame{Prefix: prefix, Event: event}, nil
	case LinkOutPrefix:
		decoded := linkOutBody{}
		if err := json.Unmarshal(body, &decoded); err != nil {
			return Frame{}, fmt.Errorf("wire: decoding link out message: %w", err)
		}
		return Frame{Prefix: prefix, Header: &decoded.Header, Event: decoded.Event}, nil
	}
	return Frame{}, fmt.Errorf("%w: 0x%x", ErrUnknownPrefix, prefix)
}
