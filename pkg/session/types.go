package session

import "time"

// Event is a single session message as it travels on the wire.
type Event struct {
	Direction   Direction
	SessionID   string
	SequenceNum int
	// ReceivedSequenceNum piggybacks the sender's highest contiguous
	// received sequence number, nil when nothing has been received.
	ReceivedSequenceNum *int
	Timestamp           time.Time
	Payload             Payload
}

func (e Event) Clone() Event {
	out := e
	if e.ReceivedSequenceNum != nil {
		n := *e.ReceivedSequenceNum
		out.ReceivedSequenceNum = &n
	}
	out.Payload = clonePayload(e.Payload)
	return out
}

// EventsState tracks one direction of a session.
//
// On the send side LastProcessedSequenceNum is the last sequence number
// handed out and UndeliveredMessages are the unacknowledged events ending
// at it. On the receive side LastProcessedSequenceNum is the last sequence
// number consumed by the application and UndeliveredMessages are the
// in-order events received after it.
type EventsState struct {
	LastProcessedSequenceNum int
	UndeliveredMessages      []Event
}

func (s EventsState) clone() EventsState {
	out := EventsState{LastProcessedSequenceNum: s.LastProcessedSequenceNum}
	if len(s.UndeliveredMessages) > 0 {
		out.UndeliveredMessages = make([]Event, len(s.UndeliveredMessages))
		for i, event := range s.UndeliveredMessages {
			out.UndeliveredMessages[i] = event.Clone()
		}
	}
	return out
}

type Session struct {
	SessionID    string
	Counterparty Identity
	Status       Status
	// CloseReceived is set once the counterparty's close has been
	// received in order.
	CloseReceived           bool
	LastReceivedMessageTime time.Time
	SendEventsState         EventsState
	ReceiveEventsState      EventsState
}

// Clone returns a deep copy so transitions never alias the caller's
// snapshot.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.SendEventsState = s.SendEventsState.clone()
	out.ReceiveEventsState = s.ReceiveEventsState.clone()
	return &out
}

// HighestContiguousReceived is the sequence number this side acknowledges.
func (s *Session) HighestContiguousReceived() int {
	return s.ReceiveEventsState.LastProcessedSequenceNum + len(s.ReceiveEventsState.UndeliveredMessages)
}

// Result is the outcome of applying one event to a session.
type Result struct {
	Session *Session
	// Output is the record to put on the wire, if any.
	Output *Event
}
