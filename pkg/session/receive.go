package session

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

func (m *manager) ProcessMessageReceived(key string, current *Session, event Event, now time.Time) Result {
	switch payload := event.Payload.(type) {
	case Init:
		return m.receiveInit(key, current, event, payload, now)
	case Data, Close:
		return m.receiveSequenced(key, current, event, now)
	case Ack:
		return m.receiveAck(key, current, event, payload, now)
	case Error:
		return m.receiveError(key, current, event, payload, now)
	default:
		panic(fmt.Sprintf("session: unhandled payload type %T", event.Payload))
	}
}

func (m *manager) receiveInit(key string, current *Session, event Event, init Init, now time.Time) Result {
	if current != nil {
		if current.Status == StatusError {
			return m.errorResult(key, current, event.SessionID, now, "session init received for a session in ERROR")
		}
		m.logger.WithFields(logrus.Fields{
			"key":       key,
			"sessionId": current.SessionID,
		}).Warn("duplicate session init received, re-sending ack")
		next := current.Clone()
		next.LastReceivedMessageTime = now
		return Result{Session: next, Output: ackFor(next, now)}
	}

	next := &Session{
		SessionID:               event.SessionID,
		Counterparty:            init.InitiatingIdentity,
		Status:                  StatusConfirmed,
		LastReceivedMessageTime: now,
	}
	received := event.Clone()
	received.Direction = DirectionInbound
	next.ReceiveEventsState.LastProcessedSequenceNum = received.SequenceNum - 1
	next.ReceiveEventsState.UndeliveredMessages = []Event{received}
	return Result{Session: next, Output: ackFor(next, now)}
}

// receiveSequenced handles data and close, both of which are delivered to
// the application strictly in sequence order.
func (m *manager) receiveSequenced(key string, current *Session, event Event, now time.Time) Result {
	kind := event.Payload.Kind()
	if current == nil {
		return m.errorResult(key, nil, event.SessionID, now,
			fmt.Sprintf("%s received for a session that does not exist", kind))
	}
	if current.Status == StatusError {
		return m.errorResult(key, current, event.SessionID, now,
			fmt.Sprintf("%s received for a session in ERROR", kind))
	}

	next := current.Clone()
	next.LastReceivedMessageTime = now
	if event.ReceivedSequenceNum != nil {
		applyAck(next, *event.ReceivedSequenceNum)
	}

	expected := next.HighestContiguousReceived() + 1
	logger := m.logger.WithFields(logrus.Fields{
		"key":         key,
		"sessionId":   next.SessionID,
		"sequenceNum": event.SequenceNum,
		"expected":    expected,
	})
	if event.SequenceNum < expected {
		logger.Debug("duplicate ", kind, " received, re-sending ack")
		return Result{Session: next, Output: ackFor(next, now)}
	}
	if event.SequenceNum > expected {
		logger.Debug("out of order ", kind, " received, waiting for replay of the gap")
		return Result{Session: next, Output: ackFor(next, now)}
	}

	switch kind {
	case KindData:
		if !acceptsData(next) {
			return m.errorResult(key, next, event.SessionID, now,
				fmt.Sprintf("data received on a session in state %s", next.Status))
		}
		if next.Status == StatusCreated {
			next.Status = StatusConfirmed
		}
	case KindClose:
		status, ok := statusAfterReceivedClose(next)
		if !ok {
			return m.errorResult(key, next, event.SessionID, now,
				fmt.Sprintf("close received on a session in state %s", next.Status))
		}
		next.Status = status
		next.CloseReceived = true
	}

	received := event.Clone()
	received.Direction = DirectionInbound
	next.ReceiveEventsState.UndeliveredMessages = append(next.ReceiveEventsState.UndeliveredMessages, received)
	return Result{Session: next, Output: ackFor(next, now)}
}

func acceptsData(s *Session) bool {
	switch s.Status {
	case StatusCreated, StatusConfirmed:
		return true
	case StatusClosing, StatusWaitForFinalAck:
		// Only our own close has been sent, the counterparty may still
		// have data in flight.
		return !s.CloseReceived
	}
	return false
}

func statusAfterReceivedClose(s *Session) (Status, bool) {
	if s.CloseReceived {
		return 0, false
	}
	switch s.Status {
	case StatusCreated, StatusConfirmed:
		return StatusClosing, true
	case StatusClosing, StatusWaitForFinalAck:
		if hasPending(s, KindClose) {
			return StatusWaitForFinalAck, true
		}
		return StatusClosed, true
	}
	return 0, false
}

func (m *manager) receiveAck(key string, current *Session, event Event, ack Ack, now time.Time) Result {
	if current == nil {
		m.logger.WithFields(logrus.Fields{
			"key":       key,
			"sessionId": event.SessionID,
		}).Warn("ack received for a session that does not exist, ignoring")
		return Result{}
	}

	next := current.Clone()
	next.LastReceivedMessageTime = now
	acked := ack.SequenceNum
	if event.ReceivedSequenceNum != nil && *event.ReceivedSequenceNum > acked {
		acked = *event.ReceivedSequenceNum
	}
	applyAck(next, acked)
	return Result{Session: next}
}

func (m *manager) receiveError(key string, current *Session, event Event, payload Error, now time.Time) Result {
	m.logger.WithFields(logrus.Fields{
		"key":       key,
		"sessionId": event.SessionID,
	}).Warn("session error received from counterparty: ", payload.Reason)

	next := cloneOrNew(current, event.SessionID)
	next.Status = StatusError
	next.LastReceivedMessageTime = now
	return Result{Session: next}
}

// applyAck drops every send-buffer entry with a sequence number at or
// below n and advances the status when the handshake message it was
// waiting on has been acknowledged.
func applyAck(s *Session, n int) {
	undelivered := s.SendEventsState.UndeliveredMessages
	remaining := make([]Event, 0, len(undelivered))
	for _, event := range undelivered {
		if event.SequenceNum > n {
			remaining = append(remaining, event)
		}
	}
	if len(remaining) == 0 {
		remaining = nil
	}
	s.SendEventsState.UndeliveredMessages = remaining

	switch s.Status {
	case StatusCreated:
		if !hasPending(s, KindInit) && s.SendEventsState.LastProcessedSequenceNum > 0 {
			s.Status = StatusConfirmed
		}
	case StatusWaitForFinalAck:
		if !hasPending(s, KindClose) {
			s.Status = StatusClosed
		}
	}
}

func ackFor(s *Session, now time.Time) *Event {
	received := s.HighestContiguousReceived()
	return &Event{
		Direction:           DirectionOutbound,
		SessionID:           s.SessionID,
		ReceivedSequenceNum: &received,
		Timestamp:           now,
		Payload:             Ack{SequenceNum: received},
	}
}
