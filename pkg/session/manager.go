package session

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

func NewDefaultManager(options *Options, logger *logrus.Logger) Manager {
	if options == nil {
		options = &Options{}
	}
	return &manager{
		options: options,
		logger:  logger,
	}
}

type manager struct {
	options *Options
	logger  *logrus.Logger
}

func (m *manager) ProcessMessageToSend(key string, current *Session, event Event, now time.Time) Result {
	switch payload := event.Payload.(type) {
	case Init:
		return m.sendInit(key, current, event, payload, now)
	case Data:
		return m.sendData(key, current, event, now)
	case Close:
		return m.sendClose(key, current, event, now)
	case Error:
		next := cloneOrNew(current, event.SessionID)
		next.Status = StatusError
		out := enqueue(next, event, now)
		return Result{Session: next, Output: &out}
	case Ack:
		return m.errorResult(key, current, event.SessionID, now,
			"acknowledgements are generated by the session and cannot be sent directly")
	default:
		panic(fmt.Sprintf("session: unhandled payload type %T", event.Payload))
	}
}

func (m *manager) sendInit(key string, current *Session, event Event, init Init, now time.Time) Result {
	if current != nil {
		return m.errorResult(key, current, event.SessionID, now,
			fmt.Sprintf("session init sent for existing session in state %s", current.Status))
	}

	next := &Session{
		SessionID:    event.SessionID,
		Counterparty: init.InitiatedIdentity,
		Status:       StatusCreated,
	}
	out := enqueue(next, event, now)
	return Result{Session: next, Output: &out}
}

func (m *manager) sendData(key string, current *Session, event Event, now time.Time) Result {
	if current == nil {
		return m.errorResult(key, nil, event.SessionID, now, "data sent on a session that does not exist")
	}

	switch current.Status {
	case StatusCreated, StatusConfirmed:
		next := current.Clone()
		out := enqueue(next, event, now)
		return Result{Session: next, Output: &out}
	default:
		return m.errorResult(key, current, event.SessionID, now,
			fmt.Sprintf("data sent on a session in state %s", current.Status))
	}
}

func (m *manager) sendClose(key string, current *Session, event Event, now time.Time) Result {
	if current == nil {
		return m.errorResult(key, nil, event.SessionID, now, "close sent on a session that does not exist")
	}

	switch current.Status {
	case StatusConfirmed:
		if len(current.ReceiveEventsState.UndeliveredMessages) > 0 {
			return m.errorResult(key, current, event.SessionID, now,
				"close sent while received events have not been processed")
		}
		next := current.Clone()
		next.Status = StatusClosing
		out := enqueue(next, event, now)
		return Result{Session: next, Output: &out}
	case StatusClosing:
		next := current.Clone()
		next.Status = StatusWaitForFinalAck
		out := enqueue(next, event, now)
		return Result{Session: next, Output: &out}
	case StatusWaitForFinalAck:
		if m.options.ErrorOnRepeatedClose {
			return m.errorResult(key, current, event.SessionID, now, "close sent while waiting for the final ack")
		}
		next := current.Clone()
		pending := lastPendingClose(next)
		if pending == nil {
			return Result{Session: next}
		}
		m.logger.WithFields(logrus.Fields{
			"key":         key,
			"sessionId":   next.SessionID,
			"sequenceNum": pending.SequenceNum,
		}).Debug("re-emitting pending close while waiting for final ack")
		out := pending.Clone()
		return Result{Session: next, Output: &out}
	default:
		return m.errorResult(key, current, event.SessionID, now,
			fmt.Sprintf("close sent on a session in state %s", current.Status))
	}
}

// errorResult moves the session to ERROR and queues a SessionError so the
// counterparty can tear down its side as well.
func (m *manager) errorResult(key string, current *Session, sessionID string, now time.Time, reason string) Result {
	m.logger.WithFields(logrus.Fields{
		"key":       key,
		"sessionId": sessionID,
	}).Warn("session protocol violation: ", reason)

	next := cloneOrNew(current, sessionID)
	next.Status = StatusError
	out := enqueue(next, Event{SessionID: next.SessionID, Payload: Error{Reason: reason}}, now)
	return Result{Session: next, Output: &out}
}

func cloneOrNew(current *Session, sessionID string) *Session {
	if current == nil {
		return &Session{SessionID: sessionID}
	}
	return current.Clone()
}

// enqueue assigns the next send sequence number, stamps the piggybacked
// ack and appends the event to the send buffer.
func enqueue(s *Session, event Event, now time.Time) Event {
	out := event.Clone()
	out.Direction = DirectionOutbound
	out.SessionID = s.SessionID
	out.Timestamp = now
	out.SequenceNum = s.SendEventsState.LastProcessedSequenceNum + 1
	out.ReceivedSequenceNum = receivedMarker(s)

	s.SendEventsState.LastProcessedSequenceNum = out.SequenceNum
	s.SendEventsState.UndeliveredMessages = append(s.SendEventsState.UndeliveredMessages, out)
	return out.Clone()
}

func receivedMarker(s *Session) *int {
	received := s.HighestContiguousReceived()
	if received == 0 {
		return nil
	}
	return &received
}

func lastPendingClose(s *Session) *Event {
	undelivered := s.SendEventsState.UndeliveredMessages
	for i := len(undelivered) - 1; i >= 0; i-- {
		if undelivered[i].Payload.Kind() == KindClose {
			return &undelivered[i]
		}
	}
	return nil
}

func hasPending(s *Session, kind PayloadKind) bool {
	for _, event := range s.SendEventsState.UndeliveredMessages {
		if event.Payload.Kind() == kind {
			return true
		}
	}
	return false
}
