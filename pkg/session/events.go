package session

import "time"

// NextReceivedEvent returns the next event the application should
// consume, or nil when nothing is ready.
func NextReceivedEvent(s *Session) *Event {
	if s == nil || len(s.ReceiveEventsState.UndeliveredMessages) == 0 {
		return nil
	}
	head := s.ReceiveEventsState.UndeliveredMessages[0]
	if head.SequenceNum != s.ReceiveEventsState.LastProcessedSequenceNum+1 {
		return nil
	}
	out := head.Clone()
	return &out
}

// AcknowledgeReceivedEvent marks every received event up to sequenceNum as
// consumed by the application and returns the updated session.
func AcknowledgeReceivedEvent(s *Session, sequenceNum int) *Session {
	if s == nil {
		return nil
	}
	next := s.Clone()
	undelivered := next.ReceiveEventsState.UndeliveredMessages
	i := 0
	for i < len(undelivered) && undelivered[i].SequenceNum <= sequenceNum {
		next.ReceiveEventsState.LastProcessedSequenceNum = undelivered[i].SequenceNum
		i += 1
	}
	if i == len(undelivered) {
		next.ReceiveEventsState.UndeliveredMessages = nil
	} else {
		next.ReceiveEventsState.UndeliveredMessages = undelivered[i:]
	}
	return next
}

// MessagesToSend returns the unacknowledged events that have not been
// (re)sent within resendWindow and refreshes their timestamps in the
// returned session.
func MessagesToSend(s *Session, now time.Time, resendWindow time.Duration) (*Session, []Event) {
	if s == nil {
		return nil, nil
	}
	next := s.Clone()
	due := []Event{}
	for i := range next.SendEventsState.UndeliveredMessages {
		event := &next.SendEventsState.UndeliveredMessages[i]
		if event.Timestamp.Add(resendWindow).After(now) {
			continue
		}
		event.Timestamp = now
		event.ReceivedSequenceNum = receivedMarker(next)
		due = append(due, event.Clone())
	}
	return next, due
}
