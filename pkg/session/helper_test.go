package session

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	alice = Identity{X500Name: "O=Alice, L=London, C=GB", GroupID: "group-1"}
	bob   = Identity{X500Name: "O=Bob, L=Paris, C=FR", GroupID: "group-1"}
)

func createLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

func createManager() Manager {
	return NewDefaultManager(&Options{}, createLogger())
}

// buildSession mirrors a checkpointed session with the given buffers.
func buildSession(status Status, sendSeq int, sendUndelivered []Event, receiveSeq int, receiveUndelivered []Event) *Session {
	return &Session{
		SessionID:    "sessionId",
		Counterparty: bob,
		Status:       status,
		SendEventsState: EventsState{
			LastProcessedSequenceNum: sendSeq,
			UndeliveredMessages:      sendUndelivered,
		},
		ReceiveEventsState: EventsState{
			LastProcessedSequenceNum: receiveSeq,
			UndeliveredMessages:      receiveUndelivered,
		},
	}
}

func outbound(payload Payload) Event {
	return Event{Direction: DirectionOutbound, SessionID: "sessionId", Payload: payload}
}

func inbound(seq int, payload Payload) Event {
	return Event{Direction: DirectionInbound, SessionID: "sessionId", SequenceNum: seq, Payload: payload}
}

func inboundAck(n int) Event {
	return Event{Direction: DirectionInbound, SessionID: "sessionId", Payload: Ack{SequenceNum: n}}
}
