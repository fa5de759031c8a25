package session

import "time"

type Manager interface {
	// Applies an event the local application wants to send and returns
	// the next session state along with the record to transmit.
	// The provided session is never modified.
	ProcessMessageToSend(key string, current *Session, event Event, now time.Time) Result
	// Applies an event received from the counterparty and returns the
	// next session state along with the record to transmit (an ack or an
	// error), if any.
	// The provided session is never modified.
	ProcessMessageReceived(key string, current *Session, event Event, now time.Time) Result
}

type Options struct {
	// When set, asking to close a session that is already waiting for
	// the final ack moves it to ERROR instead of re-emitting the pending
	// close.
	ErrorOnRepeatedClose bool
}
