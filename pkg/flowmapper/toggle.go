package flowmapper

import (
	"strings"

	"github.com/fr3shw3b/flowsession/pkg/session"
)

// InitiatedSuffix marks the responder's half of a session id.
const InitiatedSuffix = "-INITIATED"

// ToggleSessionID flips a session id between the initiating and the
// initiated form. Applying it twice returns the original id for every
// initiating id, which is why those may not carry the suffix.
func ToggleSessionID(sessionID string) string {
	if strings.HasSuffix(sessionID, InitiatedSuffix) {
		return strings.TrimSuffix(sessionID, InitiatedSuffix)
	}
	return sessionID + InitiatedSuffix
}

// IsInitiatedSessionID reports whether sessionID is in the initiated form.
func IsInitiatedSessionID(sessionID string) bool {
	return strings.HasSuffix(sessionID, InitiatedSuffix)
}

// ToCounterparty readdresses an outbound event for the counterparty: the
// session id is toggled and any local flow key is dropped.
func ToCounterparty(event session.Event) session.Event {
	out := event.Clone()
	if init, ok := out.Payload.(session.Init); ok {
		init.FlowKey = nil
		out.Payload = init
	}
	out.SessionID = ToggleSessionID(out.SessionID)
	return out
}
