package flowmapper

import (
	"fmt"
	"time"

	"github.com/fr3shw3b/flowsession/pkg/records"
	"github.com/fr3shw3b/flowsession/pkg/session"
)

type StateStatus uint8

const (
	StatusOpen StateStatus = iota
	StatusClosing
)

func (s StateStatus) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusClosing:
		return "CLOSING"
	}
	return "UNKNOWN"
}

func (s StateStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StateStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "OPEN":
		*s = StatusOpen
	case "CLOSING":
		*s = StatusClosing
	default:
		return fmt.Errorf("flowmapper: unknown state status %q", string(text))
	}
	return nil
}

// State is the routing record kept per event key.
type State struct {
	FlowKey    session.FlowKey `json:"flowKey"`
	ExpiryTime *time.Time      `json:"expiryTime,omitempty"`
	Status     StateStatus     `json:"status"`
}

func (s *State) Expired(now time.Time) bool {
	return s != nil && s.ExpiryTime != nil && !s.ExpiryTime.After(now)
}

// FlowEvent is a session event addressed to a local flow.
type FlowEvent struct {
	FlowKey session.FlowKey
	Event   session.Event
}

// FlowMapperEvent is a session event addressed to the counterparty's
// flow mapper.
type FlowMapperEvent struct {
	Event session.Event
}

// Result is the outcome of routing one event. A nil State removes the
// routing record for the event key.
type Result struct {
	State   *State
	Outputs []records.Record
}
