package session

// Status is the lifecycle state of a session.
type Status uint8

const (
	StatusCreated Status = iota
	StatusConfirmed
	StatusClosing
	StatusClosed
	StatusWaitForFinalAck
	StatusError
)

var statusNames = map[Status]string{
	StatusCreated:         "CREATED",
	StatusConfirmed:       "CONFIRMED",
	StatusClosing:         "CLOSING",
	StatusClosed:          "CLOSED",
	StatusWaitForFinalAck: "WAIT_FOR_FINAL_ACK",
	StatusError:           "ERROR",
}

func (s Status) String() string {
	name, exists := statusNames[s]
	if exists {
		return name
	}
	return "UNKNOWN"
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(name string) (Status, bool) {
	for status, statusName := range statusNames {
		if statusName == name {
			return status, true
		}
	}
	return 0, false
}

// Direction tells whether an event is arriving at this node from a
// counterparty or leaving this node towards one.
type Direction uint8

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "INBOUND"
	case DirectionOutbound:
		return "OUTBOUND"
	}
	return "UNKNOWN"
}

// ParseDirection is the inverse of Direction.String.
func ParseDirection(name string) (Direction, bool) {
	switch name {
	case "INBOUND":
		return DirectionInbound, true
	case "OUTBOUND":
		return DirectionOutbound, true
	}
	return 0, false
}
