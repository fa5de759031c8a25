package session

import "fmt"

// Identity names one party of a session within a membership group.
type Identity struct {
	X500Name string `json:"x500Name"`
	GroupID  string `json:"groupId"`
}

func (i Identity) String() string {
	return fmt.Sprintf("%s@%s", i.X500Name, i.GroupID)
}

func (i Identity) IsZero() bool {
	return i.X500Name == "" && i.GroupID == ""
}

// FlowKey is the routing key that addresses the consumer of a session
// once it has been established on this node.
type FlowKey struct {
	ID       string   `json:"id"`
	Identity Identity `json:"identity"`
}

// Payload is the closed set of session message kinds:
// Init, Data, Ack, Close and Error.
type Payload interface {
	Kind() PayloadKind
	sealed()
}

type PayloadKind uint8

const (
	KindInit PayloadKind = iota + 1
	KindData
	KindAck
	KindClose
	KindError
)

var kindNames = map[PayloadKind]string{
	KindInit:  "SessionInit",
	KindData:  "SessionData",
	KindAck:   "SessionAck",
	KindClose: "SessionClose",
	KindError: "SessionError",
}

func (k PayloadKind) String() string {
	name, exists := kindNames[k]
	if exists {
		return name
	}
	return "UnknownPayload"
}

// Sequenced reports whether payloads of this kind take a send sequence
// number and wait in the send buffer for acknowledgement.
func (k PayloadKind) Sequenced() bool {
	return k != KindAck
}

// Init opens a session. FlowKey is only ever set while the event is
// inside the node that resolved it.
type Init struct {
	FlowName           string   `json:"flowName"`
	InitiatingIdentity Identity `json:"initiatingIdentity"`
	InitiatedIdentity  Identity `json:"initiatedIdentity"`
	FlowKey            *FlowKey `json:"flowKey,omitempty"`
	Payload            []byte   `json:"payload,omitempty"`
}

type Data struct {
	Payload []byte `json:"payload,omitempty"`
}

// Ack acknowledges every sequenced message up to and including
// SequenceNum.
type Ack struct {
	SequenceNum int `json:"sequenceNum"`
}

type Close struct{}

type Error struct {
	Reason string `json:"reason"`
}

func (Init) Kind() PayloadKind  { return KindInit }
func (Data) Kind() PayloadKind  { return KindData }
func (Ack) Kind() PayloadKind   { return KindAck }
func (Close) Kind() PayloadKind { return KindClose }
func (Error) Kind() PayloadKind { return KindError }

func (Init) sealed()  {}
func (Data) sealed()  {}
func (Ack) sealed()   {}
func (Close) sealed() {}
func (Error) sealed() {}

func clonePayload(p Payload) Payload {
	if init, ok := p.(Init); ok && init.FlowKey != nil {
		key := *init.FlowKey
		init.FlowKey = &key
		return init
	}
	return p
}
