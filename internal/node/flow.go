package node

import (
	"context"

	"github.com/fr3shw3b/flowsession/pkg/session"
)

// Delivery is a session event handed to the local flow in sequence order.
type Delivery struct {
	FlowKey      session.FlowKey
	SessionID    string
	Counterparty session.Identity
	Status       session.Status
	Event        session.Event
}

// Flow consumes the sessions hosted by a node. Payloads returned from
// OnEvent are sent back on the same session, in order.
type Flow interface {
	OnEvent(ctx context.Context, delivery Delivery) []session.Payload
}

// FlowFunc adapts a function to the Flow interface.
type FlowFunc func(ctx context.Context, delivery Delivery) []session.Payload

func (f FlowFunc) OnEvent(ctx context.Context, delivery Delivery) []session.Payload {
	return f(ctx, delivery)
}

// EchoFlow sends every data payload back and closes its side of the
// session once the counterparty has closed.
func EchoFlow() Flow {
	return FlowFunc(func(ctx context.Context, delivery Delivery) []session.Payload {
		switch payload := delivery.Event.Payload.(type) {
		case session.Data:
			return []session.Payload{session.Data{Payload: payload.Payload}}
		case session.Init:
			if len(payload.Payload) > 0 {
				return []session.Payload{session.Data{Payload: payload.Payload}}
			}
		case session.Close:
			return []session.Payload{session.Close{}}
		}
		return nil
	})
}
