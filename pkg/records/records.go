package records

import "context"

// Topics carried by the bus.
const (
	// Session events resolved to a local flow, keyed by flow key.
	TopicFlowEvent = "flow.event"
	// Records leaving this node for a counterparty.
	TopicP2POut = "p2p.out"
	// Records arriving at this node from a counterparty.
	TopicP2PIn = "p2p.in"
)

type Record struct {
	Topic string
	Key   string
	Value any
}

type Publisher interface {
	Publish(ctx context.Context, records []Record) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, records []Record) error

func (f PublisherFunc) Publish(ctx context.Context, records []Record) error {
	return f(ctx, records)
}
