package flowmapper

import (
	"context"
	"time"

	"github.com/fr3shw3b/flowsession/pkg/session"
)

type Mapper interface {
	// Routes a session event crossing this node. The provided state and
	// event are never modified.
	// An error is only returned for events that must not be processed
	// at all, in which case no state should be persisted.
	Process(ctx context.Context, eventKey string, current *State, event session.Event, now time.Time) (Result, error)
}

type Params struct {
	// How long a closing routing record is kept before cleanup so that
	// late retransmissions are still routed.
	CleanupWindow time.Duration
}
