package flowmapper

import (
	"context"
	"fmt"
	"sync"

	"github.com/fr3shw3b/flowsession/pkg/session"
	"github.com/google/uuid"
)

// RoutingKeyResolver turns the identity a session was initiated against
// into a fresh flow key on this node.
type RoutingKeyResolver interface {
	ResolveRoutingKey(ctx context.Context, initiated session.Identity) (session.FlowKey, error)
}

// NewHostedIdentityResolver resolves identities hosted on this node to
// flow keys with a random id.
func NewHostedIdentityResolver(hosted []session.Identity) *HostedIdentityResolver {
	r := &HostedIdentityResolver{hosted: map[session.Identity]struct{}{}}
	for _, identity := range hosted {
		r.hosted[identity] = struct{}{}
	}
	return r
}

type HostedIdentityResolver struct {
	mu     sync.RWMutex
	hosted map[session.Identity]struct{}
}

func (r *HostedIdentityResolver) Host(identity session.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosted[identity] = struct{}{}
}

func (r *HostedIdentityResolver) ResolveRoutingKey(ctx context.Context, initiated session.Identity) (session.FlowKey, error) {
	r.mu.RLock()
	_, exists := r.hosted[initiated]
	r.mu.RUnlock()

	if !exists {
		return session.FlowKey{}, fmt.Errorf("%w: %s", ErrIdentityNotFound, initiated)
	}
	return session.FlowKey{ID: uuid.NewString(), Identity: initiated}, nil
}
