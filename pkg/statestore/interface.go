package statestore

import "context"

// UpdateFunc receives the current value (and whether one exists) and
// returns the next value. Returning keep=false removes the key.
type UpdateFunc[T any] func(current T, exists bool) (next T, keep bool, err error)

// Store is an owned arena of checkpointed state keyed by session or
// event key. Updates for the same key are serialised; updates for
// different keys may run in parallel.
type Store[T any] interface {
	// Should produce a read-only view of the value stored for key.
	Get(ctx context.Context, key string) (T, bool, error)
	// Applies fn to the current value for key as a single writer and
	// persists the result.
	Update(ctx context.Context, key string, fn UpdateFunc[T]) (T, error)
	Delete(ctx context.Context, key string) error
	// Removes every entry for which match returns true and returns the
	// removed keys.
	RemoveWhere(ctx context.Context, match func(key string, value T) bool) ([]string, error)
}
