package statestore

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

func NewInMemoryStore[T any](name string, logger *logrus.Logger) Store[T] {
	return &inMemoryStore[T]{
		name:    name,
		entries: map[string]*internalEntry[T]{},
		logger:  logger,
	}
}

type inMemoryStore[T any] struct {
	mu      sync.Mutex
	name    string
	entries map[string]*internalEntry[T]
	logger  *logrus.Logger
}

type internalEntry[T any] struct {
	value  T
	exists bool
	// A detached entry has been removed from the map while a writer was
	// waiting on its lock, the writer must look the key up again.
	detached bool
	mu       sync.Mutex
}

func (s *inMemoryStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	s.mu.Lock()
	entry := s.entries[key]
	s.mu.Unlock()
	if entry == nil {
		return zero, false, nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.detached || !entry.exists {
		return zero, false, nil
	}
	return entry.value, true, nil
}

func (s *inMemoryStore[T]) Update(ctx context.Context, key string, fn UpdateFunc[T]) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		entry := s.loadOrCreate(key)
		entry.mu.Lock()
		if entry.detached {
			entry.mu.Unlock()
			continue
		}

		next, keep, err := fn(entry.value, entry.exists)
		if err != nil {
			if !entry.exists {
				s.detach(key, entry)
			}
			entry.mu.Unlock()
			return zero, err
		}

		if keep {
			entry.value = next
			entry.exists = true
		} else {
			s.logger.WithFields(logrus.Fields{"store": s.name, "key": key}).Debug("removing state")
			s.detach(key, entry)
		}
		entry.mu.Unlock()
		return next, nil
	}
}

func (s *inMemoryStore[T]) Delete(ctx context.Context, key string) error {
	_, err := s.Update(ctx, key, func(current T, exists bool) (T, bool, error) {
		return current, false, nil
	})
	return err
}

func (s *inMemoryStore[T]) RemoveWhere(ctx context.Context, match func(key string, value T) bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	snapshot := make(map[string]*internalEntry[T], len(s.entries))
	for key, entry := range s.entries {
		snapshot[key] = entry
	}
	s.mu.Unlock()

	removed := []string{}
	for key, entry := range snapshot {
		entry.mu.Lock()
		if !entry.detached && entry.exists && match(key, entry.value) {
			s.detach(key, entry)
			removed = append(removed, key)
		}
		entry.mu.Unlock()
	}

	if len(removed) > 0 {
		s.logger.WithFields(logrus.Fields{"store": s.name, "count": len(removed)}).Debug("removed expired state")
	}
	return removed, nil
}

// loadOrCreate never takes an entry lock while holding the store lock.
func (s *inMemoryStore[T]) loadOrCreate(key string) *internalEntry[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entries[key]
	if entry == nil {
		entry = &internalEntry[T]{}
		s.entries[key] = entry
	}
	return entry
}

// detach must be called with entry.mu held.
func (s *inMemoryStore[T]) detach(key string, entry *internalEntry[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[key] == entry {
		delete(s.entries, key)
	}
	entry.detached = true
}
