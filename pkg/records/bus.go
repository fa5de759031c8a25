package records

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrBusClosed = errors.New("records: bus is closed")

// Bus is an in-process topic bus. Every subscriber of a topic receives
// every record published to it, in publish order.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Record
	closed      bool
	logger      *logrus.Logger
}

func NewBus(logger *logrus.Logger) *Bus {
	return &Bus{
		subscribers: map[string][]chan Record{},
		logger:      logger,
	}
}

// Subscribe returns a channel receiving the records published to topic.
// The channel is closed when the bus is closed.
func (b *Bus) Subscribe(topic string, buffer int) (<-chan Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	ch := make(chan Record, buffer)
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	return ch, nil
}

// Publish blocks while a subscriber's buffer is full, until ctx is done.
func (b *Bus) Publish(ctx context.Context, records []Record) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	for _, record := range records {
		subscribers := b.subscribers[record.Topic]
		if len(subscribers) == 0 {
			b.logger.WithFields(logrus.Fields{
				"topic": record.Topic,
				"key":   record.Key,
			}).Debug("no subscribers for record, dropping")
			continue
		}
		for _, ch := range subscribers {
			select {
			case ch <- record:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for topic, subscribers := range b.subscribers {
		for _, ch := range subscribers {
			close(ch)
		}
		delete(b.subscribers, topic)
	}
}
