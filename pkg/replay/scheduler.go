package replay

import (
	"context"
	"sync"
	"time"

	"github.com/fr3shw3b/flowsession/pkg/clock"
	"github.com/fr3shw3b/flowsession/pkg/session"
	"github.com/sirupsen/logrus"
)

const DefaultSweepInterval = 50 * time.Millisecond

// Counterparties identifies the pair of identities a replayed message
// travels between.
type Counterparties struct {
	Source      session.Identity
	Destination session.Identity
}

// Entry is a message waiting to be replayed until it is removed.
type Entry[M any] struct {
	UniqueID            string
	Counterparties      Counterparties
	OriginalTimestamp   time.Time
	LastReplayTimestamp time.Time
	ReplayCount         int
	CurrentDelay        time.Duration
	Message             M
}

type entryKey struct {
	uniqueID       string
	counterparties Counterparties
}

// ReplayFunc is called from the sweep goroutine for every due entry.
// It must not block and must not call back into the scheduler. It returns
// false when the entry could not be handed on, in which case the cycle is
// skipped and not counted against the replay limit.
type ReplayFunc[M any] func(entry Entry[M]) bool

// FailureFunc is called once for an entry that exhausted its replays,
// after it has been removed.
type FailureFunc[M any] func(entry Entry[M], err error)

type Config struct {
	// SweepInterval is how often the table is scanned for due entries.
	SweepInterval time.Duration
	// LimitTotalReplays enables MaxReplays.
	LimitTotalReplays bool
	MaxReplays        int
}

// Scheduler replays messages on the cadence given by its Calculator
// until they are removed, or until the replay limit is reached.
type Scheduler[M any] struct {
	config     Config
	calculator Calculator
	clock      clock.Clock
	onReplay   ReplayFunc[M]
	onFailure  FailureFunc[M]
	logger     *logrus.Logger

	mu      sync.Mutex
	entries map[entryKey]*Entry[M]
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// delivery is held for reading while a callback is in flight so that
	// removals can wait for it.
	delivery sync.RWMutex
}

func NewScheduler[M any](
	config Config,
	calculator Calculator,
	clk clock.Clock,
	onReplay ReplayFunc[M],
	onFailure FailureFunc[M],
	logger *logrus.Logger,
) *Scheduler[M] {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Scheduler[M]{
		config:     config,
		calculator: calculator,
		clock:      clk,
		onReplay:   onReplay,
		onFailure:  onFailure,
		logger:     logger,
		entries:    map[entryKey]*Entry[M]{},
	}
}

// Start launches the sweep loop. It stops when ctx is done or Stop is called.
func (s *Scheduler[M]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	return nil
}

// Stop halts the sweep loop and waits for it to exit. Pending entries
// are kept so that a restarted scheduler resumes replaying them.
func (s *Scheduler[M]) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Scheduler[M]) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// AddForReplay schedules message for replay. The first replay is due one
// interval after originalTimestamp. Adding an entry that is already
// scheduled replaces it.
func (s *Scheduler[M]) AddForReplay(originalTimestamp time.Time, uniqueID string, message M, counterparties Counterparties) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.logger.WithFields(logrus.Fields{
			"uniqueId":    uniqueID,
			"source":      counterparties.Source.String(),
			"destination": counterparties.Destination.String(),
		}).Error("message added for replay before the replay scheduler was started")
		return ErrNotRunning
	}

	key := entryKey{uniqueID: uniqueID, counterparties: counterparties}
	s.entries[key] = &Entry[M]{
		UniqueID:            uniqueID,
		Counterparties:      counterparties,
		OriginalTimestamp:   originalTimestamp,
		LastReplayTimestamp: originalTimestamp,
		CurrentDelay:        s.calculator.CalculateReplayInterval(0),
		Message:             message,
	}
	return nil
}

// RemoveFromReplay cancels a scheduled replay. Removing an unknown entry
// is a no-op. Once it returns, the entry will not be replayed again.
func (s *Scheduler[M]) RemoveFromReplay(uniqueID string, counterparties Counterparties) {
	s.mu.Lock()
	delete(s.entries, entryKey{uniqueID: uniqueID, counterparties: counterparties})
	s.mu.Unlock()

	s.waitForDelivery()
}

// RemoveAllMessagesFromReplay cancels every scheduled replay.
func (s *Scheduler[M]) RemoveAllMessagesFromReplay() {
	s.mu.Lock()
	s.entries = map[entryKey]*Entry[M]{}
	s.mu.Unlock()

	s.waitForDelivery()
}

// Contains reports whether an entry is still scheduled.
func (s *Scheduler[M]) Contains(uniqueID string, counterparties Counterparties) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.entries[entryKey{uniqueID: uniqueID, counterparties: counterparties}]
	return exists
}

// Pending returns the number of entries waiting to be replayed.
func (s *Scheduler[M]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler[M]) waitForDelivery() {
	s.delivery.Lock()
	defer s.delivery.Unlock()
}

func (s *Scheduler[M]) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.replayDue(s.clock.Now())
		}
	}
}

func (s *Scheduler[M]) replayDue(now time.Time) {
	s.mu.Lock()
	due := []entryKey{}
	for key, entry := range s.entries {
		if !now.Before(entry.LastReplayTimestamp.Add(entry.CurrentDelay)) {
			due = append(due, key)
		}
	}
	s.mu.Unlock()

	for _, key := range due {
		s.replayEntry(key, now)
	}
}

func (s *Scheduler[M]) replayEntry(key entryKey, now time.Time) {
	s.delivery.RLock()
	defer s.delivery.RUnlock()

	s.mu.Lock()
	entry, exists := s.entries[key]
	if !exists {
		// Removed between the scan and now.
		s.mu.Unlock()
		return
	}

	if s.config.LimitTotalReplays && entry.ReplayCount >= s.config.MaxReplays {
		delete(s.entries, key)
		failed := *entry
		s.mu.Unlock()

		s.logger.WithFields(logrus.Fields{
			"uniqueId":    failed.UniqueID,
			"replayCount": failed.ReplayCount,
		}).Warn("giving up on message after reaching the replay limit")
		if s.onFailure != nil {
			s.onFailure(failed, ErrReplayLimitExceeded)
		}
		return
	}

	next := *entry
	next.ReplayCount += 1
	next.LastReplayTimestamp = now
	next.CurrentDelay = s.calculator.CalculateReplayInterval(entry.CurrentDelay)
	s.mu.Unlock()

	logger := s.logger.WithFields(logrus.Fields{
		"uniqueId":    next.UniqueID,
		"replayCount": next.ReplayCount,
		"nextDelay":   next.CurrentDelay,
	})
	logger.Debug("replaying message")
	delivered := true
	if s.onReplay != nil {
		delivered = s.onReplay(next)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Replaced or removed while the callback ran.
	if current, exists := s.entries[key]; !exists || current != entry {
		return
	}
	if !delivered {
		logger.Debug("replay cycle skipped")
		entry.LastReplayTimestamp = now
		return
	}
	entry.ReplayCount = next.ReplayCount
	entry.LastReplayTimestamp = next.LastReplayTimestamp
	entry.CurrentDelay = next.CurrentDelay
}
