package replayer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fr3shw3b/flowsession/pkg/clock"
	"github.com/fr3shw3b/flowsession/pkg/records"
	"github.com/fr3shw3b/flowsession/pkg/replay"
	"github.com/fr3shw3b/flowsession/pkg/session"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultOutboxSize         = 256
	DefaultMaxPublishAttempts = 3
)

var errRemovedFromReplay = errors.New("replayer: message was removed from replay")

// SentCallback is notified after a replayed message has been published.
type SentCallback func(counterparties replay.Counterparties, sessionID string)

// FailedCallback is notified once when a message is given up on.
type FailedCallback func(counterparties replay.Counterparties, sessionID string, err error)

// SessionMessageReplay is a session message registered for replay,
// with the session id already in its on-the-wire form.
type SessionMessageReplay struct {
	Message     session.Event
	SessionID   string
	Source      session.Identity
	Destination session.Identity
	OnSent      SentCallback
	OnFailed    FailedCallback
}

// LinkOutHeader addresses a message to a counterparty link.
type LinkOutHeader struct {
	MessageID         string
	Source            session.Identity
	Destination       session.Identity
	DestinationNodeID string
	NetworkType       NetworkType
}

// LinkOutMessage is what the replayer publishes on the p2p out topic.
type LinkOutMessage struct {
	Header LinkOutHeader
	Event  session.Event
}

// pendingReplay is a due entry whose destination has been resolved.
type pendingReplay struct {
	entry       replay.Entry[SessionMessageReplay]
	nodeID      string
	networkType NetworkType
}

type Params struct {
	Scheduler          replay.Config
	OutboxSize         int
	MaxPublishAttempts int
}

// SessionReplayer keeps re-publishing session messages until they are
// removed, resolving the destination at every replay.
type SessionReplayer struct {
	params    Params
	members   MemberLookup
	groups    GroupLookup
	publisher records.Publisher
	clock     clock.Clock
	logger    *logrus.Logger
	scheduler *replay.Scheduler[SessionMessageReplay]
	outbox    chan pendingReplay

	// publishing is held for reading around every publish attempt so
	// that removals can wait for an attempt in flight.
	publishing sync.RWMutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSessionReplayer(
	params *Params,
	calculator replay.Calculator,
	members MemberLookup,
	groups GroupLookup,
	publisher records.Publisher,
	clk clock.Clock,
	logger *logrus.Logger,
) *SessionReplayer {
	finalParams := *params
	if finalParams.OutboxSize <= 0 {
		finalParams.OutboxSize = DefaultOutboxSize
	}
	if finalParams.MaxPublishAttempts <= 0 {
		finalParams.MaxPublishAttempts = DefaultMaxPublishAttempts
	}
	if clk == nil {
		clk = clock.System()
	}

	r := &SessionReplayer{
		params:    finalParams,
		members:   members,
		groups:    groups,
		publisher: publisher,
		clock:     clk,
		logger:    logger,
		outbox:    make(chan pendingReplay, finalParams.OutboxSize),
	}
	r.scheduler = replay.NewScheduler(
		finalParams.Scheduler,
		calculator,
		clk,
		r.handOff,
		r.giveUp,
		logger,
	)
	return r
}

func (r *SessionReplayer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return replay.ErrAlreadyRunning
	}
	dispatchCtx, cancel := context.WithCancel(ctx)
	if err := r.scheduler.Start(dispatchCtx); err != nil {
		cancel()
		return err
	}
	r.running = true
	r.cancel = cancel
	r.wg.Add(1)
	go r.dispatch(dispatchCtx)
	return nil
}

func (r *SessionReplayer) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	r.scheduler.Stop()
	cancel()
	r.wg.Wait()
}

func (r *SessionReplayer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// AddMessageForReplay registers a message sent now for replay.
func (r *SessionReplayer) AddMessageForReplay(uniqueID string, message SessionMessageReplay, counterparties replay.Counterparties) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		r.logger.WithFields(logrus.Fields{
			"uniqueId":  uniqueID,
			"sessionId": message.SessionID,
		}).Error(ErrNotRunning.Error())
		return ErrNotRunning
	}
	return r.scheduler.AddForReplay(r.clock.Now(), uniqueID, message, counterparties)
}

// RemoveMessageFromReplay stops replaying a message. Once it returns no
// further publish of the message starts and OnSent is not called for it.
// Callbacks must not call back into the replayer.
func (r *SessionReplayer) RemoveMessageFromReplay(uniqueID string, counterparties replay.Counterparties) {
	r.scheduler.RemoveFromReplay(uniqueID, counterparties)
	r.waitForPublish()
}

func (r *SessionReplayer) RemoveAllMessagesFromReplay() {
	r.scheduler.RemoveAllMessagesFromReplay()
	r.waitForPublish()
}

func (r *SessionReplayer) Pending() int {
	return r.scheduler.Pending()
}

func (r *SessionReplayer) waitForPublish() {
	r.publishing.Lock()
	defer r.publishing.Unlock()
}

// handOff runs on the scheduler's sweep goroutine and must not block. It
// returns false when the cycle was skipped.
func (r *SessionReplayer) handOff(entry replay.Entry[SessionMessageReplay]) bool {
	message := entry.Message
	logger := r.logger.WithFields(logrus.Fields{
		"uniqueId":    entry.UniqueID,
		"sessionId":   message.SessionID,
		"messageType": message.Message.Payload.Kind().String(),
		"destination": message.Destination.String(),
	})

	member := r.members.MemberInfo(message.Source, message.Destination)
	if member == nil {
		logger.Warn("attempted to replay a session message to a peer which is not in the members map, the message was not replayed")
		return false
	}
	group := r.groups.GroupInfo(message.Source)
	if group == nil {
		logger.Warn("attempted to replay a session message but could not find the network type of the source group, the message was not replayed")
		return false
	}

	select {
	case r.outbox <- pendingReplay{entry: entry, nodeID: member.NodeID, networkType: group.NetworkType}:
		return true
	default:
		logger.Warn("replay outbox is full, message will be replayed on its next interval")
		return false
	}
}

func (r *SessionReplayer) giveUp(entry replay.Entry[SessionMessageReplay], err error) {
	if entry.Message.OnFailed != nil {
		entry.Message.OnFailed(entry.Counterparties, entry.Message.SessionID, err)
	}
}

func (r *SessionReplayer) dispatch(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case pending := <-r.outbox:
			r.replayMessage(ctx, pending)
		}
	}
}

func (r *SessionReplayer) replayMessage(ctx context.Context, pending pendingReplay) {
	entry := pending.entry
	message := entry.Message
	logger := r.logger.WithFields(logrus.Fields{
		"sessionId":   message.SessionID,
		"messageType": message.Message.Payload.Kind().String(),
		"destination": message.Destination.String(),
	})

	record := records.Record{
		Topic: records.TopicP2POut,
		Key:   uuid.NewString(),
		Value: LinkOutMessage{
			Header: LinkOutHeader{
				MessageID:         uuid.NewString(),
				Source:            message.Source,
				Destination:       message.Destination,
				DestinationNodeID: pending.nodeID,
				NetworkType:       pending.networkType,
			},
			Event: message.Message.Clone(),
		},
	}

	// Every attempt re-checks the entry under the read lock, so nothing
	// is published or reported as sent once a removal has returned.
	publish := func() error {
		r.publishing.RLock()
		defer r.publishing.RUnlock()

		if !r.scheduler.Contains(entry.UniqueID, entry.Counterparties) {
			return backoff.Permanent(errRemovedFromReplay)
		}
		publishCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := r.publisher.Publish(publishCtx, []records.Record{record}); err != nil {
			return err
		}

		logger.Debug("replayed session message")
		if message.OnSent != nil {
			message.OnSent(replay.Counterparties{Source: message.Source, Destination: message.Destination}, message.SessionID)
		}
		return nil
	}
	err := backoff.Retry(publish, backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(),
		uint64(r.params.MaxPublishAttempts-1),
	), ctx))
	if errors.Is(err, errRemovedFromReplay) {
		logger.Debug("message was removed from replay before it could be published")
		return
	}
	if err != nil {
		logger.WithError(err).Warn("failed to publish replayed session message")
	}
}
