package peerapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fr3shw3b/flowsession/internal/node"
	"github.com/fr3shw3b/flowsession/pkg/flowmapper"
	"github.com/fr3shw3b/flowsession/pkg/records"
	"github.com/fr3shw3b/flowsession/pkg/session"
	"github.com/fr3shw3b/flowsession/pkg/statestore"
	"github.com/fr3shw3b/flowsession/pkg/transport"
	"github.com/fr3shw3b/flowsession/pkg/wire"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const statusPollInterval = 50 * time.Millisecond

var ErrNoMessages = errors.New("peer: at least one message must be sent")

type Params struct {
	Identity     session.Identity
	Counterparty session.Identity
	FlowName     string
	Messages     int
	// ResendWindow is how long an unacknowledged event waits before it
	// is sent again.
	ResendWindow  time.Duration
	ResultTimeout time.Duration
}

type Result struct {
	SessionID    string
	Checksum     string
	EchoChecksum string
	Success      bool
	Error        error
}

// Peer opens a single session over a link, sends a run of random data
// payloads, closes the session once every payload has been echoed back
// and reports whether the echoes match what was sent.
type Peer struct {
	params    Params
	link      transport.Link
	processor *node.Processor
	logger    *logrus.Logger

	mu       sync.Mutex
	echoes   [][]byte
	linkDone chan struct{}
}

func NewPeer(params *Params, link transport.Link, logger *logrus.Logger) *Peer {
	finalParams := *params
	if finalParams.FlowName == "" {
		finalParams.FlowName = "echo"
	}
	if finalParams.ResendWindow <= 0 {
		finalParams.ResendWindow = 2 * time.Second
	}
	if finalParams.ResultTimeout <= 0 {
		finalParams.ResultTimeout = 5 * time.Minute
	}

	p := &Peer{
		params:   finalParams,
		link:     link,
		logger:   logger,
		linkDone: make(chan struct{}),
	}
	// Without a replayer the peer resends through ResendPending.
	p.processor = node.NewDefaultProcessor(
		&node.Params{
			Mapper: flowmapper.NewDefaultMapper(
				&flowmapper.Params{},
				flowmapper.NewHostedIdentityResolver([]session.Identity{finalParams.Identity}),
				logger,
			),
			Manager:      session.NewDefaultManager(nil, logger),
			MapperStore:  statestore.NewInMemoryStore[*flowmapper.State]("flow-mapper", logger),
			SessionStore: statestore.NewInMemoryStore[*session.Session]("sessions", logger),
			Publisher:    records.PublisherFunc(p.publish),
			Flow:         node.FlowFunc(p.onEvent),
		},
		logger,
	)
	return p
}

func (p *Peer) Run(ctx context.Context) Result {
	if p.params.Messages < 1 {
		return Result{Error: ErrNoMessages}
	}
	ctx, cancel := context.WithTimeout(ctx, p.params.ResultTimeout)
	defer cancel()

	if err := p.link.Connect(); err != nil {
		return Result{Error: err}
	}
	defer p.link.Close()
	go p.receive(ctx)

	sessionID := uuid.NewString()
	flowKey := session.FlowKey{ID: uuid.NewString(), Identity: p.params.Identity}
	payloads := randomPayloads(p.params.Messages)
	result := Result{SessionID: sessionID, Checksum: wire.Checksum(payloads)}
	logger := p.logger.WithField("sessionId", sessionID)

	err := p.processor.Initiate(ctx, sessionID, flowKey, p.params.FlowName, p.params.Counterparty, nil)
	if err != nil {
		result.Error = err
		return result
	}
	for _, payload := range payloads {
		if err := p.processor.Send(ctx, sessionID, session.Data{Payload: payload}); err != nil {
			result.Error = err
			return result
		}
	}
	logger.WithField("messages", len(payloads)).Info("sent all data payloads, waiting for echoes")

	resendTicker := time.NewTicker(max(p.params.ResendWindow/2, statusPollInterval))
	defer resendTicker.Stop()
	statusTicker := time.NewTicker(statusPollInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			result.Error = fmt.Errorf("waiting for session to close: %w", ctx.Err())
			return p.complete(result)
		case <-p.linkDone:
			result.Error = p.link.Err()
			if result.Error == nil {
				result.Error = transport.ErrLinkClosed
			}
			return p.complete(result)
		case <-resendTicker.C:
			resent, err := p.processor.ResendPending(ctx, sessionID, p.params.ResendWindow)
			if err != nil {
				logger.Warn("failed to resend pending events: ", err)
			} else if resent > 0 {
				logger.WithField("count", resent).Debug("resent unacknowledged events")
			}
		case <-statusTicker.C:
			s, exists, err := p.processor.Session(ctx, sessionID)
			if err != nil || !exists {
				continue
			}
			switch s.Status {
			case session.StatusClosed:
				return p.complete(result)
			case session.StatusError:
				result.Error = errors.New("session ended in error")
				return p.complete(result)
			}
		}
	}
}

func (p *Peer) complete(result Result) Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	result.EchoChecksum = wire.Checksum(p.echoes)
	result.Success = result.Error == nil && result.Checksum == result.EchoChecksum
	return result
}

func (p *Peer) receive(ctx context.Context) {
	defer close(p.linkDone)
	for event := range p.link.Receive() {
		if err := p.processor.HandleInbound(ctx, event); err != nil {
			p.logger.WithField("sessionId", event.SessionID).Warn("failed to handle inbound event: ", err)
		}
	}
}

// publish writes relayed events to the link. Events that could not be
// written stay unacknowledged and are resent later.
func (p *Peer) publish(ctx context.Context, toPublish []records.Record) error {
	for _, record := range toPublish {
		relayed, ok := record.Value.(flowmapper.FlowMapperEvent)
		if !ok {
			continue
		}
		if err := p.link.Send(relayed.Event); err != nil {
			p.logger.WithField("sessionId", relayed.Event.SessionID).Debug("failed to send event, it will be resent: ", err)
		}
	}
	return nil
}

// onEvent collects echoes and closes the session after the last one.
func (p *Peer) onEvent(ctx context.Context, delivery node.Delivery) []session.Payload {
	data, isData := delivery.Event.Payload.(session.Data)
	if !isData {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.echoes = append(p.echoes, data.Payload)
	if len(p.echoes) == p.params.Messages {
		return []session.Payload{session.Close{}}
	}
	return nil
}
