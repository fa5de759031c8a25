package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fr3shw3b/flowsession/pkg/clock"
	"github.com/fr3shw3b/flowsession/pkg/flowmapper"
	"github.com/fr3shw3b/flowsession/pkg/records"
	"github.com/fr3shw3b/flowsession/pkg/replay"
	"github.com/fr3shw3b/flowsession/pkg/replayer"
	"github.com/fr3shw3b/flowsession/pkg/session"
	"github.com/fr3shw3b/flowsession/pkg/statestore"
	"github.com/fr3shw3b/flowsession/pkg/telemetry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultSessionCleanupWindow = 5 * time.Minute
	DefaultCleanupInterval      = 5 * time.Second
)

// Replayer keeps outbound session messages flowing until they are
// acknowledged.
type Replayer interface {
	AddMessageForReplay(uniqueID string, message replayer.SessionMessageReplay, counterparties replay.Counterparties) error
	RemoveMessageFromReplay(uniqueID string, counterparties replay.Counterparties)
}

type Params struct {
	Mapper       flowmapper.Mapper
	Manager      session.Manager
	MapperStore  statestore.Store[*flowmapper.State]
	SessionStore statestore.Store[*session.Session]
	// Replayer is optional, without one callers resend through
	// ResendPending.
	Replayer  Replayer
	Publisher records.Publisher
	Flow      Flow
	Clock     clock.Clock

	// SessionCleanupWindow is how long CLOSED and ERROR sessions are kept
	// after their last received message.
	SessionCleanupWindow time.Duration
	CleanupInterval      time.Duration
	// OnCleanup is told which session ids were removed by a cleanup pass.
	OnCleanup func(sessionIDs []string)
}

type replayFailure struct {
	sessionID string
	err       error
}

// Processor runs the session pipeline of a node: inbound events go
// through the flow mapper to the session manager and on to the local
// flow, outbound events go through the session manager and the flow
// mapper to the publisher.
type Processor struct {
	params Params
	tracer trace.Tracer
	logger *logrus.Logger

	// failures is unbounded so that the replay scheduler never blocks on
	// or drops a failure. failuresReady wakes Run up.
	failuresMu    sync.Mutex
	failures      []replayFailure
	failuresReady chan struct{}
}

func NewDefaultProcessor(params *Params, logger *logrus.Logger) *Processor {
	finalParams := *params
	if finalParams.Clock == nil {
		finalParams.Clock = clock.System()
	}
	if finalParams.SessionCleanupWindow <= 0 {
		finalParams.SessionCleanupWindow = DefaultSessionCleanupWindow
	}
	if finalParams.CleanupInterval <= 0 {
		finalParams.CleanupInterval = DefaultCleanupInterval
	}
	return &Processor{
		params:        finalParams,
		tracer:        telemetry.Tracer("github.com/fr3shw3b/flowsession/internal/node"),
		logger:        logger,
		failuresReady: make(chan struct{}, 1),
	}
}

// Run consumes inbound records until ctx is done or inbound is closed.
// It also turns exhausted replays into session errors and periodically
// cleans up finished sessions.
func (p *Processor) Run(ctx context.Context, inbound <-chan records.Record) error {
	ticker := time.NewTicker(p.params.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-inbound:
			if !ok {
				return nil
			}
			event, isEvent := record.Value.(session.Event)
			if !isEvent {
				p.logger.WithField("key", record.Key).Error(ErrUnexpectedRecord.Error(), fmt.Sprintf(": %T", record.Value))
				continue
			}
			if err := p.HandleInbound(ctx, event); err != nil {
				p.logger.WithFields(logrus.Fields{
					"sessionId": event.SessionID,
					"type":      event.Payload.Kind().String(),
				}).Warn("failed to process inbound session event: ", err)
			}
		case <-p.failuresReady:
			for _, failure := range p.takeFailures() {
				p.failSession(ctx, failure)
			}
		case <-ticker.C:
			if _, err := p.ExecuteCleanup(ctx, p.params.Clock.Now()); err != nil {
				p.logger.Warn("cleanup failed: ", err)
			}
		}
	}
}

// HandleInbound routes an event received from a counterparty.
func (p *Processor) HandleInbound(ctx context.Context, event session.Event) (err error) {
	ctx, span := p.tracer.Start(ctx, "node.HandleInbound", trace.WithAttributes(
		attribute.String("session.id", event.SessionID),
		attribute.String("session.event", event.Payload.Kind().String()),
		attribute.Int("session.sequence", event.SequenceNum),
	))
	defer endSpan(span, &err)

	event.Direction = session.DirectionInbound
	now := p.params.Clock.Now()

	outputs := []records.Record{}
	state, err := p.params.MapperStore.Update(ctx, event.SessionID, func(current *flowmapper.State, exists bool) (*flowmapper.State, bool, error) {
		result, err := p.params.Mapper.Process(ctx, event.SessionID, current, event, now)
		if err != nil {
			return current, false, err
		}
		outputs = result.Outputs
		return result.State, result.State != nil, nil
	})
	if err != nil {
		return err
	}

	// The mapper suppresses a repeated init, the session still has to
	// acknowledge it again in case the first ack was lost.
	if init, isInit := event.Payload.(session.Init); isInit && len(outputs) == 0 && state != nil {
		flowKey := state.FlowKey
		init.FlowKey = &flowKey
		event.Payload = init
		return p.receive(ctx, flowmapper.FlowEvent{FlowKey: flowKey, Event: event})
	}
	return p.dispatch(ctx, outputs)
}

// Initiate opens a session from a local flow to counterparty.
func (p *Processor) Initiate(ctx context.Context, sessionID string, flowKey session.FlowKey, flowName string, counterparty session.Identity, payload []byte) error {
	return p.Send(ctx, sessionID, session.Init{
		FlowName:           flowName,
		InitiatingIdentity: flowKey.Identity,
		InitiatedIdentity:  counterparty,
		FlowKey:            &flowKey,
		Payload:            payload,
	})
}

// Send applies a payload the local flow wants to send on a session.
func (p *Processor) Send(ctx context.Context, sessionID string, payload session.Payload) (err error) {
	ctx, span := p.tracer.Start(ctx, "node.Send", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("session.event", payload.Kind().String()),
	))
	defer endSpan(span, &err)

	if _, isInit := payload.(session.Init); isInit && flowmapper.IsInitiatedSessionID(sessionID) {
		return flowmapper.ErrReservedSessionID
	}

	now := p.params.Clock.Now()
	event := session.Event{
		Direction: session.DirectionOutbound,
		SessionID: sessionID,
		Timestamp: now,
		Payload:   payload,
	}

	var output *session.Event
	var before, after *session.Session
	_, err = p.params.SessionStore.Update(ctx, sessionID, func(current *session.Session, exists bool) (*session.Session, bool, error) {
		result := p.params.Manager.ProcessMessageToSend(sessionID, current, event, now)
		before, after, output = current, result.Session, result.Output
		return result.Session, result.Session != nil, nil
	})
	if err != nil {
		return err
	}

	if output != nil {
		if err := p.sendOutbound(ctx, after, *output); err != nil {
			return err
		}
	}
	p.reconcileReplays(ctx, before, after)
	return nil
}

// ResendPending sends again every unacknowledged event of a session that
// was last sent more than window ago.
func (p *Processor) ResendPending(ctx context.Context, sessionID string, window time.Duration) (int, error) {
	now := p.params.Clock.Now()

	var due []session.Event
	var updated *session.Session
	_, err := p.params.SessionStore.Update(ctx, sessionID, func(current *session.Session, exists bool) (*session.Session, bool, error) {
		if !exists {
			return current, false, ErrUnknownSession
		}
		updated, due = session.MessagesToSend(current, now, window)
		return updated, true, nil
	})
	if err != nil {
		return 0, err
	}

	if len(due) == 0 {
		return 0, nil
	}
	// Resends bypass the flow mapper, which would suppress a repeated init.
	resends := make([]records.Record, 0, len(due))
	for _, event := range due {
		wireEvent := flowmapper.ToCounterparty(event)
		resends = append(resends, records.Record{
			Topic: records.TopicP2POut,
			Key:   wireEvent.SessionID,
			Value: flowmapper.FlowMapperEvent{Event: wireEvent},
		})
	}
	if err := p.params.Publisher.Publish(ctx, resends); err != nil {
		return 0, err
	}
	return len(due), nil
}

// Session returns the current state of a session.
func (p *Processor) Session(ctx context.Context, sessionID string) (*session.Session, bool, error) {
	s, exists, err := p.params.SessionStore.Get(ctx, sessionID)
	if err != nil || !exists {
		return nil, exists, err
	}
	return s.Clone(), true, nil
}

// ExecuteCleanup removes routing records past their expiry and finished
// sessions older than the cleanup window.
func (p *Processor) ExecuteCleanup(ctx context.Context, now time.Time) ([]string, error) {
	routes, err := p.params.MapperStore.RemoveWhere(ctx, func(key string, state *flowmapper.State) bool {
		return state.Expired(now)
	})
	if err != nil {
		return nil, err
	}

	window := p.params.SessionCleanupWindow
	sessions, err := p.params.SessionStore.RemoveWhere(ctx, func(key string, s *session.Session) bool {
		finished := s.Status == session.StatusClosed || s.Status == session.StatusError
		return finished && !s.LastReceivedMessageTime.Add(window).After(now)
	})
	if err != nil {
		return nil, err
	}

	removed := append(routes, sessions...)
	if len(removed) > 0 {
		p.logger.WithFields(logrus.Fields{
			"routes":   len(routes),
			"sessions": len(sessions),
		}).Debug("cleaned up finished sessions")
		if p.params.OnCleanup != nil {
			p.params.OnCleanup(removed)
		}
	}
	return removed, nil
}

// dispatch hands flow events to the session manager and publishes
// everything else.
func (p *Processor) dispatch(ctx context.Context, outputs []records.Record) error {
	toPublish := []records.Record{}
	for _, record := range outputs {
		flowEvent, isFlowEvent := record.Value.(flowmapper.FlowEvent)
		if record.Topic != records.TopicFlowEvent || !isFlowEvent {
			toPublish = append(toPublish, record)
			continue
		}
		if err := p.receive(ctx, flowEvent); err != nil {
			return err
		}
	}
	if len(toPublish) == 0 {
		return nil
	}
	return p.params.Publisher.Publish(ctx, toPublish)
}

func (p *Processor) receive(ctx context.Context, flowEvent flowmapper.FlowEvent) error {
	event := flowEvent.Event
	now := p.params.Clock.Now()

	var output *session.Event
	var before, after *session.Session
	_, err := p.params.SessionStore.Update(ctx, event.SessionID, func(current *session.Session, exists bool) (*session.Session, bool, error) {
		result := p.params.Manager.ProcessMessageReceived(event.SessionID, current, event, now)
		before, after, output = current, result.Session, result.Output
		return result.Session, result.Session != nil, nil
	})
	if err != nil {
		return err
	}

	if output != nil {
		if err := p.sendOutbound(ctx, after, *output); err != nil {
			return err
		}
	}
	p.reconcileReplays(ctx, before, after)
	return p.deliver(ctx, flowEvent.FlowKey, event.SessionID)
}

// deliver consumes every in-order received event and hands it to the
// local flow, sending whatever the flow replies.
func (p *Processor) deliver(ctx context.Context, flowKey session.FlowKey, sessionID string) error {
	var delivered []Delivery
	_, err := p.params.SessionStore.Update(ctx, sessionID, func(current *session.Session, exists bool) (*session.Session, bool, error) {
		delivered = nil
		if !exists {
			return current, false, nil
		}
		next := current
		for event := session.NextReceivedEvent(next); event != nil; event = session.NextReceivedEvent(next) {
			next = session.AcknowledgeReceivedEvent(next, event.SequenceNum)
			delivered = append(delivered, Delivery{
				FlowKey:      flowKey,
				SessionID:    sessionID,
				Counterparty: next.Counterparty,
				Status:       next.Status,
				Event:        *event,
			})
		}
		return next, true, nil
	})
	if err != nil || p.params.Flow == nil {
		return err
	}

	for _, delivery := range delivered {
		for _, reply := range p.params.Flow.OnEvent(ctx, delivery) {
			if err := p.Send(ctx, sessionID, reply); err != nil {
				return err
			}
		}
	}
	return nil
}

// sendOutbound relays an event produced by the session manager. Events
// waiting for an ack are registered for replay before they are published
// so that an early ack always finds them.
func (p *Processor) sendOutbound(ctx context.Context, s *session.Session, event session.Event) error {
	now := p.params.Clock.Now()

	var outputs []records.Record
	state, err := p.params.MapperStore.Update(ctx, event.SessionID, func(current *flowmapper.State, exists bool) (*flowmapper.State, bool, error) {
		result, err := p.params.Mapper.Process(ctx, event.SessionID, current, event, now)
		if err != nil {
			return current, false, err
		}
		outputs = result.Outputs
		return result.State, result.State != nil, nil
	})
	if err != nil || len(outputs) == 0 {
		return err
	}

	if p.params.Replayer != nil && s != nil && state != nil && replayable(event) {
		for _, record := range outputs {
			relayed, ok := record.Value.(flowmapper.FlowMapperEvent)
			if !ok {
				continue
			}
			if err := p.registerReplay(state.FlowKey.Identity, s.Counterparty, event, relayed.Event); err != nil {
				return err
			}
		}
	}
	return p.params.Publisher.Publish(ctx, outputs)
}

func (p *Processor) registerReplay(source, destination session.Identity, event session.Event, wireEvent session.Event) error {
	counterparties := replay.Counterparties{Source: source, Destination: destination}
	message := replayer.SessionMessageReplay{
		Message:     wireEvent,
		SessionID:   wireEvent.SessionID,
		Source:      source,
		Destination: destination,
		OnSent:      p.onReplaySent,
		OnFailed:    p.onReplayFailed(event.SessionID),
	}
	return p.params.Replayer.AddMessageForReplay(replayID(event.SessionID, event.SequenceNum), message, counterparties)
}

// reconcileReplays stops replaying every event that is no longer waiting
// for an ack, and everything once the session is finished.
func (p *Processor) reconcileReplays(ctx context.Context, before, after *session.Session) {
	if p.params.Replayer == nil || before == nil {
		return
	}

	pending := map[int]bool{}
	if after != nil && after.Status != session.StatusClosed && after.Status != session.StatusError {
		for _, event := range after.SendEventsState.UndeliveredMessages {
			pending[event.SequenceNum] = true
		}
	}

	var source session.Identity
	sourceKnown := false
	for _, event := range before.SendEventsState.UndeliveredMessages {
		if pending[event.SequenceNum] || !replayable(event) {
			continue
		}
		if !sourceKnown {
			state, exists, err := p.params.MapperStore.Get(ctx, before.SessionID)
			if err != nil || !exists {
				p.logger.WithField("sessionId", before.SessionID).Warn("no routing record to stop replays for")
				return
			}
			source, sourceKnown = state.FlowKey.Identity, true
		}
		p.params.Replayer.RemoveMessageFromReplay(
			replayID(before.SessionID, event.SequenceNum),
			replay.Counterparties{Source: source, Destination: before.Counterparty},
		)
	}
}

func (p *Processor) onReplaySent(counterparties replay.Counterparties, sessionID string) {
	p.logger.WithFields(logrus.Fields{
		"sessionId":   sessionID,
		"destination": counterparties.Destination.String(),
	}).Debug("session message replayed")
}

// onReplayFailed runs on the replay scheduler's goroutine, the failure is
// handled by Run.
func (p *Processor) onReplayFailed(sessionID string) replayer.FailedCallback {
	return func(counterparties replay.Counterparties, _ string, err error) {
		p.failuresMu.Lock()
		p.failures = append(p.failures, replayFailure{sessionID: sessionID, err: err})
		p.failuresMu.Unlock()

		select {
		case p.failuresReady <- struct{}{}:
		default:
		}
	}
}

func (p *Processor) takeFailures() []replayFailure {
	p.failuresMu.Lock()
	defer p.failuresMu.Unlock()
	failures := p.failures
	p.failures = nil
	return failures
}

func (p *Processor) failSession(ctx context.Context, failure replayFailure) {
	logger := p.logger.WithField("sessionId", failure.sessionID)

	current, exists, err := p.params.SessionStore.Get(ctx, failure.sessionID)
	if err != nil || !exists || current.Status == session.StatusError || current.Status == session.StatusClosed {
		return
	}
	logger.Warn("session message was never acknowledged, failing session: ", failure.err)
	if err := p.Send(ctx, failure.sessionID, session.Error{Reason: failure.err.Error()}); err != nil {
		logger.Warn("failed to send session error: ", err)
	}
}

// Errors are sent once, the session is finished either way.
func replayable(event session.Event) bool {
	kind := event.Payload.Kind()
	return kind.Sequenced() && kind != session.KindError
}

func replayID(sessionID string, sequenceNum int) string {
	return fmt.Sprintf("%s:%d", sessionID, sequenceNum)
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
