package flowmapper

import (
	"context"
	"time"

	"github.com/fr3shw3b/flowsession/pkg/records"
	"github.com/fr3shw3b/flowsession/pkg/session"
	"github.com/sirupsen/logrus"
)

const DefaultCleanupWindow = 30 * time.Second

func NewDefaultMapper(params *Params, resolver RoutingKeyResolver, logger *logrus.Logger) Mapper {
	if params == nil {
		params = &Params{}
	}
	if params.CleanupWindow <= 0 {
		params.CleanupWindow = DefaultCleanupWindow
	}
	return &mapper{
		params:   params,
		resolver: resolver,
		logger:   logger,
	}
}

type mapper struct {
	params   *Params
	resolver RoutingKeyResolver
	logger   *logrus.Logger
}

func (m *mapper) Process(ctx context.Context, eventKey string, current *State, event session.Event, now time.Time) (Result, error) {
	if init, ok := event.Payload.(session.Init); ok {
		return m.processSessionInit(ctx, eventKey, current, event.Clone(), init, now)
	}
	return m.processSessionEvent(eventKey, current, event.Clone(), now)
}

func (m *mapper) processSessionInit(
	ctx context.Context,
	eventKey string,
	current *State,
	event session.Event,
	init session.Init,
	now time.Time,
) (Result, error) {
	if current != nil {
		m.logger.WithFields(logrus.Fields{
			"eventKey":  eventKey,
			"sessionId": event.SessionID,
			"direction": event.Direction,
		}).Warn("duplicate session init received, ignoring")
		return Result{State: current}, nil
	}

	if event.Direction == session.DirectionInbound {
		flowKey, err := m.resolver.ResolveRoutingKey(ctx, init.InitiatedIdentity)
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"eventKey":  eventKey,
				"sessionId": event.SessionID,
			}).Error("failed to resolve flow key for session init: ", err)
			return Result{}, err
		}
		init.FlowKey = &flowKey
		event.Payload = init

		return Result{
			State: &State{FlowKey: flowKey, Status: StatusOpen},
			Outputs: []records.Record{{
				Topic: records.TopicFlowEvent,
				Key:   flowKey.ID,
				Value: FlowEvent{FlowKey: flowKey, Event: event},
			}},
		}, nil
	}

	if init.FlowKey == nil {
		return Result{}, ErrMissingFlowKey
	}
	if IsInitiatedSessionID(event.SessionID) {
		return Result{}, ErrReservedSessionID
	}
	// The flow key is local to this node and never leaves it.
	flowKey := *init.FlowKey
	event = ToCounterparty(event)

	return Result{
		State: &State{FlowKey: flowKey, Status: StatusOpen},
		Outputs: []records.Record{{
			Topic: records.TopicP2POut,
			Key:   event.SessionID,
			Value: FlowMapperEvent{Event: event},
		}},
	}, nil
}

// processSessionEvent routes data, acks, closes and errors for sessions
// that already have a routing record.
func (m *mapper) processSessionEvent(eventKey string, current *State, event session.Event, now time.Time) (Result, error) {
	logger := m.logger.WithFields(logrus.Fields{
		"eventKey":  eventKey,
		"sessionId": event.SessionID,
		"direction": event.Direction,
		"payload":   event.Payload.Kind(),
	})
	if current == nil {
		logger.Warn("session event received for a session with no routing record, ignoring")
		return Result{}, nil
	}

	next := *current
	kind := event.Payload.Kind()
	if (kind == session.KindClose || kind == session.KindError) && next.Status == StatusOpen {
		expiry := now.Add(m.params.CleanupWindow)
		next.Status = StatusClosing
		next.ExpiryTime = &expiry
	}

	if event.Direction == session.DirectionInbound {
		return Result{
			State: &next,
			Outputs: []records.Record{{
				Topic: records.TopicFlowEvent,
				Key:   next.FlowKey.ID,
				Value: FlowEvent{FlowKey: next.FlowKey, Event: event},
			}},
		}, nil
	}

	event = ToCounterparty(event)
	logger.Debug("relaying session event to counterparty")
	return Result{
		State: &next,
		Outputs: []records.Record{{
			Topic: records.TopicP2POut,
			Key:   event.SessionID,
			Value: FlowMapperEvent{Event: event},
		}},
	}, nil
}
