package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/fr3shw3b/flowsession/pkg/flowmapper"
	"github.com/fr3shw3b/flowsession/pkg/records"
	"github.com/fr3shw3b/flowsession/pkg/replayer"
	"github.com/fr3shw3b/flowsession/pkg/session"
	"github.com/fr3shw3b/flowsession/pkg/wire"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var ErrNoRoute = errors.New("transport: no link to route record to")

type GatewayParams struct {
	// WriteTimeout bounds every frame written to a link.
	WriteTimeout time.Duration
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Links authenticate by node id only.
		return true
	},
}

type peerLink struct {
	nodeID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (l *peerLink) write(data []byte, timeout time.Duration) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(timeout))
	return l.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (l *peerLink) close(code int, text string) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(1*time.Second),
	)
	l.conn.Close()
}

// Gateway accepts websocket links from counterparties. Frames read from a
// link are published on the p2p in topic, and records consumed from the
// p2p out topic are written to the link their session or destination
// node was last seen on.
type Gateway struct {
	params    *GatewayParams
	publisher records.Publisher
	logger    *logrus.Logger

	mu     sync.RWMutex
	links  map[string]*peerLink
	routes map[string]string
}

func NewDefaultGateway(params *GatewayParams, publisher records.Publisher, logger *logrus.Logger) *Gateway {
	finalParams := *params
	if finalParams.WriteTimeout <= 0 {
		finalParams.WriteTimeout = 5 * time.Second
	}
	return &Gateway{
		params:    &finalParams,
		publisher: publisher,
		logger:    logger,
		links:     map[string]*peerLink{},
		routes:    map[string]string{},
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websockets upgrade error: ", err)
		return
	}
	defer conn.Close()

	nodeID := r.URL.Query().Get("nodeId")
	if nodeID == "" {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(wire.CloseCodeMissingNodeID, "missing node id"),
			time.Now().Add(1*time.Second),
		)
		return
	}

	link := &peerLink{nodeID: nodeID, conn: conn}
	g.register(link)
	defer g.unregister(link)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			g.logger.WithField("nodeId", nodeID).Debug("read error: ", err)
			return
		}
		if err := g.handleFrame(r.Context(), link, message); err != nil {
			g.logger.WithField("nodeId", nodeID).Warn("closing link after invalid frame: ", err)
			link.close(wire.CloseCodeInvalidFrame, "invalid frame")
			return
		}
	}
}

func (g *Gateway) handleFrame(ctx context.Context, link *peerLink, message []byte) error {
	frame, err := wire.Decode(message)
	if err != nil {
		return err
	}
	event := frame.Inbound()

	// Replies to this session leave the node with the toggled id.
	g.mu.Lock()
	g.routes[flowmapper.ToggleSessionID(event.SessionID)] = link.nodeID
	g.mu.Unlock()

	return g.publisher.Publish(ctx, []records.Record{{
		Topic: records.TopicP2PIn,
		Key:   event.SessionID,
		Value: event,
	}})
}

// Run writes records from outbound to their links until ctx is done or
// outbound is closed.
func (g *Gateway) Run(ctx context.Context, outbound <-chan records.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case record, ok := <-outbound:
			if !ok {
				return
			}
			if err := g.Write(record); err != nil {
				g.logger.WithFields(logrus.Fields{
					"topic": record.Topic,
					"key":   record.Key,
				}).Warn("failed to deliver record to link: ", err)
			}
		}
	}
}

// Write sends a single p2p out record to its link.
func (g *Gateway) Write(record records.Record) error {
	var (
		data   []byte
		err    error
		nodeID string
	)
	switch value := record.Value.(type) {
	case flowmapper.FlowMapperEvent:
		nodeID = g.route(value.Event.SessionID, "")
		data, err = wire.EncodeSessionEvent(value.Event)
	case replayer.LinkOutMessage:
		nodeID = g.route(value.Event.SessionID, value.Header.DestinationNodeID)
		data, err = wire.EncodeLinkOut(wire.Header{
			MessageID:   value.Header.MessageID,
			Source:      value.Header.Source,
			Destination: value.Header.Destination,
			NetworkType: string(value.Header.NetworkType),
		}, value.Event)
	case session.Event:
		nodeID = g.route(value.SessionID, "")
		data, err = wire.EncodeSessionEvent(value)
	default:
		g.logger.WithField("key", record.Key).Errorf("unsupported p2p out record value %T", record.Value)
		return nil
	}
	if err != nil {
		return err
	}

	g.mu.RLock()
	link, exists := g.links[nodeID]
	g.mu.RUnlock()
	if !exists {
		return ErrNoRoute
	}
	return link.write(data, g.params.WriteTimeout)
}

// Links returns the ids of the currently connected nodes.
func (g *Gateway) Links() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.links))
	for id := range g.links {
		ids = append(ids, id)
	}
	return ids
}

// Close disconnects every link.
func (g *Gateway) Close() {
	g.mu.Lock()
	links := g.links
	g.links = map[string]*peerLink{}
	g.mu.Unlock()

	for _, link := range links {
		link.close(wire.CloseCodeGatewayClosing, "gateway closing")
	}
}

// ForgetRoutes drops learned routes. Session ids are given in the form
// records leave this node with, the toggle of the local id.
func (g *Gateway) ForgetRoutes(sessionIDs []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, sessionID := range sessionIDs {
		delete(g.routes, sessionID)
	}
}

// route prefers the link a session was last seen on over the destination
// node resolved by the replayer.
func (g *Gateway) route(sessionID string, destinationNodeID string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if nodeID, exists := g.routes[sessionID]; exists {
		return nodeID
	}
	return destinationNodeID
}

// register replaces any previous link of the same node, which is what a
// reconnecting link looks like from here.
func (g *Gateway) register(link *peerLink) {
	g.mu.Lock()
	previous, exists := g.links[link.nodeID]
	g.links[link.nodeID] = link
	g.mu.Unlock()

	if exists {
		previous.conn.Close()
	}
	g.logger.WithField("nodeId", link.nodeID).Info("link connected")
}

func (g *Gateway) unregister(link *peerLink) {
	g.mu.Lock()
	if current, exists := g.links[link.nodeID]; exists && current == link {
		delete(g.links, link.nodeID)
	}
	g.mu.Unlock()
	g.logger.WithField("nodeId", link.nodeID).Info("link disconnected")
}
