package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fr3shw3b/flowsession/pkg/flowmapper"
	"github.com/fr3shw3b/flowsession/pkg/records"
	"github.com/fr3shw3b/flowsession/pkg/replayer"
	"github.com/fr3shw3b/flowsession/pkg/session"
	"github.com/fr3shw3b/flowsession/pkg/wire"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	alice = session.Identity{X500Name: "O=Alice, L=London, C=GB", GroupID: "group-1"}
	bob   = session.Identity{X500Name: "O=Bob, L=Paris, C=FR", GroupID: "group-1"}
)

type testGateway struct {
	gateway *Gateway
	server  *httptest.Server
	bus     *records.Bus
	inbound <-chan records.Record
	host    string
	port    int
}

func Test_link_frames_are_published_as_inbound_events(t *testing.T) {
	g := createTestGateway(t)
	link := connectLink(t, g, "peer-1")

	err := link.Send(session.Event{
		Direction:   session.DirectionOutbound,
		SessionID:   "S-INITIATED",
		SequenceNum: 1,
		Payload:     session.Init{FlowName: "payments", InitiatingIdentity: alice, InitiatedIdentity: bob},
	})
	if err != nil {
		t.Error(err)
		t.FailNow()
	}

	select {
	case record := <-g.inbound:
		event := record.Value.(session.Event)
		if record.Key != "S-INITIATED" || event.Direction != session.DirectionInbound {
			t.Error("expected an inbound event keyed by session id, got ", record.Key, event.Direction)
		}
	case <-time.After(2 * time.Second):
		t.Error("timed out waiting for inbound record")
	}
}

func Test_replies_are_routed_to_the_link_that_opened_the_session(t *testing.T) {
	g := createTestGateway(t)
	link := connectLink(t, g, "peer-1")

	link.Send(session.Event{Direction: session.DirectionOutbound, SessionID: "S-INITIATED", SequenceNum: 1, Payload: session.Data{}})
	<-g.inbound

	reply := session.Event{
		Direction: session.DirectionOutbound,
		SessionID: flowmapper.ToggleSessionID("S-INITIATED"),
		Payload:   session.Ack{SequenceNum: 1},
	}
	err := g.gateway.Write(records.Record{Topic: records.TopicP2POut, Key: reply.SessionID, Value: flowmapper.FlowMapperEvent{Event: reply}})
	if err != nil {
		t.Error(err)
		t.FailNow()
	}

	select {
	case event := <-link.Receive():
		if event.SessionID != "S" || event.Payload.(session.Ack).SequenceNum != 1 {
			t.Error("unexpected reply: ", event)
		}
	case <-time.After(2 * time.Second):
		t.Error("timed out waiting for reply")
	}
}

func Test_replayed_messages_are_routed_by_destination_node(t *testing.T) {
	g := createTestGateway(t)
	link := connectLink(t, g, "bob-node")

	message := replayer.LinkOutMessage{
		Header: replayer.LinkOutHeader{
			MessageID:         "m-1",
			Source:            alice,
			Destination:       bob,
			DestinationNodeID: "bob-node",
			NetworkType:       replayer.NetworkTypeCorda5,
		},
		Event: session.Event{Direction: session.DirectionOutbound, SessionID: "never-seen", SequenceNum: 1, Payload: session.Close{}},
	}
	if err := g.gateway.Write(records.Record{Topic: records.TopicP2POut, Value: message}); err != nil {
		t.Error(err)
		t.FailNow()
	}

	select {
	case event := <-link.Receive():
		if event.SessionID != "never-seen" || event.Payload.Kind() != session.KindClose {
			t.Error("unexpected replayed event: ", event)
		}
	case <-time.After(2 * time.Second):
		t.Error("timed out waiting for replayed event")
	}
}

func Test_write_without_route_fails(t *testing.T) {
	g := createTestGateway(t)

	err := g.gateway.Write(records.Record{
		Topic: records.TopicP2POut,
		Value: flowmapper.FlowMapperEvent{Event: session.Event{SessionID: "unknown", Payload: session.Close{}}},
	})
	if !errors.Is(err, ErrNoRoute) {
		t.Error("expected ErrNoRoute, got ", err)
	}
}

func Test_forgotten_routes_are_no_longer_used(t *testing.T) {
	g := createTestGateway(t)
	link := connectLink(t, g, "peer-1")

	link.Send(session.Event{Direction: session.DirectionOutbound, SessionID: "S-INITIATED", SequenceNum: 1, Payload: session.Data{}})
	<-g.inbound

	g.gateway.ForgetRoutes([]string{"S"})
	err := g.gateway.Write(records.Record{
		Topic: records.TopicP2POut,
		Value: flowmapper.FlowMapperEvent{Event: session.Event{SessionID: "S", Payload: session.Ack{SequenceNum: 1}}},
	})
	if !errors.Is(err, ErrNoRoute) {
		t.Error("expected ErrNoRoute after the route was forgotten, got ", err)
	}
}

func Test_gateway_run_drains_the_outbound_topic(t *testing.T) {
	g := createTestGateway(t)
	outbound, _ := g.bus.Subscribe(records.TopicP2POut, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.gateway.Run(ctx, outbound)

	link := connectLink(t, g, "bob-node")
	g.bus.Publish(ctx, []records.Record{{
		Topic: records.TopicP2POut,
		Value: replayer.LinkOutMessage{
			Header: replayer.LinkOutHeader{DestinationNodeID: "bob-node"},
			Event:  session.Event{Direction: session.DirectionOutbound, SessionID: "S", SequenceNum: 2, Payload: session.Data{Payload: []byte("x")}},
		},
	}})

	select {
	case event := <-link.Receive():
		if string(event.Payload.(session.Data).Payload) != "x" {
			t.Error("unexpected event: ", event)
		}
	case <-time.After(2 * time.Second):
		t.Error("timed out waiting for event")
	}
}

func Test_failure_due_to_missing_node_id(t *testing.T) {
	g := createTestGateway(t)
	empty := ""
	link := NewDefaultLink(&LinkParams{
		ServerHost:           g.host,
		ServerPort:           g.port,
		MaxReconnectAttempts: 3,
		OverrideNodeID:       &empty,
	}, createLogger())
	if err := link.Connect(); err != nil {
		t.Error(err)
		t.FailNow()
	}
	defer link.Close()

	select {
	case _, ok := <-link.Receive():
		if ok {
			t.Error("expected no events on a rejected link")
		}
	case <-time.After(2 * time.Second):
		t.Error("timed out waiting for the link to be rejected")
		t.FailNow()
	}

	if link.Err() == nil || !strings.HasSuffix(link.Err().Error(), "code[CloseCodeMissingNodeID(4002)] reason: missing node id") {
		t.Error("expected error to be a 4002 missing node id but received: ", link.Err())
	}
}

func Test_invalid_frame_closes_the_link(t *testing.T) {
	g := createTestGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s:%d/?nodeId=raw", g.host, g.port), nil)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	defer conn.Close()

	conn.WriteMessage(websocket.BinaryMessage, []byte{0x7, 0x0})
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, wire.CloseCodeInvalidFrame) {
		t.Error("expected close with invalid frame code, got ", err)
	}
}

func Test_reconnecting_link_replaces_the_previous_one(t *testing.T) {
	g := createTestGateway(t)
	first := connectLink(t, g, "peer-1")
	first.Close()
	connectLink(t, g, "peer-1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if links := g.gateway.Links(); len(links) == 1 && links[0] == "peer-1" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected a single link for peer-1, got ", g.gateway.Links())
}

func connectLink(t *testing.T, g *testGateway, nodeID string) Link {
	link := NewDefaultLink(&LinkParams{
		ServerHost:           g.host,
		ServerPort:           g.port,
		MaxReconnectAttempts: 3,
		OverrideNodeID:       &nodeID,
	}, createLogger())
	if err := link.Connect(); err != nil {
		t.Error(err)
		t.FailNow()
	}
	t.Cleanup(func() { link.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, id := range g.gateway.Links() {
			if id == nodeID {
				return link
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("timed out waiting for link ", nodeID, " to register")
	t.FailNow()
	return nil
}

func createTestGateway(t *testing.T) *testGateway {
	logger := createLogger()
	bus := records.NewBus(logger)
	inbound, _ := bus.Subscribe(records.TopicP2PIn, 16)
	gateway := NewDefaultGateway(&GatewayParams{}, bus, logger)
	server := httptest.NewServer(gateway)

	serverURL, err := url.Parse(server.URL)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	port, _ := strconv.Atoi(serverURL.Port())

	t.Cleanup(func() {
		gateway.Close()
		server.Close()
		bus.Close()
	})
	return &testGateway{
		gateway: gateway,
		server:  server,
		bus:     bus,
		inbound: inbound,
		host:    serverURL.Hostname(),
		port:    port,
	}
}

func createLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
