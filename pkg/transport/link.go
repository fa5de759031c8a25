package transport

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fr3shw3b/flowsession/pkg/session"
	"github.com/fr3shw3b/flowsession/pkg/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotConnected = errors.New("transport: link is not connected")
	ErrLinkClosed   = errors.New("transport: link is closed")
)

// Link is the dialling side of a gateway connection.
type Link interface {
	Connect() error
	// Send writes an outbound session event to the gateway.
	Send(event session.Event) error
	// Receive yields inbound session events. It is closed when the link
	// is closed or fails for good.
	Receive() <-chan session.Event
	// Err is set once the gateway rejected the link.
	Err() error
	NodeID() string
	Close() error
}

type LinkParams struct {
	ServerHost           string
	ServerPort           int
	MaxReconnectAttempts int
	ReceiveBuffer        int
	// OverrideNodeID replaces the generated node id. It is a reference so
	// that an empty id can be set explicitly.
	OverrideNodeID *string
}

type linkImpl struct {
	params   *LinkParams
	nodeID   string
	received chan session.Event
	logger   *logrus.Logger

	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     *websocket.Conn
	closed   bool
	finalErr error
	done     chan struct{}
}

func NewDefaultLink(params *LinkParams, logger *logrus.Logger) Link {
	nodeID := uuid.NewString()
	if params.OverrideNodeID != nil {
		nodeID = *params.OverrideNodeID
	}
	buffer := params.ReceiveBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &linkImpl{
		params:   params,
		nodeID:   nodeID,
		received: make(chan session.Event, buffer),
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (l *linkImpl) NodeID() string {
	return l.nodeID
}

func (l *linkImpl) Connect() error {
	if err := l.connect(); err != nil {
		return err
	}
	go l.readLoop()
	return nil
}

func (l *linkImpl) connect() error {
	return backoff.Retry(l.retryConnect, backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(),
		uint64(l.params.MaxReconnectAttempts),
	))
}

func (l *linkImpl) retryConnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return backoff.Permanent(ErrLinkClosed)
	}
	l.mu.Unlock()

	// todo: support TLS.
	conn, _, err := websocket.DefaultDialer.Dial(l.buildUrl(), nil)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		conn.Close()
		return backoff.Permanent(ErrLinkClosed)
	}
	l.conn = conn
	return nil
}

func (l *linkImpl) readLoop() {
	defer close(l.received)

	for {
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()

		_, message, err := conn.ReadMessage()
		if err != nil {
			if !l.shouldReconnect(err) {
				return
			}
			l.logger.WithField("nodeId", l.nodeID).Debug("link dropped, reconnecting: ", err)
			if err := l.connect(); err != nil {
				l.fail(fmt.Errorf("transport: reconnecting link: %w", err))
				return
			}
			continue
		}

		frame, err := wire.Decode(message)
		if err != nil {
			l.logger.WithField("nodeId", l.nodeID).Warn("ignoring undecodable frame: ", err)
			continue
		}
		select {
		case l.received <- frame.Inbound():
		case <-l.done:
			return
		}
	}
}

// shouldReconnect decides what a read error means: gateway rejections
// and local closes are final, anything else is retried.
func (l *linkImpl) shouldReconnect(err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	closeErr := &websocket.CloseError{}
	if errors.As(err, &closeErr) && wire.IsKnownLinkErrorCode(closeErr.Code) {
		l.finalErr = fmt.Errorf(
			"link error: code[%s(%d)] reason: %s",
			wire.CloseCodeName(closeErr.Code),
			closeErr.Code,
			closeErr.Text,
		)
		return false
	}
	return true
}

func (l *linkImpl) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalErr == nil {
		l.finalErr = err
	}
}

func (l *linkImpl) Send(event session.Event) error {
	data, err := wire.EncodeSessionEvent(event)
	if err != nil {
		return err
	}

	l.mu.Lock()
	conn, closed := l.conn, l.closed
	l.mu.Unlock()
	if closed {
		return ErrLinkClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (l *linkImpl) Receive() <-chan session.Event {
	return l.received
}

func (l *linkImpl) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finalErr
}

func (l *linkImpl) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.conn
	close(l.done)
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	l.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "link closed"),
		time.Now().Add(time.Second),
	)
	l.writeMu.Unlock()
	return conn.Close()
}

func (l *linkImpl) buildUrl() string {
	q := url.Values{
		"nodeId": {l.nodeID},
	}
	url := url.URL{
		// todo: support TLS.
		Scheme:   "ws",
		Host:     fmt.Sprintf("%s:%d", l.params.ServerHost, l.params.ServerPort),
		RawQuery: q.Encode(),
	}
	return url.String()
}
