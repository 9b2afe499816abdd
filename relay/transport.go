package relay

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/samuelzanatto/digitalflow/pubsub"
)

// Transport implements pubsub.PubSub over WebSocket connections to a
// relay instance. Each topic gets its own connection, dialed on first
// use. A dead connection is not redialed automatically: emissions on it
// are dropped, matching the engine's drop-and-resync recovery model,
// and the host reopens the room to reconnect.
type Transport struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  *zap.Logger

	mu     sync.Mutex
	topics map[string]*topicConn
	closed bool
}

// topicConn is one live connection carrying one topic.
type topicConn struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	subsMu      sync.RWMutex
	subscribers map[string]pubsub.SubscriberFunc
	cancel      context.CancelFunc
	dead        bool
}

// NewTransport creates a transport dialing the relay at baseURL, e.g.
// "ws://localhost:8087".
func NewTransport(baseURL string, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		baseURL: baseURL,
		dialer:  websocket.DefaultDialer,
		logger:  logger,
		topics:  make(map[string]*topicConn),
	}
}

// Publish sends a frame on the topic's connection, dialing it if
// needed. Publishing on a dead connection returns an error; callers
// drop the emission.
func (t *Transport) Publish(ctx context.Context, topic string, data []byte) error {
	tc, err := t.topicConn(ctx, topic)
	if err != nil {
		return err
	}

	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	if tc.dead {
		return fmt.Errorf("connection for topic %s is down", topic)
	}
	if err := tc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe attaches fn to the topic's connection, dialing it if
// needed. The relay already excludes the sender, so a subscriber never
// sees its own frames.
func (t *Transport) Subscribe(ctx context.Context, topic string, subscriberID string, fn pubsub.SubscriberFunc) error {
	if fn == nil {
		return fmt.Errorf("subscriber function cannot be nil")
	}

	tc, err := t.topicConn(ctx, topic)
	if err != nil {
		return err
	}

	tc.subsMu.Lock()
	tc.subscribers[subscriberID] = fn
	tc.subsMu.Unlock()
	return nil
}

// Unsubscribe removes a subscriber; the connection closes when the last
// one leaves.
func (t *Transport) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	t.mu.Lock()
	tc, ok := t.topics[topic]
	t.mu.Unlock()
	if !ok {
		return nil
	}

	tc.subsMu.Lock()
	delete(tc.subscribers, subscriberID)
	empty := len(tc.subscribers) == 0
	tc.subsMu.Unlock()

	if empty {
		t.closeTopic(topic, tc)
	}
	return nil
}

// Connected reports whether the transport is open. Individual dead
// connections surface as dropped publishes instead.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Close closes every connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	topics := make(map[string]*topicConn, len(t.topics))
	for topic, tc := range t.topics {
		topics[topic] = tc
	}
	t.mu.Unlock()

	for topic, tc := range topics {
		t.closeTopic(topic, tc)
	}
	return nil
}

// topicConn returns the live connection for a topic, dialing on first use.
func (t *Transport) topicConn(ctx context.Context, topic string) (*topicConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport is closed")
	}
	if tc, ok := t.topics[topic]; ok && !tc.dead {
		return tc, nil
	}

	endpoint := t.baseURL + "/ws/" + url.PathEscape(topic)
	conn, _, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay for topic %s: %w", topic, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	tc := &topicConn{
		conn:        conn,
		subscribers: make(map[string]pubsub.SubscriberFunc),
		cancel:      cancel,
	}
	t.topics[topic] = tc

	go t.readLoop(readCtx, topic, tc)
	return tc, nil
}

// readLoop fans inbound frames out to the topic's subscribers until the
// connection fails.
func (t *Transport) readLoop(ctx context.Context, topic string, tc *topicConn) {
	defer func() {
		tc.writeMu.Lock()
		tc.dead = true
		tc.writeMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := tc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn("Relay connection lost",
					zap.String("topic", topic),
					zap.Error(err))
			}
			return
		}

		tc.subsMu.RLock()
		fns := make([]pubsub.SubscriberFunc, 0, len(tc.subscribers))
		for _, fn := range tc.subscribers {
			fns = append(fns, fn)
		}
		tc.subsMu.RUnlock()

		for _, fn := range fns {
			if err := fn(ctx, topic, data); err != nil {
				t.logger.Warn("Subscriber failed to handle frame",
					zap.String("topic", topic),
					zap.Error(err))
			}
		}
	}
}

func (t *Transport) closeTopic(topic string, tc *topicConn) {
	tc.cancel()
	tc.writeMu.Lock()
	tc.dead = true
	tc.writeMu.Unlock()
	_ = tc.conn.Close()

	t.mu.Lock()
	if t.topics[topic] == tc {
		delete(t.topics, topic)
	}
	t.mu.Unlock()
}
