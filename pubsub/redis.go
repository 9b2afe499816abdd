package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisPubSub implements the PubSub interface using Redis channels.
// One Redis subscription is held per topic; multiple local subscribers
// on the same topic share it.
type RedisPubSub struct {
	// client is the Redis client.
	client *redis.Client
	// options contains the configuration options.
	options *Options
	// logger is used for subscription errors.
	logger *zap.Logger
	// topics is a map of topic to the shared topic subscription.
	topics map[string]*redisTopic
	// mutex protects the topics map.
	mutex sync.Mutex
	// closed indicates whether the PubSub has been closed.
	closed bool
}

// redisTopic is one Redis channel subscription fanned out to local subscribers.
type redisTopic struct {
	topic       string
	pubsub      *redis.PubSub
	subscribers map[string]SubscriberFunc
	mutex       sync.RWMutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewRedisPubSub creates a new RedisPubSub with the specified Redis client and options.
func NewRedisPubSub(client *redis.Client, options *Options, logger *zap.Logger) (*RedisPubSub, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if options == nil {
		options = NewOptions()
	}
	if options.BufferSize <= 0 {
		options.BufferSize = NewOptions().BufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisPubSub{
		client:  client,
		options: options,
		logger:  logger,
		topics:  make(map[string]*redisTopic),
	}, nil
}

// Publish publishes raw data to the specified topic.
func (ps *RedisPubSub) Publish(ctx context.Context, topic string, data []byte) error {
	ps.mutex.Lock()
	closed := ps.closed
	ps.mutex.Unlock()
	if closed {
		return fmt.Errorf("pubsub is closed")
	}

	return ps.client.Publish(ctx, topic, data).Err()
}

// Subscribe subscribes to the specified topic. Subscribing again with
// the same subscriberID replaces the previous subscription.
func (ps *RedisPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, fn SubscriberFunc) error {
	if fn == nil {
		return fmt.Errorf("subscriber function cannot be nil")
	}

	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return fmt.Errorf("pubsub is closed")
	}

	rt, ok := ps.topics[topic]
	if !ok {
		topicCtx, cancel := context.WithCancel(context.Background())
		rt = &redisTopic{
			topic:       topic,
			pubsub:      ps.client.Subscribe(topicCtx, topic),
			subscribers: make(map[string]SubscriberFunc),
			cancel:      cancel,
			done:        make(chan struct{}),
		}
		ps.topics[topic] = rt
		go ps.receiveLoop(topicCtx, rt)
	}

	rt.mutex.Lock()
	rt.subscribers[subscriberID] = fn
	rt.mutex.Unlock()

	return nil
}

// Unsubscribe removes the subscription with the given id from the topic.
// The Redis channel subscription is released when the last local
// subscriber leaves.
func (ps *RedisPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	rt, ok := ps.topics[topic]
	if !ok {
		return nil
	}

	rt.mutex.Lock()
	delete(rt.subscribers, subscriberID)
	empty := len(rt.subscribers) == 0
	rt.mutex.Unlock()

	if empty {
		ps.closeTopicLocked(topic, rt)
	}

	return nil
}

// closeTopicLocked tears down a topic subscription. The caller must hold mutex.
func (ps *RedisPubSub) closeTopicLocked(topic string, rt *redisTopic) {
	rt.cancel()
	if err := rt.pubsub.Close(); err != nil {
		ps.logger.Warn("Failed to close Redis subscription",
			zap.String("topic", topic),
			zap.Error(err))
	}
	delete(ps.topics, topic)
}

// receiveLoop reads messages for a topic and fans them out to local subscribers.
func (ps *RedisPubSub) receiveLoop(ctx context.Context, rt *redisTopic) {
	defer close(rt.done)

	ch := rt.pubsub.Channel(redis.WithChannelSize(ps.options.BufferSize))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			rt.mutex.RLock()
			fns := make([]SubscriberFunc, 0, len(rt.subscribers))
			for _, fn := range rt.subscribers {
				fns = append(fns, fn)
			}
			rt.mutex.RUnlock()

			for _, fn := range fns {
				if err := fn(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
					ps.logger.Warn("Subscriber failed to handle message",
						zap.String("topic", msg.Channel),
						zap.Error(err))
				}
			}
		}
	}
}

// Connected reports whether the Redis connection is usable.
func (ps *RedisPubSub) Connected() bool {
	ps.mutex.Lock()
	if ps.closed {
		ps.mutex.Unlock()
		return false
	}
	ps.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return ps.client.Ping(ctx).Err() == nil
}

// Close closes the PubSub and all topic subscriptions.
func (ps *RedisPubSub) Close() error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return nil
	}

	for topic, rt := range ps.topics {
		ps.closeTopicLocked(topic, rt)
	}
	ps.closed = true

	return nil
}
