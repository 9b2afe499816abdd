package pubsub

import (
	"context"
	"fmt"
	"sync"
)

// MemoryPubSub implements the PubSub interface using in-memory fanout.
type MemoryPubSub struct {
	// options contains the configuration options.
	options *Options
	// subscriptions is a map of topic to subscriptions.
	subscriptions map[string][]*memorySubscription
	// mutex protects the subscriptions map.
	mutex sync.RWMutex
	// closed indicates whether the PubSub has been closed.
	closed bool
}

// memorySubscription represents a subscription to an in-memory topic.
// Deliveries go through a bounded channel drained by one goroutine, so
// each subscriber sees broadcasts in publish order.
type memorySubscription struct {
	// topic is the topic being subscribed to.
	topic string
	// subscriberID is the unique identifier for the subscriber.
	subscriberID string
	// fn is the subscriber function.
	fn SubscriberFunc
	// ch is the bounded delivery buffer.
	ch chan []byte
	// ctx is the context for the subscription.
	ctx context.Context
	// cancel is the cancel function for the context.
	cancel context.CancelFunc
}

// deliver drains the buffer until the subscription is cancelled.
func (s *memorySubscription) deliver() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.ch:
			_ = s.fn(s.ctx, s.topic, data)
		}
	}
}

// NewMemoryPubSub creates a new MemoryPubSub with the specified options.
func NewMemoryPubSub(options *Options) *MemoryPubSub {
	if options == nil {
		options = NewOptions()
	}
	if options.BufferSize <= 0 {
		options.BufferSize = NewOptions().BufferSize
	}

	return &MemoryPubSub{
		options:       options,
		subscriptions: make(map[string][]*memorySubscription),
	}
}

// Publish publishes raw data to the specified topic.
func (ps *MemoryPubSub) Publish(ctx context.Context, topic string, data []byte) error {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()

	if ps.closed {
		return fmt.Errorf("pubsub is closed")
	}

	subscribers, ok := ps.subscriptions[topic]
	if !ok || len(subscribers) == 0 {
		// No subscribers, message is dropped
		return nil
	}

	for _, sub := range subscribers {
		select {
		case sub.ch <- data:
		case <-sub.ctx.Done():
		default:
			// Buffer full: the subscriber is too far behind, the
			// broadcast is dropped rather than queued unboundedly.
		}
	}

	return nil
}

// Subscribe subscribes to the specified topic. Subscribing again with
// the same subscriberID replaces the previous subscription.
func (ps *MemoryPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, fn SubscriberFunc) error {
	if fn == nil {
		return fmt.Errorf("subscriber function cannot be nil")
	}

	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return fmt.Errorf("pubsub is closed")
	}

	ps.removeLocked(topic, subscriberID)

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		topic:        topic,
		subscriberID: subscriberID,
		fn:           fn,
		ch:           make(chan []byte, ps.options.BufferSize),
		ctx:          subCtx,
		cancel:       cancel,
	}
	ps.subscriptions[topic] = append(ps.subscriptions[topic], sub)
	go sub.deliver()

	return nil
}

// Unsubscribe removes the subscription with the given id from the topic.
func (ps *MemoryPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	ps.removeLocked(topic, subscriberID)
	return nil
}

// removeLocked removes and cancels a subscription. The caller must hold mutex.
func (ps *MemoryPubSub) removeLocked(topic string, subscriberID string) {
	subs := ps.subscriptions[topic]
	for i, sub := range subs {
		if sub.subscriberID == subscriberID {
			sub.cancel()
			ps.subscriptions[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(ps.subscriptions[topic]) == 0 {
		delete(ps.subscriptions, topic)
	}
}

// Connected reports whether the PubSub can deliver broadcasts.
func (ps *MemoryPubSub) Connected() bool {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	return !ps.closed
}

// Close closes the PubSub and cancels all subscriptions.
func (ps *MemoryPubSub) Close() error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return nil
	}

	for _, subs := range ps.subscriptions {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	ps.subscriptions = make(map[string][]*memorySubscription)
	ps.closed = true

	return nil
}
