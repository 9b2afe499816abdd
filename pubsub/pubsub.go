// Package pubsub defines the transport boundary for collaboration rooms.
//
// A room is a logical topic: every mutation, presence and ephemeral
// broadcast for one shared document flows through a single topic. The
// package ships two implementations: an in-process MemoryPubSub for
// tests and single-node deployments, and a RedisPubSub for fanout
// across relay instances.
package pubsub

import (
	"context"
)

// SubscriberFunc handles a received broadcast. Returning an error does
// not stop the subscription; the error is logged by the implementation.
type SubscriberFunc func(ctx context.Context, topic string, data []byte) error

// Publisher defines the interface for publishing broadcasts.
type Publisher interface {
	// Publish publishes raw data to the specified topic.
	Publish(ctx context.Context, topic string, data []byte) error
	// Close closes the publisher.
	Close() error
}

// Subscriber defines the interface for subscribing to broadcasts.
type Subscriber interface {
	// Subscribe subscribes to the specified topic and calls fn for each
	// received message. The subscriberID must be unique per subscription
	// on a topic; subscribing again with the same id replaces the
	// previous subscription.
	Subscribe(ctx context.Context, topic string, subscriberID string, fn SubscriberFunc) error
	// Unsubscribe removes the subscription with the given id from the topic.
	Unsubscribe(ctx context.Context, topic string, subscriberID string) error
	// Close closes the subscriber.
	Close() error
}

// PubSub combines the Publisher and Subscriber interfaces.
type PubSub interface {
	Publisher
	Subscriber

	// Connected reports whether the transport can currently deliver
	// broadcasts. Callers are expected to drop emissions while the
	// transport is down rather than queue them.
	Connected() bool
}

// Options represents configuration options for a PubSub implementation.
type Options struct {
	// BufferSize is the per-subscription delivery buffer size. A
	// subscriber that falls further behind than this has broadcasts
	// dropped; the full-resync path is the recovery.
	BufferSize int
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	return &Options{
		BufferSize: 64,
	}
}
