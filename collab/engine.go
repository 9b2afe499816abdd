// Package collab implements the live synchronization engine behind the
// DigitalFlow editors: room lifecycle over a pub/sub transport, the
// mutation event taxonomy with per-type throttle/debounce policies, the
// presence roster with staleness sweeping, the ephemeral signal layer
// (typing, cursors, floating messages) and the save/commit handshake.
//
// The engine is a pure relay: it holds no authoritative document copy
// and guarantees only eventual, last-broadcast-wins convergence, healed
// by periodic full resyncs. Stronger consistency is deliberately out of
// scope.
package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/samuelzanatto/digitalflow/pubsub"
)

// Callbacks are the host-supplied hooks the engine invokes on remote
// activity. All fields are optional. Callbacks may fire from transport
// goroutines; hosts marshal to their own loop as needed.
type Callbacks struct {
	// RemoteChanged fires after a remote mutation was applied to the
	// local document, so the host can clear a locally-dirty flag and
	// re-render.
	RemoteChanged func(ev MutationEvent)
	// RosterChanged fires when the presence roster changes.
	RosterChanged func()
	// Saved fires when a peer persisted the document.
	Saved func(origin Identity, digest string)
	// MessageReceived fires for each inbound ephemeral message.
	MessageReceived func(from Identity, msg LiveMessage)
	// PeerViewport fires when a peer broadcasts its viewport.
	PeerViewport func(origin Identity, viewport ViewportChange)
}

// Engine is the collaboration engine: it opens one room per document id
// on the injected transport and owns the lifecycle of every handle.
type Engine struct {
	transport pubsub.PubSub
	identity  IdentityProvider
	hydrate   HydrateFunc
	callbacks Callbacks
	opts      *Options
	logger    *zap.Logger

	mu    sync.Mutex
	rooms map[string]*RoomHandle
}

// NewEngine creates a collaboration engine. transport and identity are
// required; hydrate may be nil when the host needs no payload
// hydration; logger may be nil.
func NewEngine(transport pubsub.PubSub, identity IdentityProvider, hydrate HydrateFunc, callbacks Callbacks, opts *Options, logger *zap.Logger) (*Engine, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if identity == nil {
		return nil, fmt.Errorf("identity provider cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		transport: transport,
		identity:  identity,
		hydrate:   hydrate,
		callbacks: callbacks,
		opts:      opts.withDefaults(),
		logger:    logger,
		rooms:     make(map[string]*RoomHandle),
	}, nil
}

// OpenRoom subscribes to the room for documentID and starts announcing
// presence. Opening an id that already has a live handle closes and
// replaces it, so events are never delivered twice. Reopening after a
// network drop is therefore idempotent and re-announces from scratch.
func (e *Engine) OpenRoom(ctx context.Context, documentID string, doc Document) (*RoomHandle, error) {
	if documentID == "" {
		return nil, fmt.Errorf("document id cannot be empty")
	}
	if doc == nil {
		return nil, fmt.Errorf("document cannot be nil")
	}

	e.mu.Lock()
	// Closing the prior handle drops the lock, so re-check the map until
	// no entry remains; a concurrent open may have inserted one.
	for {
		prior, ok := e.rooms[documentID]
		if !ok {
			break
		}
		e.mu.Unlock()
		e.logger.Info("Replacing open room handle", zap.String("document_id", documentID))
		if err := e.CloseRoom(prior); err != nil {
			e.logger.Warn("Failed to close prior room handle",
				zap.String("document_id", documentID),
				zap.Error(err))
		}
		e.mu.Lock()
	}

	identity := resolveColor(e.identity.Current())
	// The room lives until CloseRoom or the caller's session context ends.
	roomCtx, cancel := context.WithCancel(ctx)

	h := &RoomHandle{
		engine:       e,
		documentID:   documentID,
		topic:        e.opts.ChannelPrefix + documentID,
		subscriberID: uuid.NewString(),
		identity:     identity,
		doc:          doc,
		ctx:          roomCtx,
		cancel:       cancel,
		logger: e.logger.With(
			zap.String("document_id", documentID),
			zap.String("user_id", identity.ID)),
	}
	h.self = PresenceRecord{Identity: identity, LastActive: time.Now()}

	h.guard = newGenerationGuard(e.opts.GuardHold)
	h.registry = newPresenceRegistry(identity.ID, e.opts.PresenceTTL, e.opts.MessageHistoryLimit, e.callbacks.RosterChanged, h.logger)
	h.broadcaster = newBroadcaster(h.publishMutation, h.guard, e.opts.FrameInterval, e.opts.DebounceAfter, h.logger)
	h.applier = newApplier(doc, e.hydrate, h.guard, e.callbacks.RemoteChanged, h.logger)

	if err := e.transport.Subscribe(roomCtx, h.topic, h.subscriberID, h.handleFrame); err != nil {
		cancel()
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to subscribe to room %s: %w", documentID, err)
	}
	e.rooms[documentID] = h
	e.mu.Unlock()

	// Presence entry creation always comes from a full announce.
	h.announce()
	go h.presenceLoop()

	h.logger.Info("Room opened", zap.String("topic", h.topic))
	return h, nil
}

// CloseRoom flushes the handle's pending emissions, announces the
// leave, cancels all timers and releases the transport subscription.
func (e *Engine) CloseRoom(h *RoomHandle) error {
	if h == nil {
		return nil
	}

	h.closeOnce.Do(func() {
		// Flush in-flight batched and debounced gestures before the
		// subscription goes away.
		h.broadcaster.Close()
		h.publishPresenceTrack(EventLeave, nil)

		h.cancel()
		h.guard.stop()

		if err := e.transport.Unsubscribe(context.Background(), h.topic, h.subscriberID); err != nil {
			h.logger.Warn("Failed to unsubscribe from room", zap.Error(err))
		}

		e.mu.Lock()
		if e.rooms[h.documentID] == h {
			delete(e.rooms, h.documentID)
		}
		e.mu.Unlock()

		h.logger.Info("Room closed")
	})

	return nil
}

// Close closes every open room.
func (e *Engine) Close() error {
	e.mu.Lock()
	handles := make([]*RoomHandle, 0, len(e.rooms))
	for _, h := range e.rooms {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	for _, h := range handles {
		if err := e.CloseRoom(h); err != nil {
			return err
		}
	}
	return nil
}

// Room returns the open handle for a document id, if any.
func (e *Engine) Room(documentID string) (*RoomHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.rooms[documentID]
	return h, ok
}
