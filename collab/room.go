package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RoomHandle is one client's live attachment to a collaboration room.
// It classifies and broadcasts local mutations, applies remote ones,
// announces presence on a heartbeat and sweeps stale peers.
type RoomHandle struct {
	engine       *Engine
	documentID   string
	topic        string
	subscriberID string
	identity     Identity
	doc          Document

	guard       *generationGuard
	registry    *presenceRegistry
	broadcaster *broadcaster
	applier     *applier

	selfMu sync.Mutex
	self   PresenceRecord

	savedMu         sync.Mutex
	lastSavedDigest string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	logger    *zap.Logger
}

// DocumentID returns the document id the handle is attached to.
func (h *RoomHandle) DocumentID() string {
	return h.documentID
}

// Identity returns the local identity as announced to peers.
func (h *RoomHandle) Identity() Identity {
	return h.identity
}

// NotifyLocalMutation is called synchronously from the document
// mutation call sites. The event is broadcast now, coalesced into the
// next frame, or debounced, depending on its type. Emissions triggered
// by an applied remote event are suppressed by the re-entrancy guard.
func (h *RoomHandle) NotifyLocalMutation(ev MutationEvent) {
	h.broadcaster.Notify(ev)
}

// BroadcastResync publishes the entire local document so peers can heal
// drift by wholesale replacement. Triggered by a host action, e.g.
// after a long disconnect.
func (h *RoomHandle) BroadcastResync() {
	h.broadcaster.NotifyExplicit(FullResync{Snapshot: h.doc.Snapshot()})
}

// NotifySaved broadcasts that the authoritative copy moved. Invoked by
// the persistence collaborator immediately after a successful durable
// write; the engine never persists anything itself.
func (h *RoomHandle) NotifySaved(digest string) {
	h.savedMu.Lock()
	h.lastSavedDigest = digest
	h.savedMu.Unlock()
	h.broadcaster.NotifyExplicit(DocumentSaved{Digest: digest})
}

// LastSavedDigest returns the digest of the last known persisted
// snapshot, local or remote. A save collaborator compares its base
// against this to detect a stale write.
func (h *RoomHandle) LastSavedDigest() string {
	h.savedMu.Lock()
	defer h.savedMu.Unlock()
	return h.lastSavedDigest
}

// Roster returns the presence records of the other collaborators.
func (h *RoomHandle) Roster() []PresenceRecord {
	return h.registry.Roster()
}

// Messages returns the bounded ephemeral message history.
func (h *RoomHandle) Messages() []LiveMessage {
	return h.registry.Messages()
}

// SetRoute updates the local route/screen and re-announces the full
// presence record.
func (h *RoomHandle) SetRoute(route string) {
	h.selfMu.Lock()
	h.self.Route = route
	h.selfMu.Unlock()
	h.announce()
}

// SetSelection updates the local selection. The selection travels both
// as an immediate mutation broadcast (for overlays keyed by element)
// and inside the next full announce.
func (h *RoomHandle) SetSelection(elementID string) {
	h.selfMu.Lock()
	h.self.SelectedID = elementID
	h.selfMu.Unlock()
	h.broadcaster.NotifyExplicit(SelectionChange{ElementID: elementID})
}

// SendCursor broadcasts the local cursor position as a narrow signal,
// avoiding a full re-announce per pointer move.
func (h *RoomHandle) SendCursor(x, y float64) {
	h.selfMu.Lock()
	h.self.Cursor = &CursorPosition{X: x, Y: y}
	h.selfMu.Unlock()
	h.publishPresenceTrack(EventCursor, CursorSignal{X: x, Y: y})
}

// SetTyping broadcasts the local typing flag.
func (h *RoomHandle) SetTyping(typing bool) {
	h.selfMu.Lock()
	h.self.Typing = typing
	h.selfMu.Unlock()
	h.publishPresenceTrack(EventTyping, TypingSignal{Typing: typing})
}

// SendMessage broadcasts an ephemeral chat message. Fire-and-forget:
// not retried, not acknowledged, never part of the document.
func (h *RoomHandle) SendMessage(text string) LiveMessage {
	now := time.Now()
	msg := LiveMessage{
		ID:     fmt.Sprintf("%s-%d", h.identity.ID, now.UnixMilli()),
		Text:   text,
		SentAt: now,
	}

	h.selfMu.Lock()
	h.self.Message = &msg
	h.selfMu.Unlock()

	h.publishPresenceTrack(EventMessage, MessageSignal{ID: msg.ID, Text: msg.Text, SentAt: msg.SentAt})

	// The sender clears its own live message on the same expiry the
	// receivers use.
	time.AfterFunc(h.engine.opts.MessageTTL, func() {
		h.selfMu.Lock()
		if h.self.Message != nil && h.self.Message.ID == msg.ID {
			h.self.Message = nil
		}
		h.selfMu.Unlock()
	})

	return msg
}

// announce publishes the full local presence record.
func (h *RoomHandle) announce() {
	h.selfMu.Lock()
	h.self.LastActive = time.Now()
	record := h.self
	h.selfMu.Unlock()

	h.publishPresenceTrack(EventPresence, record)
}

// presenceLoop re-announces presence on the heartbeat interval and runs
// the staleness sweep until the room closes.
func (h *RoomHandle) presenceLoop() {
	announce := time.NewTicker(h.engine.opts.AnnounceInterval)
	sweep := time.NewTicker(h.engine.opts.SweepInterval)
	defer announce.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-announce.C:
			h.announce()
		case <-sweep.C:
			h.registry.Sweep(time.Now())
		}
	}
}

// publishMutation emits one mutation event on the room channel. A
// disconnected transport drops the emission silently; the full resync
// path is the recovery, not per-event retry.
func (h *RoomHandle) publishMutation(ev MutationEvent) {
	h.publish(ev.Type(), ev)
}

// publishPresenceTrack emits a presence-track broadcast.
func (h *RoomHandle) publishPresenceTrack(t EventType, payload any) {
	h.publish(t, payload)
}

func (h *RoomHandle) publish(t EventType, payload any) {
	if !h.engine.transport.Connected() {
		h.logger.Debug("Dropped emission while disconnected", zap.String("event_type", string(t)))
		return
	}

	env, err := NewEnvelope(h.documentID, h.identity, t, payload)
	if err != nil {
		h.logger.Warn("Failed to build envelope", zap.String("event_type", string(t)), zap.Error(err))
		return
	}
	data, err := env.Encode()
	if err != nil {
		h.logger.Warn("Failed to encode envelope", zap.String("event_type", string(t)), zap.Error(err))
		return
	}

	if err := h.engine.transport.Publish(h.ctx, h.topic, data); err != nil {
		h.logger.Debug("Dropped emission on publish failure",
			zap.String("event_type", string(t)),
			zap.Error(err))
	}
}

// handleFrame is the transport subscriber: it decodes an inbound frame
// and routes it to the presence registry or the mutation applier. A
// malformed or misaddressed event is skipped; later events keep
// flowing.
func (h *RoomHandle) handleFrame(ctx context.Context, topic string, data []byte) error {
	env, err := DecodeEnvelope(data)
	if err != nil {
		h.logger.Warn("Skipped malformed frame", zap.Error(err))
		return nil
	}

	// Never apply our own broadcasts or another room's.
	if env.OriginID == h.identity.ID {
		return nil
	}
	if env.RoomID != h.documentID {
		h.logger.Debug("Skipped event for other room", zap.String("room_id", env.RoomID))
		return nil
	}

	switch env.Type {
	case EventPresence:
		var record PresenceRecord
		if err := json.Unmarshal(env.Payload, &record); err != nil {
			h.logger.Warn("Skipped malformed presence record", zap.Error(err))
			return nil
		}
		h.registry.Apply(record)

	case EventLeave:
		h.registry.Remove(env.OriginID)

	case EventCursor:
		var sig CursorSignal
		if err := json.Unmarshal(env.Payload, &sig); err != nil {
			h.logger.Warn("Skipped malformed cursor signal", zap.Error(err))
			return nil
		}
		h.registry.MergeCursor(env.OriginID, CursorPosition{X: sig.X, Y: sig.Y})

	case EventTyping:
		var sig TypingSignal
		if err := json.Unmarshal(env.Payload, &sig); err != nil {
			h.logger.Warn("Skipped malformed typing signal", zap.Error(err))
			return nil
		}
		h.registry.MergeTyping(env.OriginID, sig.Typing)

	case EventMessage:
		h.handleMessage(env)

	case EventSelection:
		var sel SelectionChange
		if err := json.Unmarshal(env.Payload, &sel); err != nil {
			h.logger.Warn("Skipped malformed selection", zap.Error(err))
			return nil
		}
		h.registry.MergeSelection(env.OriginID, sel.ElementID)

	case EventViewport:
		var vp ViewportChange
		if err := json.Unmarshal(env.Payload, &vp); err != nil {
			h.logger.Warn("Skipped malformed viewport", zap.Error(err))
			return nil
		}
		if h.engine.callbacks.PeerViewport != nil {
			h.engine.callbacks.PeerViewport(h.originIdentity(env), vp)
		}

	case EventSaved:
		var saved DocumentSaved
		if err := json.Unmarshal(env.Payload, &saved); err != nil {
			h.logger.Warn("Skipped malformed saved event", zap.Error(err))
			return nil
		}
		h.savedMu.Lock()
		h.lastSavedDigest = saved.Digest
		h.savedMu.Unlock()
		if h.engine.callbacks.Saved != nil {
			h.engine.callbacks.Saved(h.originIdentity(env), saved.Digest)
		}

	default:
		if err := h.applier.Apply(env); err != nil {
			h.logger.Warn("Skipped remote mutation",
				zap.String("event_type", string(env.Type)),
				zap.String("origin_id", env.OriginID),
				zap.Error(err))
		}
	}

	return nil
}

// handleMessage merges an ephemeral message into the sender's presence
// record and schedules its client-side expiry. Ignored when the sender
// has no base record yet or the message id was already delivered.
func (h *RoomHandle) handleMessage(env Envelope) {
	var sig MessageSignal
	if err := json.Unmarshal(env.Payload, &sig); err != nil {
		h.logger.Warn("Skipped malformed message signal", zap.Error(err))
		return
	}

	msg := LiveMessage{ID: sig.ID, Text: sig.Text, SentAt: sig.SentAt}
	if !h.registry.MergeMessage(env.OriginID, msg) {
		h.logger.Debug("Ignored message signal",
			zap.String("origin_id", env.OriginID),
			zap.String("message_id", sig.ID))
		return
	}

	if h.engine.callbacks.MessageReceived != nil {
		h.engine.callbacks.MessageReceived(h.originIdentity(env), msg)
	}

	// Expiry is driven client-side by a timer, not by a server push.
	originID := env.OriginID
	time.AfterFunc(h.engine.opts.MessageTTL, func() {
		h.registry.ClearMessage(originID, msg.ID)
	})
}

func (h *RoomHandle) originIdentity(env Envelope) Identity {
	return resolveColor(Identity{ID: env.OriginID, Name: env.OriginName})
}
