// Package relay is the standalone room relay: it accepts one WebSocket
// connection per editing session, keys rooms by document id, and fans
// every inbound frame out to the other sessions in the same room. The
// relay never inspects or stores document state; it is a pure routing
// layer, with an optional pub/sub bridge so several relay instances can
// share a room.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/samuelzanatto/digitalflow/pubsub"
)

// Hub manages all active rooms and their sessions.
type Hub struct {
	// instanceID distinguishes this relay on the bridge, so bridged
	// frames are not replayed to the instance that published them.
	instanceID string
	bridge     pubsub.PubSub
	logger     *zap.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{}
}

// bridgeFrame wraps a relayed frame for the inter-relay bridge.
type bridgeFrame struct {
	RelayID string          `json:"relayId"`
	Data    json.RawMessage `json:"data"`
}

// NewHub creates a hub. bridge may be nil for single-instance
// deployments.
func NewHub(bridge pubsub.PubSub, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		instanceID: uuid.NewString(),
		bridge:     bridge,
		logger:     logger,
		rooms:      make(map[string]map[*Session]struct{}),
	}
}

// Join attaches a session to its room, creating the room on first join.
func (h *Hub) Join(s *Session) {
	h.mu.Lock()
	room, ok := h.rooms[s.roomID]
	if !ok {
		room = make(map[*Session]struct{})
		h.rooms[s.roomID] = room
	}
	room[s] = struct{}{}
	count := len(room)
	h.mu.Unlock()

	if !ok && h.bridge != nil {
		h.subscribeBridge(s.roomID)
	}

	h.logger.Info("Session joined room",
		zap.String("room_id", s.roomID),
		zap.String("client_id", s.clientID),
		zap.Int("session_count", count))
}

// Leave detaches a session; the room is removed when the last session
// leaves.
func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	room, ok := h.rooms[s.roomID]
	if ok {
		delete(room, s)
		if len(room) == 0 {
			delete(h.rooms, s.roomID)
		}
	}
	empty := ok && len(room) == 0
	h.mu.Unlock()

	if empty && h.bridge != nil {
		if err := h.bridge.Unsubscribe(context.Background(), bridgeTopic(s.roomID), h.instanceID); err != nil {
			h.logger.Warn("Failed to unsubscribe bridge",
				zap.String("room_id", s.roomID),
				zap.Error(err))
		}
	}

	h.logger.Info("Session left room",
		zap.String("room_id", s.roomID),
		zap.String("client_id", s.clientID))
}

// Broadcast fans a frame out to every session in the room except the
// origin, and republishes it on the bridge for other relay instances.
func (h *Hub) Broadcast(roomID string, origin *Session, data []byte) {
	h.fanout(roomID, origin, data)

	if h.bridge == nil {
		return
	}
	frame, err := json.Marshal(bridgeFrame{RelayID: h.instanceID, Data: data})
	if err != nil {
		h.logger.Warn("Failed to encode bridge frame", zap.Error(err))
		return
	}
	if err := h.bridge.Publish(context.Background(), bridgeTopic(roomID), frame); err != nil {
		h.logger.Warn("Failed to publish bridge frame",
			zap.String("room_id", roomID),
			zap.Error(err))
	}
}

// fanout delivers a frame to the local sessions of a room.
func (h *Hub) fanout(roomID string, origin *Session, data []byte) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.rooms[roomID]))
	for s := range h.rooms[roomID] {
		if s != origin {
			sessions = append(sessions, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.Send(data)
	}
}

// subscribeBridge starts receiving bridged frames for a room from other
// relay instances.
func (h *Hub) subscribeBridge(roomID string) {
	err := h.bridge.Subscribe(context.Background(), bridgeTopic(roomID), h.instanceID,
		func(ctx context.Context, topic string, data []byte) error {
			var frame bridgeFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				return fmt.Errorf("malformed bridge frame: %w", err)
			}
			if frame.RelayID == h.instanceID {
				// Our own publish echoed back.
				return nil
			}
			h.fanout(roomID, nil, frame.Data)
			return nil
		})
	if err != nil {
		h.logger.Warn("Failed to subscribe bridge",
			zap.String("room_id", roomID),
			zap.Error(err))
	}
}

// RoomCount returns the number of active rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// SessionCount returns the number of sessions in a room.
func (h *Hub) SessionCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func bridgeTopic(roomID string) string {
	return "relay:" + roomID
}
