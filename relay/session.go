package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the deadline for one outbound frame.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead.
	pongWait = 60 * time.Second
	// pingPeriod is the ping interval; must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxFrameSize bounds inbound frames. Resync snapshots are the
	// largest legitimate frame.
	maxFrameSize = 1 << 20
	// sendBuffer is the per-session outbound queue length.
	sendBuffer = 256
)

// Session is one WebSocket connection attached to a room.
type Session struct {
	hub      *Hub
	conn     *websocket.Conn
	roomID   string
	clientID string
	send     chan []byte
	logger   *zap.Logger

	closeMu sync.Mutex
	closed  bool
}

// NewSession wraps an accepted connection. Call Run to start the pumps.
func NewSession(hub *Hub, conn *websocket.Conn, roomID, clientID string, logger *zap.Logger) *Session {
	return &Session{
		hub:      hub,
		conn:     conn,
		roomID:   roomID,
		clientID: clientID,
		send:     make(chan []byte, sendBuffer),
		logger: logger.With(
			zap.String("room_id", roomID),
			zap.String("client_id", clientID)),
	}
}

// Run registers the session and starts the read and write pumps. It
// returns when the connection closes.
func (s *Session) Run() {
	s.hub.Join(s)
	go s.writePump()
	s.readPump()
}

// Send queues a frame for delivery. A slow consumer whose queue is full
// loses the frame rather than blocking the room; the engine's resync
// path heals the gap.
func (s *Session) Send(data []byte) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- data:
	default:
		s.logger.Warn("Dropped frame for slow session")
	}
}

// readPump reads frames and hands them to the hub until the connection
// fails.
func (s *Session) readPump() {
	defer func() {
		s.hub.Leave(s)
		s.closeMu.Lock()
		s.closed = true
		close(s.send)
		s.closeMu.Unlock()
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		s.hub.Broadcast(s.roomID, s, data)
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
