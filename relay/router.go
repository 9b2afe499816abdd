package relay

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Router exposes the relay over HTTP: the room WebSocket endpoint and a
// health endpoint.
type Router struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewRouter creates a router over the given hub.
func NewRouter(hub *Hub, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay fronts browser editors on other origins;
			// authentication happens upstream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Setup sets up the HTTP routes.
func (rt *Router) Setup() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{documentID}", rt.handleRoom).Methods(http.MethodGet)
	r.HandleFunc("/healthz", rt.handleHealth).Methods(http.MethodGet)
	r.Use(rt.recoveryMiddleware, rt.loggingMiddleware)
	return r
}

// handleRoom upgrades the connection and runs the session until it
// closes.
func (rt *Router) handleRoom(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentID"]
	if documentID == "" {
		http.Error(w, "missing document id", http.StatusBadRequest)
		return
	}

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.logger.Warn("WebSocket upgrade failed",
			zap.String("document_id", documentID),
			zap.Error(err))
		return
	}

	NewSession(rt.hub, conn, documentID, clientID, rt.logger).Run()
}

// handleHealth reports relay liveness and room occupancy.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"rooms":  rt.hub.RoomCount(),
	})
}

// loggingMiddleware logs request details.
func (rt *Router) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		rt.logger.Debug("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// recoveryMiddleware turns handler panics into 500s.
func (rt *Router) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				rt.logger.Error("Handler panic",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
