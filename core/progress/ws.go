package progress

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmitrymomot/certops/core/logger"
)

const wsWriteTimeout = 10 * time.Second

// WSHandler streams operation updates to websocket clients. A client may
// scope the stream to one target with the `target` query parameter;
// without it, every update is delivered.
type WSHandler struct {
	hub      *Hub
	upgrader *websocket.Upgrader
}

// WSOption configures a WSHandler.
type WSOption func(*WSHandler)

// WithWSOriginCheck sets the upgrade origin check.
func WithWSOriginCheck(fn func(r *http.Request) bool) WSOption {
	return func(h *WSHandler) { h.upgrader.CheckOrigin = fn }
}

// WithWSAllowAnyOrigin disables origin checking.
func WithWSAllowAnyOrigin() WSOption {
	return func(h *WSHandler) {
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// NewWSHandler creates a websocket handler backed by the hub.
func NewWSHandler(hub *Hub, opts ...WSOption) *WSHandler {
	h := &WSHandler{
		hub: hub,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// ServeHTTP upgrades the connection and streams updates until the client
// disconnects.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Warn("websocket upgrade failed",
			logger.Component("progress"),
			logger.Error(err))
		return
	}
	defer conn.Close()

	targetID := r.URL.Query().Get("target")

	ctx := r.Context()
	sub := h.hub.Subscribe(ctx)
	defer sub.Close()

	// Read pump: discard client frames, notice disconnects.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-sub.Receive(ctx):
			if !ok {
				return
			}
			if targetID != "" && msg.Data.TargetID != targetID {
				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg.Data); err != nil {
				h.hub.log.Debug("websocket write failed",
					logger.Component("progress"),
					logger.TargetID(msg.Data.TargetID),
					logger.Error(err))
				return
			}

		case <-disconnected:
			return

		case <-ctx.Done():
			return
		}
	}
}
