// Package progress fans operation state changes out to observers. The Hub
// receives every tracker update and republishes it to in-process
// subscribers and, via the websocket handler, to external clients watching
// a specific target.
package progress

import (
	"context"
	"io"
	"log/slog"

	"github.com/dmitrymomot/certops/core/logger"
	"github.com/dmitrymomot/certops/core/operation"
	"github.com/dmitrymomot/certops/pkg/broadcast"
)

// Update is one operation state change, addressed by target.
type Update struct {
	TargetID  string               `json:"targetId"`
	Operation *operation.Operation `json:"operation"`
}

// Hub republishes operation updates to subscribers.
type Hub struct {
	broadcaster *broadcast.MemoryBroadcaster[Update]
	log         *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub's logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// NewHub creates a hub. bufferSize bounds each subscriber's backlog; slow
// subscribers drop updates instead of stalling the tracker.
func NewHub(bufferSize int, opts ...HubOption) *Hub {
	h := &Hub{
		broadcaster: broadcast.NewMemoryBroadcaster[Update](bufferSize),
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Publish forwards a tracker update to all subscribers. It satisfies the
// tracker's sink interface and never blocks the caller.
func (h *Hub) Publish(targetID string, op *operation.Operation) {
	err := h.broadcaster.Broadcast(context.Background(), broadcast.Message[Update]{
		Data: Update{TargetID: targetID, Operation: op},
	})
	if err != nil {
		h.log.Warn("dropped progress update",
			logger.Component("progress"),
			logger.TargetID(targetID),
			logger.Error(err))
	}
}

// Subscribe returns a subscription for all updates. The subscription ends
// when ctx is cancelled or Close is called on it.
func (h *Hub) Subscribe(ctx context.Context) broadcast.Subscriber[Update] {
	return h.broadcaster.Subscribe(ctx)
}

// Close shuts the hub and all subscriptions down.
func (h *Hub) Close() error {
	return h.broadcaster.Close()
}
