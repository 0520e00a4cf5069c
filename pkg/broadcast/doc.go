// Package broadcast provides a generic in-memory pub/sub primitive with
// non-blocking delivery.
//
// It is the fan-out mechanism behind operation progress updates: the
// operation tracker publishes every state change, and any number of
// observers (the progress hub, websocket clients, tests) subscribe without
// being able to stall the publisher.
//
// # Usage
//
//	broadcaster := broadcast.NewMemoryBroadcaster[string](100)
//	defer broadcaster.Close()
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//
//	subscriber := broadcaster.Subscribe(ctx)
//	defer subscriber.Close()
//
//	go func() {
//		for msg := range subscriber.Receive(ctx) {
//			fmt.Printf("received: %s\n", msg.Data)
//		}
//	}()
//
//	broadcaster.Broadcast(ctx, broadcast.Message[string]{Data: "update"})
//
// # Slow consumers
//
// Each subscriber owns a buffered channel of the size passed to
// NewMemoryBroadcaster. When a subscriber's buffer is full, messages for
// that subscriber are dropped rather than queued; progress updates are
// snapshots, so a dropped intermediate update is superseded by the next
// one. Subscribers are removed automatically when their context is
// cancelled or Close is called.
package broadcast
