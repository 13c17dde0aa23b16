// Package broadcast is the best-effort fan-out layer notifying other board
// views that something changed. Publish never fails the caller: events are
// hints, not state, and an unavailable transport degrades to a no-op.
package broadcast

import "context"

// Publisher sends an event to everyone subscribed to a topic.
// Implementations are fire-and-forget: no delivery guarantee, no
// persistence of undelivered events, no error surfaced to the caller.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload any)
}

// Subscriber registers a handler for matching events published while the
// subscription is active. The returned cancel func ends the subscription;
// it is idempotent.
type Subscriber interface {
	Subscribe(topic, event string, handler func(payload []byte)) (cancel func())
}

// envelope is the wire format carried on a topic.
type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}
