package domain

import "context"

// Handler consumes one decoded message payload. A returned error routes the
// message to the delayed-retry relay for a single redelivery; returning nil
// acknowledges it.
type Handler func(ctx context.Context, payload []byte) error

// Bus is the topic-routed publish/subscribe abstraction. Subscriptions are
// durable per (topic, group): each group sees every message once, manual
// acknowledgment, no ordering across symbols.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers a handler for the topic under the given consumer
	// group and blocks until the context is cancelled.
	Subscribe(ctx context.Context, topic, group string, handler Handler) error
}
