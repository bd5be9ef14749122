package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/binance-trader/engine/internal/domain"
	"github.com/binance-trader/engine/internal/metrics"
)

const (
	defaultStreamMaxLen int64 = 10000
	readBlock                 = 5 * time.Second
	readCount                 = 16

	// maxFailedAttempts caps redelivery at one retry per message.
	maxFailedAttempts = 1

	// claimMinIdle and claimEvery drive the recovery of entries a crashed
	// consumer read but never acknowledged.
	claimMinIdle = time.Minute
	claimEvery   = time.Minute
)

// parker is the slice of the relay the bus hands failed messages to.
type parker interface {
	Park(ctx context.Context, env Envelope) error
}

// StreamBus implements domain.Bus on Redis Streams. Each topic is one stream;
// each (topic, group) pair is a consumer group, so every group sees every
// message once. Failed handlers hand the message to the relay instead of
// leaving it pending.
type StreamBus struct {
	rdb    *redis.Client
	relay  parker
	logger *slog.Logger

	maxLen int64
}

// NewStreamBus creates a StreamBus backed by the given Client. maxLen bounds
// each stream via XADD MAXLEN ~; zero selects the default of 10,000 entries.
func NewStreamBus(c *Client, relay *Relay, logger *slog.Logger, maxLen int64) *StreamBus {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &StreamBus{
		rdb:    c.Underlying(),
		relay:  relay,
		logger: logger.With("component", "bus"),
		maxLen: maxLen,
	}
}

// Publish appends the payload to the topic's stream.
func (b *StreamBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.append(ctx, newEnvelope(topic, payload))
}

// Redeliver re-appends a parked envelope to its original topic, preserving
// the attempt counter. Used by the relay.
func (b *StreamBus) Redeliver(ctx context.Context, env Envelope) error {
	return b.append(ctx, env)
}

func (b *StreamBus) append(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: encode envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: env.Topic,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"envelope": raw,
		},
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", env.Topic, err)
	}
	return nil
}

// Subscribe registers the handler for the topic under the consumer group and
// blocks until the context is cancelled. Messages are acknowledged whether
// the handler succeeds or fails; failure routes the message through the relay
// for one delayed redelivery, so the pending entries list never accumulates.
func (b *StreamBus) Subscribe(ctx context.Context, topic, group string, handler domain.Handler) error {
	if err := b.ensureGroup(ctx, topic, group); err != nil {
		return err
	}

	consumer := group + "-" + uuid.NewString()[:8]
	log := b.logger.With("topic", topic, "group", group)

	nextClaim := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Entries read by a consumer that died before acking sit in the
		// group's pending list forever unless someone claims them.
		if time.Now().After(nextClaim) {
			b.claimAbandoned(ctx, log, topic, group, consumer, handler)
			nextClaim = time.Now().Add(claimEvery)
		}

		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{topic, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("read failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				b.dispatch(ctx, log, topic, group, msg, handler)
			}
		}
	}
}

// claimAbandoned takes over pending entries whose consumer has been silent
// past claimMinIdle and runs them through the normal dispatch path.
func (b *StreamBus) claimAbandoned(ctx context.Context, log *slog.Logger, topic, group, consumer string, handler domain.Handler) {
	start := "0-0"
	for {
		msgs, next, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: consumer,
			MinIdle:  claimMinIdle,
			Start:    start,
			Count:    readCount,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				log.Error("pending entry claim failed", "error", err)
			}
			return
		}
		for _, msg := range msgs {
			log.Warn("abandoned entry claimed", "entry_id", msg.ID)
			b.dispatch(ctx, log, topic, group, msg, handler)
		}
		if len(msgs) == 0 || next == "0-0" {
			return
		}
		start = next
	}
}

func (b *StreamBus) dispatch(ctx context.Context, log *slog.Logger, topic, group string, msg redis.XMessage, handler domain.Handler) {
	env, ok := decodeEnvelope(msg)
	if !ok {
		log.Warn("malformed stream entry dropped", "entry_id", msg.ID)
		b.ack(ctx, log, topic, group, msg.ID)
		return
	}

	if err := handler(ctx, env.Payload); err != nil {
		b.routeFailure(ctx, log, env, err)
	}

	b.ack(ctx, log, topic, group, msg.ID)
}

// routeFailure gives a failed message its single delayed redelivery. The
// attempt counter is bumped before parking so the redelivered copy, should
// it fail again, gets dropped rather than cycling forever.
func (b *StreamBus) routeFailure(ctx context.Context, log *slog.Logger, env Envelope, cause error) {
	metrics.HandlerFailed(env.Topic)

	if env.Attempt >= maxFailedAttempts {
		log.Error("handler failed after retry, message dropped",
			"message_id", env.ID, "error", cause)
		return
	}

	env.Attempt++
	if err := b.relay.Park(ctx, env); err != nil {
		log.Error("park for retry failed", "message_id", env.ID, "error", err)
		return
	}
	log.Warn("handler failed, message parked for retry",
		"message_id", env.ID, "error", cause)
}

func (b *StreamBus) ack(ctx context.Context, log *slog.Logger, topic, group, entryID string) {
	if err := b.rdb.XAck(ctx, topic, group, entryID).Err(); err != nil && ctx.Err() == nil {
		log.Error("ack failed", "entry_id", entryID, "error", err)
	}
}

func (b *StreamBus) ensureGroup(ctx context.Context, topic, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("bus: create group %s on %s: %w", group, topic, err)
	}
	return nil
}

func decodeEnvelope(msg redis.XMessage) (Envelope, bool) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		return Envelope{}, false
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return Envelope{}, false
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, false
	}
	return env, true
}

// Compile-time interface check.
var _ domain.Bus = (*StreamBus)(nil)
