package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/binance-trader/engine/internal/metrics"
)

const (
	retryKey       = "bus:retry"
	relayScanEvery = time.Second
	relayBatchSize = 100
)

// Relay holds failed messages in a sorted set scored by their redeliver-at
// time and republishes them to their original topic once due. Together with
// the attempt counter on the envelope this gives every message exactly one
// delayed redelivery.
type Relay struct {
	rdb    *redis.Client
	logger *slog.Logger
	delay  time.Duration
}

// NewRelay creates a Relay. delay is how long a parked message waits before
// redelivery.
func NewRelay(c *Client, logger *slog.Logger, delay time.Duration) *Relay {
	return &Relay{
		rdb:    c.Underlying(),
		logger: logger.With("component", "bus.relay"),
		delay:  delay,
	}
}

// Park schedules the envelope for redelivery after the relay delay. The bus
// has already bumped the attempt counter by the time a message lands here.
func (r *Relay) Park(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: encode parked envelope: %w", err)
	}
	due := time.Now().Add(r.delay)
	err = r.rdb.ZAdd(ctx, retryKey, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: raw,
	}).Err()
	if err != nil {
		return fmt.Errorf("bus: park %s: %w", env.ID, err)
	}
	return nil
}

// Run scans for due messages once a second and republishes them. It blocks
// until the context is cancelled.
func (r *Relay) Run(ctx context.Context, publish func(ctx context.Context, env Envelope) error) error {
	ticker := time.NewTicker(relayScanEvery)
	defer ticker.Stop()

	r.logger.Info("relay started", "delay", r.delay)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.redeliverDue(ctx, publish)
		}
	}
}

func (r *Relay) redeliverDue(ctx context.Context, publish func(ctx context.Context, env Envelope) error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := r.rdb.ZRangeByScore(ctx, retryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: relayBatchSize,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("scan failed", "error", err)
		}
		return
	}

	for _, member := range members {
		var env Envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			r.logger.Warn("malformed parked message dropped", "error", err)
			r.remove(ctx, member)
			continue
		}
		if err := publish(ctx, env); err != nil {
			// Left in the set; picked up again on the next scan.
			r.logger.Error("redeliver failed", "message_id", env.ID, "error", err)
			continue
		}
		r.remove(ctx, member)
		metrics.MessageRedelivered()
		r.logger.Info("message redelivered", "message_id", env.ID, "topic", env.Topic, "attempt", env.Attempt)
	}
}

func (r *Relay) remove(ctx context.Context, member string) {
	if err := r.rdb.ZRem(ctx, retryKey, member).Err(); err != nil && ctx.Err() == nil {
		r.logger.Error("remove parked message failed", "error", err)
	}
}
