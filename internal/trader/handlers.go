package trader

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/binance-trader/engine/internal/domain"
)

// HandlePositionCreated consumes position.created. Buy-path failures are
// logged and swallowed: a missed buy leaves the position without a buy order,
// which is a safe, inspectable state.
func (c *Controller) HandlePositionCreated(ctx context.Context, payload []byte) error {
	pos, err := decodePosition(payload)
	if err != nil {
		c.logger.Error("malformed position.created payload", "error", err)
		return nil
	}
	if err := c.PlaceBuyOrder(ctx, pos); err != nil {
		c.logger.Error("buy order failed", "position_id", pos.ID, "error", err)
	}
	return nil
}

// HandlePositionClosed consumes position.closed. Sell-path failures propagate
// so the retry relay redelivers: a closed position must eventually be
// liquidated.
func (c *Controller) HandlePositionClosed(ctx context.Context, payload []byte) error {
	pos, err := decodePosition(payload)
	if err != nil {
		c.logger.Error("malformed position.closed payload", "error", err)
		return nil
	}
	return c.PlaceSellOrder(ctx, pos)
}

// HandlePositionClosedRequeue consumes position.closed/requeue, the
// compensating path for sell orders cancelled unfilled. Failures propagate
// like the regular sell path.
func (c *Controller) HandlePositionClosedRequeue(ctx context.Context, payload []byte) error {
	pos, err := decodePosition(payload)
	if err != nil {
		c.logger.Error("malformed position.closed/requeue payload", "error", err)
		return nil
	}
	return c.ReplaceSellOrder(ctx, pos)
}

func decodePosition(payload []byte) (domain.Position, error) {
	var pos domain.Position
	if err := json.Unmarshal(payload, &pos); err != nil {
		return domain.Position{}, fmt.Errorf("decode position: %w", err)
	}
	if pos.ID == "" {
		return domain.Position{}, fmt.Errorf("decode position: missing id")
	}
	return pos, nil
}
