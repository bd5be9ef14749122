package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/binance-trader/engine/internal/domain"
)

// HandleSignalClosed consumes signal.closed. The signal is persisted first so
// the position row can reference it, then a position is opened from it.
// Persistence errors propagate for a retry; malformed payloads are dropped.
func (c *Controller) HandleSignalClosed(ctx context.Context, payload []byte) error {
	var sig domain.Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		c.logger.Error("malformed signal.closed payload", "error", err)
		return nil
	}
	if sig.ID == "" {
		c.logger.Error("signal.closed payload without id")
		return nil
	}

	if err := c.signals.Upsert(ctx, sig); err != nil {
		return fmt.Errorf("position: store signal %s: %w", sig.ID, err)
	}
	return c.CreatePosition(ctx, sig.ID)
}

// HandleCandleProcessed consumes candle.processed. When the tick carries the
// enriched candle it is persisted before the open positions are evaluated
// against the refreshed window.
func (c *Controller) HandleCandleProcessed(ctx context.Context, payload []byte) error {
	var tick domain.CandleTick
	if err := json.Unmarshal(payload, &tick); err != nil {
		c.logger.Error("malformed candle.processed payload", "error", err)
		return nil
	}
	if tick.Symbol == "" || tick.Interval == "" {
		c.logger.Error("candle.processed payload without symbol/interval")
		return nil
	}

	if tick.Candle != nil {
		if err := c.candles.Upsert(ctx, *tick.Candle); err != nil {
			return fmt.Errorf("position: store candle %s/%s: %w", tick.Symbol, tick.Interval, err)
		}
		// The trader prices minimum-notional checks off last_price, so it
		// follows each close. Symbols without a market row are not traded.
		err := c.markets.SetLastPrice(ctx, tick.Symbol, tick.Candle.ClosePrice)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("position: refresh last price %s: %w", tick.Symbol, err)
		}
	}
	return c.ProcessOpenPositions(ctx, tick)
}
