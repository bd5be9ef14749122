// Package position opens positions from buy signals and drives open positions
// through the exit strategy on every candle.
package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/binance-trader/engine/internal/domain"
	"github.com/binance-trader/engine/internal/metrics"
	"github.com/binance-trader/engine/internal/strategy"
)

const (
	// minHistoryCandles is the insufficient-history guard: symbols with a
	// shorter indicator history are skipped entirely.
	minHistoryCandles = 150

	// historyLookback and evalWindow size the count and evaluation queries,
	// in candle intervals.
	historyLookback = 155
	evalWindow      = 10
)

// Config holds the position controller's threshold offsets, in percent of the
// buy price.
type Config struct {
	TakeProfitPct          float64
	ArmTrailingStopLossPct float64
}

// Controller implements position creation and open-position processing.
type Controller struct {
	cfg       Config
	positions domain.PositionStore
	signals   domain.SignalStore
	candles   domain.CandleStore
	markets   domain.MarketStore
	evaluator *strategy.Evaluator
	bus       domain.Bus
	logger    *slog.Logger

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// NewController creates a position Controller.
func NewController(
	cfg Config,
	positions domain.PositionStore,
	signals domain.SignalStore,
	candles domain.CandleStore,
	markets domain.MarketStore,
	evaluator *strategy.Evaluator,
	bus domain.Bus,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		cfg:       cfg,
		positions: positions,
		signals:   signals,
		candles:   candles,
		markets:   markets,
		evaluator: evaluator,
		bus:       bus,
		logger:    logger.With("component", "position"),
		Now:       time.Now,
	}
}

// CreatePosition opens a new position from a closed buy signal. The signal is
// re-read from storage rather than trusted from the message; a missing signal
// means it was superseded and the create fails with ErrNotFound.
func (c *Controller) CreatePosition(ctx context.Context, signalID string) error {
	sig, err := c.signals.GetByID(ctx, signalID)
	if err != nil {
		return fmt.Errorf("position: load signal %s: %w", signalID, err)
	}
	if sig.CloseCandle == nil {
		return fmt.Errorf("position: signal %s has no close candle", signalID)
	}
	candle := sig.CloseCandle

	market, err := c.markets.GetBySymbol(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("position: load market %s: %w", sig.Symbol, err)
	}

	price := sig.Price

	// The volatility stop seeds the initial stop loss, floored at three ATRs
	// below the buy price so a stretched indicator cannot park the stop
	// unreasonably far away.
	stopLoss := math.Min(candle.ATRStop, price-3*candle.ATR)

	now := c.Now().UTC()
	pos := domain.Position{
		ID:                  domain.PositionID(sig.Symbol, sig.Interval, candle.OpenTime),
		Symbol:              sig.Symbol,
		Interval:            sig.Interval,
		Status:              domain.PositionStatusOpen,
		SignalID:            sig.ID,
		BuyPrice:            price,
		TakeProfit:          market.RoundPrice(price * (1 + c.cfg.TakeProfitPct/100)),
		StopLoss:            market.RoundPrice(stopLoss),
		ArmTrailingStopLoss: market.RoundPrice(price * (1 + c.cfg.ArmTrailingStopLossPct/100)),
		OpenTime:            now,
		Broadcast:           sig.Broadcast,
	}

	if err := c.positions.Create(ctx, pos); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			c.logger.Info("position already exists", "position_id", pos.ID)
			return nil
		}
		return fmt.Errorf("position: create %s: %w", pos.ID, err)
	}

	if err := c.signals.SetPosition(ctx, sig.ID, pos.ID); err != nil {
		return fmt.Errorf("position: back-link signal %s: %w", sig.ID, err)
	}

	if err := c.publishPosition(ctx, domain.TopicPositionCreated, pos); err != nil {
		return err
	}

	metrics.PositionOpened(pos.Symbol)
	c.logger.Info("position opened",
		"position_id", pos.ID,
		"buy_price", pos.BuyPrice,
		"take_profit", pos.TakeProfit,
		"stop_loss", pos.StopLoss)
	return nil
}

// ProcessOpenPositions runs the exit strategy for every open position on the
// tick's symbol. Exits are persisted atomically and announced; a failed
// announcement rolls the close back so the next candle retries it.
func (c *Controller) ProcessOpenPositions(ctx context.Context, tick domain.CandleTick) error {
	interval, err := domain.IntervalDuration(tick.Interval)
	if err != nil {
		return fmt.Errorf("position: %w", err)
	}
	now := c.Now().UTC()

	count, err := c.candles.CountRange(ctx, tick.Symbol, tick.Interval,
		now.Add(-historyLookback*interval), now)
	if err != nil {
		return fmt.Errorf("position: count candles %s: %w", tick.Symbol, err)
	}
	if count < minHistoryCandles {
		c.logger.Debug("insufficient candle history", "symbol", tick.Symbol, "count", count)
		return nil
	}

	candles, err := c.candles.ListRange(ctx, tick.Symbol, tick.Interval,
		now.Add(-evalWindow*interval), now)
	if err != nil {
		return fmt.Errorf("position: load candles %s: %w", tick.Symbol, err)
	}

	positions, err := c.positions.ListOpen(ctx, tick.Symbol)
	if err != nil {
		return fmt.Errorf("position: list open %s: %w", tick.Symbol, err)
	}
	if len(positions) == 0 {
		return nil
	}

	market, err := c.markets.GetBySymbol(ctx, tick.Symbol)
	if err != nil {
		return fmt.Errorf("position: load market %s: %w", tick.Symbol, err)
	}

	for _, pos := range positions {
		if err := c.processOne(ctx, pos, market, candles); err != nil {
			return err
		}
		// Downstream telemetry only; a lost announce is not worth a retry.
		if err := c.publishPosition(ctx, domain.TopicPositionProcessed, pos); err != nil {
			c.logger.Warn("position.processed announce failed", "position_id", pos.ID, "error", err)
		}
	}
	return nil
}

func (c *Controller) processOne(ctx context.Context, pos domain.Position, market domain.Market, candles []domain.Candle) error {
	decision, patch := c.evaluator.Evaluate(pos, market, candles)

	if !patch.Empty() {
		if err := c.positions.ApplyPatch(ctx, pos.ID, patch); err != nil {
			// Lost a race with a concurrent close; nothing left to do here.
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("position: patch %s: %w", pos.ID, err)
		}
	}
	if decision == nil {
		return nil
	}

	sellPrice := market.RoundPrice(decision.Candle.ClosePrice)
	change := domain.Change(decision.Candle.ClosePrice, pos.BuyPrice)
	closeTime := c.Now().UTC()

	if err := c.positions.Close(ctx, pos.ID, sellPrice, change, decision.Trigger, closeTime); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("position: close %s: %w", pos.ID, err)
	}

	pos.Status = domain.PositionStatusClosed
	pos.SellPrice = sellPrice
	pos.Change = change
	pos.SellTrigger = decision.Trigger
	pos.CloseTime = closeTime

	if err := c.publishPosition(ctx, domain.TopicPositionClosed, pos); err != nil {
		// A position stuck CLOSED with no sell order ever requested is worse
		// than re-running the evaluator, so compensate by reopening.
		if reopenErr := c.positions.Reopen(ctx, pos.ID); reopenErr != nil {
			c.logger.Error("rollback after failed announce failed",
				"position_id", pos.ID, "error", reopenErr)
		}
		return err
	}

	metrics.PositionClosed(pos.Symbol, string(decision.Trigger))
	c.logger.Info("position closed",
		"position_id", pos.ID,
		"sell_trigger", decision.Trigger,
		"sell_price", sellPrice,
		"change_pct", change)
	return nil
}

func (c *Controller) publishPosition(ctx context.Context, topic string, pos domain.Position) error {
	payload, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("position: encode event: %w", err)
	}
	if err := c.bus.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("position: publish %s: %w", topic, err)
	}
	return nil
}
