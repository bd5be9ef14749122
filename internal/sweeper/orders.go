// Package sweeper holds the periodic housekeeping jobs: cancelling stale
// unfilled orders, recovering abandoned market locks, and archiving finished
// records to object storage.
package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/binance-trader/engine/internal/domain"
	"github.com/binance-trader/engine/internal/metrics"
	"github.com/binance-trader/engine/internal/trader"
)

const (
	orderScanEvery = 30 * time.Second

	// orderMaxAge bounds the sweeper's working set. Orders older than this
	// are someone's manual cleanup problem, not the sweeper's.
	orderMaxAge = time.Hour

	botOrderPrefix = "bot_"
)

// OrderConfig holds the unfilled-order sweeper's settings.
type OrderConfig struct {
	// BuyOrderTTL and SellOrderTTL are how long an unfilled order of each
	// side may rest before the sweeper cancels it.
	BuyOrderTTL  time.Duration
	SellOrderTTL time.Duration
	// CancelCooldown is the minimum spacing between cancel attempts on the
	// same order, shared with the trader's requeue path.
	CancelCooldown time.Duration
	// ScanEvery is the pass cadence; zero selects the 30 second default.
	ScanEvery time.Duration
}

// OrderSweeper cancels LIMIT orders that rested unfilled past their TTL. A
// cancelled SELL re-enters the trader through position.closed/requeue so the
// position still gets liquidated.
type OrderSweeper struct {
	cfg        OrderConfig
	exchange   trader.Exchange
	reconciler *trader.Reconciler
	orders     domain.OrderStore
	positions  domain.PositionStore
	bus        domain.Bus
	logger     *slog.Logger

	Now func() time.Time
}

// NewOrderSweeper creates the unfilled-order sweeper.
func NewOrderSweeper(
	cfg OrderConfig,
	exchange trader.Exchange,
	reconciler *trader.Reconciler,
	orders domain.OrderStore,
	positions domain.PositionStore,
	bus domain.Bus,
	logger *slog.Logger,
) *OrderSweeper {
	return &OrderSweeper{
		cfg:        cfg,
		exchange:   exchange,
		reconciler: reconciler,
		orders:     orders,
		positions:  positions,
		bus:        bus,
		logger:     logger.With("component", "sweeper.orders"),
		Now:        time.Now,
	}
}

// Run scans on the configured cadence until the context is cancelled.
func (s *OrderSweeper) Run(ctx context.Context) error {
	every := s.cfg.ScanEvery
	if every <= 0 {
		every = orderScanEvery
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Per-order failures are logged and never abort the
// pass; the next tick retries whatever is still sweepable.
func (s *OrderSweeper) Sweep(ctx context.Context) {
	now := s.Now()
	orders, err := s.orders.ListSweepable(ctx, now.Add(-orderMaxAge))
	if err != nil {
		s.logger.Error("sweepable order listing failed", "error", err)
		return
	}

	for _, order := range orders {
		if !s.expired(order, now) {
			continue
		}
		if err := s.cancel(ctx, order, now); err != nil {
			s.logger.Error("order sweep failed",
				"symbol", order.Symbol, "order_id", order.OrderID, "error", err)
		}
	}
}

// expired reports whether the sweeper may cancel the order now. Orders not
// placed by this engine are never touched; manually-placed orders carry
// client ids like web_... or and_... instead of the engine's prefix.
func (s *OrderSweeper) expired(order domain.Order, now time.Time) bool {
	if order.Type != domain.OrderTypeLimit {
		return false
	}
	if !strings.HasPrefix(order.ClientOrderID, botOrderPrefix) {
		return false
	}

	ttl := s.cfg.BuyOrderTTL
	if order.Side == domain.OrderSideSell {
		ttl = s.cfg.SellOrderTTL
	}
	if now.Sub(order.Time) < ttl {
		return false
	}
	return now.Sub(order.LastCancelAttempt) >= s.cfg.CancelCooldown
}

func (s *OrderSweeper) cancel(ctx context.Context, order domain.Order, now time.Time) error {
	log := s.logger.With("symbol", order.Symbol, "order_id", order.OrderID, "side", order.Side)

	// The attempt timestamp goes down first so a crash between here and the
	// exchange call still starts the cooldown.
	if err := s.orders.RecordCancelAttempt(ctx, order.Symbol, order.OrderID, now); err != nil {
		return fmt.Errorf("sweeper: record cancel attempt: %w", err)
	}

	if _, err := s.exchange.CancelOrder(ctx, order.Symbol, order.OrderID); err != nil {
		// The order may have filled or been cancelled out-of-band; a
		// reconcile settles the snapshot either way.
		log.Warn("cancel failed, reconciling instead", "error", err)
		if _, recErr := s.reconciler.Reconcile(ctx, order.Symbol, order.OrderID); recErr != nil {
			if errors.Is(recErr, domain.ErrNotFound) {
				log.Info("order unknown to the exchange, skipping")
				return nil
			}
			return recErr
		}
		return nil
	}

	if _, err := s.reconciler.Reconcile(ctx, order.Symbol, order.OrderID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Info("order unknown to the exchange, skipping")
			return nil
		}
		return err
	}
	metrics.OrderSwept(string(order.Side))
	log.Info("stale order cancelled", "rested", now.Sub(order.Time).String())

	if order.Side == domain.OrderSideSell {
		return s.requeue(ctx, order)
	}
	return nil
}

// requeue emits position.closed/requeue for the position whose sell order was
// just cancelled, so the trader replaces it with a MARKET sell.
func (s *OrderSweeper) requeue(ctx context.Context, order domain.Order) error {
	pos, err := s.positions.GetBySellOrderID(ctx, order.Symbol, order.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.Info("cancelled sell has no position, skipping requeue",
				"symbol", order.Symbol, "order_id", order.OrderID)
			return nil
		}
		return fmt.Errorf("sweeper: find position for sell %s/%d: %w", order.Symbol, order.OrderID, err)
	}

	payload, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("sweeper: encode position %s: %w", pos.ID, err)
	}
	if err := s.bus.Publish(ctx, domain.TopicPositionClosedRequeue, payload); err != nil {
		return fmt.Errorf("sweeper: publish requeue for %s: %w", pos.ID, err)
	}

	s.logger.Info("sell requeued", "position_id", pos.ID, "order_id", order.OrderID)
	return nil
}
