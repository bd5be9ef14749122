package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/binance-trader/engine/internal/domain"
	"github.com/binance-trader/engine/internal/metrics"
	"github.com/binance-trader/engine/internal/platform/binance"
)

const (
	// maxOrderCount10s trips the rate-limit breaker. The exchange allows 50
	// orders per 10 seconds per account; tripping at 48 leaves headroom for
	// requests already in flight.
	maxOrderCount10s = 48

	// breakerHoldoff is how long order creation pauses once the breaker trips.
	breakerHoldoff = 10 * time.Second

	// clientOrderIDPrefix marks orders placed by this engine. The sweeper
	// only ever cancels orders carrying it.
	clientOrderIDPrefix = "bot_"
)

// QuoteAsset holds per-quote-asset trading amounts.
type QuoteAsset struct {
	// MinOrderSize is the exchange's minimum notional; orders below it are
	// aborted instead of submitted.
	MinOrderSize float64
	// DefaultBuyAmount is the quote amount committed per position.
	DefaultBuyAmount float64
}

// Config holds the order execution controller's settings.
type Config struct {
	AccountID     string
	BuyOrderType  domain.OrderType
	SellOrderType domain.OrderType
	// CancelCooldown is the minimum spacing between cancel attempts on the
	// same order.
	CancelCooldown time.Duration
	Quote          map[string]QuoteAsset
}

// Controller is the order execution state machine. Each position moves
// through buy-order placement, sell-order placement, and, when a sell order
// expires unfilled, sell-order replacement.
type Controller struct {
	cfg        Config
	exchange   Exchange
	reconciler *Reconciler
	positions  domain.PositionStore
	orders     domain.OrderStore
	markets    domain.MarketStore
	accounts   domain.AccountStore
	logger     *slog.Logger

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// NewController creates the order execution Controller.
func NewController(
	cfg Config,
	exchange Exchange,
	reconciler *Reconciler,
	positions domain.PositionStore,
	orders domain.OrderStore,
	markets domain.MarketStore,
	accounts domain.AccountStore,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		cfg:        cfg,
		exchange:   exchange,
		reconciler: reconciler,
		positions:  positions,
		orders:     orders,
		markets:    markets,
		accounts:   accounts,
		logger:     logger.With("component", "trader"),
		Now:        time.Now,
	}
}

// PlaceBuyOrder submits the buy order for a freshly-created position. Every
// guard failure aborts with a log and no error: a missed buy is acceptable,
// and none of the guard conditions are transient enough to retry.
func (c *Controller) PlaceBuyOrder(ctx context.Context, pos domain.Position) error {
	log := c.logger.With("position_id", pos.ID, "symbol", pos.Symbol)

	market, err := c.markets.GetBySymbol(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("trader: load market %s: %w", pos.Symbol, err)
	}
	if !market.TradingEnabled {
		log.Info("buy skipped, market disabled")
		return nil
	}

	quote, ok := c.cfg.Quote[market.QuoteAsset]
	if !ok {
		log.Warn("buy skipped, no config for quote asset", "quote_asset", market.QuoteAsset)
		return nil
	}

	account, err := c.accounts.Get(ctx, c.cfg.AccountID)
	if err != nil {
		return fmt.Errorf("trader: load account: %w", err)
	}
	if c.Now().Before(account.CreateOrderAfter) {
		log.Info("buy skipped, order limit breaker active")
		return nil
	}

	hasBuy, err := c.positions.HasBuyOrder(ctx, pos.ID)
	if err != nil {
		return fmt.Errorf("trader: check buy order %s: %w", pos.ID, err)
	}
	if hasBuy {
		log.Info("buy skipped, order already placed")
		return nil
	}

	disposable, err := c.disposableBalance(ctx, account, market.QuoteAsset, pos.ID, quote.DefaultBuyAmount)
	if err != nil {
		return err
	}
	if disposable < quote.DefaultBuyAmount {
		log.Info("buy skipped, not enough balance",
			"disposable", disposable, "required", quote.DefaultBuyAmount)
		return nil
	}

	if err := c.markets.AcquireLock(ctx, pos.Symbol, c.Now()); err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			log.Info("buy skipped, market locked")
			return nil
		}
		return fmt.Errorf("trader: acquire lock %s: %w", pos.Symbol, err)
	}
	defer c.releaseLock(ctx, pos.Symbol)

	req := binance.PlaceOrderRequest{
		Symbol:        pos.Symbol,
		Side:          domain.OrderSideBuy,
		Type:          c.cfg.BuyOrderType,
		ClientOrderID: newClientOrderID(),
	}
	if c.cfg.BuyOrderType == domain.OrderTypeLimit {
		req.Price = pos.BuyPrice
		req.Quantity = market.RoundQty(quote.DefaultBuyAmount / pos.BuyPrice)
	} else {
		req.QuoteOrderQty = quote.DefaultBuyAmount
	}

	order, _, err := c.placeOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("trader: place buy %s: %w", pos.Symbol, err)
	}

	if err := c.positions.SetBuyOrder(ctx, pos.ID, order); err != nil {
		return fmt.Errorf("trader: attach buy order %s: %w", pos.ID, err)
	}

	log.Info("buy order placed", "order_id", order.OrderID, "status", order.Status)
	return nil
}

// PlaceSellOrder liquidates a closed position. Unlike the buy path, errors
// here propagate so the retry relay gets a chance to complete the exit.
func (c *Controller) PlaceSellOrder(ctx context.Context, pos domain.Position) error {
	log := c.logger.With("position_id", pos.ID, "symbol", pos.Symbol)

	if pos.BuyOrder == nil {
		log.Info("sell skipped, position has no buy order")
		return nil
	}

	market, quote, err := c.sellContext(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	if err := c.checkBreaker(ctx); err != nil {
		return err
	}

	if err := c.markets.AcquireLock(ctx, pos.Symbol, c.Now()); err != nil {
		return fmt.Errorf("trader: acquire lock %s: %w", pos.Symbol, err)
	}
	defer c.releaseLock(ctx, pos.Symbol)

	buy, err := c.reconciler.Reconcile(ctx, pos.Symbol, pos.BuyOrder.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Info("sell skipped, buy order unknown to the exchange", "order_id", pos.BuyOrder.OrderID)
			return nil
		}
		return err
	}

	// A non-terminal buy is cancelled before selling; the re-reconcile
	// afterwards captures a fill racing the cancel.
	if !buy.Status.Terminal() {
		if _, err := c.exchange.CancelOrder(ctx, pos.Symbol, buy.OrderID); err != nil {
			log.Warn("buy cancel failed, re-reconciling", "order_id", buy.OrderID, "error", err)
		}
		if buy, err = c.reconciler.Reconcile(ctx, pos.Symbol, buy.OrderID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				log.Info("sell skipped, buy order unknown to the exchange", "order_id", buy.OrderID)
				return nil
			}
			return err
		}
	}

	qty := market.RoundQty(buy.SellableQty(market.BaseAsset))
	if qty*pos.SellPrice < quote.MinOrderSize {
		log.Info("sell skipped, below minimum notional",
			"qty", qty, "price", pos.SellPrice, "min_notional", quote.MinOrderSize)
		return nil
	}

	req := binance.PlaceOrderRequest{
		Symbol:        pos.Symbol,
		Side:          domain.OrderSideSell,
		Type:          c.cfg.SellOrderType,
		Quantity:      qty,
		ClientOrderID: newClientOrderID(),
	}
	if c.cfg.SellOrderType == domain.OrderTypeLimit {
		req.Price = pos.SellPrice
	}

	order, _, err := c.placeOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("trader: place sell %s: %w", pos.Symbol, err)
	}

	if err := c.positions.SetSellOrder(ctx, pos.ID, order); err != nil {
		return fmt.Errorf("trader: attach sell order %s: %w", pos.ID, err)
	}

	log.Info("sell order placed",
		"order_id", order.OrderID, "qty", qty, "trigger", pos.SellTrigger)
	return nil
}

// ReplaceSellOrder compensates for a sell order that expired unfilled: cancel
// whatever is left of it and send a MARKET sell for the remainder.
func (c *Controller) ReplaceSellOrder(ctx context.Context, pos domain.Position) error {
	log := c.logger.With("position_id", pos.ID, "symbol", pos.Symbol)

	if pos.SellOrder == nil {
		log.Info("requeue skipped, position has no sell order")
		return nil
	}

	market, quote, err := c.sellContext(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	if err := c.checkBreaker(ctx); err != nil {
		return err
	}

	if err := c.markets.AcquireLock(ctx, pos.Symbol, c.Now()); err != nil {
		return fmt.Errorf("trader: acquire lock %s: %w", pos.Symbol, err)
	}
	defer c.releaseLock(ctx, pos.Symbol)

	sell, err := c.reconciler.Reconcile(ctx, pos.Symbol, pos.SellOrder.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Info("requeue skipped, sell order unknown to the exchange", "order_id", pos.SellOrder.OrderID)
			return nil
		}
		return err
	}

	if !sell.Status.Terminal() {
		if c.Now().Sub(sell.LastCancelAttempt) < c.cfg.CancelCooldown {
			log.Info("requeue skipped, cancel attempted recently", "order_id", sell.OrderID)
			return nil
		}
		if err := c.orders.RecordCancelAttempt(ctx, pos.Symbol, sell.OrderID, c.Now()); err != nil {
			return fmt.Errorf("trader: record cancel attempt: %w", err)
		}
		if _, err := c.exchange.CancelOrder(ctx, pos.Symbol, sell.OrderID); err != nil {
			log.Warn("sell cancel failed, re-reconciling", "order_id", sell.OrderID, "error", err)
		}
		if sell, err = c.reconciler.Reconcile(ctx, pos.Symbol, sell.OrderID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				log.Info("requeue skipped, sell order unknown to the exchange", "order_id", sell.OrderID)
				return nil
			}
			return err
		}
	}

	qty := market.RoundQty(sell.RemainingQty(market.BaseAsset))
	if qty*market.LastPrice < quote.MinOrderSize {
		log.Info("requeue skipped, remainder below minimum notional",
			"qty", qty, "min_notional", quote.MinOrderSize)
		return nil
	}

	order, _, err := c.placeOrder(ctx, binance.PlaceOrderRequest{
		Symbol:        pos.Symbol,
		Side:          domain.OrderSideSell,
		Type:          domain.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: newClientOrderID(),
	})
	if err != nil {
		return fmt.Errorf("trader: replace sell %s: %w", pos.Symbol, err)
	}

	if err := c.positions.SetSellOrder(ctx, pos.ID, order); err != nil {
		return fmt.Errorf("trader: attach replacement sell %s: %w", pos.ID, err)
	}

	log.Info("sell order replaced", "order_id", order.OrderID, "qty", qty)
	return nil
}

// disposableBalance is the quote asset's free balance minus the amounts other
// open positions without a buy order yet are about to commit. Without this
// reservation two positions created in the same second would both pass the
// balance check and overcommit the account.
func (c *Controller) disposableBalance(ctx context.Context, account domain.Account, quoteAsset, excludeID string, buyAmount float64) (float64, error) {
	open, err := c.positions.ListOpenByQuoteAsset(ctx, quoteAsset)
	if err != nil {
		return 0, fmt.Errorf("trader: list open positions for %s: %w", quoteAsset, err)
	}

	reserved := 0.0
	for _, p := range open {
		if p.ID == excludeID || p.BuyOrder != nil {
			continue
		}
		reserved += buyAmount
	}
	return account.FreeBalance(quoteAsset) - reserved, nil
}

// sellContext loads the market and its quote-asset config for a sell path.
func (c *Controller) sellContext(ctx context.Context, symbol string) (domain.Market, QuoteAsset, error) {
	market, err := c.markets.GetBySymbol(ctx, symbol)
	if err != nil {
		return domain.Market{}, QuoteAsset{}, fmt.Errorf("trader: load market %s: %w", symbol, err)
	}
	quote, ok := c.cfg.Quote[market.QuoteAsset]
	if !ok {
		return domain.Market{}, QuoteAsset{}, fmt.Errorf("trader: no config for quote asset %s", market.QuoteAsset)
	}
	return market, quote, nil
}

// checkBreaker fails with ErrOrderLimitReached while the breaker holds. On
// the sell paths this is a transient error so the relay retries the exit.
func (c *Controller) checkBreaker(ctx context.Context) error {
	account, err := c.accounts.Get(ctx, c.cfg.AccountID)
	if err != nil {
		return fmt.Errorf("trader: load account: %w", err)
	}
	if c.Now().Before(account.CreateOrderAfter) {
		return fmt.Errorf("trader: %w until %s", domain.ErrOrderLimitReached,
			account.CreateOrderAfter.Format(time.RFC3339))
	}
	return nil
}

// placeOrder submits the request, trips the breaker off the response header
// when the 10-second order budget is nearly spent, and persists the snapshot.
func (c *Controller) placeOrder(ctx context.Context, req binance.PlaceOrderRequest) (domain.Order, int, error) {
	order, count, err := c.exchange.PlaceOrder(ctx, req)

	if count >= maxOrderCount10s {
		after := c.Now().Add(breakerHoldoff)
		if breakErr := c.accounts.SetCreateOrderAfter(ctx, c.cfg.AccountID, after); breakErr != nil {
			c.logger.Error("breaker update failed", "error", breakErr)
		} else {
			metrics.BreakerTripped()
			c.logger.Warn("order limit breaker tripped", "order_count_10s", count, "until", after)
		}
	}
	if err != nil {
		return domain.Order{}, count, err
	}

	if err := c.orders.Upsert(ctx, order); err != nil && !errors.Is(err, domain.ErrStaleOrderUpdate) {
		return domain.Order{}, count, fmt.Errorf("trader: persist order %s/%d: %w", order.Symbol, order.OrderID, err)
	}
	metrics.OrderPlaced(string(req.Side), string(req.Type))
	return order, count, nil
}

func (c *Controller) releaseLock(ctx context.Context, symbol string) {
	if err := c.markets.ReleaseLock(ctx, symbol); err != nil {
		c.logger.Error("lock release failed", "symbol", symbol, "error", err)
	}
}

// newClientOrderID builds a client order id carrying the engine's prefix.
// The exchange caps client order ids at 36 characters.
func newClientOrderID() string {
	return clientOrderIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
