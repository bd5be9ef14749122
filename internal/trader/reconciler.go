package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/binance-trader/engine/internal/domain"
	"github.com/binance-trader/engine/internal/platform/binance"
)

// codeOrderNotFound is the exchange's -2013 "Order does not exist" response.
const codeOrderNotFound = -2013

// Reconciler refreshes a local order snapshot from the exchange. The exchange
// response is authoritative for status and quantities; commission and the
// cancel-attempt timestamp only exist locally and are carried over from the
// stored snapshot.
type Reconciler struct {
	exchange Exchange
	orders   domain.OrderStore
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(exchange Exchange, orders domain.OrderStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		exchange: exchange,
		orders:   orders,
		logger:   logger.With("component", "trader.reconciler"),
	}
}

// Reconcile fetches the order from the exchange, merges locally-held fields,
// persists the result and returns it. A write rejected as stale returns the
// stored snapshot instead, since it is strictly newer. An order the exchange
// does not know surfaces as ErrNotFound so callers can skip it as nothing to
// act on.
func (r *Reconciler) Reconcile(ctx context.Context, symbol string, orderID int64) (domain.Order, error) {
	fetched, err := r.exchange.GetOrder(ctx, symbol, orderID)
	if err != nil {
		var apiErr *binance.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeOrderNotFound {
			return domain.Order{}, fmt.Errorf("trader: reconcile %s/%d: %w", symbol, orderID, domain.ErrNotFound)
		}
		return domain.Order{}, fmt.Errorf("trader: reconcile %s/%d: %w", symbol, orderID, err)
	}

	if stored, err := r.orders.GetByID(ctx, symbol, orderID); err == nil {
		if fetched.CommissionAmount == 0 {
			fetched.CommissionAmount = stored.CommissionAmount
			fetched.CommissionAsset = stored.CommissionAsset
		}
		fetched.LastCancelAttempt = stored.LastCancelAttempt
	}

	if err := r.orders.Upsert(ctx, fetched); err != nil {
		if errors.Is(err, domain.ErrStaleOrderUpdate) {
			r.logger.Warn("stale reconcile rejected, keeping stored snapshot",
				"symbol", symbol, "order_id", orderID)
			if stored, getErr := r.orders.GetByID(ctx, symbol, orderID); getErr == nil {
				return stored, nil
			}
		}
		return domain.Order{}, fmt.Errorf("trader: persist reconciled %s/%d: %w", symbol, orderID, err)
	}
	return fetched, nil
}
