// Package trader turns position lifecycle events into exchange orders. It is
// the only package that places or cancels orders, and it does so under the
// per-symbol market lock.
package trader

import (
	"context"

	"github.com/binance-trader/engine/internal/domain"
	"github.com/binance-trader/engine/internal/platform/binance"
)

// Exchange is the slice of the exchange client the trader needs. PlaceOrder
// additionally reports the account's order count in the current 10-second
// window, used to trip the rate-limit breaker.
type Exchange interface {
	PlaceOrder(ctx context.Context, req binance.PlaceOrderRequest) (domain.Order, int, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (domain.Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (domain.Order, error)
}
