package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus mirrors the exchange's order lifecycle states.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the order can no longer change on the exchange.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Order is the local snapshot of an exchange order. Snapshots are created from
// the placement response or a reconciliation fetch and afterwards mutated only
// through reconciliation or the account stream; they are never invented
// locally and never deleted.
type Order struct {
	Symbol              string      `json:"symbol"`
	OrderID             int64       `json:"orderId"`
	ClientOrderID       string      `json:"clientOrderId"`
	Side                OrderSide   `json:"side"`
	Type                OrderType   `json:"type"`
	Status              OrderStatus `json:"status"`
	Price               float64     `json:"price,string"`
	StopPrice           float64     `json:"stopPrice,string"`
	OrigQty             float64     `json:"origQty,string"`
	ExecutedQty         float64     `json:"executedQty,string"`
	CummulativeQuoteQty float64     `json:"cummulativeQuoteQty,string"`
	CommissionAmount    float64     `json:"commissionAmount,string"`
	CommissionAsset     string      `json:"commissionAsset"`
	TimeInForce         string      `json:"timeInForce"`
	Time                time.Time   `json:"time"`
	EventTime           time.Time   `json:"event_time"`
	LastCancelAttempt   time.Time   `json:"last_cancel_attempt"`
}

// SellableQty returns the executed quantity minus commission when the
// commission was charged in the given base asset. The result is never
// negative.
func (o Order) SellableQty(baseAsset string) float64 {
	qty := o.ExecutedQty
	if o.CommissionAsset == baseAsset {
		qty -= o.CommissionAmount
	}
	if qty < 0 {
		return 0
	}
	return qty
}

// RemainingQty returns the unexecuted remainder of the order, commission
// deducted when charged in the base asset. Used by the requeue path after a
// partially-filled sell was cancelled.
func (o Order) RemainingQty(baseAsset string) float64 {
	qty := o.OrigQty - o.ExecutedQty
	if o.CommissionAsset == baseAsset {
		qty -= o.CommissionAmount
	}
	if qty < 0 {
		return 0
	}
	return qty
}
