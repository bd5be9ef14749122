package binance

import (
	"fmt"
	"time"

	"github.com/binance-trader/engine/internal/domain"
)

// APIError is a non-2xx response decoded from the exchange body.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`

	HTTPStatus int `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: api error %d (http %d): %s", e.Code, e.HTTPStatus, e.Msg)
}

// PlaceOrderRequest is the input to Client.PlaceOrder. Exactly one of
// Quantity or QuoteOrderQty must be set; Price and TimeInForce apply to
// LIMIT orders only.
type PlaceOrderRequest struct {
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Quantity      float64
	QuoteOrderQty float64
	Price         float64
	TimeInForce   string
	ClientOrderID string
}

type fill struct {
	Price           float64 `json:"price,string"`
	Qty             float64 `json:"qty,string"`
	Commission      float64 `json:"commission,string"`
	CommissionAsset string  `json:"commissionAsset"`
}

// orderResponse covers the FULL response of POST /api/v3/order as well as the
// bodies of GET and DELETE /api/v3/order, which are supersets of each other.
type orderResponse struct {
	Symbol              string  `json:"symbol"`
	OrderID             int64   `json:"orderId"`
	ClientOrderID       string  `json:"clientOrderId"`
	OrigClientOrderID   string  `json:"origClientOrderId"`
	TransactTime        int64   `json:"transactTime"`
	Time                int64   `json:"time"`
	UpdateTime          int64   `json:"updateTime"`
	Price               float64 `json:"price,string"`
	StopPrice           float64 `json:"stopPrice,string"`
	OrigQty             float64 `json:"origQty,string"`
	ExecutedQty         float64 `json:"executedQty,string"`
	CummulativeQuoteQty float64 `json:"cummulativeQuoteQty,string"`
	Status              string  `json:"status"`
	TimeInForce         string  `json:"timeInForce"`
	Type                string  `json:"type"`
	Side                string  `json:"side"`
	Fills               []fill  `json:"fills"`
}

// toOrder maps the exchange response onto the local snapshot. Commission is
// aggregated across fills when they are present; otherwise it stays zero and
// the account stream fills it in later.
func (r orderResponse) toOrder() domain.Order {
	o := domain.Order{
		Symbol:              r.Symbol,
		OrderID:             r.OrderID,
		ClientOrderID:       r.ClientOrderID,
		Side:                domain.OrderSide(r.Side),
		Type:                domain.OrderType(r.Type),
		Status:              domain.OrderStatus(r.Status),
		Price:               r.Price,
		StopPrice:           r.StopPrice,
		OrigQty:             r.OrigQty,
		ExecutedQty:         r.ExecutedQty,
		CummulativeQuoteQty: r.CummulativeQuoteQty,
		TimeInForce:         r.TimeInForce,
	}
	if o.ClientOrderID == "" {
		o.ClientOrderID = r.OrigClientOrderID
	}

	switch {
	case r.Time != 0:
		o.Time = msToTime(r.Time)
	case r.TransactTime != 0:
		o.Time = msToTime(r.TransactTime)
	}
	if r.UpdateTime != 0 {
		o.EventTime = msToTime(r.UpdateTime)
	}

	for _, f := range r.Fills {
		o.CommissionAmount += f.Commission
		o.CommissionAsset = f.CommissionAsset
	}
	return o
}

type accountResponse struct {
	Balances []struct {
		Asset  string  `json:"asset"`
		Free   float64 `json:"free,string"`
		Locked float64 `json:"locked,string"`
	} `json:"balances"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// ExecutionReport is the user-data-stream order update event.
type ExecutionReport struct {
	EventType       string  `json:"e"`
	EventTime       int64   `json:"E"`
	Symbol          string  `json:"s"`
	ClientOrderID   string  `json:"c"`
	Side            string  `json:"S"`
	OrderType       string  `json:"o"`
	TimeInForce     string  `json:"f"`
	OrderQty        float64 `json:"q,string"`
	OrderPrice      float64 `json:"p,string"`
	StopPrice       float64 `json:"P,string"`
	OrderStatus     string  `json:"X"`
	OrderID         int64   `json:"i"`
	CumFilledQty    float64 `json:"z,string"`
	Commission      float64 `json:"n,string"`
	CommissionAsset string  `json:"N"`
	CumQuoteQty     float64 `json:"Z,string"`
	OrderCreated    int64   `json:"O"`
}

// ToOrder converts the report to an order snapshot. Commission here is the
// delta for this execution, so callers accumulate it onto the stored
// snapshot rather than overwriting.
func (r ExecutionReport) ToOrder() domain.Order {
	return domain.Order{
		Symbol:              r.Symbol,
		OrderID:             r.OrderID,
		ClientOrderID:       r.ClientOrderID,
		Side:                domain.OrderSide(r.Side),
		Type:                domain.OrderType(r.OrderType),
		Status:              domain.OrderStatus(r.OrderStatus),
		Price:               r.OrderPrice,
		StopPrice:           r.StopPrice,
		OrigQty:             r.OrderQty,
		ExecutedQty:         r.CumFilledQty,
		CummulativeQuoteQty: r.CumQuoteQty,
		CommissionAmount:    r.Commission,
		CommissionAsset:     r.CommissionAsset,
		TimeInForce:         r.TimeInForce,
		Time:                msToTime(r.OrderCreated),
		EventTime:           msToTime(r.EventTime),
	}
}

// AccountPosition is the user-data-stream balance update event.
type AccountPosition struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Balances  []struct {
		Asset  string  `json:"a"`
		Free   float64 `json:"f,string"`
		Locked float64 `json:"l,string"`
	} `json:"B"`
}

// ToBalances converts the event's balance list to the domain form.
func (p AccountPosition) ToBalances() []domain.Balance {
	out := make([]domain.Balance, 0, len(p.Balances))
	for _, b := range p.Balances {
		out = append(out, domain.Balance{
			Asset:  b.Asset,
			Free:   b.Free,
			Locked: b.Locked,
		})
	}
	return out
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
