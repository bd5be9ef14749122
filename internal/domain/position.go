package domain

import (
	"fmt"
	"time"
)

// PositionStatus tracks whether a position is open or closed. A position
// transitions OPEN to CLOSED exactly once and never back; the only exception
// is the compensating rollback immediately after a close whose event emit
// failed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "OPEN"
	PositionStatusClosed PositionStatus = "CLOSED"
)

// SellTrigger names the exit path that closed a position.
type SellTrigger string

const (
	SellTriggerTakeProfit       SellTrigger = "TAKE_PROFIT"
	SellTriggerStopLoss         SellTrigger = "STOP_LOSS"
	SellTriggerTrailingStopLoss SellTrigger = "TRAILING_STOP_LOSS"
)

// Position is one attempted trade cycle on a symbol. The identity is
// symbol + interval + open-candle timestamp. A populated BuyOrder is the
// idempotency guard against double-buying.
type Position struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`

	Status   PositionStatus `json:"status"`
	SignalID string         `json:"signal_id"`

	BuyPrice            float64 `json:"buy_price"`
	TakeProfit          float64 `json:"take_profit"`
	StopLoss            float64 `json:"stop_loss"`
	ArmTrailingStopLoss float64 `json:"arm_trailing_stop_loss"`
	TrailingStopLoss    float64 `json:"trailing_stop_loss"`
	TrailingArmed       bool    `json:"trailing_stop_loss_armed"`

	// Debounce timers; zero means unarmed. Take profit fires immediately
	// and carries no timer.
	StopLossTriggerTime         time.Time `json:"stop_loss_trigger_time"`
	TrailingStopLossTriggerTime time.Time `json:"trailing_stop_loss_trigger_time"`

	SellPrice   float64     `json:"sell_price"`
	SellTrigger SellTrigger `json:"sell_trigger"`
	Change      float64     `json:"change"` // percent vs buy price

	BuyOrder  *Order `json:"buy_order"`
	SellOrder *Order `json:"sell_order"`

	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`

	Broadcast bool `json:"broadcast"`
}

// PositionID builds the canonical position identity.
func PositionID(symbol, interval string, openCandle time.Time) string {
	return fmt.Sprintf("%s_%s_%d", symbol, interval, openCandle.UnixMilli())
}

// Change returns the percent change of price against base.
func Change(price, base float64) float64 {
	if base == 0 {
		return 0
	}
	return (price - base) / base * 100
}
