package domain

import "time"

// SignalStatus tracks the lifecycle of a buy signal.
type SignalStatus string

const (
	SignalStatusOpen   SignalStatus = "OPEN"
	SignalStatusClosed SignalStatus = "CLOSED"
)

// Signal is an upstream buy signal produced by the signal generator. The
// engine consumes closed signals to open positions and back-links the created
// position onto the signal.
type Signal struct {
	ID          string       `json:"id"`
	Symbol      string       `json:"symbol"`
	Interval    string       `json:"interval"`
	Price       float64      `json:"price"`
	Trigger     string       `json:"trigger"`
	Status      SignalStatus `json:"status"`
	Time        time.Time    `json:"time"`
	TriggerTime time.Time    `json:"trigger_time"`
	CloseTime   time.Time    `json:"close_time"`
	CloseCandle *Candle      `json:"close_candle"`
	PositionID  string       `json:"position_id"`
	Broadcast   bool         `json:"broadcast"`
}
