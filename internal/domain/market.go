package domain

import (
	"math"
	"time"
)

// Market holds per-symbol trading metadata plus the advisory trader lock used
// to serialize order placement for one symbol across workers. The lock is
// best-effort mutual exclusion, not a linearizable lock: a holder that dies is
// recovered by the lock sweeper once last_trader_lock_update is older than a
// minute.
type Market struct {
	Symbol               string    `json:"symbol"`
	BaseAsset            string    `json:"base_asset"`
	QuoteAsset           string    `json:"quote_asset"`
	PriceTickSize        float64   `json:"price_tick_size"`
	StepSize             float64   `json:"step_size"`
	LastPrice            float64   `json:"last_price"`
	TradingEnabled       bool      `json:"trading_enabled"`
	TraderLock           bool      `json:"trader_lock"`
	LastTraderLockUpdate time.Time `json:"last_trader_lock_update"`
}

// RoundPrice rounds a price to the market's tick size.
func (m Market) RoundPrice(price float64) float64 {
	if m.PriceTickSize <= 0 {
		return price
	}
	return roundTo(math.Round(price/m.PriceTickSize)*m.PriceTickSize, m.PriceTickSize)
}

// RoundQty floors a quantity to the market's lot step size. Flooring, not
// rounding: selling more than we hold is an exchange rejection.
func (m Market) RoundQty(qty float64) float64 {
	if m.StepSize <= 0 {
		return qty
	}
	// The division picks up float noise (0.999/0.0001 lands just below
	// 9990); nudge before flooring so a whole step is never lost.
	steps := math.Floor(qty/m.StepSize + 1e-9)
	return roundTo(steps*m.StepSize, m.StepSize)
}

// roundTo trims float noise introduced by the division above so that values
// like 0.30000000000000004 come back as 0.3.
func roundTo(v, step float64) float64 {
	decimals := 0
	for step < 1 && decimals < 12 {
		step *= 10
		decimals++
	}
	factor := math.Pow10(decimals)
	return math.Round(v*factor) / factor
}
