// Package strategy decides when an open position should exit. The evaluator
// is a pure function over the position's stored thresholds and a short window
// of enriched candles; it never touches storage or the exchange.
package strategy

import (
	"time"

	"github.com/binance-trader/engine/internal/domain"
)

// Config holds the evaluator's tuning knobs.
type Config struct {
	// WaitBeforeSell is the debounce window. A stop-loss or trailing-stop
	// condition must hold at least this long before an exit is emitted.
	WaitBeforeSell time.Duration

	// TrailingPct is the trailing-stop distance below the close, in percent.
	TrailingPct float64
}

// Decision is an exit verdict. Candle is the candle whose close price becomes
// the position's sell price.
type Decision struct {
	Trigger domain.SellTrigger
	Candle  domain.Candle
}

// Evaluator evaluates open positions against incoming candles.
type Evaluator struct {
	cfg Config

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// New creates an Evaluator.
func New(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg, Now: time.Now}
}

// Evaluate runs the strategy for one position against the candle window,
// oldest candle first. It returns an exit decision or nil, plus a patch of
// threshold and timer updates to persist either way. At most one exit is
// produced per call; the stop-loss path wins over take-profit.
//
// Both of the last two candles must be present. Gaps happen around exchange
// maintenance, and the evaluator never exits on incomplete data.
func (e *Evaluator) Evaluate(pos domain.Position, market domain.Market, candles []domain.Candle) (*Decision, domain.PositionPatch) {
	var patch domain.PositionPatch

	if len(candles) < 2 {
		return nil, patch
	}
	prev, cur := candles[len(candles)-2], candles[len(candles)-1]
	now := e.Now()

	// Volatility-stop ratchet. While the stop indicator rides below price it
	// tracks the uptrend; adopting it only then means the stop tightens as
	// price rises and never loosens.
	if cur.ATRStop != pos.StopLoss && cur.ATRStop < cur.OpenPrice {
		stopLoss := market.RoundPrice(cur.ATRStop)
		patch.StopLoss = &stopLoss
		pos.StopLoss = stopLoss
	}

	if decision := e.stopLoss(&pos, &patch, prev, cur, now); decision != nil {
		return decision, patch
	}

	// Immediate take-profit, no debounce.
	if cur.ClosePrice >= pos.TakeProfit {
		return &Decision{Trigger: domain.SellTriggerTakeProfit, Candle: cur}, patch
	}

	if decision := e.trailingStop(&pos, &patch, market, cur, now); decision != nil {
		return decision, patch
	}

	return nil, patch
}

// stopLoss implements the debounced stop-loss exit. The sell condition must
// hold continuously for the wait window; any single evaluation where it is
// false disarms the timer.
func (e *Evaluator) stopLoss(pos *domain.Position, patch *domain.PositionPatch, prev, cur domain.Candle, now time.Time) *Decision {
	downsideBreak := prev.ClosePrice < prev.ATRStop && cur.ClosePrice < cur.ATRStop
	momentumDown := (prev.EMA50Slope == -1 && cur.EMA50Slope == -1) || cur.Trend == -1
	sellCondition := downsideBreak && momentumDown

	if !sellCondition {
		if !pos.StopLossTriggerTime.IsZero() {
			patch.ClearStopLossTriggerTime = true
		}
		return nil
	}

	if pos.StopLossTriggerTime.IsZero() {
		patch.StopLossTriggerTime = &now
		return nil
	}

	if now.Sub(pos.StopLossTriggerTime) >= e.cfg.WaitBeforeSell {
		return &Decision{Trigger: domain.SellTriggerStopLoss, Candle: cur}
	}
	return nil
}

// trailingStop arms at the configured price level, then tracks a stop a fixed
// percentage below the close and exits, debounced, when price falls through
// it. The stop is never updated while the debounce timer is armed.
func (e *Evaluator) trailingStop(pos *domain.Position, patch *domain.PositionPatch, market domain.Market, cur domain.Candle, now time.Time) *Decision {
	tsl := market.RoundPrice(cur.ClosePrice * (1 - e.cfg.TrailingPct/100))

	if !pos.TrailingArmed {
		if cur.ClosePrice >= pos.ArmTrailingStopLoss && pos.ArmTrailingStopLoss > 0 {
			armed := true
			patch.TrailingArmed = &armed
			patch.TrailingStopLoss = &tsl
		}
		return nil
	}

	if cur.ClosePrice <= pos.TrailingStopLoss {
		if pos.TrailingStopLossTriggerTime.IsZero() {
			patch.TrailingTriggerTime = &now
			return nil
		}
		if now.Sub(pos.TrailingStopLossTriggerTime) >= e.cfg.WaitBeforeSell {
			return &Decision{Trigger: domain.SellTriggerTrailingStopLoss, Candle: cur}
		}
		return nil
	}

	if !pos.TrailingStopLossTriggerTime.IsZero() {
		if now.Sub(pos.TrailingStopLossTriggerTime) >= e.cfg.WaitBeforeSell {
			patch.ClearTrailingTriggerTime = true
		}
		return nil
	}

	if tsl > pos.TrailingStopLoss {
		patch.TrailingStopLoss = &tsl
	}
	return nil
}
