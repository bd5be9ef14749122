package domain

import (
	"context"
	"time"
)

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	// GetBySellOrderID finds the position whose sell-order snapshot carries
	// the given exchange order id.
	GetBySellOrderID(ctx context.Context, symbol string, orderID int64) (Position, error)
	ListOpen(ctx context.Context, symbol string) ([]Position, error)
	ListOpenByQuoteAsset(ctx context.Context, quoteAsset string) ([]Position, error)
	// ApplyPatch persists evaluator-produced field updates (stop ratchet,
	// debounce timers, trailing state) on an open position.
	ApplyPatch(ctx context.Context, id string, patch PositionPatch) error
	// Close atomically transitions OPEN to CLOSED, setting sell price,
	// change, trigger and close time. Returns ErrNotFound when the position
	// is not open anymore.
	Close(ctx context.Context, id string, sellPrice, change float64, trigger SellTrigger, closeTime time.Time) error
	// Reopen is the compensating rollback for a close whose follow-up
	// failed. It clears the sell fields and restores OPEN.
	Reopen(ctx context.Context, id string) error
	HasBuyOrder(ctx context.Context, id string) (bool, error)
	SetBuyOrder(ctx context.Context, id string, order Order) error
	SetSellOrder(ctx context.Context, id string, order Order) error
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Position, error)
	MarkArchived(ctx context.Context, ids []string) error
}

// PositionPatch carries the evaluator's non-exit state updates. Nil pointer
// fields are left untouched; the Clear flags disarm debounce timers.
type PositionPatch struct {
	StopLoss *float64

	StopLossTriggerTime      *time.Time
	ClearStopLossTriggerTime bool

	TrailingArmed    *bool
	TrailingStopLoss *float64

	TrailingTriggerTime      *time.Time
	ClearTrailingTriggerTime bool
}

// Empty reports whether the patch changes nothing.
func (p PositionPatch) Empty() bool {
	return p.StopLoss == nil &&
		p.StopLossTriggerTime == nil && !p.ClearStopLossTriggerTime &&
		p.TrailingArmed == nil && p.TrailingStopLoss == nil &&
		p.TrailingTriggerTime == nil && !p.ClearTrailingTriggerTime
}

// OrderStore persists local order snapshots.
type OrderStore interface {
	// Upsert inserts or updates the snapshot keyed by (symbol, orderId). It
	// returns ErrStaleOrderUpdate when the update would shrink a filled
	// order's executed quantity.
	Upsert(ctx context.Context, order Order) error
	GetByID(ctx context.Context, symbol string, orderID int64) (Order, error)
	// ListSweepable returns non-terminal orders created after the cutoff,
	// the working set of the unfilled-order sweeper.
	ListSweepable(ctx context.Context, createdAfter time.Time) ([]Order, error)
	RecordCancelAttempt(ctx context.Context, symbol string, orderID int64, at time.Time) error
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]Order, error)
	MarkArchived(ctx context.Context, symbol string, orderIDs []int64) error
}

// MarketStore persists market metadata and owns the advisory trader lock.
type MarketStore interface {
	Upsert(ctx context.Context, market Market) error
	GetBySymbol(ctx context.Context, symbol string) (Market, error)
	// SetLastPrice refreshes last_price from the newest candle close.
	SetLastPrice(ctx context.Context, symbol string, price float64) error
	// AcquireLock sets trader_lock on the symbol row if and only if it is
	// currently clear, returning ErrLockHeld otherwise.
	AcquireLock(ctx context.Context, symbol string, at time.Time) error
	ReleaseLock(ctx context.Context, symbol string) error
	// ReleaseExpiredLocks force-clears locks whose last update is older than
	// the cutoff and returns the affected symbols.
	ReleaseExpiredLocks(ctx context.Context, cutoff time.Time) ([]string, error)
}

// AccountStore persists the singleton trading account.
type AccountStore interface {
	Get(ctx context.Context, id string) (Account, error)
	Upsert(ctx context.Context, account Account) error
	SetCreateOrderAfter(ctx context.Context, id string, t time.Time) error
	UpdateBalances(ctx context.Context, id string, balances []Balance) error
	SetListenKey(ctx context.Context, id, listenKey string, at time.Time) error
}

// SignalStore persists upstream buy signals.
type SignalStore interface {
	Upsert(ctx context.Context, sig Signal) error
	GetByID(ctx context.Context, id string) (Signal, error)
	SetPosition(ctx context.Context, signalID, positionID string) error
}

// CandleStore persists enriched candles.
type CandleStore interface {
	Upsert(ctx context.Context, candle Candle) error
	// CountRange counts candles for symbol/interval with open time inside
	// [from, to]; the evaluator's insufficient-history guard.
	CountRange(ctx context.Context, symbol, interval string, from, to time.Time) (int64, error)
	// ListRange returns candles in the window ordered by open time ascending.
	ListRange(ctx context.Context, symbol, interval string, from, to time.Time) ([]Candle, error)
}
