package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrLockHeld            = errors.New("market lock already held")
	ErrTradingDisabled     = errors.New("market disabled for trading")
	ErrOrderLimitReached   = errors.New("order rate limit reached")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBelowMinNotional    = errors.New("order value below minimum notional")
	ErrStaleOrderUpdate    = errors.New("stale order update rejected")
	ErrNoBuyOrder          = errors.New("position has no buy order")
	ErrWSDisconnect        = errors.New("websocket disconnected")
)
