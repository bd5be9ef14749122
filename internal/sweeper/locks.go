package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/binance-trader/engine/internal/domain"
)

const (
	defaultLockScanEvery = time.Minute

	// defaultLockTimeout is how long a trader lock may stay set before it is
	// considered abandoned. Normal order operations hold it for seconds.
	defaultLockTimeout = time.Minute
)

// LockConfig holds the market-lock sweeper's settings. Zero values select
// the one-minute defaults.
type LockConfig struct {
	ScanEvery time.Duration
	Timeout   time.Duration
}

// LockSweeper force-clears trader locks whose holder died mid-operation, so a
// crash cannot permanently wedge a symbol.
type LockSweeper struct {
	cfg     LockConfig
	markets domain.MarketStore
	logger  *slog.Logger

	Now func() time.Time
}

// NewLockSweeper creates the market-lock sweeper.
func NewLockSweeper(cfg LockConfig, markets domain.MarketStore, logger *slog.Logger) *LockSweeper {
	if cfg.ScanEvery <= 0 {
		cfg.ScanEvery = defaultLockScanEvery
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultLockTimeout
	}
	return &LockSweeper{
		cfg:     cfg,
		markets: markets,
		logger:  logger.With("component", "sweeper.locks"),
		Now:     time.Now,
	}
}

// Run scans on the configured cadence until the context is cancelled.
func (s *LockSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ScanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep releases locks older than the timeout. Locks younger than the
// timeout are live and never touched.
func (s *LockSweeper) Sweep(ctx context.Context) {
	symbols, err := s.markets.ReleaseExpiredLocks(ctx, s.Now().Add(-s.cfg.Timeout))
	if err != nil {
		s.logger.Error("expired lock release failed", "error", err)
		return
	}
	for _, symbol := range symbols {
		s.logger.Warn("abandoned trader lock released", "symbol", symbol)
	}
}
