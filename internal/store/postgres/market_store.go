package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/binance-trader/engine/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL. The trader lock
// lives on the markets row so that all workers share it.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketSelectCols = `symbol, base_asset, quote_asset, price_tick_size, step_size,
	last_price, trading_enabled, trader_lock, last_trader_lock_update`

// Upsert inserts or updates a market row keyed by symbol. The lock fields are
// intentionally not touched on update; they are owned by the lock operations
// below.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			symbol, base_asset, quote_asset, price_tick_size, step_size,
			last_price, trading_enabled, trader_lock, last_trader_lock_update, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (symbol) DO UPDATE SET
			base_asset      = EXCLUDED.base_asset,
			quote_asset     = EXCLUDED.quote_asset,
			price_tick_size = EXCLUDED.price_tick_size,
			step_size       = EXCLUDED.step_size,
			last_price      = EXCLUDED.last_price,
			trading_enabled = EXCLUDED.trading_enabled,
			updated_at      = NOW()`

	_, err := s.pool.Exec(ctx, query,
		m.Symbol, m.BaseAsset, m.QuoteAsset, m.PriceTickSize, m.StepSize,
		m.LastPrice, m.TradingEnabled, m.TraderLock, m.LastTraderLockUpdate,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.Symbol, err)
	}
	return nil
}

// GetBySymbol retrieves a single market.
func (s *MarketStore) GetBySymbol(ctx context.Context, symbol string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketSelectCols+` FROM markets WHERE symbol = $1`, symbol)

	var m domain.Market
	err := row.Scan(
		&m.Symbol, &m.BaseAsset, &m.QuoteAsset, &m.PriceTickSize, &m.StepSize,
		&m.LastPrice, &m.TradingEnabled, &m.TraderLock, &m.LastTraderLockUpdate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", symbol, err)
	}
	return m, nil
}

// AcquireLock sets the trader lock on the symbol row only if it is currently
// clear. The compare-and-set makes the lock safe across workers without a
// transaction.
func (s *MarketStore) AcquireLock(ctx context.Context, symbol string, at time.Time) error {
	const query = `
		UPDATE markets SET
			trader_lock             = TRUE,
			last_trader_lock_update = $2,
			updated_at              = NOW()
		WHERE symbol = $1 AND trader_lock = FALSE`

	tag, err := s.pool.Exec(ctx, query, symbol, at)
	if err != nil {
		return fmt.Errorf("postgres: acquire lock %s: %w", symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLockHeld
	}
	return nil
}

// SetLastPrice refreshes last_price for the symbol. A symbol without a
// market row is not traded here and reports ErrNotFound.
func (s *MarketStore) SetLastPrice(ctx context.Context, symbol string, price float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET last_price = $2, updated_at = NOW() WHERE symbol = $1`,
		symbol, price)
	if err != nil {
		return fmt.Errorf("postgres: set last price %s: %w", symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ReleaseLock clears the trader lock unconditionally. Safe to call when the
// lock is already clear.
func (s *MarketStore) ReleaseLock(ctx context.Context, symbol string) error {
	const query = `
		UPDATE markets SET trader_lock = FALSE, updated_at = NOW()
		WHERE symbol = $1`

	if _, err := s.pool.Exec(ctx, query, symbol); err != nil {
		return fmt.Errorf("postgres: release lock %s: %w", symbol, err)
	}
	return nil
}

// ReleaseExpiredLocks force-clears locks whose last update is older than the
// cutoff and returns the affected symbols. This is the crash-recovery path: a
// worker that died mid-operation cannot permanently wedge a symbol.
func (s *MarketStore) ReleaseExpiredLocks(ctx context.Context, cutoff time.Time) ([]string, error) {
	const query = `
		UPDATE markets SET trader_lock = FALSE, updated_at = NOW()
		WHERE trader_lock = TRUE AND last_trader_lock_update < $1
		RETURNING symbol`

	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: release expired locks: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("postgres: scan expired lock: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// Compile-time interface check.
var _ domain.MarketStore = (*MarketStore)(nil)
