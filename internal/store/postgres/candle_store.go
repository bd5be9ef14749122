package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/binance-trader/engine/internal/domain"
)

// CandleStore implements domain.CandleStore using PostgreSQL. The engine only
// reads candles back for the evaluator's history window; everything else is
// write-through from the candle stream.
type CandleStore struct {
	pool *pgxpool.Pool
}

// NewCandleStore creates a new CandleStore backed by the given pool.
func NewCandleStore(pool *pgxpool.Pool) *CandleStore {
	return &CandleStore{pool: pool}
}

const candleSelectCols = `id, symbol, interval, event_time, open_time, close_time,
	open_price, close_price, high_price, low_price,
	base_asset_volume, quote_asset_volume,
	macd, macd_signal, macd_histogram, mama, fama,
	atr, atr_stop, atr_sma, trend, trend_up, trend_down,
	adx, plus_di, minus_di, obv, obv_ema,
	ema_50, ema_50_slope, volume_trend, is_pump, is_dump`

func scanCandle(row pgx.Row) (domain.Candle, error) {
	var c domain.Candle
	err := row.Scan(
		&c.ID, &c.Symbol, &c.Interval, &c.EventTime, &c.OpenTime, &c.CloseTime,
		&c.OpenPrice, &c.ClosePrice, &c.HighPrice, &c.LowPrice,
		&c.BaseAssetVolume, &c.QuoteAssetVolume,
		&c.MACD, &c.MACDSignal, &c.MACDHistogram, &c.MAMA, &c.FAMA,
		&c.ATR, &c.ATRStop, &c.ATRSMA, &c.Trend, &c.TrendUp, &c.TrendDown,
		&c.ADX, &c.PlusDI, &c.MinusDI, &c.OBV, &c.OBVEMA,
		&c.EMA50, &c.EMA50Slope, &c.VolumeTrend, &c.IsPump, &c.IsDump,
	)
	return c, err
}

// Upsert inserts or replaces the candle keyed by (symbol, interval, openTime).
// Candles for the same open time arrive repeatedly until the kline closes; the
// latest write wins.
func (s *CandleStore) Upsert(ctx context.Context, c domain.Candle) error {
	const query = `
		INSERT INTO candles (
			id, symbol, interval, event_time, open_time, close_time,
			open_price, close_price, high_price, low_price,
			base_asset_volume, quote_asset_volume,
			macd, macd_signal, macd_histogram, mama, fama,
			atr, atr_stop, atr_sma, trend, trend_up, trend_down,
			adx, plus_di, minus_di, obv, obv_ema,
			ema_50, ema_50_slope, volume_trend, is_pump, is_dump,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23,
			$24, $25, $26, $27, $28,
			$29, $30, $31, $32, $33,
			NOW()
		)
		ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
			event_time         = EXCLUDED.event_time,
			close_time         = EXCLUDED.close_time,
			open_price         = EXCLUDED.open_price,
			close_price        = EXCLUDED.close_price,
			high_price         = EXCLUDED.high_price,
			low_price          = EXCLUDED.low_price,
			base_asset_volume  = EXCLUDED.base_asset_volume,
			quote_asset_volume = EXCLUDED.quote_asset_volume,
			macd               = EXCLUDED.macd,
			macd_signal        = EXCLUDED.macd_signal,
			macd_histogram     = EXCLUDED.macd_histogram,
			mama               = EXCLUDED.mama,
			fama               = EXCLUDED.fama,
			atr                = EXCLUDED.atr,
			atr_stop           = EXCLUDED.atr_stop,
			atr_sma            = EXCLUDED.atr_sma,
			trend              = EXCLUDED.trend,
			trend_up           = EXCLUDED.trend_up,
			trend_down         = EXCLUDED.trend_down,
			adx                = EXCLUDED.adx,
			plus_di            = EXCLUDED.plus_di,
			minus_di           = EXCLUDED.minus_di,
			obv                = EXCLUDED.obv,
			obv_ema            = EXCLUDED.obv_ema,
			ema_50             = EXCLUDED.ema_50,
			ema_50_slope       = EXCLUDED.ema_50_slope,
			volume_trend       = EXCLUDED.volume_trend,
			is_pump            = EXCLUDED.is_pump,
			is_dump            = EXCLUDED.is_dump,
			updated_at         = NOW()`

	_, err := s.pool.Exec(ctx, query,
		c.ID, c.Symbol, c.Interval, c.EventTime, c.OpenTime, c.CloseTime,
		c.OpenPrice, c.ClosePrice, c.HighPrice, c.LowPrice,
		c.BaseAssetVolume, c.QuoteAssetVolume,
		c.MACD, c.MACDSignal, c.MACDHistogram, c.MAMA, c.FAMA,
		c.ATR, c.ATRStop, c.ATRSMA, c.Trend, c.TrendUp, c.TrendDown,
		c.ADX, c.PlusDI, c.MinusDI, c.OBV, c.OBVEMA,
		c.EMA50, c.EMA50Slope, c.VolumeTrend, c.IsPump, c.IsDump,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert candle %s/%s@%d: %w", c.Symbol, c.Interval, c.OpenTime.UnixMilli(), err)
	}
	return nil
}

// CountRange counts candles for symbol/interval with open time inside
// [from, to].
func (s *CandleStore) CountRange(ctx context.Context, symbol, interval string, from, to time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM candles
		 WHERE symbol = $1 AND interval = $2 AND open_time BETWEEN $3 AND $4`,
		symbol, interval, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count candles %s/%s: %w", symbol, interval, err)
	}
	return n, nil
}

// ListRange returns candles in the window ordered by open time ascending.
func (s *CandleStore) ListRange(ctx context.Context, symbol, interval string, from, to time.Time) ([]domain.Candle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+candleSelectCols+` FROM candles
		 WHERE symbol = $1 AND interval = $2 AND open_time BETWEEN $3 AND $4
		 ORDER BY open_time ASC`,
		symbol, interval, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list candles %s/%s: %w", symbol, interval, err)
	}
	defer rows.Close()

	var candles []domain.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// Compile-time interface check.
var _ domain.CandleStore = (*CandleStore)(nil)
