package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/binance-trader/engine/internal/domain"
)

// SignalStore implements domain.SignalStore using PostgreSQL.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore creates a new SignalStore backed by the given pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

const signalSelectCols = `id, symbol, interval, price, trigger, status,
	time, trigger_time, close_time, close_candle, position_id, broadcast`

// Upsert inserts or replaces the signal row. Signals arrive from the upstream
// generator and may be redelivered; the latest write wins.
func (s *SignalStore) Upsert(ctx context.Context, sig domain.Signal) error {
	var closeCandle []byte
	if sig.CloseCandle != nil {
		raw, err := json.Marshal(sig.CloseCandle)
		if err != nil {
			return fmt.Errorf("postgres: encode close candle: %w", err)
		}
		closeCandle = raw
	}

	const query = `
		INSERT INTO signals (
			id, symbol, interval, price, trigger, status,
			time, trigger_time, close_time, close_candle, position_id, broadcast,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (id) DO UPDATE SET
			price        = EXCLUDED.price,
			trigger      = EXCLUDED.trigger,
			status       = EXCLUDED.status,
			time         = EXCLUDED.time,
			trigger_time = EXCLUDED.trigger_time,
			close_time   = EXCLUDED.close_time,
			close_candle = EXCLUDED.close_candle,
			broadcast    = EXCLUDED.broadcast,
			updated_at   = NOW()`

	_, err := s.pool.Exec(ctx, query,
		sig.ID, sig.Symbol, sig.Interval, sig.Price, sig.Trigger, string(sig.Status),
		sig.Time, sig.TriggerTime, sig.CloseTime, closeCandle, sig.PositionID, sig.Broadcast,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert signal %s: %w", sig.ID, err)
	}
	return nil
}

// GetByID retrieves a signal by id.
func (s *SignalStore) GetByID(ctx context.Context, id string) (domain.Signal, error) {
	var sig domain.Signal
	var status string
	var closeCandle []byte

	err := s.pool.QueryRow(ctx,
		`SELECT `+signalSelectCols+` FROM signals WHERE id = $1`, id).Scan(
		&sig.ID, &sig.Symbol, &sig.Interval, &sig.Price, &sig.Trigger, &status,
		&sig.Time, &sig.TriggerTime, &sig.CloseTime, &closeCandle, &sig.PositionID, &sig.Broadcast,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Signal{}, domain.ErrNotFound
		}
		return domain.Signal{}, fmt.Errorf("postgres: get signal %s: %w", id, err)
	}
	sig.Status = domain.SignalStatus(status)

	if len(closeCandle) > 0 {
		var c domain.Candle
		if err := json.Unmarshal(closeCandle, &c); err != nil {
			return domain.Signal{}, fmt.Errorf("postgres: decode close candle: %w", err)
		}
		sig.CloseCandle = &c
	}
	return sig, nil
}

// SetPosition back-links the created position onto the signal.
func (s *SignalStore) SetPosition(ctx context.Context, signalID, positionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE signals SET position_id = $2, updated_at = NOW() WHERE id = $1`,
		signalID, positionID)
	if err != nil {
		return fmt.Errorf("postgres: set position on signal %s: %w", signalID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Compile-time interface check.
var _ domain.SignalStore = (*SignalStore)(nil)
