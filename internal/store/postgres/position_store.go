package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/binance-trader/engine/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Order
// snapshots are embedded as JSONB so a position row is self-contained; the
// expression index on sell_order->>'orderId' keeps the stream-event lookup
// cheap.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, symbol, interval, status, signal_id,
	buy_price, take_profit, stop_loss, arm_trailing_stop_loss,
	trailing_stop_loss, trailing_armed,
	stop_loss_trigger_time, trailing_trigger_time,
	sell_price, sell_trigger, change, buy_order, sell_order,
	open_time, close_time, broadcast`

// nullTime maps the zero time to NULL. Unarmed debounce timers are stored as
// NULL rather than an epoch sentinel.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nullOrderJSON(o *domain.Order) ([]byte, error) {
	if o == nil {
		return nil, nil
	}
	return json.Marshal(o)
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status, trigger string
	var slTrigger, tslTrigger, closeTime *time.Time
	var buyOrder, sellOrder []byte

	err := row.Scan(
		&p.ID, &p.Symbol, &p.Interval, &status, &p.SignalID,
		&p.BuyPrice, &p.TakeProfit, &p.StopLoss, &p.ArmTrailingStopLoss,
		&p.TrailingStopLoss, &p.TrailingArmed,
		&slTrigger, &tslTrigger,
		&p.SellPrice, &trigger, &p.Change, &buyOrder, &sellOrder,
		&p.OpenTime, &closeTime, &p.Broadcast,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	p.SellTrigger = domain.SellTrigger(trigger)
	p.StopLossTriggerTime = timeVal(slTrigger)
	p.TrailingStopLossTriggerTime = timeVal(tslTrigger)
	p.CloseTime = timeVal(closeTime)

	if len(buyOrder) > 0 {
		var o domain.Order
		if err := json.Unmarshal(buyOrder, &o); err != nil {
			return domain.Position{}, fmt.Errorf("decode buy order: %w", err)
		}
		p.BuyOrder = &o
	}
	if len(sellOrder) > 0 {
		var o domain.Order
		if err := json.Unmarshal(sellOrder, &o); err != nil {
			return domain.Position{}, fmt.Errorf("decode sell order: %w", err)
		}
		p.SellOrder = &o
	}
	return p, nil
}

// Create inserts a new position. The identity is derived from the signal's
// close candle, so a replayed signal hits the primary key and surfaces as
// ErrAlreadyExists instead of a duplicate trade.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	buyOrder, err := nullOrderJSON(p.BuyOrder)
	if err != nil {
		return fmt.Errorf("postgres: encode buy order: %w", err)
	}
	sellOrder, err := nullOrderJSON(p.SellOrder)
	if err != nil {
		return fmt.Errorf("postgres: encode sell order: %w", err)
	}

	const query = `
		INSERT INTO positions (
			id, symbol, interval, status, signal_id,
			buy_price, take_profit, stop_loss, arm_trailing_stop_loss,
			trailing_stop_loss, trailing_armed,
			stop_loss_trigger_time, trailing_trigger_time,
			sell_price, sell_trigger, change, buy_order, sell_order,
			open_time, close_time, broadcast, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11,
			$12, $13,
			$14, $15, $16, $17, $18,
			$19, $20, $21, NOW()
		)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol, p.Interval, string(p.Status), p.SignalID,
		p.BuyPrice, p.TakeProfit, p.StopLoss, p.ArmTrailingStopLoss,
		p.TrailingStopLoss, p.TrailingArmed,
		nullTime(p.StopLossTriggerTime), nullTime(p.TrailingStopLossTriggerTime),
		p.SellPrice, string(p.SellTrigger), p.Change, buyOrder, sellOrder,
		p.OpenTime, nullTime(p.CloseTime), p.Broadcast,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// GetByID retrieves a position by its canonical id.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetBySellOrderID finds the position whose embedded sell-order snapshot
// carries the given exchange order id.
func (s *PositionStore) GetBySellOrderID(ctx context.Context, symbol string, orderID int64) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE symbol = $1 AND (sell_order ->> 'orderId')::BIGINT = $2`,
		symbol, orderID)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position by sell order %s/%d: %w", symbol, orderID, err)
	}
	return p, nil
}

// ListOpen returns all open positions on the symbol, oldest first.
func (s *PositionStore) ListOpen(ctx context.Context, symbol string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE symbol = $1 AND status = 'OPEN'
		 ORDER BY open_time ASC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions %s: %w", symbol, err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// ListOpenByQuoteAsset returns open positions on every market quoted in the
// given asset. Used for cross-market balance reservation on the buy path.
func (s *PositionStore) ListOpenByQuoteAsset(ctx context.Context, quoteAsset string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'OPEN'
		   AND symbol IN (SELECT symbol FROM markets WHERE quote_asset = $1)
		 ORDER BY open_time ASC`, quoteAsset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions by quote %s: %w", quoteAsset, err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ApplyPatch persists evaluator-produced field updates on an open position.
// An empty patch is a no-op.
func (s *PositionStore) ApplyPatch(ctx context.Context, id string, patch domain.PositionPatch) error {
	if patch.Empty() {
		return nil
	}

	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.StopLoss != nil {
		sets = append(sets, "stop_loss = "+arg(*patch.StopLoss))
	}
	if patch.StopLossTriggerTime != nil {
		sets = append(sets, "stop_loss_trigger_time = "+arg(*patch.StopLossTriggerTime))
	} else if patch.ClearStopLossTriggerTime {
		sets = append(sets, "stop_loss_trigger_time = NULL")
	}
	if patch.TrailingArmed != nil {
		sets = append(sets, "trailing_armed = "+arg(*patch.TrailingArmed))
	}
	if patch.TrailingStopLoss != nil {
		sets = append(sets, "trailing_stop_loss = "+arg(*patch.TrailingStopLoss))
	}
	if patch.TrailingTriggerTime != nil {
		sets = append(sets, "trailing_trigger_time = "+arg(*patch.TrailingTriggerTime))
	} else if patch.ClearTrailingTriggerTime {
		sets = append(sets, "trailing_trigger_time = NULL")
	}

	query := `UPDATE positions SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 AND status = 'OPEN'`

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: patch position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Close atomically transitions the position from OPEN to CLOSED. The status
// guard in the WHERE clause makes concurrent closes lose cleanly.
func (s *PositionStore) Close(ctx context.Context, id string, sellPrice, change float64, trigger domain.SellTrigger, closeTime time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET
			status       = 'CLOSED',
			sell_price   = $2,
			change       = $3,
			sell_trigger = $4,
			close_time   = $5,
			updated_at   = NOW()
		 WHERE id = $1 AND status = 'OPEN'`,
		id, sellPrice, change, string(trigger), closeTime)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Reopen is the compensating rollback for a close whose follow-up failed. It
// clears the sell fields and restores OPEN so the next candle re-evaluates.
func (s *PositionStore) Reopen(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET
			status       = 'OPEN',
			sell_price   = 0,
			change       = 0,
			sell_trigger = '',
			close_time   = NULL,
			updated_at   = NOW()
		 WHERE id = $1 AND status = 'CLOSED'`, id)
	if err != nil {
		return fmt.Errorf("postgres: reopen position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// HasBuyOrder reports whether the position already carries a buy-order
// snapshot, the idempotency guard against double-buying.
func (s *PositionStore) HasBuyOrder(ctx context.Context, id string) (bool, error) {
	var has bool
	err := s.pool.QueryRow(ctx,
		`SELECT buy_order IS NOT NULL FROM positions WHERE id = $1`, id).Scan(&has)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.ErrNotFound
		}
		return false, fmt.Errorf("postgres: has buy order %s: %w", id, err)
	}
	return has, nil
}

// SetBuyOrder embeds the buy-order snapshot on the position.
func (s *PositionStore) SetBuyOrder(ctx context.Context, id string, order domain.Order) error {
	return s.setOrder(ctx, id, "buy_order", order)
}

// SetSellOrder embeds the sell-order snapshot on the position.
func (s *PositionStore) SetSellOrder(ctx context.Context, id string, order domain.Order) error {
	return s.setOrder(ctx, id, "sell_order", order)
}

func (s *PositionStore) setOrder(ctx context.Context, id, column string, order domain.Order) error {
	raw, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("postgres: encode %s: %w", column, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET `+column+` = $2, updated_at = NOW() WHERE id = $1`,
		id, raw)
	if err != nil {
		return fmt.Errorf("postgres: set %s on position %s: %w", column, id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListClosedBefore returns unarchived closed positions whose close time is
// before the cutoff, oldest first. Used by the archiver.
func (s *PositionStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'CLOSED'
		   AND close_time IS NOT NULL AND close_time < $1
		   AND archived_at IS NULL
		 ORDER BY close_time ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// MarkArchived stamps the given positions as exported.
func (s *PositionStore) MarkArchived(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE positions SET archived_at = NOW(), updated_at = NOW()
		 WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("postgres: mark positions archived: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
