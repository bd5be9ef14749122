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

// OrderStore implements domain.OrderStore using PostgreSQL. Order snapshots
// are keyed by (symbol, orderId) and only ever written through reconciliation
// or the account stream; rows are never deleted.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `symbol, order_id, client_order_id, side, order_type, status,
	price, stop_price, orig_qty, executed_qty, cummulative_quote_qty,
	commission_amount, commission_asset, time_in_force,
	created_time, event_time, last_cancel_attempt`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var side, orderType, status string

	err := row.Scan(
		&o.Symbol, &o.OrderID, &o.ClientOrderID, &side, &orderType, &status,
		&o.Price, &o.StopPrice, &o.OrigQty, &o.ExecutedQty, &o.CummulativeQuoteQty,
		&o.CommissionAmount, &o.CommissionAsset, &o.TimeInForce,
		&o.Time, &o.EventTime, &o.LastCancelAttempt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

// Upsert inserts or updates the snapshot keyed by (symbol, orderId). An
// update that would shrink a filled order's executed quantity is a
// data-integrity violation and is rejected with ErrStaleOrderUpdate; the
// exchange never un-fills an order, so such a write can only be a stale or
// reordered reconciliation.
func (s *OrderStore) Upsert(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			symbol, order_id, client_order_id, side, order_type, status,
			price, stop_price, orig_qty, executed_qty, cummulative_quote_qty,
			commission_amount, commission_asset, time_in_force,
			created_time, event_time, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, NOW()
		)
		ON CONFLICT (symbol, order_id) DO UPDATE SET
			client_order_id       = EXCLUDED.client_order_id,
			side                  = EXCLUDED.side,
			order_type            = EXCLUDED.order_type,
			status                = EXCLUDED.status,
			price                 = EXCLUDED.price,
			stop_price            = EXCLUDED.stop_price,
			orig_qty              = EXCLUDED.orig_qty,
			executed_qty          = EXCLUDED.executed_qty,
			cummulative_quote_qty = EXCLUDED.cummulative_quote_qty,
			commission_amount     = EXCLUDED.commission_amount,
			commission_asset      = EXCLUDED.commission_asset,
			time_in_force         = EXCLUDED.time_in_force,
			created_time          = EXCLUDED.created_time,
			event_time            = EXCLUDED.event_time,
			updated_at            = NOW()
		WHERE NOT (orders.status = 'FILLED' AND EXCLUDED.executed_qty < orders.executed_qty)`

	tag, err := s.pool.Exec(ctx, query,
		o.Symbol, o.OrderID, o.ClientOrderID, string(o.Side), string(o.Type), string(o.Status),
		o.Price, o.StopPrice, o.OrigQty, o.ExecutedQty, o.CummulativeQuoteQty,
		o.CommissionAmount, o.CommissionAsset, o.TimeInForce,
		o.Time, o.EventTime,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert order %s/%d: %w", o.Symbol, o.OrderID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleOrderUpdate
	}
	return nil
}

// GetByID retrieves a single order snapshot.
func (s *OrderStore) GetByID(ctx context.Context, symbol string, orderID int64) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE symbol = $1 AND order_id = $2`,
		symbol, orderID)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s/%d: %w", symbol, orderID, err)
	}
	return o, nil
}

// ListSweepable returns non-terminal orders created after the cutoff, the
// working set of the unfilled-order sweeper.
func (s *OrderStore) ListSweepable(ctx context.Context, createdAfter time.Time) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status NOT IN ('FILLED', 'CANCELED', 'REJECTED', 'EXPIRED')
		   AND created_time > $1
		 ORDER BY created_time ASC`, createdAfter)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sweepable orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan sweepable order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// RecordCancelAttempt stamps the order before the cancel call goes out, so a
// crashed worker still honours the cooldown on the next sweep.
func (s *OrderStore) RecordCancelAttempt(ctx context.Context, symbol string, orderID int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET last_cancel_attempt = $3, updated_at = NOW()
		 WHERE symbol = $1 AND order_id = $2`,
		symbol, orderID, at)
	if err != nil {
		return fmt.Errorf("postgres: record cancel attempt %s/%d: %w", symbol, orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListTerminalBefore returns unarchived terminal orders whose creation time is
// before the cutoff, oldest first. Used by the archiver.
func (s *OrderStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status IN ('FILLED', 'CANCELED', 'REJECTED', 'EXPIRED')
		   AND created_time < $1
		   AND archived_at IS NULL
		 ORDER BY created_time ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan terminal order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// MarkArchived stamps the given orders for one symbol as exported.
func (s *OrderStore) MarkArchived(ctx context.Context, symbol string, orderIDs []int64) error {
	if len(orderIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE orders SET archived_at = NOW(), updated_at = NOW()
		 WHERE symbol = $1 AND order_id = ANY($2)`,
		symbol, orderIDs)
	if err != nil {
		return fmt.Errorf("postgres: mark orders archived %s: %w", symbol, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.OrderStore = (*OrderStore)(nil)
