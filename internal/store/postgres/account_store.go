package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/binance-trader/engine/internal/domain"
)

// AccountStore implements domain.AccountStore using PostgreSQL.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates a new AccountStore backed by the given connection pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

// Get retrieves the trading account by its explicit identifier.
func (s *AccountStore) Get(ctx context.Context, id string) (domain.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, balances, create_order_after, total_balance,
		       listen_key, last_listen_key_update, last_order_error_at
		FROM accounts WHERE id = $1`, id)

	var a domain.Account
	var balances []byte
	err := row.Scan(
		&a.ID, &balances, &a.CreateOrderAfter, &a.TotalBalance,
		&a.ListenKey, &a.LastListenKeyUpdate, &a.LastOrderErrorAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, domain.ErrNotFound
		}
		return domain.Account{}, fmt.Errorf("postgres: get account %s: %w", id, err)
	}

	if err := json.Unmarshal(balances, &a.Balances); err != nil {
		return domain.Account{}, fmt.Errorf("postgres: decode balances for %s: %w", id, err)
	}
	return a, nil
}

// Upsert inserts or replaces the account row.
func (s *AccountStore) Upsert(ctx context.Context, a domain.Account) error {
	balances, err := json.Marshal(a.Balances)
	if err != nil {
		return fmt.Errorf("postgres: encode balances for %s: %w", a.ID, err)
	}

	const query = `
		INSERT INTO accounts (
			id, balances, create_order_after, total_balance,
			listen_key, last_listen_key_update, last_order_error_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			balances               = EXCLUDED.balances,
			create_order_after     = EXCLUDED.create_order_after,
			total_balance          = EXCLUDED.total_balance,
			listen_key             = EXCLUDED.listen_key,
			last_listen_key_update = EXCLUDED.last_listen_key_update,
			last_order_error_at    = EXCLUDED.last_order_error_at,
			updated_at             = NOW()`

	_, err = s.pool.Exec(ctx, query,
		a.ID, balances, a.CreateOrderAfter, a.TotalBalance,
		a.ListenKey, a.LastListenKeyUpdate, a.LastOrderErrorAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert account %s: %w", a.ID, err)
	}
	return nil
}

// SetCreateOrderAfter persists the rate-limit breaker timestamp.
func (s *AccountStore) SetCreateOrderAfter(ctx context.Context, id string, t time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET create_order_after = $2, updated_at = NOW() WHERE id = $1`,
		id, t)
	if err != nil {
		return fmt.Errorf("postgres: set create_order_after %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateBalances replaces the per-asset balances.
func (s *AccountStore) UpdateBalances(ctx context.Context, id string, balances []domain.Balance) error {
	data, err := json.Marshal(balances)
	if err != nil {
		return fmt.Errorf("postgres: encode balances for %s: %w", id, err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET balances = $2, updated_at = NOW() WHERE id = $1`,
		id, data)
	if err != nil {
		return fmt.Errorf("postgres: update balances %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetListenKey persists the user-data stream listen key and its keep-alive
// timestamp.
func (s *AccountStore) SetListenKey(ctx context.Context, id, listenKey string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET
			listen_key             = $2,
			last_listen_key_update = $3,
			updated_at             = NOW()
		WHERE id = $1`, id, listenKey, at)
	if err != nil {
		return fmt.Errorf("postgres: set listen key %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Compile-time interface check.
var _ domain.AccountStore = (*AccountStore)(nil)
