// Package observer keeps the local account state in sync with the exchange.
// It owns the user-data-stream listen key lifecycle and applies stream events
// to the order and account stores, so fills and balance changes land locally
// without polling.
package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/binance-trader/engine/internal/domain"
	"github.com/binance-trader/engine/internal/platform/binance"
)

// listenKeyKeepAlive is how often the listen key is refreshed. The exchange
// expires keys after 60 minutes of silence.
const listenKeyKeepAlive = 30 * time.Minute

// AccountClient is the slice of the exchange client the observer needs.
type AccountClient interface {
	GetBalances(ctx context.Context) ([]domain.Balance, error)
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
}

// Observer wires the user data stream into the stores.
type Observer struct {
	accountID string
	client    AccountClient
	stream    *binance.UserStream
	orders    domain.OrderStore
	accounts  domain.AccountStore
	logger    *slog.Logger

	Now func() time.Time
}

// New creates the account observer.
func New(
	accountID string,
	client AccountClient,
	stream *binance.UserStream,
	orders domain.OrderStore,
	accounts domain.AccountStore,
	logger *slog.Logger,
) *Observer {
	o := &Observer{
		accountID: accountID,
		client:    client,
		stream:    stream,
		orders:    orders,
		accounts:  accounts,
		logger:    logger.With("component", "observer"),
		Now:       time.Now,
	}
	stream.OnExecutionReport(o.handleExecutionReport)
	stream.OnAccountPosition(o.handleAccountPosition)
	return o
}

// Run seeds the account snapshot, creates a listen key, starts the stream,
// and keeps the key alive until the context is cancelled.
func (o *Observer) Run(ctx context.Context) error {
	listenKey, err := o.bootstrap(ctx)
	if err != nil {
		return err
	}
	o.logger.Info("user data stream starting")

	go o.keepAlive(ctx, listenKey)
	return o.stream.Run(ctx, listenKey)
}

// bootstrap fetches the full balance snapshot from the exchange and upserts
// the account row before streaming starts. Stream events only carry deltas,
// so without this a fresh deployment would sit on an empty balance set and
// never pass the buy path's balance check.
func (o *Observer) bootstrap(ctx context.Context) (string, error) {
	balances, err := o.client.GetBalances(ctx)
	if err != nil {
		return "", fmt.Errorf("observer: fetch balance snapshot: %w", err)
	}

	account, err := o.accounts.Get(ctx, o.accountID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		account = domain.Account{ID: o.accountID}
	default:
		return "", fmt.Errorf("observer: load account %s: %w", o.accountID, err)
	}
	account.Balances = balances
	if err := o.accounts.Upsert(ctx, account); err != nil {
		return "", fmt.Errorf("observer: seed account %s: %w", o.accountID, err)
	}
	o.logger.Info("account snapshot seeded", "assets", len(balances))

	listenKey, err := o.client.CreateListenKey(ctx)
	if err != nil {
		return "", fmt.Errorf("observer: create listen key: %w", err)
	}
	if err := o.accounts.SetListenKey(ctx, o.accountID, listenKey, o.Now()); err != nil {
		return "", fmt.Errorf("observer: persist listen key: %w", err)
	}
	return listenKey, nil
}

func (o *Observer) keepAlive(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.client.KeepAliveListenKey(ctx, listenKey); err != nil {
				o.logger.Error("listen key keepalive failed", "error", err)
				continue
			}
			if err := o.accounts.SetListenKey(ctx, o.accountID, listenKey, o.Now()); err != nil {
				o.logger.Error("listen key timestamp update failed", "error", err)
			}
		}
	}
}

// handleExecutionReport folds an order update into the stored snapshot. The
// report's commission is the delta for this execution only, so it accumulates
// onto whatever the snapshot already carries.
func (o *Observer) handleExecutionReport(ctx context.Context, report binance.ExecutionReport) {
	order := report.ToOrder()
	log := o.logger.With("symbol", order.Symbol, "order_id", order.OrderID, "status", order.Status)

	stored, err := o.orders.GetByID(ctx, order.Symbol, order.OrderID)
	switch {
	case err == nil:
		order.CommissionAmount += stored.CommissionAmount
		if order.CommissionAsset == "" {
			order.CommissionAsset = stored.CommissionAsset
		}
		order.LastCancelAttempt = stored.LastCancelAttempt
	case errors.Is(err, domain.ErrNotFound):
		// First sighting of this order. Manual orders reach here too, and
		// they are stored like any other so balances reconcile.
	default:
		log.Error("stored order lookup failed", "error", err)
		return
	}

	if err := o.orders.Upsert(ctx, order); err != nil {
		if errors.Is(err, domain.ErrStaleOrderUpdate) {
			log.Info("stale stream update skipped")
			return
		}
		log.Error("order update failed", "error", err)
		return
	}
	log.Info("order updated from stream", "executed_qty", order.ExecutedQty)
}

// handleAccountPosition folds a balance event into the stored set. The event
// lists only the assets touched by the triggering operation, so the untouched
// remainder of the stored set must survive.
func (o *Observer) handleAccountPosition(ctx context.Context, position binance.AccountPosition) {
	account, err := o.accounts.Get(ctx, o.accountID)
	if err != nil {
		o.logger.Error("account lookup failed", "error", err)
		return
	}

	updates := position.ToBalances()
	if err := o.accounts.UpdateBalances(ctx, o.accountID, mergeBalances(account.Balances, updates)); err != nil {
		o.logger.Error("balance update failed", "error", err)
		return
	}
	o.logger.Info("balances updated from stream", "assets", len(updates))
}

// mergeBalances applies per-asset updates over the stored set, appending
// assets seen for the first time.
func mergeBalances(stored, updates []domain.Balance) []domain.Balance {
	merged := make([]domain.Balance, len(stored))
	copy(merged, stored)

	for _, u := range updates {
		replaced := false
		for i := range merged {
			if merged[i].Asset == u.Asset {
				merged[i] = u
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, u)
		}
	}
	return merged
}
