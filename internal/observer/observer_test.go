package observer

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/binance-trader/engine/internal/domain"
	"github.com/binance-trader/engine/internal/platform/binance"
)

type fakeOrderStore struct {
	domain.OrderStore

	stored    map[int64]domain.Order
	upserted  []domain.Order
	upsertErr error
}

func (f *fakeOrderStore) GetByID(_ context.Context, _ string, orderID int64) (domain.Order, error) {
	if o, ok := f.stored[orderID]; ok {
		return o, nil
	}
	return domain.Order{}, domain.ErrNotFound
}

func (f *fakeOrderStore) Upsert(_ context.Context, o domain.Order) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, o)
	return nil
}

type fakeAccountStore struct {
	domain.AccountStore

	account    domain.Account
	hasAccount bool
	upserted   []domain.Account
	listenKeys []string
}

func (f *fakeAccountStore) Get(_ context.Context, _ string) (domain.Account, error) {
	if !f.hasAccount {
		return domain.Account{}, domain.ErrNotFound
	}
	return f.account, nil
}

func (f *fakeAccountStore) Upsert(_ context.Context, a domain.Account) error {
	f.upserted = append(f.upserted, a)
	f.account = a
	f.hasAccount = true
	return nil
}

func (f *fakeAccountStore) UpdateBalances(_ context.Context, _ string, balances []domain.Balance) error {
	f.account.Balances = balances
	return nil
}

func (f *fakeAccountStore) SetListenKey(_ context.Context, _, listenKey string, _ time.Time) error {
	f.listenKeys = append(f.listenKeys, listenKey)
	return nil
}

type fakeAccountClient struct {
	balances []domain.Balance
}

func (f *fakeAccountClient) GetBalances(_ context.Context) ([]domain.Balance, error) {
	return f.balances, nil
}

func (f *fakeAccountClient) CreateListenKey(_ context.Context) (string, error) {
	return "lk-1", nil
}

func (f *fakeAccountClient) KeepAliveListenKey(_ context.Context, _ string) error {
	return nil
}

func newObserver(orders *fakeOrderStore, accounts *fakeAccountStore) *Observer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New("production", &fakeAccountClient{}, binance.NewUserStream("wss://example", logger), orders, accounts, logger)
}

func report() binance.ExecutionReport {
	return binance.ExecutionReport{
		EventType:       "executionReport",
		EventTime:       1700000100000,
		Symbol:          "BTCUSDT",
		OrderID:         10,
		ClientOrderID:   "bot_abc",
		Side:            "BUY",
		OrderType:       "LIMIT",
		OrderStatus:     "PARTIALLY_FILLED",
		OrderQty:        1,
		CumFilledQty:    0.4,
		Commission:      0.0002,
		CommissionAsset: "BTC",
		OrderCreated:    1700000000000,
	}
}

func TestExecutionReportAccumulatesCommission(t *testing.T) {
	orders := &fakeOrderStore{stored: map[int64]domain.Order{
		10: {
			Symbol: "BTCUSDT", OrderID: 10, Status: domain.OrderStatusNew,
			CommissionAmount:  0.0003,
			CommissionAsset:   "BTC",
			LastCancelAttempt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		},
	}}
	accounts := &fakeAccountStore{}
	o := newObserver(orders, accounts)

	o.handleExecutionReport(context.Background(), report())

	if len(orders.upserted) != 1 {
		t.Fatalf("upserted %d orders, want 1", len(orders.upserted))
	}
	got := orders.upserted[0]
	if got.CommissionAmount != 0.0005 {
		t.Errorf("commission = %v, want accumulated 0.0005", got.CommissionAmount)
	}
	if got.LastCancelAttempt.IsZero() {
		t.Error("cancel attempt timestamp must survive stream updates")
	}
	if got.Status != domain.OrderStatusPartiallyFilled || got.ExecutedQty != 0.4 {
		t.Errorf("order = %+v", got)
	}
}

func TestExecutionReportFirstSightingStoresOrder(t *testing.T) {
	orders := &fakeOrderStore{}
	o := newObserver(orders, &fakeAccountStore{})

	o.handleExecutionReport(context.Background(), report())

	if len(orders.upserted) != 1 {
		t.Fatalf("upserted %d orders, want 1", len(orders.upserted))
	}
	if got := orders.upserted[0].CommissionAmount; got != 0.0002 {
		t.Errorf("commission = %v, want 0.0002", got)
	}
}

func TestExecutionReportToleratesStaleRejection(t *testing.T) {
	orders := &fakeOrderStore{upsertErr: domain.ErrStaleOrderUpdate}
	o := newObserver(orders, &fakeAccountStore{})

	// Must not panic or retry; the stored snapshot is already newer.
	o.handleExecutionReport(context.Background(), report())
}

func balanceEvent(balances ...domain.Balance) binance.AccountPosition {
	pos := binance.AccountPosition{EventType: "outboundAccountPosition"}
	for _, b := range balances {
		pos.Balances = append(pos.Balances, struct {
			Asset  string  `json:"a"`
			Free   float64 `json:"f,string"`
			Locked float64 `json:"l,string"`
		}{Asset: b.Asset, Free: b.Free, Locked: b.Locked})
	}
	return pos
}

func TestAccountPositionMergesBalances(t *testing.T) {
	accounts := &fakeAccountStore{hasAccount: true, account: domain.Account{ID: "production"}}
	o := newObserver(&fakeOrderStore{}, accounts)

	o.handleAccountPosition(context.Background(), balanceEvent(
		domain.Balance{Asset: "USDT", Free: 900, Locked: 100},
		domain.Balance{Asset: "BTC", Free: 0.5},
	))
	// A later event only carries the assets the triggering operation
	// touched; the USDT entry must survive it.
	o.handleAccountPosition(context.Background(), balanceEvent(
		domain.Balance{Asset: "BTC", Free: 0.3},
	))

	got := accounts.account
	if got.FreeBalance("USDT") != 900 {
		t.Errorf("USDT free = %v, want 900 after a BTC-only event", got.FreeBalance("USDT"))
	}
	if got.FreeBalance("BTC") != 0.3 {
		t.Errorf("BTC free = %v, want 0.3", got.FreeBalance("BTC"))
	}
	if len(got.Balances) != 2 {
		t.Errorf("balances = %+v, want two assets", got.Balances)
	}
}

func TestBootstrapSeedsFreshAccount(t *testing.T) {
	accounts := &fakeAccountStore{}
	orders := &fakeOrderStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := &fakeAccountClient{balances: []domain.Balance{{Asset: "USDT", Free: 1000}}}
	o := New("production", client, binance.NewUserStream("wss://example", logger), orders, accounts, logger)

	listenKey, err := o.bootstrap(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if listenKey != "lk-1" {
		t.Errorf("listen key = %q", listenKey)
	}
	if len(accounts.upserted) != 1 {
		t.Fatalf("upserted %d accounts, want 1", len(accounts.upserted))
	}
	seeded := accounts.upserted[0]
	if seeded.ID != "production" || seeded.FreeBalance("USDT") != 1000 {
		t.Errorf("seeded account = %+v", seeded)
	}
	if len(accounts.listenKeys) != 1 || accounts.listenKeys[0] != "lk-1" {
		t.Errorf("listen keys = %v", accounts.listenKeys)
	}
}

func TestBootstrapKeepsBreakerOnExistingAccount(t *testing.T) {
	holdoff := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	accounts := &fakeAccountStore{hasAccount: true, account: domain.Account{
		ID:               "production",
		Balances:         []domain.Balance{{Asset: "USDT", Free: 1}},
		CreateOrderAfter: holdoff,
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := &fakeAccountClient{balances: []domain.Balance{{Asset: "USDT", Free: 1000}}}
	o := New("production", client, binance.NewUserStream("wss://example", logger), &fakeOrderStore{}, accounts, logger)

	if _, err := o.bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	seeded := accounts.account
	if seeded.FreeBalance("USDT") != 1000 {
		t.Errorf("USDT free = %v, want refreshed 1000", seeded.FreeBalance("USDT"))
	}
	if !seeded.CreateOrderAfter.Equal(holdoff) {
		t.Errorf("create_order_after = %v, want preserved %v", seeded.CreateOrderAfter, holdoff)
	}
}
