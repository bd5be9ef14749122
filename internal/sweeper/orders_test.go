package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/binance-trader/engine/internal/domain"
	"github.com/binance-trader/engine/internal/platform/binance"
	"github.com/binance-trader/engine/internal/trader"
)

type fakeExchange struct {
	orders    map[int64]domain.Order
	canceled  []int64
	cancelErr error
}

func (f *fakeExchange) PlaceOrder(context.Context, binance.PlaceOrderRequest) (domain.Order, int, error) {
	return domain.Order{}, 0, errors.New("not used")
}

func (f *fakeExchange) GetOrder(_ context.Context, _ string, orderID int64) (domain.Order, error) {
	if o, ok := f.orders[orderID]; ok {
		return o, nil
	}
	return domain.Order{}, &binance.APIError{Code: -2013, HTTPStatus: 400, Msg: "Order does not exist."}
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ string, orderID int64) (domain.Order, error) {
	f.canceled = append(f.canceled, orderID)
	if f.cancelErr != nil {
		return domain.Order{}, f.cancelErr
	}
	o := f.orders[orderID]
	o.Status = domain.OrderStatusCanceled
	f.orders[orderID] = o
	return o, nil
}

type fakeOrderStore struct {
	domain.OrderStore

	sweepable      []domain.Order
	upserted       []domain.Order
	cancelAttempts []int64
}

func (f *fakeOrderStore) ListSweepable(_ context.Context, _ time.Time) ([]domain.Order, error) {
	return f.sweepable, nil
}

func (f *fakeOrderStore) Upsert(_ context.Context, o domain.Order) error {
	f.upserted = append(f.upserted, o)
	return nil
}

func (f *fakeOrderStore) GetByID(_ context.Context, _ string, orderID int64) (domain.Order, error) {
	for i := len(f.upserted) - 1; i >= 0; i-- {
		if f.upserted[i].OrderID == orderID {
			return f.upserted[i], nil
		}
	}
	return domain.Order{}, domain.ErrNotFound
}

func (f *fakeOrderStore) RecordCancelAttempt(_ context.Context, _ string, orderID int64, _ time.Time) error {
	f.cancelAttempts = append(f.cancelAttempts, orderID)
	return nil
}

type fakePositionStore struct {
	domain.PositionStore

	bySellOrder map[int64]domain.Position
}

func (f *fakePositionStore) GetBySellOrderID(_ context.Context, _ string, orderID int64) (domain.Position, error) {
	if p, ok := f.bySellOrder[orderID]; ok {
		return p, nil
	}
	return domain.Position{}, domain.ErrNotFound
}

type fakeBus struct {
	domain.Bus

	published map[string][][]byte
}

func (f *fakeBus) Publish(_ context.Context, topic string, payload []byte) error {
	if f.published == nil {
		f.published = make(map[string][][]byte)
	}
	f.published[topic] = append(f.published[topic], payload)
	return nil
}

type sweepEnv struct {
	sweeper   *OrderSweeper
	exchange  *fakeExchange
	orders    *fakeOrderStore
	positions *fakePositionStore
	bus       *fakeBus
	now       time.Time
}

func newSweepEnv() *sweepEnv {
	exchange := &fakeExchange{orders: map[int64]domain.Order{}}
	orders := &fakeOrderStore{}
	positions := &fakePositionStore{bySellOrder: map[int64]domain.Position{}}
	bus := &fakeBus{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := NewOrderSweeper(
		OrderConfig{
			BuyOrderTTL:    5 * time.Minute,
			SellOrderTTL:   20 * time.Minute,
			CancelCooldown: 15 * time.Minute,
		},
		exchange, trader.NewReconciler(exchange, orders, logger),
		orders, positions, bus, logger,
	)
	s.Now = func() time.Time { return now }
	return &sweepEnv{s, exchange, orders, positions, bus, now}
}

func (e *sweepEnv) restingOrder(id int64, side domain.OrderSide, age time.Duration) domain.Order {
	o := domain.Order{
		Symbol:        "BTCUSDT",
		OrderID:       id,
		ClientOrderID: "bot_abc",
		Side:          side,
		Type:          domain.OrderTypeLimit,
		Status:        domain.OrderStatusNew,
		OrigQty:       1,
		Time:          e.now.Add(-age),
	}
	e.exchange.orders[id] = o
	return o
}

func TestSweepCancelsExpiredBuy(t *testing.T) {
	env := newSweepEnv()
	env.orders.sweepable = []domain.Order{env.restingOrder(1, domain.OrderSideBuy, 10*time.Minute)}

	env.sweeper.Sweep(context.Background())

	if len(env.exchange.canceled) != 1 || env.exchange.canceled[0] != 1 {
		t.Fatalf("canceled = %v, want [1]", env.exchange.canceled)
	}
	if len(env.orders.cancelAttempts) != 1 {
		t.Error("cancel attempt must be recorded")
	}
	if len(env.orders.upserted) == 0 {
		t.Error("post-cancel snapshot must be reconciled")
	}
	if len(env.bus.published) != 0 {
		t.Error("cancelled buys must not emit requeue events")
	}
}

func TestSweepTTLPerSide(t *testing.T) {
	env := newSweepEnv()
	env.orders.sweepable = []domain.Order{
		// Past the buy TTL but well under the sell TTL.
		env.restingOrder(1, domain.OrderSideBuy, 10*time.Minute),
		env.restingOrder(2, domain.OrderSideSell, 10*time.Minute),
	}

	env.sweeper.Sweep(context.Background())

	if len(env.exchange.canceled) != 1 || env.exchange.canceled[0] != 1 {
		t.Errorf("canceled = %v, want only the buy", env.exchange.canceled)
	}
}

func TestSweepSkipsNonCandidates(t *testing.T) {
	env := newSweepEnv()

	young := env.restingOrder(1, domain.OrderSideBuy, time.Minute)

	manual := env.restingOrder(2, domain.OrderSideBuy, 10*time.Minute)
	manual.ClientOrderID = "web_4f2a"
	env.exchange.orders[2] = manual

	market := env.restingOrder(3, domain.OrderSideBuy, 10*time.Minute)
	market.Type = domain.OrderTypeMarket
	env.exchange.orders[3] = market

	cooling := env.restingOrder(4, domain.OrderSideBuy, 10*time.Minute)
	cooling.LastCancelAttempt = env.now.Add(-time.Minute)
	env.exchange.orders[4] = cooling

	env.orders.sweepable = []domain.Order{young, manual, market, cooling}
	env.sweeper.Sweep(context.Background())

	if len(env.exchange.canceled) != 0 {
		t.Errorf("canceled = %v, want none", env.exchange.canceled)
	}
}

func TestSweepCancelFailureFallsBackToReconcile(t *testing.T) {
	env := newSweepEnv()
	order := env.restingOrder(1, domain.OrderSideBuy, 10*time.Minute)
	env.orders.sweepable = []domain.Order{order}
	env.exchange.cancelErr = errors.New("order filled")

	// The filled state is what the reconcile fetch will see.
	filled := order
	filled.Status = domain.OrderStatusFilled
	filled.ExecutedQty = 1
	env.exchange.orders[1] = filled

	env.sweeper.Sweep(context.Background())

	if len(env.orders.upserted) == 0 {
		t.Fatal("expected reconcile fallback to persist the fetched order")
	}
	if got := env.orders.upserted[len(env.orders.upserted)-1].Status; got != domain.OrderStatusFilled {
		t.Errorf("reconciled status = %s, want FILLED", got)
	}
}

func TestSweepSkipsOrderUnknownToExchange(t *testing.T) {
	env := newSweepEnv()
	order := env.restingOrder(1, domain.OrderSideSell, time.Hour)
	env.orders.sweepable = []domain.Order{order}
	env.exchange.cancelErr = errors.New("order does not exist")
	// The exchange has no record of the order, so the fallback reconcile
	// gets -2013.
	delete(env.exchange.orders, 1)

	env.sweeper.Sweep(context.Background())

	if len(env.orders.upserted) != 0 {
		t.Errorf("upserted = %v, want nothing for an order the exchange never saw", env.orders.upserted)
	}
	if len(env.bus.published) != 0 {
		t.Error("no requeue may be published without a reconciled sell")
	}
	if len(env.orders.cancelAttempts) != 1 {
		t.Error("the cancel attempt must still be recorded")
	}
}

func TestSweepRequeuesCancelledSell(t *testing.T) {
	env := newSweepEnv()
	order := env.restingOrder(5, domain.OrderSideSell, 30*time.Minute)
	env.orders.sweepable = []domain.Order{order}
	env.positions.bySellOrder[5] = domain.Position{
		ID:     "BTCUSDT_1h_1700000000000",
		Symbol: "BTCUSDT",
		Status: domain.PositionStatusClosed,
	}

	env.sweeper.Sweep(context.Background())

	events := env.bus.published[domain.TopicPositionClosedRequeue]
	if len(events) != 1 {
		t.Fatalf("requeue events = %d, want 1", len(events))
	}
	var pos domain.Position
	if err := json.Unmarshal(events[0], &pos); err != nil {
		t.Fatal(err)
	}
	if pos.ID != "BTCUSDT_1h_1700000000000" {
		t.Errorf("requeued position = %q", pos.ID)
	}
}

func TestSweepRequeueSkipsOrphanSell(t *testing.T) {
	env := newSweepEnv()
	env.orders.sweepable = []domain.Order{env.restingOrder(6, domain.OrderSideSell, 30*time.Minute)}

	env.sweeper.Sweep(context.Background())

	if len(env.bus.published) != 0 {
		t.Error("sell without a position must not emit a requeue event")
	}
}

type fakeMarketStore struct {
	domain.MarketStore

	released []string
	cutoff   time.Time
}

func (f *fakeMarketStore) ReleaseExpiredLocks(_ context.Context, cutoff time.Time) ([]string, error) {
	f.cutoff = cutoff
	return f.released, nil
}

func TestLockSweeperCutoff(t *testing.T) {
	markets := &fakeMarketStore{released: []string{"BTCUSDT"}}
	s := NewLockSweeper(LockConfig{}, markets, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	s.Sweep(context.Background())

	if want := now.Add(-time.Minute); !markets.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", markets.cutoff, want)
	}
}
