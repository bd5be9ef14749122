package trader

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/binance-trader/engine/internal/domain"
	"github.com/binance-trader/engine/internal/platform/binance"
)

type fakeExchange struct {
	placed []binance.PlaceOrderRequest

	placeOrder  domain.Order
	placeCount  int
	placeErr    error
	getOrders   map[int64]domain.Order
	canceled    []int64
	cancelErr   error
	afterCancel map[int64]domain.Order
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req binance.PlaceOrderRequest) (domain.Order, int, error) {
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return domain.Order{}, f.placeCount, f.placeErr
	}
	return f.placeOrder, f.placeCount, nil
}

func (f *fakeExchange) GetOrder(_ context.Context, _ string, orderID int64) (domain.Order, error) {
	if o, ok := f.getOrders[orderID]; ok {
		return o, nil
	}
	return domain.Order{}, &binance.APIError{Code: -2013, HTTPStatus: 400, Msg: "Order does not exist."}
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ string, orderID int64) (domain.Order, error) {
	f.canceled = append(f.canceled, orderID)
	if f.cancelErr != nil {
		return domain.Order{}, f.cancelErr
	}
	if o, ok := f.afterCancel[orderID]; ok {
		f.getOrders[orderID] = o
		return o, nil
	}
	return domain.Order{}, nil
}

type fakePositionStore struct {
	domain.PositionStore

	hasBuy     bool
	open       []domain.Position
	buyOrders  map[string]domain.Order
	sellOrders map[string]domain.Order
}

func (f *fakePositionStore) HasBuyOrder(_ context.Context, _ string) (bool, error) {
	return f.hasBuy, nil
}

func (f *fakePositionStore) ListOpenByQuoteAsset(_ context.Context, _ string) ([]domain.Position, error) {
	return f.open, nil
}

func (f *fakePositionStore) SetBuyOrder(_ context.Context, id string, order domain.Order) error {
	if f.buyOrders == nil {
		f.buyOrders = make(map[string]domain.Order)
	}
	f.buyOrders[id] = order
	return nil
}

func (f *fakePositionStore) SetSellOrder(_ context.Context, id string, order domain.Order) error {
	if f.sellOrders == nil {
		f.sellOrders = make(map[string]domain.Order)
	}
	f.sellOrders[id] = order
	return nil
}

type fakeOrderStore struct {
	domain.OrderStore

	upserted       []domain.Order
	cancelAttempts []int64
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

type fakeMarketStore struct {
	domain.MarketStore

	market    domain.Market
	lockErr   error
	locked    []string
	released  []string
}

func (f *fakeMarketStore) GetBySymbol(_ context.Context, _ string) (domain.Market, error) {
	return f.market, nil
}

func (f *fakeMarketStore) AcquireLock(_ context.Context, symbol string, _ time.Time) error {
	if f.lockErr != nil {
		return f.lockErr
	}
	f.locked = append(f.locked, symbol)
	return nil
}

func (f *fakeMarketStore) ReleaseLock(_ context.Context, symbol string) error {
	f.released = append(f.released, symbol)
	return nil
}

type fakeAccountStore struct {
	domain.AccountStore

	account    domain.Account
	breakerSet []time.Time
}

func (f *fakeAccountStore) Get(_ context.Context, _ string) (domain.Account, error) {
	return f.account, nil
}

func (f *fakeAccountStore) SetCreateOrderAfter(_ context.Context, _ string, t time.Time) error {
	f.breakerSet = append(f.breakerSet, t)
	return nil
}

type testEnv struct {
	controller *Controller
	exchange   *fakeExchange
	positions  *fakePositionStore
	orders     *fakeOrderStore
	markets    *fakeMarketStore
	accounts   *fakeAccountStore
}

func newTestEnv() *testEnv {
	exchange := &fakeExchange{getOrders: map[int64]domain.Order{}, afterCancel: map[int64]domain.Order{}}
	positions := &fakePositionStore{}
	orders := &fakeOrderStore{}
	markets := &fakeMarketStore{market: domain.Market{
		Symbol:         "BTCUSDT",
		BaseAsset:      "BTC",
		QuoteAsset:     "USDT",
		PriceTickSize:  0.01,
		StepSize:       0.0001,
		LastPrice:      100,
		TradingEnabled: true,
	}}
	accounts := &fakeAccountStore{account: domain.Account{
		ID:       "production",
		Balances: []domain.Balance{{Asset: "USDT", Free: 1000}},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reconciler := NewReconciler(exchange, orders, logger)
	controller := NewController(
		Config{
			AccountID:      "production",
			BuyOrderType:   domain.OrderTypeMarket,
			SellOrderType:  domain.OrderTypeLimit,
			CancelCooldown: 15 * time.Minute,
			Quote:          map[string]QuoteAsset{"USDT": {MinOrderSize: 10, DefaultBuyAmount: 100}},
		},
		exchange, reconciler, positions, orders, markets, accounts, logger,
	)
	return &testEnv{controller, exchange, positions, orders, markets, accounts}
}

func openPosition() domain.Position {
	return domain.Position{
		ID:       "BTCUSDT_1h_1700000000000",
		Symbol:   "BTCUSDT",
		Interval: "1h",
		Status:   domain.PositionStatusOpen,
		BuyPrice: 100,
	}
}

func TestPlaceBuyOrderMarket(t *testing.T) {
	env := newTestEnv()
	env.exchange.placeOrder = domain.Order{
		Symbol: "BTCUSDT", OrderID: 1, Side: domain.OrderSideBuy,
		Status: domain.OrderStatusFilled, ExecutedQty: 1,
	}

	if err := env.controller.PlaceBuyOrder(context.Background(), openPosition()); err != nil {
		t.Fatal(err)
	}

	if len(env.exchange.placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(env.exchange.placed))
	}
	req := env.exchange.placed[0]
	if req.QuoteOrderQty != 100 || req.Type != domain.OrderTypeMarket || req.Side != domain.OrderSideBuy {
		t.Errorf("request = %+v", req)
	}
	if !strings.HasPrefix(req.ClientOrderID, "bot_") {
		t.Errorf("client order id = %q, want bot_ prefix", req.ClientOrderID)
	}
	if len(req.ClientOrderID) > 36 {
		t.Errorf("client order id too long: %d chars", len(req.ClientOrderID))
	}

	if len(env.markets.locked) != 1 || len(env.markets.released) != 1 {
		t.Errorf("lock acquired %d released %d, want 1/1", len(env.markets.locked), len(env.markets.released))
	}
	if len(env.orders.upserted) != 1 {
		t.Error("expected order snapshot to be persisted")
	}
	if _, ok := env.positions.buyOrders["BTCUSDT_1h_1700000000000"]; !ok {
		t.Error("expected buy order attached to position")
	}
}

func TestPlaceBuyOrderGuards(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*testEnv)
	}{
		{"market disabled", func(e *testEnv) { e.markets.market.TradingEnabled = false }},
		{"breaker active", func(e *testEnv) {
			e.accounts.account.CreateOrderAfter = time.Now().Add(time.Hour)
		}},
		{"buy order exists", func(e *testEnv) { e.positions.hasBuy = true }},
		{"insufficient balance", func(e *testEnv) {
			e.accounts.account.Balances = []domain.Balance{{Asset: "USDT", Free: 50}}
		}},
		{"lock held", func(e *testEnv) { e.markets.lockErr = domain.ErrLockHeld }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv()
			tc.setup(env)

			if err := env.controller.PlaceBuyOrder(context.Background(), openPosition()); err != nil {
				t.Fatalf("guard must abort silently, got %v", err)
			}
			if len(env.exchange.placed) != 0 {
				t.Error("guard must prevent order placement")
			}
		})
	}
}

func TestPlaceBuyOrderReservesBalanceAcrossPositions(t *testing.T) {
	env := newTestEnv()
	// 1000 free, but nine other open positions without buy orders reserve
	// 900, leaving exactly one buy amount disposable.
	for i := 0; i < 9; i++ {
		env.positions.open = append(env.positions.open, domain.Position{ID: "other"})
	}
	env.exchange.placeOrder = domain.Order{Symbol: "BTCUSDT", OrderID: 1}

	if err := env.controller.PlaceBuyOrder(context.Background(), openPosition()); err != nil {
		t.Fatal(err)
	}
	if len(env.exchange.placed) != 1 {
		t.Fatal("expected buy with exactly one amount left")
	}

	// A tenth reservation pushes disposable below the buy amount.
	env = newTestEnv()
	for i := 0; i < 10; i++ {
		env.positions.open = append(env.positions.open, domain.Position{ID: "other"})
	}
	if err := env.controller.PlaceBuyOrder(context.Background(), openPosition()); err != nil {
		t.Fatal(err)
	}
	if len(env.exchange.placed) != 0 {
		t.Error("expected buy to be skipped when balance is reserved")
	}
}

func TestPlaceBuyOrderReleasesLockOnFailure(t *testing.T) {
	env := newTestEnv()
	env.exchange.placeErr = errors.New("exchange down")

	err := env.controller.PlaceBuyOrder(context.Background(), openPosition())
	if err == nil {
		t.Fatal("expected placement error")
	}
	if len(env.markets.released) != 1 {
		t.Error("lock must be released on failure")
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	env := newTestEnv()
	env.exchange.placeOrder = domain.Order{Symbol: "BTCUSDT", OrderID: 1}
	env.exchange.placeCount = maxOrderCount10s

	if err := env.controller.PlaceBuyOrder(context.Background(), openPosition()); err != nil {
		t.Fatal(err)
	}
	if len(env.accounts.breakerSet) != 1 {
		t.Fatal("expected breaker to trip at the threshold")
	}

	env = newTestEnv()
	env.exchange.placeOrder = domain.Order{Symbol: "BTCUSDT", OrderID: 1}
	env.exchange.placeCount = maxOrderCount10s - 1

	if err := env.controller.PlaceBuyOrder(context.Background(), openPosition()); err != nil {
		t.Fatal(err)
	}
	if len(env.accounts.breakerSet) != 0 {
		t.Error("breaker must not trip below the threshold")
	}
}

func closedPosition() domain.Position {
	return domain.Position{
		ID:          "BTCUSDT_1h_1700000000000",
		Symbol:      "BTCUSDT",
		Status:      domain.PositionStatusClosed,
		BuyPrice:    100,
		SellPrice:   105,
		SellTrigger: domain.SellTriggerTakeProfit,
		BuyOrder:    &domain.Order{Symbol: "BTCUSDT", OrderID: 10, Side: domain.OrderSideBuy},
	}
}

func TestPlaceSellOrderCommissionAwareQty(t *testing.T) {
	env := newTestEnv()
	env.exchange.getOrders[10] = domain.Order{
		Symbol: "BTCUSDT", OrderID: 10, Side: domain.OrderSideBuy,
		Status: domain.OrderStatusFilled, OrigQty: 1, ExecutedQty: 1,
		CommissionAmount: 0.001, CommissionAsset: "BTC",
	}
	env.exchange.placeOrder = domain.Order{Symbol: "BTCUSDT", OrderID: 11, Side: domain.OrderSideSell}

	if err := env.controller.PlaceSellOrder(context.Background(), closedPosition()); err != nil {
		t.Fatal(err)
	}

	// Two requests never happen here; the only placed order is the sell.
	if len(env.exchange.placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(env.exchange.placed))
	}
	req := env.exchange.placed[0]
	if req.Side != domain.OrderSideSell || req.Type != domain.OrderTypeLimit {
		t.Errorf("request = %+v", req)
	}
	// 1 executed minus 0.001 BTC commission, floored to the step.
	if req.Quantity != 0.999 {
		t.Errorf("qty = %v, want 0.999", req.Quantity)
	}
	if req.Price != 105 {
		t.Errorf("price = %v, want 105", req.Price)
	}
	if _, ok := env.positions.sellOrders[closedPosition().ID]; !ok {
		t.Error("expected sell order attached to position")
	}
}

func TestPlaceSellOrderCancelsUnfilledBuy(t *testing.T) {
	env := newTestEnv()
	env.exchange.getOrders[10] = domain.Order{
		Symbol: "BTCUSDT", OrderID: 10, Side: domain.OrderSideBuy,
		Status: domain.OrderStatusPartiallyFilled, OrigQty: 1, ExecutedQty: 0.4,
	}
	// The cancel races a fill: the re-reconcile sees more executed.
	env.exchange.afterCancel[10] = domain.Order{
		Symbol: "BTCUSDT", OrderID: 10, Side: domain.OrderSideBuy,
		Status: domain.OrderStatusCanceled, OrigQty: 1, ExecutedQty: 0.5,
	}
	env.exchange.placeOrder = domain.Order{Symbol: "BTCUSDT", OrderID: 11}

	if err := env.controller.PlaceSellOrder(context.Background(), closedPosition()); err != nil {
		t.Fatal(err)
	}
	if len(env.exchange.canceled) != 1 || env.exchange.canceled[0] != 10 {
		t.Fatalf("canceled = %v, want [10]", env.exchange.canceled)
	}
	if got := env.exchange.placed[0].Quantity; got != 0.5 {
		t.Errorf("qty = %v, want the post-cancel fill 0.5", got)
	}
}

func TestPlaceSellOrderBelowMinNotional(t *testing.T) {
	env := newTestEnv()
	env.exchange.getOrders[10] = domain.Order{
		Symbol: "BTCUSDT", OrderID: 10, Side: domain.OrderSideBuy,
		Status: domain.OrderStatusFilled, OrigQty: 0.05, ExecutedQty: 0.05,
	}

	// 0.05 * 105 = 5.25 < 10 minimum: abort without error.
	if err := env.controller.PlaceSellOrder(context.Background(), closedPosition()); err != nil {
		t.Fatal(err)
	}
	if len(env.exchange.placed) != 0 {
		t.Error("expected sell to be aborted below minimum notional")
	}
	if len(env.markets.released) != 1 {
		t.Error("lock must be released on abort")
	}
}

func TestPlaceSellOrderNoBuyOrderIsNoop(t *testing.T) {
	env := newTestEnv()
	pos := closedPosition()
	pos.BuyOrder = nil

	if err := env.controller.PlaceSellOrder(context.Background(), pos); err != nil {
		t.Fatal(err)
	}
	if len(env.exchange.placed) != 0 {
		t.Error("no-op expected without a buy order")
	}
}

func TestSellPathErrorsPropagate(t *testing.T) {
	env := newTestEnv()
	env.markets.lockErr = domain.ErrLockHeld

	err := env.controller.PlaceSellOrder(context.Background(), closedPosition())
	if !errors.Is(err, domain.ErrLockHeld) {
		t.Errorf("err = %v, want ErrLockHeld to propagate", err)
	}

	env = newTestEnv()
	env.accounts.account.CreateOrderAfter = time.Now().Add(time.Hour)
	err = env.controller.PlaceSellOrder(context.Background(), closedPosition())
	if !errors.Is(err, domain.ErrOrderLimitReached) {
		t.Errorf("err = %v, want ErrOrderLimitReached to propagate", err)
	}
}

func TestSellSkipsOrderUnknownToExchange(t *testing.T) {
	env := newTestEnv()
	// The buy order id is absent from the exchange, which answers -2013.
	err := env.controller.PlaceSellOrder(context.Background(), closedPosition())
	if err != nil {
		t.Fatalf("err = %v, want nil for an order the exchange never saw", err)
	}
	if len(env.exchange.placed) != 0 {
		t.Error("no sell may be placed without a reconciled buy")
	}
	if len(env.markets.released) != len(env.markets.locked) {
		t.Error("lock must be released on the skip path")
	}

	env = newTestEnv()
	err = env.controller.ReplaceSellOrder(context.Background(), requeuePosition())
	if err != nil {
		t.Fatalf("err = %v, want nil for a requeue the exchange never saw", err)
	}
	if len(env.exchange.placed) != 0 {
		t.Error("no replacement sell may be placed without a reconciled order")
	}
}

func requeuePosition() domain.Position {
	pos := closedPosition()
	pos.SellOrder = &domain.Order{Symbol: "BTCUSDT", OrderID: 20, Side: domain.OrderSideSell}
	return pos
}

func TestReplaceSellOrder(t *testing.T) {
	env := newTestEnv()
	env.exchange.getOrders[20] = domain.Order{
		Symbol: "BTCUSDT", OrderID: 20, Side: domain.OrderSideSell,
		Status: domain.OrderStatusNew, OrigQty: 1, ExecutedQty: 0.2,
	}
	env.exchange.afterCancel[20] = domain.Order{
		Symbol: "BTCUSDT", OrderID: 20, Side: domain.OrderSideSell,
		Status: domain.OrderStatusCanceled, OrigQty: 1, ExecutedQty: 0.2,
	}
	env.exchange.placeOrder = domain.Order{Symbol: "BTCUSDT", OrderID: 21}

	if err := env.controller.ReplaceSellOrder(context.Background(), requeuePosition()); err != nil {
		t.Fatal(err)
	}

	if len(env.orders.cancelAttempts) != 1 || env.orders.cancelAttempts[0] != 20 {
		t.Errorf("cancel attempts = %v, want [20]", env.orders.cancelAttempts)
	}
	if len(env.exchange.canceled) != 1 {
		t.Fatal("expected prior sell to be cancelled")
	}
	req := env.exchange.placed[0]
	if req.Type != domain.OrderTypeMarket || req.Quantity != 0.8 {
		t.Errorf("replacement = %+v, want MARKET for remaining 0.8", req)
	}
}

func TestReplaceSellOrderHonorsCancelCooldown(t *testing.T) {
	env := newTestEnv()
	env.exchange.getOrders[20] = domain.Order{
		Symbol: "BTCUSDT", OrderID: 20, Side: domain.OrderSideSell,
		Status: domain.OrderStatusNew, OrigQty: 1,
		LastCancelAttempt: time.Now().Add(-time.Minute),
	}

	if err := env.controller.ReplaceSellOrder(context.Background(), requeuePosition()); err != nil {
		t.Fatal(err)
	}
	if len(env.exchange.canceled) != 0 || len(env.exchange.placed) != 0 {
		t.Error("cooldown must prevent another cancel attempt")
	}
}

func TestHandlerFailureAsymmetry(t *testing.T) {
	env := newTestEnv()
	env.markets.lockErr = domain.ErrLockHeld

	payload, _ := json.Marshal(closedPosition())

	// Buy path: swallowed.
	if err := env.controller.HandlePositionCreated(context.Background(), payload); err != nil {
		t.Errorf("buy handler must swallow errors, got %v", err)
	}
	// Sell path: propagated.
	if err := env.controller.HandlePositionClosed(context.Background(), payload); err == nil {
		t.Error("sell handler must propagate errors")
	}
}
