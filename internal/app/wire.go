package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/binance-trader/engine/internal/blob/s3"
	"github.com/binance-trader/engine/internal/bus"
	"github.com/binance-trader/engine/internal/config"
	"github.com/binance-trader/engine/internal/domain"
	"github.com/binance-trader/engine/internal/notify"
	"github.com/binance-trader/engine/internal/observer"
	"github.com/binance-trader/engine/internal/platform/binance"
	"github.com/binance-trader/engine/internal/position"
	"github.com/binance-trader/engine/internal/store/postgres"
	"github.com/binance-trader/engine/internal/strategy"
	"github.com/binance-trader/engine/internal/sweeper"
	"github.com/binance-trader/engine/internal/trader"
)

// Dependencies bundles everything the operating modes need. It is built by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	PositionStore domain.PositionStore
	OrderStore    domain.OrderStore
	MarketStore   domain.MarketStore
	AccountStore  domain.AccountStore
	SignalStore   domain.SignalStore
	CandleStore   domain.CandleStore

	Bus   *bus.StreamBus
	Relay *bus.Relay

	Exchange   *binance.Client
	UserStream *binance.UserStream

	Trader    *trader.Controller
	Positions *position.Controller
	Observer  *observer.Observer

	OrderSweeper *sweeper.OrderSweeper
	LockSweeper  *sweeper.LockSweeper
	// Archiver is nil when archiving is disabled in the configuration.
	Archiver *sweeper.Archiver

	Notifier *notify.TradeNotifier
	// NotifyTopics filters which topics produce notifications; empty means
	// all of them.
	NotifyTopics map[string]bool
}

// Wire constructs the concrete dependency graph from the configuration. The
// returned cleanup closes connections in reverse construction order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// Postgres.
	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: postgres: %w", err))
	}
	closers = append(closers, pg.Close)

	if cfg.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("wire: postgres migrations: %w", err))
		}
	}

	pool := pg.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.OrderStore = postgres.NewOrderStore(pool)
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.AccountStore = postgres.NewAccountStore(pool)
	deps.SignalStore = postgres.NewSignalStore(pool)
	deps.CandleStore = postgres.NewCandleStore(pool)

	// Redis bus plus the delayed-retry relay.
	rc, err := bus.NewClient(ctx, bus.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = rc.Close() })

	retryDelay := time.Duration(cfg.Redis.RetryDelaySeconds) * time.Second
	deps.Relay = bus.NewRelay(rc, logger, retryDelay)
	deps.Bus = bus.NewStreamBus(rc, deps.Relay, logger, int64(cfg.Redis.StreamMaxLen))

	// Exchange.
	deps.Exchange = binance.NewClient(binance.ClientConfig{
		BaseURL:   cfg.Binance.APIURL,
		APIKey:    cfg.Binance.APIKey,
		APISecret: cfg.Binance.APISecret,
	})
	deps.UserStream = binance.NewUserStream(cfg.Binance.StreamURL, logger)

	// Controllers.
	quote := make(map[string]trader.QuoteAsset, len(cfg.Trading.Quote))
	for asset, q := range cfg.Trading.Quote {
		quote[asset] = trader.QuoteAsset{
			MinOrderSize:     q.MinOrderSize,
			DefaultBuyAmount: q.DefaultBuyAmount,
		}
	}
	reconciler := trader.NewReconciler(deps.Exchange, deps.OrderStore, logger)
	deps.Trader = trader.NewController(
		trader.Config{
			AccountID:      cfg.AccountID,
			BuyOrderType:   domain.OrderType(cfg.Trading.BuyOrderType),
			SellOrderType:  domain.OrderType(cfg.Trading.SellOrderType),
			CancelCooldown: time.Duration(cfg.Trading.CancelCooldownMinutes) * time.Minute,
			Quote:          quote,
		},
		deps.Exchange, reconciler,
		deps.PositionStore, deps.OrderStore, deps.MarketStore, deps.AccountStore,
		logger,
	)

	evaluator := strategy.New(strategy.Config{
		WaitBeforeSell: time.Duration(cfg.Trading.SellWaitSeconds) * time.Second,
		TrailingPct:    cfg.Trading.TrailingPct,
	})
	deps.Positions = position.NewController(
		position.Config{
			TakeProfitPct:          cfg.Trading.TakeProfitPct,
			ArmTrailingStopLossPct: cfg.Trading.ArmTrailingPct,
		},
		deps.PositionStore, deps.SignalStore, deps.CandleStore, deps.MarketStore,
		evaluator, deps.Bus, logger,
	)

	deps.Observer = observer.New(
		cfg.AccountID, deps.Exchange, deps.UserStream,
		deps.OrderStore, deps.AccountStore, logger,
	)

	// Housekeeping.
	deps.OrderSweeper = sweeper.NewOrderSweeper(
		sweeper.OrderConfig{
			BuyOrderTTL:    time.Duration(cfg.Trading.BuyOrderTTLSeconds) * time.Second,
			SellOrderTTL:   time.Duration(cfg.Trading.SellOrderTTLSeconds) * time.Second,
			CancelCooldown: time.Duration(cfg.Trading.CancelCooldownMinutes) * time.Minute,
			ScanEvery:      time.Duration(cfg.Sweeper.OrderScanSeconds) * time.Second,
		},
		deps.Exchange, reconciler,
		deps.OrderStore, deps.PositionStore, deps.Bus,
		logger,
	)
	deps.LockSweeper = sweeper.NewLockSweeper(
		sweeper.LockConfig{
			ScanEvery: time.Duration(cfg.Sweeper.LockScanSeconds) * time.Second,
			Timeout:   time.Duration(cfg.Sweeper.LockTimeoutSeconds) * time.Second,
		},
		deps.MarketStore, logger,
	)

	if cfg.Archive.Enabled {
		s3c, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = sweeper.NewArchiver(
			sweeper.ArchiverConfig{
				Retention: time.Duration(cfg.Archive.RetentionDays) * 24 * time.Hour,
				BatchSize: 500,
				ScanEvery: time.Duration(cfg.Archive.ScanMinutes) * time.Minute,
			},
			deps.PositionStore, deps.OrderStore, s3blob.NewWriter(s3c),
			logger,
		)
	}

	// Notifications.
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewTradeNotifier(senders, logger)
		deps.NotifyTopics = make(map[string]bool, len(cfg.Notify.Events))
		for _, e := range cfg.Notify.Events {
			deps.NotifyTopics[e] = true
		}
	}

	return deps, cleanup, nil
}

// notifyOn reports whether notifications are wired for the topic.
func (d *Dependencies) notifyOn(topic string) bool {
	if d.Notifier == nil {
		return false
	}
	return len(d.NotifyTopics) == 0 || d.NotifyTopics[topic]
}
