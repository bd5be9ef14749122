package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/binance-trader/engine/internal/domain"
)

// Consumer group names. Each group sees every message on its topics once,
// regardless of how many replicas of a mode are running.
const (
	groupTrader    = "trader"
	groupPositions = "positions"
	groupNotify    = "notify"
)

// TraderMode runs order execution: the position-lifecycle consumers, the
// account observer, and both sweepers.
func (a *App) TraderMode(ctx context.Context, deps *Dependencies) error {
	a.logger.Info("starting trader mode")
	g, ctx := errgroup.WithContext(ctx)

	a.startRelay(ctx, g, deps)
	a.startTrader(ctx, g, deps)
	a.startSweepers(ctx, g, deps, false)
	a.startNotify(ctx, g, deps)
	a.startOpsServer(ctx, g)

	return g.Wait()
}

// PositionsMode runs the strategy side: the signal and candle consumers that
// create, evaluate and close positions.
func (a *App) PositionsMode(ctx context.Context, deps *Dependencies) error {
	a.logger.Info("starting positions mode")
	g, ctx := errgroup.WithContext(ctx)

	a.startRelay(ctx, g, deps)
	a.startPositions(ctx, g, deps)
	a.startOpsServer(ctx, g)

	return g.Wait()
}

// HousekeeperMode runs only the periodic jobs: sweepers and the archiver.
func (a *App) HousekeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.Info("starting housekeeper mode")
	g, ctx := errgroup.WithContext(ctx)

	a.startRelay(ctx, g, deps)
	a.startSweepers(ctx, g, deps, true)
	a.startOpsServer(ctx, g)

	return g.Wait()
}

// AllMode runs every component in one process.
func (a *App) AllMode(ctx context.Context, deps *Dependencies) error {
	a.logger.Info("starting all mode")
	g, ctx := errgroup.WithContext(ctx)

	a.startRelay(ctx, g, deps)
	a.startTrader(ctx, g, deps)
	a.startPositions(ctx, g, deps)
	a.startSweepers(ctx, g, deps, true)
	a.startNotify(ctx, g, deps)
	a.startOpsServer(ctx, g)

	return g.Wait()
}

func (a *App) startRelay(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return deps.Relay.Run(ctx, deps.Bus.Redeliver)
	})
}

func (a *App) startTrader(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return deps.Bus.Subscribe(ctx, domain.TopicPositionCreated, groupTrader, deps.Trader.HandlePositionCreated)
	})
	g.Go(func() error {
		return deps.Bus.Subscribe(ctx, domain.TopicPositionClosed, groupTrader, deps.Trader.HandlePositionClosed)
	})
	g.Go(func() error {
		return deps.Bus.Subscribe(ctx, domain.TopicPositionClosedRequeue, groupTrader, deps.Trader.HandlePositionClosedRequeue)
	})
	g.Go(func() error {
		return deps.Observer.Run(ctx)
	})
}

func (a *App) startPositions(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return deps.Bus.Subscribe(ctx, domain.TopicSignalClosed, groupPositions, deps.Positions.HandleSignalClosed)
	})
	g.Go(func() error {
		return deps.Bus.Subscribe(ctx, domain.TopicCandleProcessed, groupPositions, deps.Positions.HandleCandleProcessed)
	})
}

func (a *App) startSweepers(ctx context.Context, g *errgroup.Group, deps *Dependencies, withArchiver bool) {
	g.Go(func() error {
		return deps.OrderSweeper.Run(ctx)
	})
	g.Go(func() error {
		return deps.LockSweeper.Run(ctx)
	})
	if withArchiver && deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}
}

func (a *App) startNotify(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.notifyOn(domain.TopicPositionCreated) {
		g.Go(func() error {
			return deps.Bus.Subscribe(ctx, domain.TopicPositionCreated, groupNotify, deps.Notifier.HandlePositionCreated)
		})
	}
	if deps.notifyOn(domain.TopicPositionClosed) {
		g.Go(func() error {
			return deps.Bus.Subscribe(ctx, domain.TopicPositionClosed, groupNotify, deps.Notifier.HandlePositionClosed)
		})
	}
}

// startOpsServer serves /healthz and /metrics on the configured address.
func (a *App) startOpsServer(ctx context.Context, g *errgroup.Group) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: mux,
	}

	g.Go(func() error {
		a.logger.Info("ops listener started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	})
}
