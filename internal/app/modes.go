package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harunoki/marketd/internal/lifecycle"
	"github.com/harunoki/marketd/internal/server"
	"github.com/harunoki/marketd/internal/server/handler"
	"github.com/harunoki/marketd/internal/server/ws"
	"github.com/harunoki/marketd/internal/service"
)

// shutdownGrace is how long in-flight HTTP requests get to finish.
const shutdownGrace = 10 * time.Second

// services builds the use-case layer shared by the modes.
type services struct {
	orders     *service.OrderService
	markets    *service.MarketService
	settlement *service.SettlementService
	archiver   *service.Archiver
}

func (a *App) buildServices(deps *Dependencies) services {
	s := services{
		orders: service.NewOrderService(
			deps.MarketStore, deps.LedgerStore, deps.PriceCache,
			deps.RateLimiter, deps.SignalBus, a.cfg.Market, a.logger,
		),
		markets: service.NewMarketService(
			deps.MarketStore, deps.LedgerStore, deps.UserStore,
			deps.PriceCache, a.logger,
		),
		settlement: service.NewSettlementService(
			deps.MarketStore, deps.LedgerStore, deps.LockManager,
			deps.SignalBus, a.logger,
		),
	}
	if deps.BlobWriter != nil {
		s.archiver = service.NewArchiver(deps.MarketStore, deps.LedgerStore, deps.BlobWriter, a.logger)
	}
	return s
}

// ServeMode runs the HTTP API and WebSocket hub only. Lifecycle transitions
// are expected to be driven by a separate scheduler instance.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	return g.Wait()
}

// SchedulerMode runs the lifecycle scan loop only.
func (a *App) SchedulerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scheduler mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the HTTP API, WebSocket hub, and lifecycle loop in one
// process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	a.startScheduler(ctx, g, deps)
	return g.Wait()
}

func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	svcs := a.buildServices(deps)

	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(
		server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			AdminAPIKey: a.cfg.Server.AdminAPIKey,
		},
		server.Handlers{
			Health:  handler.NewHealthHandler(a.logger),
			Markets: handler.NewMarketHandler(svcs.markets, a.logger),
			Orders:  handler.NewOrderHandler(svcs.orders, a.logger),
			Admin:   handler.NewAdminHandler(svcs.markets, svcs.settlement, svcs.archiver, a.logger),
		},
		hub,
		a.logger,
	)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sched := lifecycle.NewScheduler(
		deps.MarketStore, deps.LedgerStore, deps.UserStore,
		deps.SignalBus, a.logger,
	)
	g.Go(func() error {
		return sched.RunLoop(ctx, a.cfg.Lifecycle.ScanInterval.Duration)
	})
}
