// Package app owns the application lifecycle: it wires the stores, caches,
// exchange clients, services, and scheduler together and runs them until
// shutdown.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"krakenbot/internal/bot"
	"krakenbot/internal/config"
	"krakenbot/internal/notify"
	"krakenbot/internal/platform/kraken"
	"krakenbot/internal/server"
	"krakenbot/internal/server/handler"
	"krakenbot/internal/service"
	"krakenbot/internal/strategy"
)

// App is the root application object.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the scheduler and its satellites, and
// blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("log_level", a.cfg.LogLevel),
		slog.Any("pairs", a.cfg.Trading.Pairs),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, cleanup)

	// Services.
	marketSvc := service.NewMarketService(
		deps.Exchange, deps.Pairs, deps.Bars, deps.Prices,
		a.cfg.Trading.Pairs,
		time.Duration(a.cfg.Trading.OHLCIntervalMinutes)*time.Minute,
		a.logger,
	)
	gen := strategy.NewGenerator(a.cfg.Trading.SignalExpiry.Duration, a.logger)
	signalSvc := service.NewSignalService(gen, deps.Pairs, deps.Bars, deps.Signals, deps.Bus, a.logger)
	orderSvc := service.NewOrderService(
		deps.Exchange, deps.Orders, deps.Positions, deps.Pairs, deps.Signals, deps.Audit, deps.Bus,
		a.cfg.Trading.TrailingStopDistancePct,
		a.logger,
	)
	portfolioSvc := service.NewPortfolioService(
		deps.Exchange, deps.Portfolios, deps.Positions,
		a.cfg.Risk.MaxPositionSizePct, a.cfg.Risk.MaxDailyLossPct,
		a.logger,
	)
	riskSvc := service.NewRiskService(deps.Positions, a.cfg.Risk.MaxExposurePct, a.logger)

	trader := bot.New(
		marketSvc, signalSvc, orderSvc, portfolioSvc, riskSvc,
		deps.Positions, deps.Pairs, deps.Prices, deps.Bus,
		bot.Intervals{
			MarketData: a.cfg.Intervals.MarketData.Duration,
			Signals:    a.cfg.Intervals.Signals.Duration,
			Reconcile:  a.cfg.Intervals.Reconcile.Duration,
			Portfolio:  a.cfg.Intervals.Portfolio.Duration,
			Tick:       a.cfg.Intervals.Tick.Duration,
		},
		a.cfg.Trading.MaxSignalsPerCycle,
		a.cfg.Trading.MinOrderUSD,
		a.logger,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(trader.Run(ctx))
	})

	// Live ticker feed between REST refreshes.
	if deps.WS != nil {
		g.Go(func() error {
			return a.runTickerFeed(ctx, deps, marketSvc)
		})
	}

	// Notification relay, only when a channel is configured.
	if a.cfg.Notify.TelegramToken != "" || a.cfg.Notify.DiscordWebhookURL != "" {
		listener := notify.NewListener(
			deps.Bus, deps.Pairs, deps.Notifier,
			service.SignalChannel, service.AlertChannel, bot.CycleStream,
			a.logger,
		)
		g.Go(func() error {
			return ignoreCanceled(listener.Run(ctx))
		})
	}

	// Cold storage archiver on its cron schedule.
	if deps.Archiver != nil {
		c := cron.New()
		if _, err := c.AddFunc(a.cfg.Archive.Cron, func() {
			if err := deps.Archiver.Run(ctx, time.Now().UTC()); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed",
					slog.String("error", err.Error()))
			}
		}); err != nil {
			a.logger.WarnContext(ctx, "invalid archive cron expression, archiver disabled",
				slog.String("cron", a.cfg.Archive.Cron),
				slog.String("error", err.Error()))
		} else {
			c.Start()
			a.closers = append(a.closers, func() { <-c.Stop().Done() })
		}
	}

	// Status API.
	if a.cfg.Server.Enabled {
		srv := a.buildServer(deps, trader, portfolioSvc, orderSvc)
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	return g.Wait()
}

// Close tears down all resources in reverse registration order.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) buildServer(deps *Dependencies, trader *bot.Bot, portfolioSvc *service.PortfolioService, orderSvc *service.OrderService) *server.Server {
	health := handler.NewHealthHandler(map[string]handler.Pinger{
		"postgres": deps.PG.Ping,
		"redis":    deps.Redis.Ping,
	}, a.logger)

	return server.NewServer(
		server.Config{
			Port:            a.cfg.Server.Port,
			RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
		},
		server.Handlers{
			Health:    health,
			Status:    handler.NewStatusHandler(trader, deps.Signals, deps.Audit, a.logger),
			Portfolio: handler.NewPortfolioHandler(portfolioSvc, a.logger),
			Positions: handler.NewPositionHandler(deps.Positions, deps.Pairs, orderSvc, a.logger),
		},
		deps.Limiter,
		a.logger,
	)
}

// runTickerFeed connects the public WebSocket stream and pushes live prices
// into the cache. Subscription names come from the pair metadata, so the feed
// waits for the pair bootstrap to land before subscribing.
func (a *App) runTickerFeed(ctx context.Context, deps *Dependencies, marketSvc *service.MarketService) error {
	symbolByName := make(map[string]string)
	var wsNames []string
	for {
		pairs, err := deps.Pairs.ListActive(ctx)
		if err == nil && len(pairs) > 0 {
			for _, p := range pairs {
				symbolByName[p.DisplayName] = p.Symbol
				wsNames = append(wsNames, p.DisplayName)
			}
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
		}
	}

	if err := deps.WS.Connect(ctx); err != nil {
		a.logger.WarnContext(ctx, "websocket connect failed, ticker feed disabled",
			slog.String("error", err.Error()))
		return nil
	}
	deps.WS.OnTicker(func(u kraken.TickerUpdate) {
		symbol, ok := symbolByName[u.Symbol]
		if !ok {
			return
		}
		if err := marketSvc.ApplyTicker(ctx, symbol, u.Price, u.Time); err != nil {
			a.logger.WarnContext(ctx, "ticker cache update failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()))
		}
	})
	if err := deps.WS.Subscribe(wsNames); err != nil {
		a.logger.WarnContext(ctx, "websocket subscribe failed",
			slog.String("error", err.Error()))
	}

	<-ctx.Done()
	return nil
}

// ignoreCanceled maps context cancellation to a clean exit so a normal
// shutdown does not surface as an errgroup failure.
func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
