// Package bot contains the trading cycle scheduler that drives market data
// ingestion, signal generation and execution, order reconciliation, and
// portfolio accounting on their own intervals.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"krakenbot/internal/domain"
	"krakenbot/internal/service"
)

// CycleStream is the durable event stream cycle results are appended to.
const CycleStream = "cycle_results"

// MarketUpdater ingests market data and keeps the price cache fresh.
type MarketUpdater interface {
	BootstrapPairs(ctx context.Context) error
	UpdateMarketData(ctx context.Context) (int, error)
	RefreshPrices(ctx context.Context) error
}

// SignalGenerator produces scored trade recommendations.
type SignalGenerator interface {
	GenerateSignals(ctx context.Context, now time.Time) ([]domain.TradingSignal, error)
}

// BracketManager opens and maintains bracket orders.
type BracketManager interface {
	OpenBracket(ctx context.Context, sig domain.TradingSignal, notionalUSD float64) (domain.Position, error)
	Reconcile(ctx context.Context) ([]domain.OrderUpdate, error)
	AdjustStopLoss(ctx context.Context, positionID string, newStop float64) error
	RebuildCorrelations(ctx context.Context) error
}

// PortfolioKeeper maintains balances, metrics, and per-position P&L.
type PortfolioKeeper interface {
	Get(ctx context.Context) (domain.Portfolio, error)
	RefreshBalance(ctx context.Context) (domain.Portfolio, error)
	RecomputeMetrics(ctx context.Context, now time.Time) (domain.Portfolio, error)
	UpdatePositionPnL(ctx context.Context, positionID string, price float64) (domain.Position, error)
}

// RiskChecker evaluates a portfolio snapshot against the configured limits.
type RiskChecker interface {
	CheckLimits(ctx context.Context, p domain.Portfolio, now time.Time) (domain.RiskReport, error)
}

// Intervals are the per-activity schedules of the trading cycle.
type Intervals struct {
	MarketData time.Duration
	Signals    time.Duration
	Reconcile  time.Duration
	Portfolio  time.Duration
	Tick       time.Duration
}

// CycleResult summarizes one pass of the trading cycle. Appended to the
// cycle event stream for external consumers.
type CycleResult struct {
	Timestamp          time.Time `json:"timestamp"`
	MarketDataUpdated  bool      `json:"market_data_updated"`
	SignalsGenerated   int       `json:"signals_generated"`
	PositionsOpened    int       `json:"positions_opened"`
	PositionsMonitored int       `json:"positions_monitored"`
	PortfolioUpdated   bool      `json:"portfolio_updated"`
	Errors             []string  `json:"errors,omitempty"`
}

// Bot is the cycle scheduler. Each activity runs on its own interval,
// gated by a last-run timestamp; one failing activity never unwinds the
// rest of the cycle.
type Bot struct {
	market    MarketUpdater
	signals   SignalGenerator
	orders    BracketManager
	portfolio PortfolioKeeper
	risk      RiskChecker
	positions domain.PositionStore
	pairs     domain.PairStore
	prices    domain.PriceCache
	bus       domain.EventBus
	logger    *slog.Logger

	intervals   Intervals
	maxSignals  int
	minOrderUSD float64

	lastMarketData time.Time
	lastSignals    time.Time
	lastReconcile  time.Time
	lastPortfolio  time.Time

	// statusMu guards the snapshot read by the status API; the cycle loop
	// itself is single-goroutine.
	statusMu   sync.Mutex
	running    bool
	lastResult CycleResult
}

// Status is a point-in-time snapshot of the scheduler for the status API.
type Status struct {
	Running        bool        `json:"running"`
	LastCycle      CycleResult `json:"last_cycle"`
	LastMarketData time.Time   `json:"last_market_data"`
	LastSignals    time.Time   `json:"last_signals"`
	LastReconcile  time.Time   `json:"last_reconcile"`
	LastPortfolio  time.Time   `json:"last_portfolio"`
}

// New creates a Bot. The event bus may be nil, disabling cycle streaming.
func New(
	market MarketUpdater,
	signals SignalGenerator,
	orders BracketManager,
	portfolio PortfolioKeeper,
	risk RiskChecker,
	positions domain.PositionStore,
	pairs domain.PairStore,
	prices domain.PriceCache,
	bus domain.EventBus,
	intervals Intervals,
	maxSignals int,
	minOrderUSD float64,
	logger *slog.Logger,
) *Bot {
	return &Bot{
		market:      market,
		signals:     signals,
		orders:      orders,
		portfolio:   portfolio,
		risk:        risk,
		positions:   positions,
		pairs:       pairs,
		prices:      prices,
		bus:         bus,
		intervals:   intervals,
		maxSignals:  maxSignals,
		minOrderUSD: minOrderUSD,
		logger:      logger.With(slog.String("component", "bot")),
	}
}

// Run bootstraps pair metadata, rebuilds bracket correlations, and then runs
// trading cycles until the context is canceled.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.market.BootstrapPairs(ctx); err != nil {
		return err
	}
	if err := b.orders.RebuildCorrelations(ctx); err != nil {
		b.logger.WarnContext(ctx, "bracket correlation rebuild incomplete",
			slog.String("error", err.Error()))
	}

	b.setRunning(true)
	defer b.setRunning(false)

	ticker := time.NewTicker(b.intervals.Tick)
	defer ticker.Stop()
	b.logger.InfoContext(ctx, "trading cycle started",
		slog.Duration("tick", b.intervals.Tick))

	for {
		select {
		case <-ctx.Done():
			b.logger.InfoContext(ctx, "trading cycle stopped")
			return ctx.Err()
		case <-ticker.C:
			res := b.RunCycle(ctx, time.Now().UTC())
			b.streamResult(ctx, res)
		}
	}
}

// Status returns the scheduler snapshot for the status API. Safe to call from
// any goroutine.
func (b *Bot) Status() Status {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	return Status{
		Running:        b.running,
		LastCycle:      b.lastResult,
		LastMarketData: b.lastMarketData,
		LastSignals:    b.lastSignals,
		LastReconcile:  b.lastReconcile,
		LastPortfolio:  b.lastPortfolio,
	}
}

func (b *Bot) setRunning(v bool) {
	b.statusMu.Lock()
	b.running = v
	b.statusMu.Unlock()
}

// RunCycle runs one pass over every due activity as of now and returns the
// cycle summary. Exported for the status API and tests.
func (b *Bot) RunCycle(ctx context.Context, now time.Time) CycleResult {
	res := CycleResult{Timestamp: now}

	// Timestamps advance only on success, so a failed activity is retried on
	// the next tick instead of waiting out its interval.
	if b.due(b.lastMarketData, b.intervals.MarketData, now) {
		inserted, err := b.market.UpdateMarketData(ctx)
		res.MarketDataUpdated = err == nil
		if err != nil {
			res.Errors = append(res.Errors, "market data: "+err.Error())
		} else {
			b.stamp(&b.lastMarketData, now)
			b.logger.DebugContext(ctx, "market data updated", slog.Int("bars", inserted))
		}
	}

	if b.due(b.lastSignals, b.intervals.Signals, now) {
		signals, err := b.signals.GenerateSignals(ctx, now)
		res.SignalsGenerated = len(signals)
		if err != nil {
			res.Errors = append(res.Errors, "signals: "+err.Error())
		} else {
			b.stamp(&b.lastSignals, now)
		}
		if len(signals) > 0 {
			opened, errs := b.executeSignals(ctx, signals, now)
			res.PositionsOpened = opened
			for _, e := range errs {
				res.Errors = append(res.Errors, "execute: "+e.Error())
			}
		}
	}

	if b.due(b.lastReconcile, b.intervals.Reconcile, now) {
		if _, err := b.orders.Reconcile(ctx); err != nil {
			res.Errors = append(res.Errors, "reconcile: "+err.Error())
		} else {
			b.stamp(&b.lastReconcile, now)
		}
		monitored, errs := b.monitorPositions(ctx)
		res.PositionsMonitored = monitored
		for _, e := range errs {
			res.Errors = append(res.Errors, "monitor: "+e.Error())
		}
	}

	if b.due(b.lastPortfolio, b.intervals.Portfolio, now) {
		_, balErr := b.portfolio.RefreshBalance(ctx)
		_, metErr := b.portfolio.RecomputeMetrics(ctx, now)
		res.PortfolioUpdated = balErr == nil && metErr == nil
		if res.PortfolioUpdated {
			b.stamp(&b.lastPortfolio, now)
		}
		if balErr != nil {
			res.Errors = append(res.Errors, "portfolio: "+balErr.Error())
		}
		if metErr != nil {
			res.Errors = append(res.Errors, "portfolio: "+metErr.Error())
		}
	}

	if len(res.Errors) > 0 {
		b.logger.WarnContext(ctx, "cycle finished with errors",
			slog.Int("errors", len(res.Errors)))
	}
	b.statusMu.Lock()
	b.lastResult = res
	b.statusMu.Unlock()
	return res
}

func (b *Bot) due(last time.Time, interval time.Duration, now time.Time) bool {
	return last.IsZero() || now.Sub(last) >= interval
}

func (b *Bot) stamp(field *time.Time, now time.Time) {
	b.statusMu.Lock()
	*field = now
	b.statusMu.Unlock()
}

// executeSignals opens brackets for the highest-confidence signals, capped at
// maxSignals per cycle. Execution is skipped entirely while trading is
// disabled or the risk report is HIGH.
func (b *Bot) executeSignals(ctx context.Context, signals []domain.TradingSignal, now time.Time) (int, []error) {
	p, err := b.portfolio.Get(ctx)
	if err != nil {
		return 0, []error{err}
	}
	if !p.IsTradingEnabled {
		b.logger.InfoContext(ctx, "trading disabled, signals skipped",
			slog.Int("signals", len(signals)))
		return 0, nil
	}
	report, err := b.risk.CheckLimits(ctx, p, now)
	if err != nil {
		return 0, []error{err}
	}
	if report.Blocked() {
		b.logger.WarnContext(ctx, "risk status high, signals skipped",
			slog.Int("signals", len(signals)))
		b.publishRiskAlert(ctx, report)
		return 0, nil
	}

	sort.Slice(signals, func(i, j int) bool {
		return signals[i].Confidence > signals[j].Confidence
	})
	if len(signals) > b.maxSignals {
		signals = signals[:b.maxSignals]
	}

	opened := 0
	var errs []error
	for _, sig := range signals {
		notional := p.AvailableBalanceUSD * sig.SizePct / 100
		if notional < b.minOrderUSD {
			b.logger.InfoContext(ctx, "signal below minimum notional",
				slog.String("signal_id", sig.ID),
				slog.Float64("notional", notional))
			continue
		}
		if _, err := b.orders.OpenBracket(ctx, sig, notional); err != nil {
			errs = append(errs, err)
			continue
		}
		opened++
	}
	return opened, errs
}

// monitorPositions marks every open position at the cached price, ratcheting
// trailing stops where armed.
func (b *Bot) monitorPositions(ctx context.Context) (int, []error) {
	if err := b.market.RefreshPrices(ctx); err != nil {
		return 0, []error{err}
	}
	open, err := b.positions.ListOpen(ctx)
	if err != nil {
		return 0, []error{err}
	}

	var errs []error
	for _, pos := range open {
		pair, err := b.pairs.GetByID(ctx, pos.PairID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		price, _, err := b.prices.GetPrice(ctx, pair.Symbol)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}

		updated, err := b.portfolio.UpdatePositionPnL(ctx, pos.ID, price)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if newStop, ok := service.TrailingStopCandidate(updated, price); ok {
			if err := b.orders.AdjustStopLoss(ctx, pos.ID, newStop); err != nil {
				if errors.Is(err, domain.ErrStopNotTighter) || errors.Is(err, domain.ErrPositionClosed) {
					continue
				}
				errs = append(errs, err)
			}
		}
	}
	return len(open), errs
}

// publishRiskAlert pushes a blocking risk report onto the alert channel.
func (b *Bot) publishRiskAlert(ctx context.Context, report domain.RiskReport) {
	if b.bus == nil {
		return
	}
	messages := make([]string, 0, len(report.Alerts))
	for _, a := range report.Alerts {
		messages = append(messages, a.Message)
	}
	payload, err := json.Marshal(map[string]any{
		"event":  "risk_high",
		"status": string(report.Status),
		"alerts": messages,
	})
	if err != nil {
		return
	}
	if err := b.bus.Publish(ctx, service.AlertChannel, payload); err != nil {
		b.logger.WarnContext(ctx, "risk alert publish failed",
			slog.String("error", err.Error()))
	}
}

func (b *Bot) streamResult(ctx context.Context, res CycleResult) {
	if b.bus == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := b.bus.StreamAppend(ctx, CycleStream, payload); err != nil {
		b.logger.WarnContext(ctx, "cycle stream append failed",
			slog.String("error", err.Error()))
	}
}
