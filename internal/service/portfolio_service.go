package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"krakenbot/internal/domain"
)

// PortfolioService keeps the portfolio singleton in sync with the exchange
// account and recomputes performance metrics from the full position ledger.
type PortfolioService struct {
	exchange   domain.Exchange
	portfolios domain.PortfolioStore
	positions  domain.PositionStore
	logger     *slog.Logger

	maxPositionSizePct float64
	maxDailyLossPct    float64
}

// NewPortfolioService creates a PortfolioService. The risk percentages seed
// the portfolio row on first creation.
func NewPortfolioService(
	exchange domain.Exchange,
	portfolios domain.PortfolioStore,
	positions domain.PositionStore,
	maxPositionSizePct, maxDailyLossPct float64,
	logger *slog.Logger,
) *PortfolioService {
	return &PortfolioService{
		exchange:           exchange,
		portfolios:         portfolios,
		positions:          positions,
		maxPositionSizePct: maxPositionSizePct,
		maxDailyLossPct:    maxDailyLossPct,
		logger:             logger.With(slog.String("component", "portfolio_service")),
	}
}

func (s *PortfolioService) defaults() domain.Portfolio {
	now := time.Now().UTC()
	return domain.Portfolio{
		ID:                 uuid.NewString(),
		MaxPositionSizePct: s.maxPositionSizePct,
		MaxDailyLossPct:    s.maxDailyLossPct,
		IsTradingEnabled:   true,
		LastUpdated:        now,
		CreatedAt:          now,
	}
}

// Get returns the portfolio row, creating it with defaults when absent.
func (s *PortfolioService) Get(ctx context.Context) (domain.Portfolio, error) {
	p, err := s.portfolios.GetOrCreate(ctx, s.defaults())
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("portfolioservice: load portfolio: %w", err)
	}
	return p, nil
}

// RefreshBalance pulls the account balance from the exchange and writes it to
// the portfolio row.
func (s *PortfolioService) RefreshBalance(ctx context.Context) (domain.Portfolio, error) {
	balances, err := s.exchange.Balances(ctx)
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("portfolioservice: fetch balances: %w", err)
	}

	p, err := s.portfolios.GetOrCreate(ctx, s.defaults())
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("portfolioservice: load portfolio: %w", err)
	}
	p.TotalBalanceUSD = balances.TotalUSD
	p.AvailableBalanceUSD = balances.AvailableUSD
	p.LockedBalanceUSD = balances.TotalUSD - balances.AvailableUSD
	p.LastUpdated = time.Now().UTC()
	if err := s.portfolios.Update(ctx, p); err != nil {
		return domain.Portfolio{}, fmt.Errorf("portfolioservice: store balance: %w", err)
	}

	s.logger.InfoContext(ctx, "balance refreshed",
		slog.Float64("total_usd", p.TotalBalanceUSD),
		slog.Float64("available_usd", p.AvailableBalanceUSD))
	return p, nil
}

// RecomputeMetrics rebuilds every derived portfolio metric from the full
// position ledger as of now. The computation is idempotent: running it twice
// over the same ledger yields the same row.
func (s *PortfolioService) RecomputeMetrics(ctx context.Context, now time.Time) (domain.Portfolio, error) {
	positions, err := s.positions.List(ctx)
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("portfolioservice: list positions: %w", err)
	}
	p, err := s.portfolios.GetOrCreate(ctx, s.defaults())
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("portfolioservice: load portfolio: %w", err)
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var (
		realized, unrealized, exposure float64
		dailyPnL                       float64
		wins, losses, openCount        int
		winSum, lossSum                float64
		peakPnL                        float64
	)
	for _, pos := range positions {
		if pos.MaxUnrealizedPnL > peakPnL {
			peakPnL = pos.MaxUnrealizedPnL
		}
		if pos.IsOpen {
			openCount++
			if pos.CurrentPrice != nil {
				unrealized += pos.PnLAt(*pos.CurrentPrice)
				exposure += *pos.CurrentPrice * pos.RemainingAmount
			}
			continue
		}
		realized += pos.RealizedPnL
		if pos.ClosedAt != nil && !pos.ClosedAt.Before(midnight) {
			dailyPnL += pos.RealizedPnL
		}
		switch {
		case pos.RealizedPnL > 0:
			wins++
			winSum += pos.RealizedPnL
		case pos.RealizedPnL < 0:
			losses++
			lossSum += pos.RealizedPnL
		}
	}

	closedCount := 0
	for _, pos := range positions {
		if !pos.IsOpen {
			closedCount++
		}
	}

	p.TotalTrades = len(positions)
	p.OpenPositionsCount = openCount
	p.RealizedPnL = realized
	p.UnrealizedPnL = unrealized
	p.TotalPnL = realized + unrealized
	p.DailyPnL = dailyPnL
	p.WinningTrades = wins
	p.LosingTrades = losses
	p.WinRate = 0
	if closedCount > 0 {
		p.WinRate = float64(wins) / float64(closedCount) * 100
	}
	p.AverageWin = 0
	if wins > 0 {
		p.AverageWin = winSum / float64(wins)
	}
	p.AverageLoss = 0
	if losses > 0 {
		p.AverageLoss = lossSum / float64(losses)
	}
	p.ProfitFactor = 0
	if lossSum < 0 {
		p.ProfitFactor = winSum / -lossSum
	}
	p.CurrentDrawdown = 0
	if peakPnL > 0 && peakPnL > p.TotalPnL {
		p.CurrentDrawdown = peakPnL - p.TotalPnL
	}
	if p.CurrentDrawdown > p.MaxDrawdown {
		p.MaxDrawdown = p.CurrentDrawdown
	}
	p.TotalExposureUSD = exposure
	p.LastUpdated = now

	if err := s.portfolios.Update(ctx, p); err != nil {
		return domain.Portfolio{}, fmt.Errorf("portfolioservice: store metrics: %w", err)
	}
	return p, nil
}

// UpdatePositionPnL marks an open position at the given price, tracking the
// running max favorable and max adverse excursions.
func (s *PortfolioService) UpdatePositionPnL(ctx context.Context, positionID string, price float64) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("portfolioservice: load position: %w", err)
	}
	if !pos.IsOpen {
		return domain.Position{}, fmt.Errorf("portfolioservice: position %s: %w", positionID, domain.ErrPositionClosed)
	}

	pnl := pos.PnLAt(price)
	pos.CurrentPrice = &price
	pos.UnrealizedPnL = pnl
	if pnl > pos.MaxUnrealizedPnL {
		pos.MaxUnrealizedPnL = pnl
	}
	if pnl < pos.MaxUnrealizedLoss {
		pos.MaxUnrealizedLoss = pnl
	}
	pos.UpdatedAt = time.Now().UTC()
	if err := s.positions.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("portfolioservice: store position %s: %w", positionID, err)
	}
	return pos, nil
}

// TrailingStopCandidate returns the stop price a trailing stop would move to
// at the given mark price, and whether moving there tightens the position.
// Positions without a trailing distance never move.
func TrailingStopCandidate(pos domain.Position, price float64) (float64, bool) {
	if pos.TrailingStopDistance == nil || *pos.TrailingStopDistance <= 0 {
		return 0, false
	}
	var candidate float64
	if pos.Side == domain.PositionSideLong {
		candidate = price - *pos.TrailingStopDistance
	} else {
		candidate = price + *pos.TrailingStopDistance
	}
	if !pos.Tightens(candidate) {
		return 0, false
	}
	return candidate, true
}
