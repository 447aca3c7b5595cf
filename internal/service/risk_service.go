package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"krakenbot/internal/domain"
)

// RiskService evaluates a portfolio snapshot against its configured limits.
// The cycle scheduler consults it before executing signals and refuses to
// open new positions while the report is HIGH.
type RiskService struct {
	positions domain.PositionStore
	logger    *slog.Logger

	maxExposurePct float64
}

// NewRiskService creates a RiskService. maxExposurePct is the hard cap on
// total open exposure as a percent of the total balance.
func NewRiskService(positions domain.PositionStore, maxExposurePct float64, logger *slog.Logger) *RiskService {
	return &RiskService{
		positions:      positions,
		maxExposurePct: maxExposurePct,
		logger:         logger.With(slog.String("component", "risk_service")),
	}
}

// CheckLimits evaluates every risk limit against the given portfolio
// snapshot as of now. The daily loss limit compares realized P&L of
// positions closed since midnight UTC against max_daily_loss_pct of the
// total balance; breaching it is HIGH. An individual open position above
// max_position_size_pct is MEDIUM. Total exposure above the exposure cap is
// HIGH. A zero-balance portfolio produces no alerts.
func (s *RiskService) CheckLimits(ctx context.Context, p domain.Portfolio, now time.Time) (domain.RiskReport, error) {
	report := domain.RiskReport{Status: domain.RiskSeverityLow}
	if p.TotalBalanceUSD <= 0 {
		return report, nil
	}

	open, err := s.positions.ListOpen(ctx)
	if err != nil {
		return domain.RiskReport{}, fmt.Errorf("riskservice: list open positions: %w", err)
	}
	dailyRealized, err := s.dailyRealized(ctx, now)
	if err != nil {
		return domain.RiskReport{}, err
	}

	var alerts []domain.RiskAlert

	lossLimit := p.TotalBalanceUSD * p.MaxDailyLossPct / 100
	if dailyRealized < -lossLimit {
		alerts = append(alerts, domain.RiskAlert{
			Type:     domain.RiskAlertDailyLoss,
			Severity: domain.RiskSeverityHigh,
			Message: fmt.Sprintf("daily realized loss %.2f exceeds limit %.2f",
				dailyRealized, -lossLimit),
		})
	}

	exposure := 0.0
	for _, pos := range open {
		if pos.CurrentPrice == nil {
			continue
		}
		value := *pos.CurrentPrice * pos.RemainingAmount
		exposure += value
		pct := value / p.TotalBalanceUSD * 100
		if pct > p.MaxPositionSizePct {
			alerts = append(alerts, domain.RiskAlert{
				Type:     domain.RiskAlertPositionSize,
				Severity: domain.RiskSeverityMedium,
				Message: fmt.Sprintf("position is %.1f%% of balance, limit %.1f%%",
					pct, p.MaxPositionSizePct),
				PositionID: pos.ID,
			})
		}
	}

	exposurePct := exposure / p.TotalBalanceUSD * 100
	if exposurePct > s.maxExposurePct {
		alerts = append(alerts, domain.RiskAlert{
			Type:     domain.RiskAlertTotalExposure,
			Severity: domain.RiskSeverityHigh,
			Message: fmt.Sprintf("total exposure is %.1f%% of balance, limit %.1f%%",
				exposurePct, s.maxExposurePct),
		})
	}

	report.Alerts = alerts
	for _, a := range alerts {
		if a.Severity == domain.RiskSeverityHigh {
			report.Status = domain.RiskSeverityHigh
			break
		}
		report.Status = domain.RiskSeverityMedium
	}

	if len(alerts) > 0 {
		s.logger.WarnContext(ctx, "risk limits breached",
			slog.Int("alerts", len(alerts)),
			slog.String("status", string(report.Status)))
	}
	return report, nil
}

func (s *RiskService) dailyRealized(ctx context.Context, now time.Time) (float64, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	all, err := s.positions.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("riskservice: list positions: %w", err)
	}
	total := 0.0
	for _, pos := range all {
		if pos.IsOpen || pos.ClosedAt == nil {
			continue
		}
		if !pos.ClosedAt.Before(midnight) {
			total += pos.RealizedPnL
		}
	}
	return total, nil
}
