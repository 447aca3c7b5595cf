package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"krakenbot/internal/domain"
)

// PortfolioReader exposes the portfolio snapshot.
type PortfolioReader interface {
	Get(ctx context.Context) (domain.Portfolio, error)
}

// PortfolioHandler serves the portfolio summary endpoint.
type PortfolioHandler struct {
	portfolio PortfolioReader
	logger    *slog.Logger
}

func NewPortfolioHandler(portfolio PortfolioReader, logger *slog.Logger) *PortfolioHandler {
	return &PortfolioHandler{portfolio: portfolio, logger: logger}
}

type portfolioResponse struct {
	TotalBalanceUSD     float64 `json:"total_balance_usd"`
	AvailableBalanceUSD float64 `json:"available_balance_usd"`
	LockedBalanceUSD    float64 `json:"locked_balance_usd"`

	TotalPnL      float64 `json:"total_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	DailyPnL      float64 `json:"daily_pnl"`

	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	ProfitFactor  float64 `json:"profit_factor"`

	MaxDrawdown     float64 `json:"max_drawdown"`
	CurrentDrawdown float64 `json:"current_drawdown"`

	OpenPositionsCount int     `json:"open_positions_count"`
	TotalExposureUSD   float64 `json:"total_exposure_usd"`

	IsTradingEnabled bool      `json:"is_trading_enabled"`
	LastUpdated      time.Time `json:"last_updated"`
}

// GetPortfolio returns the portfolio summary.
// GET /api/portfolio
func (h *PortfolioHandler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.portfolio.Get(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get portfolio failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load portfolio")
		return
	}

	writeJSON(w, http.StatusOK, portfolioResponse{
		TotalBalanceUSD:     p.TotalBalanceUSD,
		AvailableBalanceUSD: p.AvailableBalanceUSD,
		LockedBalanceUSD:    p.LockedBalanceUSD,
		TotalPnL:            p.TotalPnL,
		RealizedPnL:         p.RealizedPnL,
		UnrealizedPnL:       p.UnrealizedPnL,
		DailyPnL:            p.DailyPnL,
		TotalTrades:         p.TotalTrades,
		WinningTrades:       p.WinningTrades,
		LosingTrades:        p.LosingTrades,
		WinRate:             p.WinRate,
		AverageWin:          p.AverageWin,
		AverageLoss:         p.AverageLoss,
		ProfitFactor:        p.ProfitFactor,
		MaxDrawdown:         p.MaxDrawdown,
		CurrentDrawdown:     p.CurrentDrawdown,
		OpenPositionsCount:  p.OpenPositionsCount,
		TotalExposureUSD:    p.TotalExposureUSD,
		IsTradingEnabled:    p.IsTradingEnabled,
		LastUpdated:         p.LastUpdated,
	})
}
