package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"krakenbot/internal/domain"
)

// PortfolioStore implements domain.PortfolioStore using PostgreSQL. The
// portfolio is a singleton row.
type PortfolioStore struct {
	pool *pgxpool.Pool
}

var _ domain.PortfolioStore = (*PortfolioStore)(nil)

// NewPortfolioStore creates a new PortfolioStore backed by the given pool.
func NewPortfolioStore(pool *pgxpool.Pool) *PortfolioStore {
	return &PortfolioStore{pool: pool}
}

// GetOrCreate returns the portfolio row, inserting it from defaults when
// absent.
func (s *PortfolioStore) GetOrCreate(ctx context.Context, defaults domain.Portfolio) (domain.Portfolio, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+portfolioSelectCols+` FROM portfolios ORDER BY created_at LIMIT 1`)
	p, err := scanPortfolio(row)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Portfolio{}, fmt.Errorf("postgres: get portfolio: %w", err)
	}

	const insert = `
		INSERT INTO portfolios (
			id, total_balance_usd, available_balance_usd, locked_balance_usd,
			total_pnl, realized_pnl, unrealized_pnl, daily_pnl,
			total_trades, winning_trades, losing_trades,
			win_rate, average_win, average_loss, profit_factor,
			max_drawdown, current_drawdown,
			open_positions_count, total_exposure_usd,
			max_position_size_pct, max_daily_loss_pct, is_trading_enabled,
			last_updated, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		          $15, $16, $17, $18, $19, $20, $21, $22, NOW(), NOW())`

	_, err = s.pool.Exec(ctx, insert,
		defaults.ID, defaults.TotalBalanceUSD, defaults.AvailableBalanceUSD, defaults.LockedBalanceUSD,
		defaults.TotalPnL, defaults.RealizedPnL, defaults.UnrealizedPnL, defaults.DailyPnL,
		defaults.TotalTrades, defaults.WinningTrades, defaults.LosingTrades,
		defaults.WinRate, defaults.AverageWin, defaults.AverageLoss, defaults.ProfitFactor,
		defaults.MaxDrawdown, defaults.CurrentDrawdown,
		defaults.OpenPositionsCount, defaults.TotalExposureUSD,
		defaults.MaxPositionSizePct, defaults.MaxDailyLossPct, defaults.IsTradingEnabled,
	)
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("postgres: create portfolio: %w", err)
	}

	row = s.pool.QueryRow(ctx,
		`SELECT `+portfolioSelectCols+` FROM portfolios WHERE id = $1`, defaults.ID)
	p, err = scanPortfolio(row)
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("postgres: reread portfolio: %w", err)
	}
	return p, nil
}

// Update rewrites the portfolio row.
func (s *PortfolioStore) Update(ctx context.Context, p domain.Portfolio) error {
	const query = `
		UPDATE portfolios SET
			total_balance_usd = $1,
			available_balance_usd = $2,
			locked_balance_usd = $3,
			total_pnl = $4,
			realized_pnl = $5,
			unrealized_pnl = $6,
			daily_pnl = $7,
			total_trades = $8,
			winning_trades = $9,
			losing_trades = $10,
			win_rate = $11,
			average_win = $12,
			average_loss = $13,
			profit_factor = $14,
			max_drawdown = $15,
			current_drawdown = $16,
			open_positions_count = $17,
			total_exposure_usd = $18,
			max_position_size_pct = $19,
			max_daily_loss_pct = $20,
			is_trading_enabled = $21,
			last_updated = NOW()
		WHERE id = $22`

	tag, err := s.pool.Exec(ctx, query,
		p.TotalBalanceUSD, p.AvailableBalanceUSD, p.LockedBalanceUSD,
		p.TotalPnL, p.RealizedPnL, p.UnrealizedPnL, p.DailyPnL,
		p.TotalTrades, p.WinningTrades, p.LosingTrades,
		p.WinRate, p.AverageWin, p.AverageLoss, p.ProfitFactor,
		p.MaxDrawdown, p.CurrentDrawdown,
		p.OpenPositionsCount, p.TotalExposureUSD,
		p.MaxPositionSizePct, p.MaxDailyLossPct, p.IsTradingEnabled,
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update portfolio %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const portfolioSelectCols = `id, total_balance_usd, available_balance_usd, locked_balance_usd,
	total_pnl, realized_pnl, unrealized_pnl, daily_pnl,
	total_trades, winning_trades, losing_trades,
	win_rate, average_win, average_loss, profit_factor,
	max_drawdown, current_drawdown,
	open_positions_count, total_exposure_usd,
	max_position_size_pct, max_daily_loss_pct, is_trading_enabled,
	last_updated, created_at`

func scanPortfolio(scanner interface{ Scan(dest ...any) error }) (domain.Portfolio, error) {
	var p domain.Portfolio
	err := scanner.Scan(
		&p.ID, &p.TotalBalanceUSD, &p.AvailableBalanceUSD, &p.LockedBalanceUSD,
		&p.TotalPnL, &p.RealizedPnL, &p.UnrealizedPnL, &p.DailyPnL,
		&p.TotalTrades, &p.WinningTrades, &p.LosingTrades,
		&p.WinRate, &p.AverageWin, &p.AverageLoss, &p.ProfitFactor,
		&p.MaxDrawdown, &p.CurrentDrawdown,
		&p.OpenPositionsCount, &p.TotalExposureUSD,
		&p.MaxPositionSizePct, &p.MaxDailyLossPct, &p.IsTradingEnabled,
		&p.LastUpdated, &p.CreatedAt,
	)
	return p, err
}
