package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"krakenbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. A partial
// unique index on (entry_order_id) WHERE is_open enforces at most one open
// position per entry order.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, pair_id, entry_order_id, signal_id,
			side, amount, remaining_amount, entry_price, current_price,
			unrealized_pnl, realized_pnl, total_fees,
			stop_loss_price, take_profit_price, trailing_stop_distance,
			is_open, max_unrealized_pnl, max_unrealized_loss,
			opened_at, updated_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		          $13, $14, $15, $16, $17, $18, $19, NOW(), $20)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.PairID, p.EntryOrderID, p.SignalID,
		string(p.Side), p.Amount, p.RemainingAmount, p.EntryPrice, p.CurrentPrice,
		p.UnrealizedPnL, p.RealizedPnL, p.TotalFees,
		p.StopLossPrice, p.TakeProfitPrice, p.TrailingStopDistance,
		p.IsOpen, p.MaxUnrealizedPnL, p.MaxUnrealizedLoss,
		p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			amount = $1,
			remaining_amount = $2,
			entry_price = $3,
			current_price = $4,
			unrealized_pnl = $5,
			realized_pnl = $6,
			total_fees = $7,
			stop_loss_price = $8,
			take_profit_price = $9,
			trailing_stop_distance = $10,
			is_open = $11,
			max_unrealized_pnl = $12,
			max_unrealized_loss = $13,
			closed_at = $14,
			updated_at = NOW()
		WHERE id = $15`

	tag, err := s.pool.Exec(ctx, query,
		p.Amount, p.RemainingAmount, p.EntryPrice, p.CurrentPrice,
		p.UnrealizedPnL, p.RealizedPnL, p.TotalFees,
		p.StopLossPrice, p.TakeProfitPrice, p.TrailingStopDistance,
		p.IsOpen, p.MaxUnrealizedPnL, p.MaxUnrealizedLoss,
		p.ClosedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns one position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetByEntryOrder returns the open position created by the given entry order.
func (s *PositionStore) GetByEntryOrder(ctx context.Context, entryOrderID string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE entry_order_id = $1 AND is_open`,
		entryOrderID)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position by entry %s: %w", entryOrderID, err)
	}
	return p, nil
}

// ListOpen returns all open positions, oldest first.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE is_open ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// List returns the full position ledger, oldest first.
func (s *PositionStore) List(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// ListClosedBefore returns closed positions older than the cutoff.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE NOT is_open AND closed_at < $1 ORDER BY closed_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions before %s: %w", before, err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// DeleteClosedBefore removes archived closed positions older than the cutoff.
func (s *PositionStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE NOT is_open AND closed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed positions before %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}

const positionSelectCols = `id, pair_id, entry_order_id, signal_id,
	side, amount, remaining_amount, entry_price, current_price,
	unrealized_pnl, realized_pnl, total_fees,
	stop_loss_price, take_profit_price, trailing_stop_distance,
	is_open, max_unrealized_pnl, max_unrealized_loss,
	opened_at, updated_at, closed_at`

func scanPosition(scanner interface{ Scan(dest ...any) error }) (domain.Position, error) {
	var p domain.Position
	var side string
	err := scanner.Scan(
		&p.ID, &p.PairID, &p.EntryOrderID, &p.SignalID,
		&side, &p.Amount, &p.RemainingAmount, &p.EntryPrice, &p.CurrentPrice,
		&p.UnrealizedPnL, &p.RealizedPnL, &p.TotalFees,
		&p.StopLossPrice, &p.TakeProfitPrice, &p.TrailingStopDistance,
		&p.IsOpen, &p.MaxUnrealizedPnL, &p.MaxUnrealizedLoss,
		&p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.PositionSide(side)
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
