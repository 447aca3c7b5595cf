package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"krakenbot/internal/domain"
)

// BarStore implements domain.BarStore using PostgreSQL. The indicator
// snapshot is stored as a JSONB column next to the raw OHLCV fields.
type BarStore struct {
	pool *pgxpool.Pool
}

var _ domain.BarStore = (*BarStore)(nil)

// NewBarStore creates a new BarStore backed by the given connection pool.
func NewBarStore(pool *pgxpool.Pool) *BarStore {
	return &BarStore{pool: pool}
}

// Insert stores one bar. A duplicate (pair, timestamp) returns
// domain.ErrAlreadyExists.
func (s *BarStore) Insert(ctx context.Context, b domain.PriceBar) error {
	const query = `
		INSERT INTO price_bars (id, pair_id, ts, open, high, low, close, volume, indicators, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`

	_, err := s.pool.Exec(ctx, query,
		b.ID, b.PairID, b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume, b.Indicators,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert bar %s: %w", b.ID, err)
	}
	return nil
}

// ListRecent returns up to limit bars for the pair, oldest first.
func (s *BarStore) ListRecent(ctx context.Context, pairID string, limit int) ([]domain.PriceBar, error) {
	// Fetch newest-first with the limit, then flip to chronological order.
	const query = `
		SELECT ` + barSelectCols + `
		FROM (
			SELECT ` + barSelectCols + ` FROM price_bars
			WHERE pair_id = $1 ORDER BY ts DESC LIMIT $2
		) recent
		ORDER BY ts ASC`

	rows, err := s.pool.Query(ctx, query, pairID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent bars %s: %w", pairID, err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// Latest returns the newest bar for the pair.
func (s *BarStore) Latest(ctx context.Context, pairID string) (domain.PriceBar, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+barSelectCols+` FROM price_bars WHERE pair_id = $1 ORDER BY ts DESC LIMIT 1`,
		pairID)
	b, err := scanBar(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PriceBar{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.PriceBar{}, fmt.Errorf("postgres: latest bar %s: %w", pairID, err)
	}
	return b, nil
}

// UpdateIndicators attaches the indicator snapshot to an existing bar.
func (s *BarStore) UpdateIndicators(ctx context.Context, barID string, snap domain.IndicatorSnapshot) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE price_bars SET indicators = $1 WHERE id = $2`, &snap, barID)
	if err != nil {
		return fmt.Errorf("postgres: update bar indicators %s: %w", barID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListBefore returns bars older than the cutoff, oldest first.
func (s *BarStore) ListBefore(ctx context.Context, before time.Time) ([]domain.PriceBar, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+barSelectCols+` FROM price_bars WHERE ts < $1 ORDER BY ts ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bars before %s: %w", before, err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// DeleteBefore removes bars older than the cutoff after archival.
func (s *BarStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM price_bars WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete bars before %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}

const barSelectCols = `id, pair_id, ts, open, high, low, close, volume, indicators, created_at`

func scanBar(scanner interface{ Scan(dest ...any) error }) (domain.PriceBar, error) {
	var b domain.PriceBar
	err := scanner.Scan(
		&b.ID, &b.PairID, &b.Timestamp,
		&b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
		&b.Indicators, &b.CreatedAt,
	)
	return b, err
}

func scanBars(rows pgx.Rows) ([]domain.PriceBar, error) {
	var bars []domain.PriceBar
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}
