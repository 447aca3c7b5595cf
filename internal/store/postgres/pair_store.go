package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"krakenbot/internal/domain"
)

// PairStore implements domain.PairStore using PostgreSQL.
type PairStore struct {
	pool *pgxpool.Pool
}

var _ domain.PairStore = (*PairStore)(nil)

// NewPairStore creates a new PairStore backed by the given connection pool.
func NewPairStore(pool *pgxpool.Pool) *PairStore {
	return &PairStore{pool: pool}
}

// Upsert inserts the pair or refreshes its exchange metadata on conflict.
func (s *PairStore) Upsert(ctx context.Context, p domain.TradingPair) error {
	const query = `
		INSERT INTO trading_pairs (
			id, symbol, base_asset, quote_asset, display_name,
			min_order_size, price_precision, volume_precision, is_active,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (symbol) DO UPDATE SET
			base_asset = EXCLUDED.base_asset,
			quote_asset = EXCLUDED.quote_asset,
			display_name = EXCLUDED.display_name,
			min_order_size = EXCLUDED.min_order_size,
			price_precision = EXCLUDED.price_precision,
			volume_precision = EXCLUDED.volume_precision,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol, p.BaseAsset, p.QuoteAsset, p.DisplayName,
		p.MinOrderSize, p.PricePrecision, p.VolumePrecision, p.IsActive,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert pair %s: %w", p.Symbol, err)
	}
	return nil
}

// GetByID returns one pair by its id.
func (s *PairStore) GetByID(ctx context.Context, id string) (domain.TradingPair, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pairSelectCols+` FROM trading_pairs WHERE id = $1`, id)
	p, err := scanPair(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TradingPair{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TradingPair{}, fmt.Errorf("postgres: get pair %s: %w", id, err)
	}
	return p, nil
}

// GetBySymbol returns one pair by its exchange symbol.
func (s *PairStore) GetBySymbol(ctx context.Context, symbol string) (domain.TradingPair, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pairSelectCols+` FROM trading_pairs WHERE symbol = $1`, symbol)
	p, err := scanPair(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TradingPair{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TradingPair{}, fmt.Errorf("postgres: get pair by symbol %s: %w", symbol, err)
	}
	return p, nil
}

// ListActive returns all active pairs ordered by symbol.
func (s *PairStore) ListActive(ctx context.Context) ([]domain.TradingPair, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pairSelectCols+` FROM trading_pairs WHERE is_active ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active pairs: %w", err)
	}
	defer rows.Close()

	var pairs []domain.TradingPair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

const pairSelectCols = `id, symbol, base_asset, quote_asset, display_name,
	min_order_size, price_precision, volume_precision, is_active,
	created_at, updated_at`

func scanPair(scanner interface{ Scan(dest ...any) error }) (domain.TradingPair, error) {
	var p domain.TradingPair
	err := scanner.Scan(
		&p.ID, &p.Symbol, &p.BaseAsset, &p.QuoteAsset, &p.DisplayName,
		&p.MinOrderSize, &p.PricePrecision, &p.VolumePrecision, &p.IsActive,
		&p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}
