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

// SignalStore implements domain.SignalStore using PostgreSQL.
type SignalStore struct {
	pool *pgxpool.Pool
}

var _ domain.SignalStore = (*SignalStore)(nil)

// NewSignalStore creates a new SignalStore backed by the given connection pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

// Insert stores a new signal.
func (s *SignalStore) Insert(ctx context.Context, sig domain.TradingSignal) error {
	const query = `
		INSERT INTO trading_signals (
			id, pair_id, signal_type, confidence,
			entry_price, target_price, stop_loss_price,
			trend_strength, volatility, volume_regime,
			support_level, resistance_level, size_pct,
			created_at, expires_at, consumed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := s.pool.Exec(ctx, query,
		sig.ID, sig.PairID, string(sig.Type), sig.Confidence,
		sig.EntryPrice, sig.TargetPrice, sig.StopLossPrice,
		sig.TrendStrength, sig.Volatility, string(sig.VolumeRegime),
		sig.SupportLevel, sig.ResistanceLevel, sig.SizePct,
		sig.CreatedAt, sig.ExpiresAt, sig.ConsumedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert signal %s: %w", sig.ID, err)
	}
	return nil
}

// MarkConsumed records that the signal was executed. Consuming a signal
// twice returns domain.ErrAlreadyExists.
func (s *SignalStore) MarkConsumed(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trading_signals SET consumed_at = $1 WHERE id = $2 AND consumed_at IS NULL`,
		at, id)
	if err != nil {
		return fmt.Errorf("postgres: mark signal consumed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already consumed; disambiguate for the caller.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM trading_signals WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: mark signal consumed %s: %w", id, err)
		}
		if exists {
			return domain.ErrAlreadyExists
		}
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns one signal.
func (s *SignalStore) GetByID(ctx context.Context, id string) (domain.TradingSignal, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+signalSelectCols+` FROM trading_signals WHERE id = $1`, id)
	sig, err := scanSignal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TradingSignal{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TradingSignal{}, fmt.Errorf("postgres: get signal %s: %w", id, err)
	}
	return sig, nil
}

// ListRecent returns signals created at or after since, newest first.
func (s *SignalStore) ListRecent(ctx context.Context, since time.Time, limit int) ([]domain.TradingSignal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+signalSelectCols+` FROM trading_signals
		 WHERE created_at >= $1 ORDER BY created_at DESC LIMIT $2`,
		since, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent signals: %w", err)
	}
	defer rows.Close()

	var signals []domain.TradingSignal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan signal: %w", err)
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

const signalSelectCols = `id, pair_id, signal_type, confidence,
	entry_price, target_price, stop_loss_price,
	trend_strength, volatility, volume_regime,
	support_level, resistance_level, size_pct,
	created_at, expires_at, consumed_at`

func scanSignal(scanner interface{ Scan(dest ...any) error }) (domain.TradingSignal, error) {
	var sig domain.TradingSignal
	var sigType, regime string
	err := scanner.Scan(
		&sig.ID, &sig.PairID, &sigType, &sig.Confidence,
		&sig.EntryPrice, &sig.TargetPrice, &sig.StopLossPrice,
		&sig.TrendStrength, &sig.Volatility, &regime,
		&sig.SupportLevel, &sig.ResistanceLevel, &sig.SizePct,
		&sig.CreatedAt, &sig.ExpiresAt, &sig.ConsumedAt,
	)
	if err != nil {
		return domain.TradingSignal{}, err
	}
	sig.Type = domain.SignalType(sigType)
	sig.VolumeRegime = domain.VolumeRegime(regime)
	return sig, nil
}
