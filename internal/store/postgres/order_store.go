package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"krakenbot/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

var _ domain.OrderStore = (*OrderStore)(nil)

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts a new order.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, exchange_order_id, pair_id, signal_id,
			kind, side, amount, price,
			status, filled_amount, average_price, fee,
			parent_order_id, stop_loss_order_id, take_profit_order_id,
			created_at, updated_at, filled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), $17)`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.ExchangeOrderID, o.PairID, o.SignalID,
		string(o.Kind), string(o.Side), o.Amount, o.Price,
		string(o.Status), o.FilledAmount, o.AveragePrice, o.Fee,
		o.ParentOrderID, o.StopLossOrderID, o.TakeProfitOrderID,
		o.CreatedAt, o.FilledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing order.
func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	const query = `
		UPDATE orders SET
			exchange_order_id = $1,
			status = $2,
			filled_amount = $3,
			average_price = $4,
			fee = $5,
			stop_loss_order_id = $6,
			take_profit_order_id = $7,
			filled_at = $8,
			updated_at = NOW()
		WHERE id = $9`

	tag, err := s.pool.Exec(ctx, query,
		o.ExchangeOrderID, string(o.Status), o.FilledAmount, o.AveragePrice, o.Fee,
		o.StopLossOrderID, o.TakeProfitOrderID, o.FilledAt, o.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns one order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListOpenWithExchangeID returns locally open orders the exchange has
// acknowledged. Orders that never received an exchange id are excluded.
func (s *OrderStore) ListOpenWithExchangeID(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status IN ('pending', 'open') AND exchange_order_id IS NOT NULL
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// ListUnprotectedEntries returns entry orders missing one or both protective
// child references. Entry orders are those without a parent.
func (s *OrderStore) ListUnprotectedEntries(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE parent_order_id IS NULL
		   AND status IN ('open', 'closed')
		   AND (stop_loss_order_id IS NULL OR take_profit_order_id IS NULL)
		   AND exchange_order_id IS NOT NULL
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unprotected entries: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// SetChildOrders records the protective child references on an entry order.
func (s *OrderStore) SetChildOrders(ctx context.Context, entryID string, stopLossID, takeProfitID *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET stop_loss_order_id = $1, take_profit_order_id = $2, updated_at = NOW()
		 WHERE id = $3`,
		stopLossID, takeProfitID, entryID)
	if err != nil {
		return fmt.Errorf("postgres: set child orders %s: %w", entryID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const orderSelectCols = `id, exchange_order_id, pair_id, signal_id,
	kind, side, amount, price,
	status, filled_amount, average_price, fee,
	parent_order_id, stop_loss_order_id, take_profit_order_id,
	created_at, updated_at, filled_at`

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var kind, side, status string
	err := scanner.Scan(
		&o.ID, &o.ExchangeOrderID, &o.PairID, &o.SignalID,
		&kind, &side, &o.Amount, &o.Price,
		&status, &o.FilledAmount, &o.AveragePrice, &o.Fee,
		&o.ParentOrderID, &o.StopLossOrderID, &o.TakeProfitOrderID,
		&o.CreatedAt, &o.UpdatedAt, &o.FilledAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Kind = domain.OrderKind(kind)
	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

func scanOrders(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
