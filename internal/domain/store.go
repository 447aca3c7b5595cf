package domain

import (
	"context"
	"time"
)

// PairStore persists trading pair metadata.
type PairStore interface {
	Upsert(ctx context.Context, pair TradingPair) error
	GetByID(ctx context.Context, id string) (TradingPair, error)
	GetBySymbol(ctx context.Context, symbol string) (TradingPair, error)
	ListActive(ctx context.Context) ([]TradingPair, error)
}

// BarStore persists OHLCV price bars and their indicator overlay.
type BarStore interface {
	// Insert stores a bar, returning ErrAlreadyExists when a bar for the
	// same (pair, timestamp) is already present.
	Insert(ctx context.Context, bar PriceBar) error
	// ListRecent returns up to limit bars for the pair in chronological
	// order, oldest first.
	ListRecent(ctx context.Context, pairID string, limit int) ([]PriceBar, error)
	Latest(ctx context.Context, pairID string) (PriceBar, error)
	UpdateIndicators(ctx context.Context, barID string, snap IndicatorSnapshot) error
	// ListBefore returns bars older than the cutoff, for archival.
	ListBefore(ctx context.Context, before time.Time) ([]PriceBar, error)
}

// SignalStore persists trading signals.
type SignalStore interface {
	Insert(ctx context.Context, sig TradingSignal) error
	MarkConsumed(ctx context.Context, id string, at time.Time) error
	GetByID(ctx context.Context, id string) (TradingSignal, error)
	ListRecent(ctx context.Context, since time.Time, limit int) ([]TradingSignal, error)
}

// OrderStore persists exchange order intents.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	Update(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	// ListOpenWithExchangeID returns all locally open orders that the
	// exchange has acknowledged; orders without an exchange id are treated
	// as never-existing and excluded.
	ListOpenWithExchangeID(ctx context.Context) ([]Order, error)
	// ListUnprotectedEntries returns open or closed entry orders that are
	// missing one or both protective child references. Used to rebuild the
	// bracket correlation map after a restart and to retry protection.
	ListUnprotectedEntries(ctx context.Context) ([]Order, error)
	SetChildOrders(ctx context.Context, entryID string, stopLossID, takeProfitID *string) error
}

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	GetByEntryOrder(ctx context.Context, entryOrderID string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	List(ctx context.Context) ([]Position, error)
	// ListClosedBefore returns closed positions older than the cutoff, for
	// archival.
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)
}

// PortfolioStore persists the portfolio singleton.
type PortfolioStore interface {
	// GetOrCreate returns the portfolio row, creating it with the given
	// defaults when absent.
	GetOrCreate(ctx context.Context, defaults Portfolio) (Portfolio, error)
	Update(ctx context.Context, p Portfolio) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}
