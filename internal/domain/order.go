package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the opposing side, used when closing a position or
// placing protective child orders.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderKind is the exchange order type.
type OrderKind string

const (
	OrderKindMarket     OrderKind = "market"
	OrderKindLimit      OrderKind = "limit"
	OrderKindStopLoss   OrderKind = "stop-loss"
	OrderKindTakeProfit OrderKind = "take-profit"
)

// OrderStatus tracks the order lifecycle. Transitions are
// pending -> open -> closed | canceled | expired; the exchange's reported
// status is always authoritative over the local record.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusExpired  OrderStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusClosed || s == OrderStatusCanceled || s == OrderStatusExpired
}

// Order is a single exchange order intent. ExchangeOrderID is nil until the
// exchange acknowledges placement; an order whose exchange id was never
// confirmed is treated as never-existing and excluded from reconciliation.
// Orders are mutated only by the bracket order manager in response to
// exchange confirmations.
type Order struct {
	ID              string
	ExchangeOrderID *string
	PairID          string
	SignalID        *string

	Kind   OrderKind
	Side   OrderSide
	Amount float64
	Price  *float64 // nil for market orders

	Status       OrderStatus
	FilledAmount float64
	AveragePrice *float64
	Fee          float64

	// Bracket linkage. An entry order carries references to its protective
	// children once they are placed; a child order points back through
	// ParentOrderID.
	ParentOrderID     *string
	StopLossOrderID   *string
	TakeProfitOrderID *string

	CreatedAt time.Time
	UpdatedAt time.Time
	FilledAt  *time.Time
}

// HasExchangeID reports whether the exchange ever acknowledged this order.
func (o Order) HasExchangeID() bool {
	return o.ExchangeOrderID != nil && *o.ExchangeOrderID != ""
}

// Protected reports whether both protective children have been recorded.
func (o Order) Protected() bool {
	return o.StopLossOrderID != nil && o.TakeProfitOrderID != nil
}

// OrderUpdate describes one status change discovered during reconciliation.
type OrderUpdate struct {
	OrderID      string
	OldStatus    OrderStatus
	NewStatus    OrderStatus
	FilledAmount float64
	AveragePrice float64
}
