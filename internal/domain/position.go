package domain

import "time"

// PositionSide is the economic direction of a position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Position is the economic unit opened by a filled entry order. Exactly one
// non-closed position exists per entry order; a closed position is immutable.
type Position struct {
	ID           string
	PairID       string
	EntryOrderID string
	SignalID     *string

	Side            PositionSide
	Amount          float64
	RemainingAmount float64
	EntryPrice      float64
	CurrentPrice    *float64

	UnrealizedPnL float64
	RealizedPnL   float64
	TotalFees     float64

	StopLossPrice        *float64
	TakeProfitPrice      *float64
	TrailingStopDistance *float64

	IsOpen bool

	// Running extremes of unrealized P&L observed while the position was
	// open (max favorable / max adverse excursion).
	MaxUnrealizedPnL  float64
	MaxUnrealizedLoss float64

	OpenedAt  time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// PnLAt returns the side-aware P&L of the remaining amount marked at price.
func (p Position) PnLAt(price float64) float64 {
	if p.Side == PositionSideLong {
		return (price - p.EntryPrice) * p.RemainingAmount
	}
	return (p.EntryPrice - price) * p.RemainingAmount
}

// Tightens reports whether newStop reduces risk relative to the current stop.
// For a long the stop may only move up, for a short only down. A position
// without a stop accepts any stop.
func (p Position) Tightens(newStop float64) bool {
	if p.StopLossPrice == nil {
		return true
	}
	if p.Side == PositionSideLong {
		return newStop > *p.StopLossPrice
	}
	return newStop < *p.StopLossPrice
}

// CloseSide returns the order side that flattens this position.
func (p Position) CloseSide() OrderSide {
	if p.Side == PositionSideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}
