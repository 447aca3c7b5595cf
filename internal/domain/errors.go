package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrExchangeRejected = errors.New("exchange rejected request")
	ErrInsufficientData = errors.New("insufficient market data")
	ErrOrderTooSmall    = errors.New("order below pair minimum size")
	ErrPositionClosed   = errors.New("position already closed")
	ErrStopNotTighter   = errors.New("stop adjustment does not tighten risk")
	// ErrUnprotectedPosition flags a filled entry whose protective orders
	// could not be placed; the position is never silently dropped and the
	// next reconciliation sweep retries protection.
	ErrUnprotectedPosition = errors.New("filled position has no protective orders")
)
