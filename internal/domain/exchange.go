package domain

import (
	"context"
	"time"
)

// OrderRequest is the payload for placing an order at the exchange.
type OrderRequest struct {
	Symbol string
	Side   OrderSide
	Kind   OrderKind
	Amount float64
	// Price is required for limit, stop-loss and take-profit orders and
	// ignored for market orders.
	Price float64
}

// ExchangeOrderState is the authoritative order status reported by the
// exchange for one order id.
type ExchangeOrderState struct {
	Status       OrderStatus
	FilledAmount float64
	AveragePrice float64
	Fee          float64
}

// Candle is one OHLCV sample as returned by the exchange, oldest first.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// PairInfo is exchange metadata for a tradable pair.
type PairInfo struct {
	Symbol          string
	BaseAsset       string
	QuoteAsset      string
	MinOrderSize    float64
	PricePrecision  int
	VolumePrecision int
}

// Balances is the account balance snapshot in quote-currency terms.
type Balances struct {
	TotalUSD     float64
	AvailableUSD float64
}

// Exchange is the opaque exchange capability consumed by the trading
// pipeline. Every call may fail with a transport error or an exchange
// rejection; both are non-fatal to the caller's tick.
type Exchange interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (exchangeOrderID string, err error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	QueryOrders(ctx context.Context, exchangeOrderIDs []string) (map[string]ExchangeOrderState, error)
	Ticker(ctx context.Context, symbols []string) (map[string]float64, error)
	OHLC(ctx context.Context, symbol string, interval time.Duration) ([]Candle, error)
	AssetPairs(ctx context.Context) (map[string]PairInfo, error)
	Balances(ctx context.Context) (Balances, error)
}
