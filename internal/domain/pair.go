package domain

import "time"

// TradingPair is the immutable identity of a tradable market. Pairs are
// created once at bootstrap from exchange metadata; only IsActive changes
// afterwards.
type TradingPair struct {
	ID              string
	Symbol          string // e.g. "BTCUSD"
	BaseAsset       string // e.g. "BTC"
	QuoteAsset      string // e.g. "USD"
	DisplayName     string
	MinOrderSize    float64
	PricePrecision  int
	VolumePrecision int
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RoundAmount truncates an order amount to the pair's volume precision.
func (p TradingPair) RoundAmount(amount float64) float64 {
	return roundTo(amount, p.VolumePrecision)
}

// RoundPrice truncates a price to the pair's price precision.
func (p TradingPair) RoundPrice(price float64) float64 {
	return roundTo(price, p.PricePrecision)
}

func roundTo(v float64, decimals int) float64 {
	scale := 1.0
	for i := 0; i < decimals; i++ {
		scale *= 10
	}
	if v >= 0 {
		return float64(int64(v*scale+0.5)) / scale
	}
	return float64(int64(v*scale-0.5)) / scale
}
