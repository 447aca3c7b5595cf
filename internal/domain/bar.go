package domain

import "time"

// PriceBar is one OHLCV sample for a pair. Bars are append-only; at most one
// bar exists per (pair, timestamp).
type PriceBar struct {
	ID         string
	PairID     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	Indicators *IndicatorSnapshot // nil until enough history exists
	CreatedAt  time.Time
}

// MACDValue is the MACD line, its signal line, and the histogram at a single
// point in time.
type MACDValue struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// BollingerBands holds the upper, middle, and lower band values.
type BollingerBands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// VolumeRegime buckets the latest volume relative to its trailing mean.
type VolumeRegime string

const (
	VolumeRegimeHigh    VolumeRegime = "HIGH"
	VolumeRegimeMedium  VolumeRegime = "MEDIUM"
	VolumeRegimeLow     VolumeRegime = "LOW"
	VolumeRegimeUnknown VolumeRegime = "UNKNOWN"
)

// IndicatorSnapshot is the derived technical overlay on the latest bar of a
// pair. A nil pointer means the indicator is unavailable (insufficient
// history), never zero.
type IndicatorSnapshot struct {
	RSI14     *float64
	MACD      *MACDValue
	Bollinger *BollingerBands
	SMA20     *float64
	SMA50     *float64
	EMA12     *float64
	EMA26     *float64
}
