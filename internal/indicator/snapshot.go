package indicator

import "krakenbot/internal/domain"

// Standard periods used across the engine.
const (
	// MinHistory is the bar count required before any indicator snapshot is
	// produced. Below it, no analysis runs at all.
	MinHistory = 50

	RSIPeriod        = 14
	MACDFast         = 12
	MACDSlow         = 26
	MACDSignal       = 9
	BollingerPeriod  = 20
	BollingerK       = 2.0
	VolatilityWindow = 20
	TrendWindow      = 20
	VolumeWindow     = 20
	LevelLookback    = 20
)

// Snapshot derives the indicator overlay for the latest bar from a
// chronological bar series (oldest first). Series shorter than MinHistory
// yield no snapshot; individual indicators whose own window exceeds the
// series stay nil.
func Snapshot(bars []domain.PriceBar) *domain.IndicatorSnapshot {
	if len(bars) < MinHistory {
		return nil
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	snap := &domain.IndicatorSnapshot{}
	if v, ok := RSI(closes, RSIPeriod); ok {
		snap.RSI14 = &v
	}
	if v, ok := MACD(closes, MACDFast, MACDSlow, MACDSignal); ok {
		snap.MACD = &v
	}
	if v, ok := Bollinger(closes, BollingerPeriod, BollingerK); ok {
		snap.Bollinger = &v
	}
	if v, ok := SMA(closes, 20); ok {
		snap.SMA20 = &v
	}
	if v, ok := SMA(closes, 50); ok {
		snap.SMA50 = &v
	}
	if v, ok := EMA(closes, 12); ok {
		snap.EMA12 = &v
	}
	if v, ok := EMA(closes, 26); ok {
		snap.EMA26 = &v
	}
	return snap
}
