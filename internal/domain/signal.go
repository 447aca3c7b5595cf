package domain

import "time"

// SignalType is the recommended trade direction on an ordinal scale.
type SignalType string

const (
	SignalStrongSell SignalType = "STRONG_SELL"
	SignalSell       SignalType = "SELL"
	SignalHold       SignalType = "HOLD"
	SignalBuy        SignalType = "BUY"
	SignalStrongBuy  SignalType = "STRONG_BUY"
)

// IsBuy reports whether the signal recommends opening a long position.
func (t SignalType) IsBuy() bool {
	return t == SignalBuy || t == SignalStrongBuy
}

// IsSell reports whether the signal recommends opening a short position.
func (t SignalType) IsSell() bool {
	return t == SignalSell || t == SignalStrongSell
}

// TradingSignal is an immutable scored trade recommendation produced by the
// signal generator. A signal is consumed at most once and becomes inert after
// expiry or consumption.
type TradingSignal struct {
	ID            string
	PairID        string
	Type          SignalType
	Confidence    float64 // [0,1]
	EntryPrice    float64
	TargetPrice   float64
	StopLossPrice float64

	TrendStrength   float64
	Volatility      float64
	VolumeRegime    VolumeRegime
	SupportLevel    *float64
	ResistanceLevel *float64

	// SizePct is the recommended position size as a percentage of the
	// available balance.
	SizePct float64

	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// Expired reports whether the signal has passed its expiry at the given time.
func (s TradingSignal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Consumed reports whether the signal has already been executed.
func (s TradingSignal) Consumed() bool {
	return s.ConsumedAt != nil
}
