// Package strategy turns indicator snapshots into scored trading signals
// through weighted multi-indicator voting.
package strategy

import (
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"krakenbot/internal/domain"
	"krakenbot/internal/indicator"
)

const (
	// Voting weights per indicator. Neutral RSI and moving-average votes
	// carry the reduced weight so a flat market dilutes the score instead
	// of dropping out of the denominator.
	weightRSI        = 0.3
	weightRSINeutral = 0.1
	weightMACD       = 0.25
	weightSMA        = 0.2
	weightSMANeutral = 0.1
	weightTrend      = 0.15
	weightVolume     = 0.1

	rsiOversold   = 30.0
	rsiOverbought = 70.0

	// Trend confirmation only fires on a strong slope.
	trendConfirmThreshold = 0.7

	scoreStrong  = 0.6
	scoreActable = 0.3

	minConfidence = 0.6

	basePositionSizePct = 2.0
	maxPositionSizePct  = 5.0
)

// Generator produces at most one TradingSignal per pair per invocation from
// the trailing bar series.
type Generator struct {
	expiry time.Duration
	logger *slog.Logger
}

// NewGenerator creates a Generator. Signals expire after the given duration
// if unconsumed.
func NewGenerator(expiry time.Duration, logger *slog.Logger) *Generator {
	return &Generator{
		expiry: expiry,
		logger: logger.With(slog.String("component", "strategy")),
	}
}

// Generate evaluates the bar series (oldest first) for a pair and returns a
// signal when the weighted vote is directional enough. The second return is
// false when the market reads as HOLD, confidence falls below the floor, or
// there is not enough history.
func (g *Generator) Generate(pair domain.TradingPair, bars []domain.PriceBar, now time.Time) (domain.TradingSignal, bool) {
	if len(bars) < indicator.MinHistory {
		return domain.TradingSignal{}, false
	}

	latest := bars[len(bars)-1]
	if latest.Indicators == nil {
		return domain.TradingSignal{}, false
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		volumes[i] = b.Volume
	}

	trendStrength := indicator.TrendStrength(closes, indicator.TrendWindow)
	volatility, _ := indicator.Volatility(closes, indicator.VolatilityWindow)
	regime := indicator.VolumeProfile(volumes, indicator.VolumeWindow)
	support, resistance, haveLevels := indicator.SupportResistance(highs, lows, indicator.LevelLookback)

	score, ok := g.vote(latest, trendStrength, regime)
	if !ok {
		return domain.TradingSignal{}, false
	}

	sigType := classify(score)
	if sigType == domain.SignalHold {
		return domain.TradingSignal{}, false
	}

	confidence := math.Min(math.Abs(score), 1.0)
	if confidence < minConfidence {
		g.logger.Debug("signal below confidence floor",
			slog.String("pair", pair.Symbol),
			slog.Float64("score", score),
		)
		return domain.TradingSignal{}, false
	}

	entry := latest.Close
	var supportLevel, resistanceLevel *float64
	if haveLevels {
		supportLevel = &support
		resistanceLevel = &resistance
	}
	target, stop := tradeLevels(entry, sigType, volatility, supportLevel, resistanceLevel)

	sig := domain.TradingSignal{
		ID:              uuid.NewString(),
		PairID:          pair.ID,
		Type:            sigType,
		Confidence:      confidence,
		EntryPrice:      entry,
		TargetPrice:     target,
		StopLossPrice:   stop,
		TrendStrength:   trendStrength,
		Volatility:      volatility,
		VolumeRegime:    regime,
		SupportLevel:    supportLevel,
		ResistanceLevel: resistanceLevel,
		SizePct:         positionSizePct(confidence, volatility),
		CreatedAt:       now,
		ExpiresAt:       now.Add(g.expiry),
	}

	g.logger.Info("signal generated",
		slog.String("pair", pair.Symbol),
		slog.String("type", string(sig.Type)),
		slog.Float64("confidence", sig.Confidence),
		slog.Float64("entry", sig.EntryPrice),
		slog.Float64("target", sig.TargetPrice),
		slog.Float64("stop", sig.StopLossPrice),
	)
	return sig, true
}

// vote runs the weighted election across available indicators. Returns false
// when no indicator could cast a vote at all.
func (g *Generator) vote(latest domain.PriceBar, trendStrength float64, regime domain.VolumeRegime) (float64, bool) {
	ind := latest.Indicators

	var votes []float64
	var weights []float64
	var net float64

	cast := func(v, w float64) {
		votes = append(votes, v)
		weights = append(weights, w)
		net += v
	}

	if ind.RSI14 != nil {
		switch {
		case *ind.RSI14 < rsiOversold:
			cast(1, weightRSI)
		case *ind.RSI14 > rsiOverbought:
			cast(-1, weightRSI)
		default:
			cast(0, weightRSINeutral)
		}
	}

	if ind.MACD != nil {
		if ind.MACD.MACD > ind.MACD.Signal {
			cast(1, weightMACD)
		} else {
			cast(-1, weightMACD)
		}
	}

	if ind.SMA20 != nil && ind.SMA50 != nil {
		switch {
		case *ind.SMA20 > *ind.SMA50 && latest.Close > *ind.SMA20:
			cast(1, weightSMA)
		case *ind.SMA20 < *ind.SMA50 && latest.Close < *ind.SMA20:
			cast(-1, weightSMA)
		default:
			cast(0, weightSMANeutral)
		}
	}

	// Trend and volume confirm an existing direction only; neither can
	// start one on its own.
	if trendStrength > trendConfirmThreshold && net != 0 {
		cast(sign(net), weightTrend)
	}
	if regime == domain.VolumeRegimeHigh && net != 0 {
		cast(sign(net), weightVolume)
	}

	if len(votes) == 0 {
		return 0, false
	}

	var weighted, total float64
	for i := range votes {
		weighted += votes[i] * weights[i]
		total += weights[i]
	}
	return weighted / total, true
}

func classify(score float64) domain.SignalType {
	switch {
	case score > scoreStrong:
		return domain.SignalStrongBuy
	case score > scoreActable:
		return domain.SignalBuy
	case score < -scoreStrong:
		return domain.SignalStrongSell
	case score < -scoreActable:
		return domain.SignalSell
	default:
		return domain.SignalHold
	}
}

// tradeLevels derives target and stop prices from a volatility factor
// clamped to [0.5%, 5%]. Targets never cross the nearest resistance (longs)
// or support (shorts), each with a 1% safety margin.
func tradeLevels(entry float64, sigType domain.SignalType, volatility float64, support, resistance *float64) (target, stop float64) {
	volFactor := math.Max(0.005, math.Min(volatility/100, 0.05))

	if sigType.IsBuy() {
		target = entry * (1 + volFactor*2)
		stop = entry * (1 - volFactor)
		if resistance != nil && *resistance > entry {
			target = math.Min(target, *resistance*0.99)
		}
		return target, stop
	}

	target = entry * (1 - volFactor*2)
	stop = entry * (1 + volFactor)
	if support != nil && *support < entry {
		target = math.Max(target, *support*1.01)
	}
	return target, stop
}

// positionSizePct scales the 2% base size by confidence and damps it as
// volatility rises, capped at 5%.
func positionSizePct(confidence, volatility float64) float64 {
	volFactor := math.Max(0.5, 1-volatility/10)
	return math.Min(basePositionSizePct*confidence*volFactor, maxPositionSizePct)
}

func sign(v float64) float64 {
	if v > 0 {
		return 1
	}
	return -1
}
