// Package indicator provides pure technical-indicator math over
// chronologically ordered price/volume series (oldest first). Every function
// reports availability explicitly: below its minimum window it returns
// ok=false, never a zero value.
package indicator

import (
	"math"

	"krakenbot/internal/domain"
)

// RSI computes the Relative Strength Index over the trailing window of the
// given period. Requires at least period+1 samples. When the average loss is
// exactly zero the series is fully overbought and RSI is 100.
func RSI(prices []float64, period int) (float64, bool) {
	if len(prices) < period+1 {
		return 0, false
	}

	var avgGain, avgLoss float64
	for i := len(prices) - period; i < len(prices); i++ {
		delta := prices[i] - prices[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	if avgLoss == 0 {
		return 100, true
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), true
}

// MACD computes the MACD line, signal line, and histogram at the latest
// point using exponential smoothing. Requires at least slow+signal samples.
func MACD(prices []float64, fast, slow, signal int) (domain.MACDValue, bool) {
	if len(prices) < slow+signal {
		return domain.MACDValue{}, false
	}

	emaFast := emaSeries(prices, fast)
	emaSlow := emaSeries(prices, slow)

	macdLine := make([]float64, len(prices))
	for i := range prices {
		macdLine[i] = emaFast[i] - emaSlow[i]
	}
	signalLine := emaSeries(macdLine, signal)

	last := len(prices) - 1
	return domain.MACDValue{
		MACD:      macdLine[last],
		Signal:    signalLine[last],
		Histogram: macdLine[last] - signalLine[last],
	}, true
}

// Bollinger computes the simple moving average plus/minus k standard
// deviations over the trailing window. Requires at least period samples.
func Bollinger(prices []float64, period int, k float64) (domain.BollingerBands, bool) {
	if len(prices) < period {
		return domain.BollingerBands{}, false
	}

	window := prices[len(prices)-period:]
	mean := mean(window)
	sd := stddev(window, mean)

	return domain.BollingerBands{
		Upper:  mean + k*sd,
		Middle: mean,
		Lower:  mean - k*sd,
	}, true
}

// SMA computes the simple moving average of the trailing window.
func SMA(prices []float64, period int) (float64, bool) {
	if len(prices) < period {
		return 0, false
	}
	return mean(prices[len(prices)-period:]), true
}

// EMA computes the exponential moving average at the latest point, smoothing
// across the entire series with span = period.
func EMA(prices []float64, period int) (float64, bool) {
	if len(prices) < period {
		return 0, false
	}
	series := emaSeries(prices, period)
	return series[len(series)-1], true
}

// Volatility computes the standard deviation of log returns over the
// trailing window, annualized by sqrt(365*24) assuming hourly sampling.
// Requires at least period+1 samples.
func Volatility(prices []float64, period int) (float64, bool) {
	if len(prices) < period+1 {
		return 0, false
	}

	window := prices[len(prices)-period-1:]
	returns := make([]float64, len(window)-1)
	for i := 1; i < len(window); i++ {
		returns[i-1] = math.Log(window[i] / window[i-1])
	}

	m := mean(returns)
	return stddev(returns, m) * math.Sqrt(365*24), true
}

// TrendStrength computes the slope of a least-squares linear fit over the
// trailing window, normalized by the mean price and clamped to [0,1] with a
// fixed x1000 scale factor. Series below the window report zero strength.
func TrendStrength(prices []float64, period int) float64 {
	if len(prices) < period {
		return 0
	}

	window := prices[len(prices)-period:]
	n := float64(len(window))

	// Least-squares slope with x = 0..n-1.
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range window {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (n*sumXY - sumX*sumY) / denom

	avg := sumY / n
	if avg == 0 {
		return 0
	}

	strength := math.Abs(slope/avg) * 1000
	return math.Min(strength, 1.0)
}

// VolumeProfile buckets the latest volume against the trailing mean volume:
// HIGH above 1.5x, MEDIUM above 0.8x, LOW otherwise. Series below the window
// report UNKNOWN.
func VolumeProfile(volumes []float64, period int) domain.VolumeRegime {
	if len(volumes) < period {
		return domain.VolumeRegimeUnknown
	}

	window := volumes[len(volumes)-period:]
	avg := mean(window)
	if avg == 0 {
		return domain.VolumeRegimeUnknown
	}

	ratio := volumes[len(volumes)-1] / avg
	switch {
	case ratio > 1.5:
		return domain.VolumeRegimeHigh
	case ratio > 0.8:
		return domain.VolumeRegimeMedium
	default:
		return domain.VolumeRegimeLow
	}
}

// SupportResistance returns the trailing minimum of lows and maximum of
// highs over the lookback window.
func SupportResistance(highs, lows []float64, lookback int) (support, resistance float64, ok bool) {
	if len(highs) < lookback || len(lows) < lookback {
		return 0, 0, false
	}

	resistance = highs[len(highs)-lookback]
	for _, h := range highs[len(highs)-lookback:] {
		if h > resistance {
			resistance = h
		}
	}
	support = lows[len(lows)-lookback]
	for _, l := range lows[len(lows)-lookback:] {
		if l < support {
			support = l
		}
	}
	return support, resistance, true
}

// emaSeries computes the exponentially weighted moving average for every
// point, alpha = 2/(span+1), seeded with the first sample.
func emaSeries(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	alpha := 2.0 / (float64(span) + 1.0)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1))
}
