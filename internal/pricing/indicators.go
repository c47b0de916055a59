package pricing

import "math"

// Indicator periods. The signal thresholds in signals.go assume these
// windows; change them together.
const (
	rsiPeriod        = 14
	bollingerPeriod  = 20
	bollingerK       = 2.0
	volatilityPeriod = 20

	// highVolatility marks the relative stddev above which the market is
	// considered too choppy for sized entries.
	highVolatility = 0.08
)

// minSignalSamples is the smallest window that yields a full indicator
// set: RSI needs rsiPeriod deltas, one more point than the period.
const minSignalSamples = rsiPeriod + 1

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func stdDev(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	m := mean(vals)
	var sq float64
	for _, v := range vals {
		d := v - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(vals)))
}

// tail returns the last n values, or all of them when fewer exist.
func tail(vals []float64, n int) []float64 {
	if len(vals) <= n {
		return vals
	}
	return vals[len(vals)-n:]
}

// rsi computes the relative strength index over the last rsiPeriod price
// deltas. 50 means gains and losses balance; 0 and 100 are one-sided.
func rsi(prices []float64) float64 {
	window := tail(prices, rsiPeriod+1)
	if len(window) < 2 {
		return 50
	}

	var gains, losses float64
	for i := 1; i < len(window); i++ {
		d := window[i] - window[i-1]
		if d > 0 {
			gains += d
		} else {
			losses -= d
		}
	}
	if losses == 0 {
		if gains == 0 {
			return 50
		}
		return 100
	}
	rs := gains / losses
	return 100 - 100/(1+rs)
}

// bollinger returns the SMA midline and the upper/lower bands at
// bollingerK standard deviations over the last bollingerPeriod samples.
func bollinger(prices []float64) (mid, upper, lower float64) {
	window := tail(prices, bollingerPeriod)
	mid = mean(window)
	sd := stdDev(window)
	return mid, mid + bollingerK*sd, mid - bollingerK*sd
}

// percentB places price inside the band range: 0 at the lower band, 1 at
// the upper, outside [0,1] beyond them. A flat band pins it to 0.5.
func percentB(price, upper, lower float64) float64 {
	if upper == lower {
		return 0.5
	}
	return (price - lower) / (upper - lower)
}

// relativeVolatility is stddev over mean of the recent window, a
// scale-free measure comparable across tokens.
func relativeVolatility(prices []float64) float64 {
	window := tail(prices, volatilityPeriod)
	m := mean(window)
	if m == 0 {
		return 0
	}
	return stdDev(window) / m
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
