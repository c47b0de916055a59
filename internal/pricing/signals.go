package pricing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Advice actions, from most bullish to most bearish.
const (
	ActionStrongBuy  = "strong_buy"
	ActionBuy        = "buy"
	ActionHold       = "hold"
	ActionSell       = "sell"
	ActionStrongSell = "strong_sell"
)

// Trend directions.
const (
	TrendUp       = "up"
	TrendDown     = "down"
	TrendSideways = "sideways"
)

// Trend describes where price sits against its recent mean.
type Trend struct {
	Direction string
	// Strength is 0..100, scaled from the deviation off the SMA midline.
	Strength float64
	RSI      float64
}

// Volatility is the relative stddev of the recent window.
type Volatility struct {
	Value  float64
	IsHigh bool
}

// Signals is the full indicator set for one token.
type Signals struct {
	Mint       string
	Trend      Trend
	Volatility Volatility
	// SuggestedPositionPct is the share of available SOL worth deploying
	// under current conditions, in percent.
	SuggestedPositionPct float64
}

// Advice is a single actionable verdict with its supporting observations.
type Advice struct {
	Mint       string
	Action     string
	Confidence float64
	Reasons    []string
}

// Bullish reports whether the advice calls for a buy.
func (a *Advice) Bullish() bool {
	return a.Action == ActionBuy || a.Action == ActionStrongBuy
}

// Bearish reports whether the advice calls for a sell.
func (a *Advice) Bearish() bool {
	return a.Action == ActionSell || a.Action == ActionStrongSell
}

// Strong reports whether the advice is a strong variant.
func (a *Advice) Strong() bool {
	return a.Action == ActionStrongBuy || a.Action == ActionStrongSell
}

// Signals samples the current price and computes the indicator set.
// Returns ErrInsufficientData until the window holds enough samples.
func (e *Engine) Signals(ctx context.Context, mint string) (*Signals, error) {
	prices, last, err := e.refresh(ctx, mint)
	if err != nil {
		return nil, err
	}
	if len(prices) < minSignalSamples {
		return nil, fmt.Errorf("%w: have %d of %d for %s", ErrInsufficientData, len(prices), minSignalSamples, mint)
	}

	mid, _, _ := bollinger(prices)
	vol := relativeVolatility(prices)

	s := &Signals{
		Mint: mint,
		Trend: Trend{
			Direction: TrendSideways,
			RSI:       rsi(prices),
		},
		Volatility: Volatility{
			Value:  vol,
			IsHigh: vol > highVolatility,
		},
	}

	if mid > 0 {
		dev := (last.price - mid) / mid
		switch {
		case dev > 0.01:
			s.Trend.Direction = TrendUp
		case dev < -0.01:
			s.Trend.Direction = TrendDown
		}
		// 10% off the midline saturates strength.
		s.Trend.Strength = clamp(dev/0.10*100, -100, 100)
		if s.Trend.Strength < 0 {
			s.Trend.Strength = -s.Trend.Strength
		}
	}

	// Position sizing shrinks linearly as volatility rises: a calm window
	// suggests 60%, the high-volatility line maps to 28%, floor 10%.
	s.SuggestedPositionPct = clamp(60-400*vol, 10, 60)

	return s, nil
}

// OptimalSignal turns the indicator set into one verdict. RSI extremes and
// Bollinger band position each vote with a weight, trend agreement adds a
// small bonus, and the net score picks the action. Confidence is the
// absolute score for directional calls and the remainder for holds, so a
// conflict-free flat market reads as a confident hold.
func (e *Engine) OptimalSignal(ctx context.Context, mint string) (*Advice, error) {
	prices, last, err := e.refresh(ctx, mint)
	if err != nil {
		return nil, err
	}
	if len(prices) < minSignalSamples {
		return nil, fmt.Errorf("%w: have %d of %d for %s", ErrInsufficientData, len(prices), minSignalSamples, mint)
	}

	r := rsi(prices)
	mid, upper, lower := bollinger(prices)
	pb := percentB(last.price, upper, lower)
	vol := relativeVolatility(prices)

	var score float64
	var reasons []string

	switch {
	case r <= 30:
		score += 40
		reasons = append(reasons, fmt.Sprintf("rsi oversold at %.1f", r))
	case r <= 40:
		score += 20
		reasons = append(reasons, fmt.Sprintf("rsi leaning oversold at %.1f", r))
	case r >= 70:
		score -= 40
		reasons = append(reasons, fmt.Sprintf("rsi overbought at %.1f", r))
	case r >= 60:
		score -= 20
		reasons = append(reasons, fmt.Sprintf("rsi leaning overbought at %.1f", r))
	}

	switch {
	case pb <= 0:
		score += 35
		reasons = append(reasons, "price below lower band")
	case pb <= 0.2:
		score += 15
		reasons = append(reasons, "price near lower band")
	case pb >= 1:
		score -= 35
		reasons = append(reasons, "price above upper band")
	case pb >= 0.8:
		score -= 15
		reasons = append(reasons, "price near upper band")
	}

	// Trend agreement: a vote in the direction price is already moving
	// counts a little extra.
	if mid > 0 {
		dev := (last.price - mid) / mid
		if dev > 0.01 && score > 0 {
			score += 10
			reasons = append(reasons, "uptrend agrees")
		}
		if dev < -0.01 && score < 0 {
			score -= 10
			reasons = append(reasons, "downtrend agrees")
		}
	}

	if vol > highVolatility {
		reasons = append(reasons, fmt.Sprintf("high volatility %.3f", vol))
	}

	a := &Advice{Mint: mint, Reasons: reasons}
	abs := score
	if abs < 0 {
		abs = -abs
	}
	switch {
	case score >= 60:
		a.Action = ActionStrongBuy
		a.Confidence = clamp(abs, 0, 100)
	case score >= 25:
		a.Action = ActionBuy
		a.Confidence = clamp(abs, 0, 100)
	case score <= -60:
		a.Action = ActionStrongSell
		a.Confidence = clamp(abs, 0, 100)
	case score <= -25:
		a.Action = ActionSell
		a.Confidence = clamp(abs, 0, 100)
	default:
		a.Action = ActionHold
		a.Confidence = clamp(100-abs, 0, 100)
		if len(a.Reasons) == 0 {
			a.Reasons = append(a.Reasons, "no clear signal")
		}
	}

	log.Debug().
		Str("mint", mint).
		Str("action", a.Action).
		Float64("confidence", a.Confidence).
		Float64("rsi", r).
		Float64("percentB", pb).
		Msg("optimal signal")

	return a, nil
}
