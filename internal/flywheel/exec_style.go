package flywheel

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/store"
)

// Execution styles for sized orders.
const (
	styleInstant = "instant"
	styleTwap    = "twap"
	styleVwap    = "vwap"
)

// maxSliceGap bounds the in-tick pause between slices so a long window
// cannot stall the whole scheduler pass.
const maxSliceGap = 15 * time.Second

// runTwapVwap drives the simple rotation through timed slices: buys
// spread evenly across the window, sells front-weighted.
func (s *Scheduler) runTwapVwap(ctx context.Context, tt *store.TradingToken, st *store.State) (string, bool, error) {
	fc := s.cfg.GetFlywheel()
	if st.Phase == store.PhaseSell {
		return s.simpleSell(ctx, tt, st, fc.SellsPerCycle, styleVwap)
	}
	return s.simpleBuy(ctx, tt, st, fc.BuysPerCycle, fc.SellsPerCycle, styleTwap)
}

// executeStyled lands amountAtomic through the chosen execution style.
// TWAP cuts the order into equal slices across the configured window;
// VWAP weights earlier slices heavier, approximating where curve volume
// clusters. A slice failure after the first fill keeps the filled
// portion and abandons the rest.
func (s *Scheduler) executeStyled(ctx context.Context, tt *store.TradingToken, side amm.Side, amountAtomic uint64, style string) (string, bool, error) {
	c := tt.Config
	okResult, failResult := "bought", "buy_failed"
	if side == amm.SideSell {
		okResult, failResult = "sold", "sell_failed"
	}

	slices := c.TwapSlices
	if style == styleInstant || slices < 2 {
		_, err := s.swap(ctx, tt, side, amountAtomic, c.Algorithm)
		if errors.Is(err, amm.ErrNoRoute) {
			return resultNoRoute, false, nil
		}
		if err != nil {
			return failResult, false, err
		}
		return okResult, true, nil
	}

	weights := equalWeights(slices)
	if style == styleVwap {
		weights = frontLoadedWeights(slices)
	}
	gap := time.Duration(c.TwapWindowSec) * time.Second / time.Duration(slices)
	if gap > maxSliceGap {
		gap = maxSliceGap
	}

	detail := c.Algorithm + ":" + style
	confirmed := 0
	for i, w := range weights {
		if i > 0 && !sleepCtx(ctx, gap) {
			break
		}
		slice := uint64(float64(amountAtomic) * w)
		if slice == 0 {
			continue
		}
		if _, err := s.swap(ctx, tt, side, slice, detail); err != nil {
			if confirmed > 0 {
				log.Warn().Err(err).Int("slice", i).Str("symbol", tt.Token.Symbol).
					Msg("order slice failed, keeping filled portion")
				break
			}
			if errors.Is(err, amm.ErrNoRoute) {
				return resultNoRoute, false, nil
			}
			return failResult, false, err
		}
		confirmed++
	}
	if confirmed == 0 {
		return "trade_too_small", false, nil
	}
	return okResult, true, nil
}

func equalWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}

// frontLoadedWeights leans into the start of the window, where curve
// activity concentrates after a move.
func frontLoadedWeights(n int) []float64 {
	w := make([]float64, n)
	total := 0.0
	for i := range w {
		w[i] = float64(n - i)
		total += w[i]
	}
	for i := range w {
		w[i] /= total
	}
	return w
}
