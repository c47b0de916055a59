package flywheel

import (
	"context"
	"errors"
	"time"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/pricing"
	"flywheel-engine/internal/store"
)

const (
	// Confidence floors: a strong_* verdict earns a lower bar.
	smartMinConfidence       = 50.0
	smartStrongMinConfidence = 40.0

	// smartMaxSellFraction caps any signal-driven sell at 40% of holdings.
	smartMaxSellFraction = 0.4
)

// runSmart trades on indicator advice. Until the price window holds
// enough samples it falls back to the simple rotation so fresh tokens
// still get flow while history accumulates.
func (s *Scheduler) runSmart(ctx context.Context, tt *store.TradingToken, st *store.State, now int64) (string, bool, error) {
	cooldown := int64(s.cfg.GetSmartCooldown() / time.Second)
	if cooldown > 0 && now-st.LastTradeAt < cooldown {
		return resultCooldown, false, nil
	}

	advice, err := s.advisor.OptimalSignal(ctx, tt.Token.Mint)
	if errors.Is(err, pricing.ErrInsufficientData) {
		fc := s.cfg.GetFlywheel()
		return s.runSimple(ctx, tt, st, fc.BuysPerCycle, fc.SellsPerCycle)
	}
	if err != nil {
		return "signal_failed", false, err
	}
	sig, err := s.advisor.Signals(ctx, tt.Token.Mint)
	if err != nil {
		return "signal_failed", false, err
	}

	if sig.Volatility.IsHigh && !advice.Strong() {
		return resultHighVolatility, false, nil
	}

	minConfidence := smartMinConfidence
	if advice.Strong() {
		minConfidence = smartStrongMinConfidence
	}
	if advice.Confidence < minConfidence {
		return resultHold, false, nil
	}

	c := tt.Config
	switch {
	case advice.Bullish():
		solBal, err := s.opsSOL(ctx, tt.Token)
		if err != nil {
			return "balance_check_failed", false, err
		}
		buySol := clampF(solBal*sig.SuggestedPositionPct/100, c.MinBuySol, c.MaxBuySol)
		if solBal < buySol+gasReserveSol {
			return resultInsufficientSol, false, nil
		}
		_, err = s.swap(ctx, tt, amm.SideBuy, chain.SOLToLamports(buySol), c.Algorithm)
		if errors.Is(err, amm.ErrNoRoute) {
			return resultNoRoute, false, nil
		}
		if err != nil {
			return "buy_failed", false, err
		}
		return "smart_buy", true, nil

	case advice.Bearish():
		tokenBal, err := s.opsTokens(ctx, tt.Token)
		if err != nil {
			return "balance_check_failed", false, err
		}
		if tokenBal == 0 {
			return resultNoTokens, false, nil
		}
		sellTokens := uint64(float64(tokenBal) * sig.SuggestedPositionPct / 100)
		if ceil := uint64(float64(tokenBal) * smartMaxSellFraction); sellTokens > ceil {
			sellTokens = ceil
		}
		sellTokens = capSellAmount(tt, sellTokens)
		if sellTokens == 0 {
			return resultInsufficientTokens, false, nil
		}
		_, err = s.swap(ctx, tt, amm.SideSell, sellTokens, c.Algorithm)
		if errors.Is(err, amm.ErrNoRoute) {
			return resultNoRoute, false, nil
		}
		if err != nil {
			return "sell_failed", false, err
		}
		return "smart_sell", true, nil

	default:
		return resultHold, false, nil
	}
}
