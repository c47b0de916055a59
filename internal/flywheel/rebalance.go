package flywheel

import (
	"context"
	"errors"
	"math"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/store"
)

// rebalanceStepFraction trades half the measured excess per pass so the
// allocation converges without overshooting a moving price.
const rebalanceStepFraction = 0.5

// maxRebalanceSellFraction caps any single rebalancing sell at 20% of
// holdings.
const maxRebalanceSellFraction = 0.2

// runRebalance nudges the ops wallet toward its target SOL/token split.
// Holdings are valued off a 1 SOL reference quote; deviations inside the
// configured threshold are left alone.
func (s *Scheduler) runRebalance(ctx context.Context, tt *store.TradingToken, st *store.State) (string, bool, error) {
	tok, c := tt.Token, tt.Config

	solBal, err := s.opsSOL(ctx, tok)
	if err != nil {
		return "balance_check_failed", false, err
	}
	tokenBal, err := s.opsTokens(ctx, tok)
	if err != nil {
		return "balance_check_failed", false, err
	}

	ref, err := s.quotes.GetQuote(ctx, amm.SOLMint, tok.Mint, chain.LamportsPerSOL, c.SlippageBps, amm.SideBuy)
	if errors.Is(err, amm.ErrNoRoute) {
		return resultNoRoute, false, nil
	}
	if err != nil {
		return "quote_failed", false, err
	}
	tokensPerSol := float64(ref.OutAmount)
	if tokensPerSol <= 0 {
		return resultNoRoute, false, nil
	}

	tokenValueSol := float64(tokenBal) / tokensPerSol
	total := solBal + tokenValueSol
	if total <= 0 {
		return resultInsufficientSol, false, nil
	}

	currentPct := solBal / total * 100
	dev := currentPct - c.TargetSolPct
	if math.Abs(dev) < c.RebalanceThresholdPct {
		return resultBalanced, false, nil
	}

	if dev > 0 {
		// SOL-heavy: buy tokens with part of the excess.
		excessSol := dev / 100 * total
		buySol := math.Min(excessSol*rebalanceStepFraction, c.MaxBuySol)
		if buySol < c.MinBuySol {
			return resultBalanced, false, nil
		}
		if solBal < buySol+gasReserveSol {
			return resultInsufficientSol, false, nil
		}
		_, err := s.swap(ctx, tt, amm.SideBuy, chain.SOLToLamports(buySol), c.Algorithm)
		if errors.Is(err, amm.ErrNoRoute) {
			return resultNoRoute, false, nil
		}
		if err != nil {
			return "buy_failed", false, err
		}
		return "rebalance_buy", true, nil
	}

	// Token-heavy: sell part of the excess value, never more than a
	// fixed fraction of holdings per pass.
	excessSol := -dev / 100 * total
	sellTokens := uint64(excessSol * rebalanceStepFraction * tokensPerSol)
	if ceil := uint64(float64(tokenBal) * maxRebalanceSellFraction); sellTokens > ceil {
		sellTokens = ceil
	}
	sellTokens = capSellAmount(tt, sellTokens)
	if sellTokens == 0 {
		return resultInsufficientTokens, false, nil
	}
	if sellTokens > tokenBal {
		sellTokens = tokenBal
	}

	_, err = s.swap(ctx, tt, amm.SideSell, sellTokens, c.Algorithm)
	if errors.Is(err, amm.ErrNoRoute) {
		return resultNoRoute, false, nil
	}
	if err != nil {
		return "sell_failed", false, err
	}
	return "rebalance_sell", true, nil
}
