package flywheel

import (
	"context"
	"errors"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/pricing"
	"flywheel-engine/internal/store"
)

// Market conditions recognized by the dynamic strategy.
const (
	conditionPump    = "pump"
	conditionDump    = "dump"
	conditionRanging = "ranging"
	conditionNormal  = "normal"
	conditionExtreme = "extreme_volatility"
)

const (
	// extremeVolatility sits at double the indicator high-vol line.
	extremeVolatility = 0.16
	strongTrend       = 50.0

	pumpSellPct     = 90.0
	dynamicBoostPct = 10.0

	reserveDeployMin      = 0.01
	reserveDeployFraction = 0.5
)

// classifyMarket buckets an indicator snapshot into a trade condition.
func classifyMarket(sig *pricing.Signals) string {
	switch {
	case sig.Volatility.Value >= extremeVolatility:
		return conditionExtreme
	case sig.Trend.Direction == pricing.TrendUp && sig.Trend.Strength >= strongTrend:
		return conditionPump
	case sig.Trend.Direction == pricing.TrendDown && sig.Trend.Strength >= strongTrend:
		return conditionDump
	case sig.Trend.Direction == pricing.TrendSideways:
		return conditionRanging
	default:
		return conditionNormal
	}
}

func adverseCondition(c string) bool {
	return c == conditionDump || c == conditionExtreme
}

// runDynamic sizes and routes one trade by market condition. Part of
// every tick's budget is banked into the state reserve; half the
// reserve redeploys on the first buy after an adverse stretch.
//
//	pump    -> sell into strength (90% of budget), instant
//	dump    -> buy the dip (100-reserve_adverse, +10 with boost), TWAP
//	ranging -> buy (100-reserve_normal), VWAP
//	normal  -> buy (100-reserve_normal), instant
//	extreme -> hold
func (s *Scheduler) runDynamic(ctx context.Context, tt *store.TradingToken, st *store.State) (string, bool, error) {
	sig, err := s.advisor.Signals(ctx, tt.Token.Mint)
	if errors.Is(err, pricing.ErrInsufficientData) {
		fc := s.cfg.GetFlywheel()
		return s.runSimple(ctx, tt, st, fc.BuysPerCycle, fc.SellsPerCycle)
	}
	if err != nil {
		return "signal_failed", false, err
	}

	c := tt.Config
	condition := classifyMarket(sig)
	prev := st.LastMarketCondition
	st.LastMarketCondition = condition

	if condition == conditionExtreme {
		return resultHighVolatility, false, nil
	}

	budget := randomBuySol(c)

	var buybackPct float64
	switch condition {
	case conditionPump:
		buybackPct = pumpSellPct
	case conditionDump:
		buybackPct = 100 - c.ReservePctAdverse
		if c.DynamicBoost {
			buybackPct += dynamicBoostPct
		}
	default:
		buybackPct = 100 - c.ReservePctNormal
	}
	buybackPct = clampF(buybackPct, 0, 100)

	tradeSol := budget * buybackPct / 100
	reserveAdd := budget - tradeSol

	if condition == conditionPump {
		return s.dynamicSell(ctx, tt, st, tradeSol, reserveAdd)
	}

	style := styleInstant
	switch condition {
	case conditionDump:
		style = styleTwap
	case conditionRanging:
		style = styleVwap
	}

	// Redeploy half the reserve on the first favorable buy after an
	// adverse stretch.
	deploySol := 0.0
	if adverseCondition(prev) && condition != conditionDump && st.ReserveSol >= reserveDeployMin {
		deploySol = st.ReserveSol * reserveDeployFraction
	}

	buySol := tradeSol + deploySol
	solBal, err := s.opsSOL(ctx, tt.Token)
	if err != nil {
		return "balance_check_failed", false, err
	}
	if solBal < buySol+gasReserveSol {
		return resultInsufficientSol, false, nil
	}

	result, traded, err := s.executeStyled(ctx, tt, amm.SideBuy, chain.SOLToLamports(buySol), style)
	if traded {
		st.ReserveSol += reserveAdd - deploySol
		if st.ReserveSol < 0 {
			st.ReserveSol = 0
		}
	}
	return result, traded, err
}

// dynamicSell unwinds tokens worth tradeSol into a rising market.
func (s *Scheduler) dynamicSell(ctx context.Context, tt *store.TradingToken, st *store.State, tradeSol, reserveAdd float64) (string, bool, error) {
	tok, c := tt.Token, tt.Config

	tokenBal, err := s.opsTokens(ctx, tok)
	if err != nil {
		return "balance_check_failed", false, err
	}
	if tokenBal == 0 {
		return resultNoTokens, false, nil
	}

	ref, err := s.quotes.GetQuote(ctx, amm.SOLMint, tok.Mint, chain.LamportsPerSOL, c.SlippageBps, amm.SideBuy)
	if errors.Is(err, amm.ErrNoRoute) {
		return resultNoRoute, false, nil
	}
	if err != nil {
		return "quote_failed", false, err
	}

	sellTokens := uint64(tradeSol * float64(ref.OutAmount))
	if sellTokens > tokenBal {
		sellTokens = tokenBal
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
	st.ReserveSol += reserveAdd
	return "dynamic_sell", true, nil
}
