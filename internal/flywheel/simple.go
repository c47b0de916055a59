package flywheel

import (
	"context"

	"github.com/rs/zerolog/log"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/store"
)

// runSimple advances the fixed buy/sell rotation one step: buys
// accumulate until the cycle count, then the accumulated position is
// unwound in equal slices. The cycle counts are parameters so turbo_lite
// can reuse the machine with a shorter rotation.
func (s *Scheduler) runSimple(ctx context.Context, tt *store.TradingToken, st *store.State, buys, sells int) (string, bool, error) {
	if st.Phase == store.PhaseSell {
		return s.simpleSell(ctx, tt, st, sells, styleInstant)
	}
	return s.simpleBuy(ctx, tt, st, buys, sells, styleInstant)
}

func (s *Scheduler) simpleBuy(ctx context.Context, tt *store.TradingToken, st *store.State, buys, sells int, style string) (string, bool, error) {
	if buys < 1 {
		buys = 1
	}
	if st.BuyCount >= buys {
		// Buys are done but a prior snapshot attempt failed. Retry the
		// snapshot without trading.
		result, err := s.armSellPhase(ctx, tt, st, sells)
		return result, false, err
	}

	balLamports, err := s.chain.GetBalance(ctx, tt.Token.OpsWallet)
	if err != nil {
		return "balance_check_failed", false, err
	}
	// Lamport arithmetic keeps the eligibility boundary exact; float
	// sums of SOL amounts drift above it.
	gasLamports := chain.SOLToLamports(gasReserveSol)
	if balLamports < chain.SOLToLamports(tt.Config.MinBuySol)+gasLamports {
		return resultInsufficientSol, false, nil
	}
	buyLamports := chain.SOLToLamports(randomBuySol(tt.Config))
	if spendable := balLamports - gasLamports; buyLamports > spendable {
		buyLamports = spendable
	}

	result, traded, err := s.executeStyled(ctx, tt, amm.SideBuy, buyLamports, style)
	if !traded {
		return result, false, err
	}

	st.BuyCount++
	if st.BuyCount >= buys {
		if _, err := s.armSellPhase(ctx, tt, st, sells); err != nil {
			// The buy landed; the snapshot retries next tick.
			log.Warn().Err(err).Str("symbol", tt.Token.Symbol).Msg("sell phase snapshot failed")
		}
	}
	return result, true, nil
}

// armSellPhase snapshots current holdings and splits them across the
// sell half of the cycle.
func (s *Scheduler) armSellPhase(ctx context.Context, tt *store.TradingToken, st *store.State, sells int) (string, error) {
	if sells < 1 {
		sells = 1
	}
	held, err := s.opsTokens(ctx, tt.Token)
	if err != nil {
		return "snapshot_failed", err
	}
	if held == 0 {
		// Nothing to unwind; restart the buy half.
		resetToBuy(st)
		return resultNoTokens, nil
	}

	st.Phase = store.PhaseSell
	st.BuyCount = 0
	st.SellCount = 0
	st.SellPhaseTokenSnapshot = held
	st.SellAmountPerTx = held / uint64(sells)
	if st.SellAmountPerTx == 0 {
		// Fewer than one unit per slice; unwind in a single sell.
		st.SellAmountPerTx = held
	}
	return "sell_phase_armed", nil
}

func (s *Scheduler) simpleSell(ctx context.Context, tt *store.TradingToken, st *store.State, sells int, style string) (string, bool, error) {
	if sells < 1 {
		sells = 1
	}
	held, err := s.opsTokens(ctx, tt.Token)
	if err != nil {
		return "balance_check_failed", false, err
	}
	if held == 0 {
		resetToBuy(st)
		return resultNoTokens, false, nil
	}

	amount := st.SellAmountPerTx
	if amount == 0 || amount > held {
		amount = held
	}
	amount = capSellAmount(tt, amount)
	if amount == 0 {
		resetToBuy(st)
		return resultInsufficientTokens, false, nil
	}

	result, traded, err := s.executeStyled(ctx, tt, amm.SideSell, amount, style)
	if !traded {
		return result, false, err
	}

	st.SellCount++
	if st.SellCount >= sells {
		resetToBuy(st)
	}
	return result, true, nil
}

func resetToBuy(st *store.State) {
	st.Phase = store.PhaseBuy
	st.BuyCount = 0
	st.SellCount = 0
	st.SellPhaseTokenSnapshot = 0
	st.SellAmountPerTx = 0
}
