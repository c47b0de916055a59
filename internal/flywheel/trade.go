package flywheel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/store"
)

// ErrTokenNotTradable is returned by ExecuteReactiveTrade when the
// token is missing, suspended or inactive.
var ErrTokenNotTradable = errors.New("flywheel: token not tradable")

// tradeOutcome describes one landed swap.
type tradeOutcome struct {
	signature   string
	solAmount   float64 // SOL side of the trade
	tokenAmount uint64  // token side, atomic units
}

// swap quotes and lands one delegated swap from the ops wallet,
// recording the attempt either way. For buys amountAtomic is lamports
// spent; for sells it is token units sold.
func (s *Scheduler) swap(ctx context.Context, tt *store.TradingToken, side amm.Side, amountAtomic uint64, detail string) (*tradeOutcome, error) {
	tok := tt.Token
	inputMint, outputMint := amm.SOLMint, tok.Mint
	txType := store.TxBuy
	if side == amm.SideSell {
		inputMint, outputMint = tok.Mint, amm.SOLMint
		txType = store.TxSell
	}
	if amountAtomic == 0 {
		return nil, fmt.Errorf("swap of 0 units")
	}

	quote, err := s.quotes.GetQuote(ctx, inputMint, outputMint, amountAtomic, tt.Config.SlippageBps, side)
	if err != nil {
		return nil, err
	}
	swapTx, err := s.quotes.GetSwapTx(ctx, tok.OpsWallet, quote)
	if err != nil {
		return nil, err
	}

	out := &tradeOutcome{}
	if side == amm.SideBuy {
		out.solAmount = chain.LamportsToSOL(quote.InAmount)
		out.tokenAmount = quote.OutAmount
	} else {
		out.solAmount = chain.LamportsToSOL(quote.OutAmount)
		out.tokenAmount = quote.InAmount
	}

	res := s.exec.ExecuteDelegated(ctx, tok.OpsWallet, swapTx.Transaction, swapTx.LastValidBlockHeight)
	out.signature = res.Signature

	rec := &store.TransactionRecord{
		TokenID:      tok.ID,
		TxType:       txType,
		AmountSol:    out.solAmount,
		AmountTokens: out.tokenAmount,
		Signature:    res.Signature,
		Status:       store.TxConfirmed,
		Detail:       detail,
	}
	if !res.Succeeded() {
		rec.Status = store.TxFailed
	}
	if err := s.store.InsertTransaction(rec); err != nil {
		log.Error().Err(err).Msg("record transaction failed")
	}
	if !res.Succeeded() {
		return out, res.Err
	}

	if err := s.store.AddTradeTotals(tok.ID, txType, out.solAmount); err != nil {
		log.Error().Err(err).Msg("update trade totals failed")
	}
	log.Info().Str("symbol", tok.Symbol).Str("side", string(side)).
		Float64("sol", out.solAmount).Uint64("tokens", out.tokenAmount).
		Str("signature", res.Signature).Str("detail", detail).Msg("trade confirmed")
	return out, nil
}

// transfer builds, signs and lands a system transfer from a custody
// wallet, recording it against the token.
func (s *Scheduler) transfer(ctx context.Context, tokenID, from, to string, lamports uint64, detail string) (string, error) {
	hash, height, err := s.hash.GetWithHeight()
	if err != nil {
		return "", fmt.Errorf("blockhash: %w", err)
	}
	tx, err := chain.BuildTransferTx(from, to, lamports, hash)
	if err != nil {
		return "", err
	}

	res := s.exec.ExecuteDelegated(ctx, from, tx, height)
	rec := &store.TransactionRecord{
		TokenID:   tokenID,
		TxType:    store.TxTransfer,
		AmountSol: chain.LamportsToSOL(lamports),
		Signature: res.Signature,
		Status:    store.TxConfirmed,
		Detail:    detail,
	}
	if !res.Succeeded() {
		rec.Status = store.TxFailed
	}
	if err := s.store.InsertTransaction(rec); err != nil {
		log.Error().Err(err).Msg("record transfer failed")
	}
	if !res.Succeeded() {
		return res.Signature, res.Err
	}
	return res.Signature, nil
}

// ExecuteReactiveTrade lands one counter-trade for the reactive engine.
// solAmount is the SOL-equivalent response size before the ops-balance
// clamp; the side is the response side, not the observed side. Returns
// the confirmed signature and the SOL-equivalent actually traded.
func (s *Scheduler) ExecuteReactiveTrade(ctx context.Context, tokenID string, side amm.Side, solAmount float64) (string, float64, error) {
	tok, err := s.store.GetToken(tokenID)
	if err != nil {
		return "", 0, err
	}
	if tok == nil || !tok.Active || tok.Suspended {
		return "", 0, ErrTokenNotTradable
	}
	cfg, err := s.store.GetConfig(tokenID)
	if err != nil {
		return "", 0, err
	}
	if cfg == nil || !cfg.ReactiveEnabled {
		return "", 0, ErrTokenNotTradable
	}
	tt := &store.TradingToken{Token: tok, Config: cfg}
	maxPct := cfg.ReactiveMaxResponsePct

	if side == amm.SideBuy {
		solBal, err := s.opsSOL(ctx, tok)
		if err != nil {
			return "", 0, err
		}
		buySol := solAmount
		if ceil := solBal * maxPct / 100; buySol > ceil {
			buySol = ceil
		}
		if buySol <= 0 || solBal < buySol+gasReserveSol {
			return "", 0, fmt.Errorf("flywheel: %s", resultInsufficientSol)
		}
		out, err := s.swap(ctx, tt, amm.SideBuy, chain.SOLToLamports(buySol), "reactive")
		if err != nil {
			return "", 0, err
		}
		s.recordReactive(tok.ID)
		return out.signature, out.solAmount, nil
	}

	// Sell response: convert the SOL-equivalent size to token units off
	// a 1 SOL reference quote, then clamp against holdings.
	tokenBal, err := s.opsTokens(ctx, tok)
	if err != nil {
		return "", 0, err
	}
	if tokenBal == 0 {
		return "", 0, fmt.Errorf("flywheel: %s", resultNoTokens)
	}
	ref, err := s.quotes.GetQuote(ctx, amm.SOLMint, tok.Mint, chain.LamportsPerSOL, cfg.SlippageBps, amm.SideBuy)
	if err != nil {
		return "", 0, err
	}
	sellTokens := uint64(solAmount * float64(ref.OutAmount))
	if ceil := uint64(float64(tokenBal) * maxPct / 100); sellTokens > ceil {
		sellTokens = ceil
	}
	sellTokens = capSellAmount(tt, sellTokens)
	if sellTokens == 0 {
		return "", 0, fmt.Errorf("flywheel: %s", resultInsufficientTokens)
	}
	out, err := s.swap(ctx, tt, amm.SideSell, sellTokens, "reactive")
	if err != nil {
		return "", 0, err
	}
	s.recordReactive(tok.ID)
	return out.signature, out.solAmount, nil
}

func (s *Scheduler) recordReactive(tokenID string) {
	// The state row may not exist yet for tokens the scheduler skips.
	if _, err := s.store.EnsureState(tokenID); err != nil {
		log.Error().Err(err).Str("tokenId", tokenID).Msg("ensure state failed")
		return
	}
	// Milliseconds: reactive cooldowns are configured in ms.
	if err := s.store.SetReactiveTradeAt(tokenID, time.Now().UnixMilli()); err != nil {
		log.Error().Err(err).Str("tokenId", tokenID).Msg("record reactive trade time failed")
	}
}
