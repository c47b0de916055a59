package claim

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/notify"
	"flywheel-engine/internal/store"
)

// claim lands every claim transaction for one token, splits the
// proceeds off the dev wallet and records the outcome. claimedSol is
// the claimable total read just before the claim; it is what the split
// distributes.
func (s *Scheduler) claim(ctx context.Context, tt *store.TradingToken, claimedSol float64) error {
	tok := tt.Token
	started := store.Now()

	txs, err := s.fees.ClaimTxs(ctx, tok.DevWallet, []string{tok.Mint})
	if err != nil {
		return fmt.Errorf("claim txs: %w", err)
	}
	if len(txs) == 0 {
		return nil
	}

	// Claim transactions carry the AMM's own blockhash, so confirmation
	// runs on its time window alone, without a height bound.
	var lastSig string
	for _, tx := range txs {
		res := s.exec.ExecuteDelegated(ctx, tok.DevWallet, tx, 0)
		if !res.Succeeded() {
			s.recordClaimTx(tok.ID, claimedSol, res.Signature, store.TxFailed)
			return fmt.Errorf("claim tx: %w", res.Err)
		}
		lastSig = res.Signature
	}
	s.recordClaimTx(tok.ID, claimedSol, lastSig, store.TxConfirmed)

	platformFee, userShare := s.split(ctx, tt, claimedSol)

	if err := s.store.InsertClaim(&store.ClaimRecord{
		TokenID:        tok.ID,
		TotalSol:       claimedSol,
		PlatformFeeSol: platformFee,
		UserShareSol:   userShare,
		Signature:      lastSig,
		StartedAt:      started,
		CompletedAt:    store.Now(),
	}); err != nil {
		log.Error().Err(err).Msg("record claim failed")
	}
	if err := s.store.AddClaimTotals(tok.ID, claimedSol, platformFee); err != nil {
		log.Error().Err(err).Msg("update claim totals failed")
	}

	log.Info().Str("symbol", tok.Symbol).Float64("claimed", claimedSol).
		Float64("platformFee", platformFee).Float64("userShare", userShare).
		Str("signature", lastSig).Msg("creator fees claimed")
	s.notify(ctx, notify.Event{
		Type:    notify.EventClaimCompleted,
		TokenID: tok.ID,
		OwnerID: tok.OwnerID,
		Message: fmt.Sprintf("claimed %.4f SOL in creator fees for %s", claimedSol, tok.Symbol),
	})
	return nil
}

// split pays the platform cut and the user share out of the dev wallet,
// keeping the configured reserve behind for gas. Returns the computed
// portions in SOL. A failed or skipped transfer leaves SOL in the dev
// wallet where the flywheel fee sweep picks it up on its next pass.
func (s *Scheduler) split(ctx context.Context, tt *store.TradingToken, claimedSol float64) (platformFee, userShare float64) {
	cfg := s.cfg.Get()
	tok := tt.Token

	reserve := clampF(cfg.Claim.ReserveSol, minReserveSol, maxReserveSol)
	transferable := solToLamportsDec(claimedSol).Sub(solToLamportsDec(reserve))
	if !transferable.IsPositive() {
		return 0, 0
	}

	platformCut := decimal.Zero
	if tok.Source != store.SourcePlatform && cfg.Fees.PlatformOpsWallet != "" {
		pct := decimal.NewFromFloat(cfg.Fees.PlatformFeePercent)
		platformCut = transferable.Mul(pct).Div(decimal.NewFromInt(100)).Floor()
	}
	userCut := transferable.Sub(platformCut)

	floor := solToLamportsDec(minTransferSol)
	if platformCut.GreaterThanOrEqual(floor) {
		if _, err := s.transfer(ctx, tok.ID, tok.DevWallet, cfg.Fees.PlatformOpsWallet,
			uint64(platformCut.IntPart()), "claim_split_platform"); err != nil {
			log.Warn().Err(err).Str("symbol", tok.Symbol).Msg("platform split transfer failed, fee sweep will retry")
		}
	}
	if userCut.GreaterThanOrEqual(floor) {
		if _, err := s.transfer(ctx, tok.ID, tok.DevWallet, tok.OpsWallet,
			uint64(userCut.IntPart()), "claim_split_ops"); err != nil {
			log.Warn().Err(err).Str("symbol", tok.Symbol).Msg("ops split transfer failed, fee sweep will retry")
		}
	}

	return chain.LamportsToSOL(uint64(platformCut.IntPart())),
		chain.LamportsToSOL(uint64(userCut.IntPart()))
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

func (s *Scheduler) recordClaimTx(tokenID string, amountSol float64, signature, status string) {
	if err := s.store.InsertTransaction(&store.TransactionRecord{
		TokenID:   tokenID,
		TxType:    store.TxClaim,
		AmountSol: amountSol,
		Signature: signature,
		Status:    status,
		Detail:    "claim",
	}); err != nil {
		log.Error().Err(err).Msg("record claim transaction failed")
	}
}

func solToLamportsDec(sol float64) decimal.Decimal {
	return decimal.NewFromFloat(sol).Mul(decimal.NewFromUint64(chain.LamportsPerSOL)).Floor()
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
