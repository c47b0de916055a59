package flywheel

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/store"
)

// sweepCreatorFees moves accumulated creator rewards out of the dev
// wallet before the trading step: the platform cut goes to the platform
// ops wallet, the remainder to the token's own ops wallet where the
// flywheel can spend it. The dev wallet keeps a small reserve so it can
// always pay transaction fees. Platform-source tokens keep the full
// sweep.
func (s *Scheduler) sweepCreatorFees(ctx context.Context, tt *store.TradingToken) error {
	cfg := s.cfg.Get()
	tok := tt.Token

	lamports, err := s.chain.GetBalance(ctx, tok.DevWallet)
	if err != nil {
		return fmt.Errorf("dev balance: %w", err)
	}

	balance := decimal.NewFromUint64(lamports)
	reserve := solToLamportsDec(cfg.Fees.DevWalletMinReserveSol)
	threshold := solToLamportsDec(cfg.Fees.MinFeeThresholdSol)

	available := balance.Sub(reserve)
	if available.LessThan(threshold) {
		return nil
	}

	platformCut := decimal.Zero
	if tok.Source != store.SourcePlatform && cfg.Fees.PlatformOpsWallet != "" {
		pct := decimal.NewFromFloat(cfg.Fees.PlatformFeePercent)
		platformCut = available.Mul(pct).Div(decimal.NewFromInt(100)).Floor()
	}
	userCut := available.Sub(platformCut)

	floor := solToLamportsDec(minTransferSol)
	if platformCut.GreaterThanOrEqual(floor) {
		sig, err := s.transfer(ctx, tok.ID, tok.DevWallet, cfg.Fees.PlatformOpsWallet,
			uint64(platformCut.IntPart()), "fee_sweep_platform")
		if err != nil {
			return fmt.Errorf("platform sweep: %w", err)
		}
		log.Debug().Str("symbol", tok.Symbol).Str("signature", sig).
			Str("lamports", platformCut.String()).Msg("platform fee swept")
	}
	if userCut.GreaterThanOrEqual(floor) {
		sig, err := s.transfer(ctx, tok.ID, tok.DevWallet, tok.OpsWallet,
			uint64(userCut.IntPart()), "fee_sweep_ops")
		if err != nil {
			return fmt.Errorf("ops sweep: %w", err)
		}
		log.Debug().Str("symbol", tok.Symbol).Str("signature", sig).
			Str("lamports", userCut.String()).Msg("creator fees swept to ops")
	}
	return nil
}

func solToLamportsDec(sol float64) decimal.Decimal {
	return decimal.NewFromFloat(sol).Mul(decimal.NewFromUint64(chain.LamportsPerSOL)).Floor()
}
