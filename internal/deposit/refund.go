package deposit

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/notify"
	"flywheel-engine/internal/store"
)

// refund wraps Refund with the operator-facing failure handling: the
// error lands in last_error for review and the owner is told.
func (w *Watcher) refund(ctx context.Context, l *store.Launch) {
	if err := w.Refund(ctx, l.ID); err != nil {
		log.Error().Err(err).Str("launchId", l.ID).Msg("refund failed")
		if serr := w.store.SetLaunchError(l.ID, "refund failed: "+err.Error()); serr != nil {
			log.Error().Err(serr).Str("launchId", l.ID).Msg("record refund error failed")
		}
		w.notify(ctx, notify.Event{
			Type:    notify.EventRefundFailed,
			OwnerID: l.OwnerID,
			Message: fmt.Sprintf("automatic refund for %s failed, manual follow-up required", l.TokenSymbol),
		})
	}
}

// Refund returns the deposit, minus the rent reserve, to the wallet that
// originally funded the launch. Safe to call on any non-refunded launch;
// a second refund is rejected before any chain traffic.
func (w *Watcher) Refund(ctx context.Context, launchID string) error {
	l, err := w.store.GetLaunch(launchID)
	if err != nil {
		return err
	}
	if l == nil {
		return store.ErrNotFound
	}
	if l.Status == store.LaunchRefunded {
		return ErrRefundNotAllowed
	}

	dc := w.cfg.Get().Deposit
	lamports, err := w.chain.GetBalance(ctx, l.DepositAddress)
	if err != nil {
		return fmt.Errorf("deposit balance: %w", err)
	}
	reserve := chain.SOLToLamports(dc.RentReserveSol)
	if lamports <= reserve {
		return fmt.Errorf("balance %d lamports does not cover the rent reserve", lamports)
	}

	funder, err := w.findFunder(ctx, l.DepositAddress, dc.FunderLookback)
	if err != nil {
		return fmt.Errorf("funder discovery: %w", err)
	}
	if funder == "" {
		return errors.New("original funder not found, manual refund required")
	}

	amount := lamports - reserve
	hash, height, err := w.hash.GetWithHeight()
	if err != nil {
		return fmt.Errorf("blockhash: %w", err)
	}
	tx, err := chain.BuildTransferTx(l.DepositAddress, funder, amount, hash)
	if err != nil {
		return err
	}
	res := w.exec.ExecuteDelegated(ctx, l.DepositAddress, tx, height)
	if !res.Succeeded() {
		return fmt.Errorf("refund transfer: %w", res.Err)
	}

	if err := w.store.SetLaunchStatus(l.ID, store.LaunchRefunded, ""); err != nil {
		// The transfer landed; never retry it because of a row update.
		log.Error().Err(err).Str("launchId", l.ID).Msg("mark launch refunded failed")
	}
	sol := chain.LamportsToSOL(amount)
	if err := w.store.InsertAudit(&store.AuditEvent{
		Actor:   "deposit_watcher",
		Action:  "refund_issued",
		Subject: l.ID,
		Detail:  fmt.Sprintf("%.6f SOL to %s (%s)", sol, funder, res.Signature),
	}); err != nil {
		log.Error().Err(err).Msg("audit refund failed")
	}
	log.Info().Str("launchId", l.ID).Str("funder", funder).Float64("sol", sol).
		Str("signature", res.Signature).Msg("deposit refunded")
	w.notify(ctx, notify.Event{
		Type:    notify.EventRefundIssued,
		OwnerID: l.OwnerID,
		Message: fmt.Sprintf("refunded %.6f SOL for %s", sol, l.TokenSymbol),
	})
	return nil
}

// findFunder scans the dev wallet's recent history, newest first, and
// returns the source of the first inbound system transfer. Empty when
// nothing in the lookback window funded the wallet.
func (w *Watcher) findFunder(ctx context.Context, devWallet string, lookback int) (string, error) {
	sigs, err := w.chain.GetSignaturesForAddress(ctx, devWallet, lookback)
	if err != nil {
		return "", err
	}
	for _, si := range sigs {
		if si.Err != nil {
			continue
		}
		detail, err := w.chain.GetTransaction(ctx, si.Signature)
		if err != nil {
			log.Debug().Err(err).Str("signature", si.Signature).Msg("transaction lookup failed")
			continue
		}
		if detail.Failed {
			continue
		}
		for _, tr := range detail.Transfers {
			if tr.Destination == devWallet && tr.Lamports > 0 {
				return tr.Source, nil
			}
		}
	}
	return "", nil
}
