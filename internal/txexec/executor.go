// Package txexec drives transactions through signing, broadcast and
// confirmation with bounded retries. Every trade, claim, transfer and
// launch in the engine lands through one of its three modes.
package txexec

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/custody"
)

// Mode selects how a transaction is signed and broadcast.
type Mode string

const (
	// ModeLocal signs with an in-process keypair and broadcasts directly.
	ModeLocal Mode = "local"
	// ModeDelegated has the custody service sign, then broadcasts directly.
	ModeDelegated Mode = "delegated"
	// ModeDelegatedSend has the custody service both sign and broadcast.
	ModeDelegatedSend Mode = "delegated_send"
)

const maxAttempts = 3

// Result reports the outcome of an execution. Signature is kept from the
// last broadcast even when confirmation failed, so callers can record
// what actually went out.
type Result struct {
	Signature string
	Attempts  int
	Err       error
}

// Succeeded reports whether the transaction confirmed on chain.
func (r Result) Succeeded() bool {
	return r.Err == nil
}

// Executor signs, sends and confirms transactions. Retries re-run the
// whole attempt (sign included): the custody service signs the same
// envelope deterministically and rebroadcast is idempotent by signature.
type Executor struct {
	rpc     *chain.Client
	custody *custody.Client
	metrics *Metrics

	sendOpts chain.SendOpts
	backoff  []time.Duration
}

// New creates an executor over the chain and custody clients.
func New(rpc *chain.Client, custodyClient *custody.Client) *Executor {
	return &Executor{
		rpc:     rpc,
		custody: custodyClient,
		metrics: NewMetrics(),
		sendOpts: chain.SendOpts{
			SkipPreflight: true,
			MaxRetries:    5,
		},
		backoff: []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second},
	}
}

// Metrics returns the execution latency tracker.
func (e *Executor) Metrics() *Metrics {
	return e.metrics
}

// ExecuteLocal signs the envelope with an in-process wallet and
// broadcasts it. Only the platform token loop holds local keys.
func (e *Executor) ExecuteLocal(ctx context.Context, wallet *chain.Wallet, base64Tx string, lastValidBlockHeight uint64) Result {
	return e.run(ctx, ModeLocal, func(ctx context.Context, timer *PhaseTimer) (string, error) {
		signedTx, err := wallet.SignEnvelope(base64Tx)
		if err != nil {
			return "", fmt.Errorf("sign: %w", err)
		}
		timer.MarkSignDone()
		return e.sendAndConfirm(ctx, signedTx, lastValidBlockHeight, timer)
	})
}

// ExecuteDelegated has the custody service sign the envelope for
// walletAddress, then broadcasts and confirms through our own RPC.
func (e *Executor) ExecuteDelegated(ctx context.Context, walletAddress, base64Tx string, lastValidBlockHeight uint64) Result {
	return e.run(ctx, ModeDelegated, func(ctx context.Context, timer *PhaseTimer) (string, error) {
		signedTx, err := e.custody.Sign(ctx, walletAddress, base64Tx)
		if err != nil {
			return "", fmt.Errorf("sign: %w", err)
		}
		timer.MarkSignDone()
		return e.sendAndConfirm(ctx, signedTx, lastValidBlockHeight, timer)
	})
}

// ExecuteDelegatedSend has the custody service sign and broadcast in one
// call, then confirms the returned signature through our own RPC.
func (e *Executor) ExecuteDelegatedSend(ctx context.Context, walletAddress, base64Tx string, lastValidBlockHeight uint64) Result {
	return e.run(ctx, ModeDelegatedSend, func(ctx context.Context, timer *PhaseTimer) (string, error) {
		signature, err := e.custody.SignAndSend(ctx, walletAddress, base64Tx)
		if err != nil {
			return "", fmt.Errorf("sign and send: %w", err)
		}
		timer.MarkSignDone()
		timer.MarkSendDone()

		if err := e.rpc.ConfirmTransaction(ctx, signature, lastValidBlockHeight, "confirmed"); err != nil {
			timer.MarkConfirmDone()
			return signature, fmt.Errorf("confirm: %w", err)
		}
		timer.MarkConfirmDone()
		return signature, nil
	})
}

func (e *Executor) sendAndConfirm(ctx context.Context, signedTx string, lastValidBlockHeight uint64, timer *PhaseTimer) (string, error) {
	signature, err := e.rpc.SendRawTransaction(ctx, signedTx, e.sendOpts)
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	timer.MarkSendDone()

	if err := e.rpc.ConfirmTransaction(ctx, signature, lastValidBlockHeight, "confirmed"); err != nil {
		timer.MarkConfirmDone()
		return signature, fmt.Errorf("confirm: %w", err)
	}
	timer.MarkConfirmDone()
	return signature, nil
}

func (e *Executor) run(ctx context.Context, mode Mode, attempt func(context.Context, *PhaseTimer) (string, error)) Result {
	var res Result

	for i := 0; i < maxAttempts; i++ {
		res.Attempts = i + 1

		if i > 0 {
			idx := i - 1
			if idx >= len(e.backoff) {
				idx = len(e.backoff) - 1
			}
			wait := e.backoff[idx]
			log.Warn().
				Str("mode", string(mode)).
				Int("attempt", i+1).
				Dur("backoff", wait).
				Str("error", res.Err.Error()).
				Msg("retrying transaction")
			select {
			case <-ctx.Done():
				res.Err = ctx.Err()
				return res
			case <-time.After(wait):
			}
		}

		timer := NewPhaseTimer()
		signature, err := attempt(ctx, timer)
		signMs, sendMs, confirmMs := timer.Breakdown()
		e.metrics.RecordExecution(err == nil, signMs, sendMs, confirmMs)

		if signature != "" {
			res.Signature = signature
		}
		res.Err = err

		if err == nil {
			log.Info().
				Str("mode", string(mode)).
				Str("sig", signature).
				Int("attempts", res.Attempts).
				Int64("totalMs", timer.TotalMs()).
				Msg("transaction confirmed")
			return res
		}

		if custody.IsFatal(err) || chain.Classify(err) != chain.Retryable {
			log.Error().
				Str("mode", string(mode)).
				Str("category", chain.Category(err)).
				Str("error", err.Error()).
				Msg("transaction failed, not retryable")
			return res
		}
	}

	log.Error().
		Str("mode", string(mode)).
		Int("attempts", res.Attempts).
		Str("error", res.Err.Error()).
		Msg("transaction failed after retries")
	return res
}
