// Package deposit watches pending launches for funding and walks each
// one through launch, retry, expiry and refund. The poll is the source
// of truth; the websocket monitor only nudges it to look sooner.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/config"
	"flywheel-engine/internal/notify"
	"flywheel-engine/internal/store"
	"flywheel-engine/internal/txexec"
)

// ChainReader is the on-chain view the watcher needs: deposit balances
// and the transfer history behind funder discovery.
type ChainReader interface {
	GetBalance(ctx context.Context, pubkey string) (uint64, error)
	GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]chain.SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (*chain.TransactionDetail, error)
}

// TxRunner lands transactions for custody-held wallets.
type TxRunner interface {
	ExecuteDelegated(ctx context.Context, walletAddress, base64Tx string, lastValidBlockHeight uint64) txexec.Result
}

// BlockhashSource supplies a fresh blockhash for refund building.
type BlockhashSource interface {
	GetWithHeight() (string, uint64, error)
}

// Launcher creates the token on the curve once funding has arrived.
type Launcher interface {
	Launch(ctx context.Context, l *store.Launch) (*LaunchOutcome, error)
}

// ErrRefundNotAllowed rejects refunds on launches that already got one.
var ErrRefundNotAllowed = errors.New("deposit: launch already refunded")

// Curve mints are created with 6 decimals.
const curveDecimals = 6

// Watcher polls launches awaiting a deposit and drives the lifecycle.
type Watcher struct {
	store    *store.Store
	chain    ChainReader
	exec     TxRunner
	hash     BlockhashSource
	launcher Launcher
	cfg      *config.Manager
	notifier notify.Notifier

	interval time.Duration
	poke     chan struct{}

	runMu  sync.Mutex // guards start/stop transitions
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tickMu sync.Mutex // one tick at a time; overlaps are skipped
}

// New builds a stopped watcher. Call Start to begin polling.
func New(st *store.Store, ch ChainReader, exec TxRunner, hash BlockhashSource,
	launcher Launcher, cfg *config.Manager, notifier notify.Notifier) *Watcher {
	return &Watcher{
		store:    st,
		chain:    ch,
		exec:     exec,
		hash:     hash,
		launcher: launcher,
		cfg:      cfg,
		notifier: notifier,
		interval: time.Duration(cfg.Get().Deposit.PollIntervalSec) * time.Second,
		poke:     make(chan struct{}, 1),
	}
}

// Kind identifies the watcher in the scheduler registry.
func (w *Watcher) Kind() string { return "deposit" }

// SetInterval changes the poll interval applied at the next Start.
func (w *Watcher) SetInterval(d time.Duration) {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if d > 0 {
		w.interval = d
	}
}

// Start launches the poll loop. A second Start while running is a no-op.
func (w *Watcher) Start() {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(ctx, w.interval)
	log.Info().Dur("interval", w.interval).Msg("deposit watcher started")
}

// Stop cancels the loop and waits for an in-flight tick to drain.
func (w *Watcher) Stop() {
	w.runMu.Lock()
	if w.cancel == nil {
		w.runMu.Unlock()
		return
	}
	w.cancel()
	w.cancel = nil
	w.runMu.Unlock()

	w.wg.Wait()
	log.Info().Msg("deposit watcher stopped")
}

// Poke asks the watcher to run ahead of schedule. Non-blocking: pokes
// during a pending wake-up are absorbed by it.
func (w *Watcher) Poke() {
	select {
	case w.poke <- struct{}{}:
	default:
	}
}

func (w *Watcher) run(ctx context.Context, interval time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.poke:
		}
		w.Tick(ctx)
	}
}

// Tick runs one pass over awaiting and retry-pending launches. When the
// previous tick is still running the new one is skipped, never queued.
func (w *Watcher) Tick(ctx context.Context) {
	if !w.tickMu.TryLock() {
		log.Warn().Msg("deposit tick still running, skipping")
		return
	}
	defer w.tickMu.Unlock()

	dc := w.cfg.Get().Deposit

	pending, err := w.store.AwaitingDeposit()
	if err != nil {
		log.Error().Err(err).Msg("awaiting-deposit query failed")
		return
	}
	now := time.Now().Unix()
	for _, l := range pending {
		if ctx.Err() != nil {
			return
		}
		if now >= l.ExpiresAt {
			w.expire(ctx, l, dc)
			continue
		}
		w.checkDeposit(ctx, l, dc)
	}

	retries, err := w.store.RetryPending(time.Duration(dc.RetryWaitSec) * time.Second)
	if err != nil {
		log.Error().Err(err).Msg("retry-pending query failed")
		return
	}
	for _, l := range retries {
		if ctx.Err() != nil {
			return
		}
		w.retryLaunch(ctx, l)
	}
}

// checkDeposit reads the dev wallet and, once funded, claims the launch
// row optimistically so exactly one worker proceeds.
func (w *Watcher) checkDeposit(ctx context.Context, l *store.Launch, dc config.DepositConfig) {
	logger := log.With().Str("launchId", l.ID).Str("deposit", l.DepositAddress).Logger()

	lamports, err := w.chain.GetBalance(ctx, l.DepositAddress)
	if err != nil {
		logger.Warn().Err(err).Msg("deposit balance read failed")
		return
	}
	required := l.MinDepositSol
	if dc.MinDepositSol > required {
		required = dc.MinDepositSol
	}
	balance := chain.LamportsToSOL(lamports)
	if balance < required {
		return
	}

	won, err := w.store.ClaimLaunch(l.ID)
	if err != nil {
		logger.Error().Err(err).Msg("launch claim failed")
		return
	}
	if !won {
		logger.Debug().Msg("launch claimed by another worker")
		return
	}
	logger.Info().Float64("balance", balance).Float64("required", required).
		Msg("deposit detected, launching")
	w.launch(ctx, l)
}

// launch creates the token on the curve and registers the trading fleet
// entry. Failures park the launch for retry.
func (w *Watcher) launch(ctx context.Context, l *store.Launch) {
	logger := log.With().Str("launchId", l.ID).Str("symbol", l.TokenSymbol).Logger()

	out, err := w.launcher.Launch(ctx, l)
	if err != nil {
		w.launchFailed(ctx, l, err)
		return
	}

	tok := &store.Token{
		Mint:      out.Mint,
		Name:      l.TokenName,
		Symbol:    l.TokenSymbol,
		Decimals:  curveDecimals,
		ImageURI:  l.ImageURI,
		Source:    store.SourceLaunched,
		OwnerID:   l.OwnerID,
		DevWallet: l.DepositAddress,
		OpsWallet: out.OpsWallet,
		Active:    true,
	}
	dev := &store.Wallet{Address: l.DepositAddress, WalletType: store.WalletDev, CustodyID: l.DevCustodyID}
	ops := &store.Wallet{Address: out.OpsWallet, WalletType: store.WalletOps, CustodyID: out.OpsCustodyID}
	if err := w.store.RegisterToken(tok, store.DefaultConfig(""), dev, ops); err != nil {
		// The mint exists on chain; the launcher service dedups a
		// re-launch, so the retry ladder is safe here too.
		w.launchFailed(ctx, l, fmt.Errorf("register token: %w", err))
		return
	}

	if err := w.store.SetLaunchStatus(l.ID, store.LaunchCompleted, ""); err != nil {
		logger.Error().Err(err).Msg("mark launch completed failed")
	}
	if err := w.store.InsertAudit(&store.AuditEvent{
		Actor:   "deposit_watcher",
		Action:  "launch_completed",
		Subject: tok.ID,
		Detail:  out.Mint,
	}); err != nil {
		logger.Error().Err(err).Msg("audit launch failed")
	}
	logger.Info().Str("mint", out.Mint).Str("signature", out.Signature).Msg("token launched")
	w.notify(ctx, notify.Event{
		Type:    notify.EventLaunchCompleted,
		TokenID: tok.ID,
		OwnerID: l.OwnerID,
		Message: fmt.Sprintf("%s launched, flywheel active", l.TokenSymbol),
		Data:    map[string]string{"mint": out.Mint},
	})
}

// launchFailed parks the launch for retry or, once attempts are spent,
// fails it and refunds the deposit.
func (w *Watcher) launchFailed(ctx context.Context, l *store.Launch, cause error) {
	logger := log.With().Str("launchId", l.ID).Str("symbol", l.TokenSymbol).Logger()

	count, err := w.store.IncrementRetry(l.ID, cause.Error())
	if err != nil {
		logger.Error().Err(err).Msg("record launch failure failed")
		return
	}
	max := w.cfg.Get().Deposit.MaxLaunchRetries
	if count < max {
		logger.Warn().Err(cause).Int("attempt", count).Int("max", max).
			Msg("launch failed, parked for retry")
		return
	}

	logger.Error().Err(cause).Int("attempts", count).Msg("launch failed permanently, refunding")
	if err := w.store.SetLaunchStatus(l.ID, store.LaunchFailed, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("mark launch failed failed")
	}
	w.notify(ctx, notify.Event{
		Type:    notify.EventLaunchFailed,
		OwnerID: l.OwnerID,
		Message: fmt.Sprintf("launch of %s failed after %d attempts, auto-refund in progress", l.TokenSymbol, count),
	})
	w.refund(ctx, l)
}

// retryLaunch re-runs a parked launch after the wait, claiming the row
// optimistically first.
func (w *Watcher) retryLaunch(ctx context.Context, l *store.Launch) {
	won, err := w.store.ClaimRetry(l.ID)
	if err != nil {
		log.Error().Err(err).Str("launchId", l.ID).Msg("retry claim failed")
		return
	}
	if !won {
		return
	}
	log.Info().Str("launchId", l.ID).Int("attempt", l.RetryCount+1).Msg("retrying launch")
	w.launch(ctx, l)
}

// expire closes out a launch whose window has passed, refunding any
// deposit above the rent reserve.
func (w *Watcher) expire(ctx context.Context, l *store.Launch, dc config.DepositConfig) {
	logger := log.With().Str("launchId", l.ID).Str("symbol", l.TokenSymbol).Logger()

	lamports, err := w.chain.GetBalance(ctx, l.DepositAddress)
	if err != nil {
		// Leave the row alone; the next tick retries the expiry.
		logger.Warn().Err(err).Msg("deposit balance read failed at expiry")
		return
	}

	if chain.LamportsToSOL(lamports) > dc.RentReserveSol {
		if err := w.store.SetLaunchStatus(l.ID, store.LaunchExpired, "expired with deposit"); err != nil {
			logger.Error().Err(err).Msg("mark launch expired failed")
			return
		}
		logger.Info().Uint64("lamports", lamports).Msg("launch expired with deposit, refunding")
		w.notify(ctx, notify.Event{
			Type:    notify.EventLaunchExpired,
			OwnerID: l.OwnerID,
			Message: fmt.Sprintf("launch window for %s expired, auto-refund in progress", l.TokenSymbol),
		})
		w.refund(ctx, l)
		return
	}

	if err := w.store.SetLaunchStatus(l.ID, store.LaunchExpired, "expired, no deposit received"); err != nil {
		logger.Error().Err(err).Msg("mark launch expired failed")
		return
	}
	logger.Info().Msg("launch expired without a deposit")
	w.notify(ctx, notify.Event{
		Type:    notify.EventLaunchExpired,
		OwnerID: l.OwnerID,
		Message: fmt.Sprintf("launch window for %s expired, no deposit received", l.TokenSymbol),
	})
}

func (w *Watcher) notify(ctx context.Context, ev notify.Event) {
	ev.Timestamp = time.Now()
	if err := w.notifier.Notify(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event", ev.Type).Msg("notification failed")
	}
}
