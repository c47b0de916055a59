// Package platform runs the singleton flywheel for the platform's own
// token: the simple buy/sell rotation plus a claim cycle that keeps the
// full proceeds, signing with local keypairs instead of custody.
package platform

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/config"
	"flywheel-engine/internal/notify"
	"flywheel-engine/internal/store"
	"flywheel-engine/internal/txexec"
)

// ChainReader is the balance view the loop needs from the RPC client.
type ChainReader interface {
	GetBalance(ctx context.Context, pubkey string) (uint64, error)
	GetTokenBalance(ctx context.Context, owner, mint string) (uint64, uint8, error)
}

// Quoter prices routes and generates unsigned swap transactions.
type Quoter interface {
	GetQuote(ctx context.Context, inputMint, outputMint string, amountAtomic uint64, slippageBps int, side amm.Side) (*amm.Quote, error)
	GetSwapTx(ctx context.Context, walletAddress string, quote *amm.Quote) (*amm.SwapTxResult, error)
}

// FeeSource reads claimable creator fees and builds claim transactions.
type FeeSource interface {
	ClaimablePositions(ctx context.Context, walletAddress string) ([]amm.ClaimablePosition, error)
	ClaimTxs(ctx context.Context, walletAddress string, mints []string) ([]string, error)
}

// TxRunner lands transactions signed with in-process keys.
type TxRunner interface {
	ExecuteLocal(ctx context.Context, wallet *chain.Wallet, base64Tx string, lastValidBlockHeight uint64) txexec.Result
}

// BlockhashSource supplies a fresh blockhash for transfer building.
type BlockhashSource interface {
	GetWithHeight() (string, uint64, error)
}

const (
	gasReserveSol = 0.01
	minReserveSol = 0.01
	maxReserveSol = 0.1

	// minTransferSol is the dust floor below which the claim payout is
	// left in the dev wallet for the next cycle.
	minTransferSol = 0.001

	maxConsecutiveFailures = 5
	failurePause           = 30 * time.Minute
)

const (
	resultPaused             = "paused"
	resultMMDisabled         = "mm_disabled"
	resultInsufficientSol    = "insufficient_sol"
	resultInsufficientTokens = "insufficient_tokens"
	resultNoTokens           = "no_tokens"
)

// Loop drives the platform token on its own tick, outside the shared
// schedulers. The token row registers with the flywheel and auto-claim
// flags off so the custody-signing paths never touch the local wallets.
type Loop struct {
	store    *store.Store
	chain    ChainReader
	quotes   Quoter
	fees     FeeSource
	exec     TxRunner
	hash     BlockhashSource
	cfg      *config.Manager
	notifier notify.Notifier

	dev  *chain.Wallet
	ops  *chain.Wallet
	mint string

	interval time.Duration

	runMu  sync.Mutex // guards start/stop transitions
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tickMu sync.Mutex // one tick at a time; overlaps are skipped
}

// NewLoop loads the platform keypairs from the environment and validates
// the configured mint. Key material never rides in config files.
func NewLoop(st *store.Store, ch ChainReader, quotes Quoter, fees FeeSource, exec TxRunner,
	hash BlockhashSource, cfg *config.Manager, notifier notify.Notifier) (*Loop, error) {
	pc := cfg.Get().Platform
	if pc.Mint == "" {
		return nil, fmt.Errorf("platform: mint not configured")
	}
	dev, err := chain.NewWallet(cfg.GetPlatformDevKey())
	if err != nil {
		return nil, fmt.Errorf("platform dev key: %w", err)
	}
	ops, err := chain.NewWallet(cfg.GetPlatformOpsKey())
	if err != nil {
		return nil, fmt.Errorf("platform ops key: %w", err)
	}
	if dev.Address() == ops.Address() {
		return nil, fmt.Errorf("platform: dev and ops keys must differ")
	}

	interval := time.Duration(pc.IntervalMin) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Loop{
		store:    st,
		chain:    ch,
		quotes:   quotes,
		fees:     fees,
		exec:     exec,
		hash:     hash,
		cfg:      cfg,
		notifier: notifier,
		dev:      dev,
		ops:      ops,
		mint:     pc.Mint,
		interval: interval,
	}, nil
}

// Kind identifies the loop in the scheduler registry.
func (l *Loop) Kind() string { return "platform" }

// SetInterval changes the tick interval applied at the next Start.
func (l *Loop) SetInterval(d time.Duration) {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if d > 0 {
		l.interval = d
	}
}

// Start launches the tick loop. A second Start while running is a no-op.
func (l *Loop) Start() {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.wg.Add(1)
	go l.run(ctx, l.interval)
	log.Info().Dur("interval", l.interval).Str("mint", l.mint).Msg("platform loop started")
}

// Stop cancels the loop and waits for an in-flight tick to drain.
func (l *Loop) Stop() {
	l.runMu.Lock()
	if l.cancel == nil {
		l.runMu.Unlock()
		return
	}
	l.cancel()
	l.cancel = nil
	l.runMu.Unlock()

	l.wg.Wait()
	log.Info().Msg("platform loop stopped")
}

func (l *Loop) run(ctx context.Context, interval time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick claims pending creator fees and advances the rotation one step.
func (l *Loop) Tick(ctx context.Context) {
	if !l.tickMu.TryLock() {
		log.Warn().Msg("platform tick still running, skipping")
		return
	}
	defer l.tickMu.Unlock()

	tt, err := l.ensureToken()
	if err != nil {
		log.Error().Err(err).Msg("platform token load failed")
		return
	}
	if tt.Token.Suspended || !tt.Token.Active {
		log.Debug().Msg("platform token suspended, skipping tick")
		return
	}

	if err := l.claimFees(ctx, tt); err != nil {
		log.Warn().Err(err).Msg("platform claim failed")
	}

	st, err := l.store.EnsureState(store.PlatformStateID)
	if err != nil {
		log.Error().Err(err).Msg("load platform state failed")
		return
	}

	now := time.Now().Unix()
	result, traded, tradeErr := l.step(ctx, tt, st, now)

	st.LastCheckedAt = now
	st.LastCheckResult = result
	switch {
	case traded:
		st.LastTradeAt = now
		st.ConsecutiveFailures = 0
	case tradeErr != nil:
		st.ConsecutiveFailures++
		log.Error().Err(tradeErr).Int("failures", st.ConsecutiveFailures).
			Str("step", result).Msg("platform step failed")
		if st.ConsecutiveFailures >= maxConsecutiveFailures {
			st.PausedUntil = time.Now().Add(failurePause).Unix()
			st.ConsecutiveFailures = 0
			st.LastCheckResult = resultPaused
			log.Warn().Time("until", time.Unix(st.PausedUntil, 0)).
				Msg("repeated platform failures, loop paused")
			l.notify(ctx, notify.Event{
				Type:    notify.EventTradingPaused,
				TokenID: tt.Token.ID,
				Message: fmt.Sprintf("platform trading paused for %s after repeated failures", failurePause),
			})
		}
	}

	if err := l.store.UpsertState(st); err != nil {
		log.Error().Err(err).Msg("persist platform state failed")
	}
}

// ensureToken loads the platform token row, registering it on first run.
// The shared schedulers skip it: flywheel and auto-claim flags stay off
// because custody cannot sign for the local wallets.
func (l *Loop) ensureToken() (*store.TradingToken, error) {
	tok, err := l.store.GetTokenByMint(l.mint)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		tok = &store.Token{
			Mint:      l.mint,
			Name:      "Platform Token",
			Symbol:    "PLAT",
			Decimals:  6,
			Source:    store.SourcePlatform,
			OwnerID:   "platform",
			DevWallet: l.dev.Address(),
			OpsWallet: l.ops.Address(),
			Active:    true,
		}
		cfg := store.DefaultConfig("")
		cfg.FlywheelActive = false
		cfg.AutoClaimEnabled = false
		dev := &store.Wallet{Address: l.dev.Address(), WalletType: store.WalletDev}
		ops := &store.Wallet{Address: l.ops.Address(), WalletType: store.WalletOps}
		if err := l.store.RegisterToken(tok, cfg, dev, ops); err != nil {
			return nil, err
		}
		log.Info().Str("tokenId", tok.ID).Str("mint", l.mint).Msg("platform token registered")
	}
	cfg, err := l.store.GetConfig(tok.ID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = store.DefaultConfig(tok.ID)
	}
	return &store.TradingToken{Token: tok, Config: cfg}, nil
}

// step advances the simple rotation one trade, honoring the pause ladder
// and the market-making switch on the token's config row.
func (l *Loop) step(ctx context.Context, tt *store.TradingToken, st *store.State, now int64) (string, bool, error) {
	if st.PausedUntil > now {
		return resultPaused, false, nil
	}
	if !tt.Config.MarketMakingEnabled {
		return resultMMDisabled, false, nil
	}

	fc := l.cfg.GetFlywheel()
	if st.Phase == store.PhaseSell {
		return l.sellStep(ctx, tt, st, fc.SellsPerCycle)
	}
	return l.buyStep(ctx, tt, st, fc.BuysPerCycle, fc.SellsPerCycle)
}

func (l *Loop) buyStep(ctx context.Context, tt *store.TradingToken, st *store.State, buys, sells int) (string, bool, error) {
	if buys < 1 {
		buys = 1
	}
	if st.BuyCount >= buys {
		// Buys are done but a prior snapshot attempt failed. Retry the
		// snapshot without trading.
		result, err := l.armSellPhase(ctx, st, sells)
		return result, false, err
	}

	buySol := randomBuySol(tt.Config)
	balance, err := l.chain.GetBalance(ctx, l.ops.Address())
	if err != nil {
		return "balance_check_failed", false, err
	}
	if chain.LamportsToSOL(balance) < buySol+gasReserveSol {
		return resultInsufficientSol, false, nil
	}

	if err := l.swap(ctx, tt, amm.SideBuy, chain.SOLToLamports(buySol)); err != nil {
		return "buy_failed", false, err
	}

	st.BuyCount++
	if st.BuyCount >= buys {
		if _, err := l.armSellPhase(ctx, st, sells); err != nil {
			// The buy landed; the snapshot retries next tick.
			log.Warn().Err(err).Msg("platform sell phase snapshot failed")
		}
	}
	return "bought", true, nil
}

// armSellPhase snapshots current holdings and splits them across the
// sell half of the cycle.
func (l *Loop) armSellPhase(ctx context.Context, st *store.State, sells int) (string, error) {
	if sells < 1 {
		sells = 1
	}
	held, _, err := l.chain.GetTokenBalance(ctx, l.ops.Address(), l.mint)
	if err != nil {
		return "snapshot_failed", err
	}
	if held == 0 {
		resetToBuy(st)
		return resultNoTokens, nil
	}

	st.Phase = store.PhaseSell
	st.BuyCount = 0
	st.SellCount = 0
	st.SellPhaseTokenSnapshot = held
	st.SellAmountPerTx = held / uint64(sells)
	if st.SellAmountPerTx == 0 {
		st.SellAmountPerTx = held
	}
	return "sell_phase_armed", nil
}

func (l *Loop) sellStep(ctx context.Context, tt *store.TradingToken, st *store.State, sells int) (string, bool, error) {
	if sells < 1 {
		sells = 1
	}
	held, _, err := l.chain.GetTokenBalance(ctx, l.ops.Address(), l.mint)
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

	if err := l.swap(ctx, tt, amm.SideSell, amount); err != nil {
		return "sell_failed", false, err
	}

	st.SellCount++
	if st.SellCount >= sells {
		resetToBuy(st)
	}
	return "sold", true, nil
}

// swap quotes and lands one locally signed swap from the ops wallet,
// recording the attempt either way.
func (l *Loop) swap(ctx context.Context, tt *store.TradingToken, side amm.Side, amountAtomic uint64) error {
	tok := tt.Token
	inputMint, outputMint := amm.SOLMint, tok.Mint
	txType := store.TxBuy
	if side == amm.SideSell {
		inputMint, outputMint = tok.Mint, amm.SOLMint
		txType = store.TxSell
	}

	quote, err := l.quotes.GetQuote(ctx, inputMint, outputMint, amountAtomic, tt.Config.SlippageBps, side)
	if err != nil {
		return err
	}
	swapTx, err := l.quotes.GetSwapTx(ctx, l.ops.Address(), quote)
	if err != nil {
		return err
	}

	var solAmount float64
	var tokenAmount uint64
	if side == amm.SideBuy {
		solAmount = chain.LamportsToSOL(quote.InAmount)
		tokenAmount = quote.OutAmount
	} else {
		solAmount = chain.LamportsToSOL(quote.OutAmount)
		tokenAmount = quote.InAmount
	}

	res := l.exec.ExecuteLocal(ctx, l.ops, swapTx.Transaction, swapTx.LastValidBlockHeight)
	rec := &store.TransactionRecord{
		TokenID:      tok.ID,
		TxType:       txType,
		AmountSol:    solAmount,
		AmountTokens: tokenAmount,
		Signature:    res.Signature,
		Status:       store.TxConfirmed,
		Detail:       "platform",
	}
	if !res.Succeeded() {
		rec.Status = store.TxFailed
	}
	if err := l.store.InsertTransaction(rec); err != nil {
		log.Error().Err(err).Msg("record platform transaction failed")
	}
	if !res.Succeeded() {
		return res.Err
	}

	if err := l.store.AddTradeTotals(tok.ID, txType, solAmount); err != nil {
		log.Error().Err(err).Msg("update platform trade totals failed")
	}
	log.Info().Str("side", string(side)).Float64("sol", solAmount).
		Uint64("tokens", tokenAmount).Str("signature", res.Signature).
		Msg("platform trade confirmed")
	return nil
}

// claimFees claims pending creator fees and moves the proceeds to the
// ops wallet. No platform-fee split: the platform pays itself in full,
// keeping only the gas reserve behind.
func (l *Loop) claimFees(ctx context.Context, tt *store.TradingToken) error {
	tok := tt.Token

	positions, err := l.fees.ClaimablePositions(ctx, l.dev.Address())
	if err != nil {
		return fmt.Errorf("claimable positions: %w", err)
	}
	claimable, found := 0.0, false
	for _, p := range positions {
		if p.Mint == l.mint {
			claimable, found = p.ClaimableSol, true
			break
		}
	}
	if !found || claimable < tt.Config.FeeThresholdSol {
		return nil
	}

	started := store.Now()
	txs, err := l.fees.ClaimTxs(ctx, l.dev.Address(), []string{l.mint})
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
		res := l.exec.ExecuteLocal(ctx, l.dev, tx, 0)
		if !res.Succeeded() {
			l.recordClaimTx(tok.ID, claimable, res.Signature, store.TxFailed)
			return fmt.Errorf("claim tx: %w", res.Err)
		}
		lastSig = res.Signature
	}
	l.recordClaimTx(tok.ID, claimable, lastSig, store.TxConfirmed)

	payout := l.payout(ctx, tok, claimable)

	if err := l.store.InsertClaim(&store.ClaimRecord{
		TokenID:        tok.ID,
		TotalSol:       claimable,
		PlatformFeeSol: 0,
		UserShareSol:   payout,
		Signature:      lastSig,
		StartedAt:      started,
		CompletedAt:    store.Now(),
	}); err != nil {
		log.Error().Err(err).Msg("record platform claim failed")
	}
	if err := l.store.AddClaimTotals(tok.ID, claimable, 0); err != nil {
		log.Error().Err(err).Msg("update platform claim totals failed")
	}

	log.Info().Float64("claimed", claimable).Float64("payout", payout).
		Str("signature", lastSig).Msg("platform fees claimed")
	l.notify(ctx, notify.Event{
		Type:    notify.EventClaimCompleted,
		TokenID: tok.ID,
		Message: fmt.Sprintf("claimed %.4f SOL in platform creator fees", claimable),
	})
	return nil
}

// payout moves the claimed SOL minus the reserve to the ops wallet.
// Returns the computed payout portion in SOL; a failed transfer leaves
// the SOL in the dev wallet where the next cycle pays it out again.
func (l *Loop) payout(ctx context.Context, tok *store.Token, claimedSol float64) float64 {
	reserve := clampF(l.cfg.Get().Claim.ReserveSol, minReserveSol, maxReserveSol)
	transferable := solToLamportsDec(claimedSol).Sub(solToLamportsDec(reserve))
	floor := solToLamportsDec(minTransferSol)
	if transferable.LessThan(floor) {
		return 0
	}
	lamports := uint64(transferable.IntPart())
	portion := chain.LamportsToSOL(lamports)

	hash, height, err := l.hash.GetWithHeight()
	if err != nil {
		log.Warn().Err(err).Msg("platform payout blockhash failed, retrying next cycle")
		return portion
	}
	tx, err := chain.BuildTransferTx(l.dev.Address(), l.ops.Address(), lamports, hash)
	if err != nil {
		log.Warn().Err(err).Msg("platform payout build failed, retrying next cycle")
		return portion
	}

	res := l.exec.ExecuteLocal(ctx, l.dev, tx, height)
	rec := &store.TransactionRecord{
		TokenID:   tok.ID,
		TxType:    store.TxTransfer,
		AmountSol: portion,
		Signature: res.Signature,
		Status:    store.TxConfirmed,
		Detail:    "claim_split_ops",
	}
	if !res.Succeeded() {
		rec.Status = store.TxFailed
	}
	if err := l.store.InsertTransaction(rec); err != nil {
		log.Error().Err(err).Msg("record platform payout failed")
	}
	if !res.Succeeded() {
		log.Warn().Err(res.Err).Msg("platform payout transfer failed, retrying next cycle")
	}
	return portion
}

func (l *Loop) recordClaimTx(tokenID string, amountSol float64, signature, status string) {
	if err := l.store.InsertTransaction(&store.TransactionRecord{
		TokenID:   tokenID,
		TxType:    store.TxClaim,
		AmountSol: amountSol,
		Signature: signature,
		Status:    status,
		Detail:    "claim",
	}); err != nil {
		log.Error().Err(err).Msg("record platform claim transaction failed")
	}
}

func (l *Loop) notify(ctx context.Context, ev notify.Event) {
	ev.Timestamp = time.Now()
	if err := l.notifier.Notify(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event", ev.Type).Msg("notification failed")
	}
}

func resetToBuy(st *store.State) {
	st.Phase = store.PhaseBuy
	st.BuyCount = 0
	st.SellCount = 0
	st.SellPhaseTokenSnapshot = 0
	st.SellAmountPerTx = 0
}

// randomBuySol picks a uniform amount in [min_buy, max_buy].
func randomBuySol(c *store.Config) float64 {
	lo, hi := c.MinBuySol, c.MaxBuySol
	if hi <= lo {
		return lo
	}
	return lo + rand.Float64()*(hi-lo)
}

// capSellAmount applies the per-token sell ceiling, in atomic units.
func capSellAmount(tt *store.TradingToken, amount uint64) uint64 {
	if tt.Config.MaxSellTokens <= 0 {
		return amount
	}
	ceil := uint64(tt.Config.MaxSellTokens * math.Pow10(tt.Token.Decimals))
	if ceil > 0 && amount > ceil {
		return ceil
	}
	return amount
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
