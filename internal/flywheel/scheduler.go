// Package flywheel drives automated market making for every managed
// token. One scheduler tick walks the eligible set in creation order,
// sweeps creator fees off each dev wallet, then hands the token to its
// configured algorithm for at most one trading step.
package flywheel

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/config"
	"flywheel-engine/internal/notify"
	"flywheel-engine/internal/pricing"
	"flywheel-engine/internal/store"
	"flywheel-engine/internal/txexec"
)

// ChainReader is the balance view the scheduler needs from the RPC client.
type ChainReader interface {
	GetBalance(ctx context.Context, pubkey string) (uint64, error)
	GetTokenBalance(ctx context.Context, owner, mint string) (uint64, uint8, error)
}

// Quoter prices routes and generates unsigned swap transactions.
type Quoter interface {
	GetQuote(ctx context.Context, inputMint, outputMint string, amountAtomic uint64, slippageBps int, side amm.Side) (*amm.Quote, error)
	GetSwapTx(ctx context.Context, walletAddress string, quote *amm.Quote) (*amm.SwapTxResult, error)
}

// TxRunner lands transactions for custody-held wallets.
type TxRunner interface {
	ExecuteDelegated(ctx context.Context, walletAddress, base64Tx string, lastValidBlockHeight uint64) txexec.Result
}

// Advisor produces indicator signals for the smart and dynamic strategies.
type Advisor interface {
	Signals(ctx context.Context, mint string) (*pricing.Signals, error)
	OptimalSignal(ctx context.Context, mint string) (*pricing.Advice, error)
}

// BlockhashSource supplies a fresh blockhash for transfer building.
type BlockhashSource interface {
	GetWithHeight() (string, uint64, error)
}

const (
	// gasReserveSol is kept liquid in the ops wallet so a buy never
	// strands the wallet without transaction fees.
	gasReserveSol = 0.01

	// minTransferSol is the dust floor below which transfers are skipped.
	minTransferSol = 0.001

	maxConsecutiveFailures = 5
	failurePause           = 30 * time.Minute

	turboBuysPerCycle  = 3
	turboSellsPerCycle = 3
)

// Check results persisted to last_check_result. Skips are outcomes,
// not errors.
const (
	resultPaused             = "paused"
	resultPacing             = "pacing"
	resultMMDisabled         = "mm_disabled"
	resultReactiveOnly       = "reactive_only"
	resultInsufficientSol    = "insufficient_sol"
	resultInsufficientTokens = "insufficient_tokens"
	resultNoTokens           = "no_tokens"
	resultBalanced           = "balanced"
	resultHighVolatility     = "high_volatility"
	resultCooldown           = "cooldown"
	resultHold               = "hold"
	resultNoRoute            = "no_route"
)

// Scheduler walks flywheel-eligible tokens on a fixed tick.
type Scheduler struct {
	store    *store.Store
	chain    ChainReader
	quotes   Quoter
	exec     TxRunner
	advisor  Advisor
	hash     BlockhashSource
	cfg      *config.Manager
	notifier notify.Notifier

	interval time.Duration

	runMu  sync.Mutex // guards start/stop transitions
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tickMu sync.Mutex // one tick at a time; overlaps are skipped
}

// New builds a stopped scheduler. Call Start to begin ticking.
func New(st *store.Store, ch ChainReader, quotes Quoter, exec TxRunner, advisor Advisor,
	hash BlockhashSource, cfg *config.Manager, notifier notify.Notifier) *Scheduler {
	return &Scheduler{
		store:    st,
		chain:    ch,
		quotes:   quotes,
		exec:     exec,
		advisor:  advisor,
		hash:     hash,
		cfg:      cfg,
		notifier: notifier,
		interval: cfg.GetFlywheelInterval(),
	}
}

// Kind identifies the scheduler in the registry.
func (s *Scheduler) Kind() string { return "flywheel" }

// SetInterval changes the tick interval applied at the next Start.
func (s *Scheduler) SetInterval(d time.Duration) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if d > 0 {
		s.interval = d
	}
}

// Start launches the tick loop. A second Start while running is a no-op.
func (s *Scheduler) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx, s.interval)
	log.Info().Dur("interval", s.interval).Msg("flywheel scheduler started")
}

// Stop cancels the loop and waits for an in-flight tick to drain.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if s.cancel == nil {
		s.runMu.Unlock()
		return
	}
	s.cancel()
	s.cancel = nil
	s.runMu.Unlock()

	s.wg.Wait()
	log.Info().Msg("flywheel scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one pass over the eligible set. When the previous tick is
// still running the new one is skipped, never queued.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.tickMu.TryLock() {
		log.Warn().Msg("flywheel tick still running, skipping")
		return
	}
	defer s.tickMu.Unlock()

	tokens, err := s.store.EligibleForFlywheel()
	if err != nil {
		log.Error().Err(err).Msg("flywheel eligibility query failed")
		return
	}
	if len(tokens) == 0 {
		return
	}

	fc := s.cfg.GetFlywheel()
	budget := fc.MaxTradesPerMin
	delay := time.Duration(fc.InterTokenDelayMs) * time.Millisecond

	start := time.Now()
	traded := 0
	for i, tt := range tokens {
		if ctx.Err() != nil {
			return
		}
		if budget > 0 && traded >= budget {
			log.Warn().Int("budget", budget).Int("deferred", len(tokens)-i).
				Msg("flywheel trade budget reached, deferring rest to next tick")
			break
		}
		if i > 0 && !sleepCtx(ctx, delay) {
			return
		}
		if s.processToken(ctx, tt) {
			traded++
		}
	}
	log.Debug().Int("tokens", len(tokens)).Int("trades", traded).
		Dur("took", time.Since(start)).Msg("flywheel tick complete")
}

// processToken sweeps fees and runs one algorithm step. Returns true
// when a trade confirmed on chain.
func (s *Scheduler) processToken(ctx context.Context, tt *store.TradingToken) bool {
	tok := tt.Token
	logger := log.With().Str("symbol", tok.Symbol).Str("tokenId", tok.ID).Logger()

	if err := s.sweepCreatorFees(ctx, tt); err != nil {
		logger.Warn().Err(err).Msg("fee sweep failed")
	}

	st, err := s.store.EnsureState(tok.ID)
	if err != nil {
		logger.Error().Err(err).Msg("load flywheel state failed")
		return false
	}

	now := time.Now().Unix()
	result, traded, tradeErr := s.step(ctx, tt, st, now)

	st.LastCheckedAt = now
	st.LastCheckResult = result
	switch {
	case traded:
		st.LastTradeAt = now
		st.ConsecutiveFailures = 0
	case tradeErr != nil:
		st.ConsecutiveFailures++
		logger.Error().Err(tradeErr).Int("failures", st.ConsecutiveFailures).
			Str("step", result).Msg("flywheel step failed")
		if st.ConsecutiveFailures >= maxConsecutiveFailures {
			st.PausedUntil = time.Now().Add(failurePause).Unix()
			st.ConsecutiveFailures = 0
			st.LastCheckResult = resultPaused
			logger.Warn().Time("until", time.Unix(st.PausedUntil, 0)).
				Msg("repeated failures, trading paused")
			s.notify(ctx, notify.Event{
				Type:    notify.EventTradingPaused,
				TokenID: tok.ID,
				OwnerID: tok.OwnerID,
				Message: fmt.Sprintf("%s trading paused for %s after repeated failures", tok.Symbol, failurePause),
			})
		}
	}

	if err := s.store.UpsertState(st); err != nil {
		logger.Error().Err(err).Msg("persist flywheel state failed")
	}
	return traded
}

// step gates the token and dispatches to its algorithm.
func (s *Scheduler) step(ctx context.Context, tt *store.TradingToken, st *store.State, now int64) (string, bool, error) {
	if st.PausedUntil > now {
		return resultPaused, false, nil
	}
	if !tt.Config.MarketMakingEnabled {
		return resultMMDisabled, false, nil
	}

	pace := int64(tt.Config.BuyIntervalSec)
	if tt.Config.Algorithm == store.AlgoTurboLite {
		pace /= 2
	}
	if pace > 0 && now-st.LastTradeAt < pace {
		return resultPacing, false, nil
	}

	fc := s.cfg.GetFlywheel()
	switch tt.Config.Algorithm {
	case store.AlgoSimple:
		return s.runSimple(ctx, tt, st, fc.BuysPerCycle, fc.SellsPerCycle)
	case store.AlgoTurboLite:
		return s.runSimple(ctx, tt, st, turboBuysPerCycle, turboSellsPerCycle)
	case store.AlgoRebalance:
		return s.runRebalance(ctx, tt, st)
	case store.AlgoSmart:
		return s.runSmart(ctx, tt, st, now)
	case store.AlgoDynamic:
		return s.runDynamic(ctx, tt, st)
	case store.AlgoTwapVwap:
		return s.runTwapVwap(ctx, tt, st)
	case store.AlgoReactive:
		// Webhook-driven; the scheduler never initiates trades for it.
		return resultReactiveOnly, false, nil
	default:
		return "unknown_algorithm", false, nil
	}
}

func (s *Scheduler) notify(ctx context.Context, ev notify.Event) {
	ev.Timestamp = time.Now()
	if err := s.notifier.Notify(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event", ev.Type).Msg("notification failed")
	}
}

// opsSOL reads the ops wallet SOL balance in SOL.
func (s *Scheduler) opsSOL(ctx context.Context, tok *store.Token) (float64, error) {
	lamports, err := s.chain.GetBalance(ctx, tok.OpsWallet)
	if err != nil {
		return 0, err
	}
	return chain.LamportsToSOL(lamports), nil
}

// opsTokens reads the ops wallet token holdings in atomic units.
func (s *Scheduler) opsTokens(ctx context.Context, tok *store.Token) (uint64, error) {
	units, _, err := s.chain.GetTokenBalance(ctx, tok.OpsWallet, tok.Mint)
	return units, err
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

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// sleepCtx pauses for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
