// Package claim collects accrued creator fees from the AMM on two
// cadences. The fast cycle sweeps any token whose claimable balance has
// reached the platform-wide fast threshold; the slow cycle walks a
// bounded batch using each token's own threshold so small earners are
// still claimed eventually. Claimed SOL lands in the dev wallet and is
// immediately split between the platform and the token's ops wallet.
package claim

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/config"
	"flywheel-engine/internal/notify"
	"flywheel-engine/internal/store"
	"flywheel-engine/internal/txexec"
)

// FeeSource reads claimable creator fees and builds claim transactions.
type FeeSource interface {
	ClaimablePositions(ctx context.Context, walletAddress string) ([]amm.ClaimablePosition, error)
	ClaimTxs(ctx context.Context, walletAddress string, mints []string) ([]string, error)
}

// TxRunner lands transactions for custody-held wallets.
type TxRunner interface {
	ExecuteDelegated(ctx context.Context, walletAddress, base64Tx string, lastValidBlockHeight uint64) txexec.Result
}

// BlockhashSource supplies a fresh blockhash for transfer building.
type BlockhashSource interface {
	GetWithHeight() (string, uint64, error)
}

const (
	// Reserve kept in the dev wallet out of every claim, clamped so a
	// misconfigured value can neither starve the wallet of gas nor eat
	// the claim.
	minReserveSol = 0.01
	maxReserveSol = 0.1

	// minTransferSol is the dust floor below which split transfers are
	// skipped; the remainder stays in the dev wallet for the fee sweep.
	minTransferSol = 0.001
)

// Scheduler runs one claim cadence over the auto-claim-eligible set.
type Scheduler struct {
	store    *store.Store
	fees     FeeSource
	exec     TxRunner
	hash     BlockhashSource
	cfg      *config.Manager
	notifier notify.Notifier

	kind     string
	fast     bool
	interval time.Duration

	runMu  sync.Mutex // guards start/stop transitions
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tickMu sync.Mutex // one tick at a time; overlaps are skipped
}

// NewFast builds the short-cycle scheduler. Every pass claims tokens
// whose claimable fees reach the platform-wide fast threshold.
func NewFast(st *store.Store, fees FeeSource, exec TxRunner, hash BlockhashSource,
	cfg *config.Manager, notifier notify.Notifier) *Scheduler {
	return &Scheduler{
		store:    st,
		fees:     fees,
		exec:     exec,
		hash:     hash,
		cfg:      cfg,
		notifier: notifier,
		kind:     "claim_fast",
		fast:     true,
		interval: cfg.GetClaimFastInterval(),
	}
}

// NewSlow builds the long-cycle scheduler. Every pass claims at most
// slow_max_tokens tokens, each judged against its own fee threshold.
func NewSlow(st *store.Store, fees FeeSource, exec TxRunner, hash BlockhashSource,
	cfg *config.Manager, notifier notify.Notifier) *Scheduler {
	return &Scheduler{
		store:    st,
		fees:     fees,
		exec:     exec,
		hash:     hash,
		cfg:      cfg,
		notifier: notifier,
		kind:     "claim_slow",
		fast:     false,
		interval: cfg.GetClaimSlowInterval(),
	}
}

// Kind identifies the scheduler in the registry.
func (s *Scheduler) Kind() string { return s.kind }

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
	log.Info().Str("cycle", s.kind).Dur("interval", s.interval).Msg("claim scheduler started")
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
	log.Info().Str("cycle", s.kind).Msg("claim scheduler stopped")
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

// Tick runs one pass over the auto-claim set. When the previous tick is
// still running the new one is skipped, never queued.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.tickMu.TryLock() {
		log.Warn().Str("cycle", s.kind).Msg("claim tick still running, skipping")
		return
	}
	defer s.tickMu.Unlock()

	tokens, err := s.store.EligibleForAutoClaim()
	if err != nil {
		log.Error().Err(err).Msg("auto-claim eligibility query failed")
		return
	}
	if len(tokens) == 0 {
		return
	}

	cc := s.cfg.Get().Claim
	budget := 0
	if !s.fast {
		budget = cc.SlowMaxTokens
	}

	start := time.Now()
	claims := 0
	for i, tt := range tokens {
		if ctx.Err() != nil {
			return
		}
		if budget > 0 && claims >= budget {
			log.Info().Int("budget", budget).Int("deferred", len(tokens)-i).
				Msg("slow claim batch full, deferring rest to next cycle")
			break
		}
		threshold := cc.FastThresholdSol
		if !s.fast {
			threshold = tt.Config.FeeThresholdSol
		}
		if s.processToken(ctx, tt, threshold) {
			claims++
		}
	}
	log.Debug().Str("cycle", s.kind).Int("tokens", len(tokens)).Int("claims", claims).
		Dur("took", time.Since(start)).Msg("claim cycle complete")
}

// processToken reads the token's claimable position and claims when it
// meets the threshold. Returns true when a claim landed.
func (s *Scheduler) processToken(ctx context.Context, tt *store.TradingToken, thresholdSol float64) bool {
	tok := tt.Token
	logger := log.With().Str("symbol", tok.Symbol).Str("tokenId", tok.ID).Logger()

	positions, err := s.fees.ClaimablePositions(ctx, tok.DevWallet)
	if err != nil {
		logger.Warn().Err(err).Msg("claimable positions read failed")
		return false
	}
	claimable, found := 0.0, false
	for _, p := range positions {
		if p.Mint == tok.Mint {
			claimable, found = p.ClaimableSol, true
			break
		}
	}
	if !found || claimable < thresholdSol {
		return false
	}

	if err := s.claim(ctx, tt, claimable); err != nil {
		logger.Error().Err(err).Float64("claimable", claimable).Msg("claim failed")
		return false
	}
	return true
}

func (s *Scheduler) notify(ctx context.Context, ev notify.Event) {
	ev.Timestamp = time.Now()
	if err := s.notifier.Notify(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event", ev.Type).Msg("notification failed")
	}
}
