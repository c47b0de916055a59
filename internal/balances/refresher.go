// Package balances refreshes per-token wallet balance snapshots on a
// slow cadence so dashboards and admin reads never touch the chain.
package balances

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/config"
	"flywheel-engine/internal/store"
)

// ChainReader is the balance view the refresher needs.
type ChainReader interface {
	GetBalance(ctx context.Context, pubkey string) (uint64, error)
	GetTokenBalance(ctx context.Context, owner, mint string) (uint64, uint8, error)
}

// FeeReader reads claimable creator fees.
type FeeReader interface {
	ClaimablePositions(ctx context.Context, walletAddress string) ([]amm.ClaimablePosition, error)
}

// PriceReader supplies the cached SOL/USD price.
type PriceReader interface {
	SOLPriceUSD(ctx context.Context) float64
}

// Refresher walks every active token and rewrites its balance snapshot.
type Refresher struct {
	store *store.Store
	chain ChainReader
	fees  FeeReader
	price PriceReader
	cfg   *config.Manager

	interval time.Duration

	runMu  sync.Mutex // guards start/stop transitions
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tickMu sync.Mutex // one tick at a time; overlaps are skipped
}

func NewRefresher(st *store.Store, ch ChainReader, fees FeeReader, price PriceReader, cfg *config.Manager) *Refresher {
	interval := time.Duration(cfg.Get().Balances.RefreshIntervalMin) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Refresher{
		store:    st,
		chain:    ch,
		fees:     fees,
		price:    price,
		cfg:      cfg,
		interval: interval,
	}
}

// Kind identifies the refresher in the scheduler registry.
func (r *Refresher) Kind() string { return "balances" }

// SetInterval changes the tick interval applied at the next Start.
func (r *Refresher) SetInterval(d time.Duration) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if d > 0 {
		r.interval = d
	}
}

// Start launches the refresh loop. A second Start while running is a no-op.
func (r *Refresher) Start() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.run(ctx, r.interval)
	log.Info().Dur("interval", r.interval).Msg("balance refresher started")
}

// Stop cancels the loop and waits for an in-flight tick to drain.
func (r *Refresher) Stop() {
	r.runMu.Lock()
	if r.cancel == nil {
		r.runMu.Unlock()
		return
	}
	r.cancel()
	r.cancel = nil
	r.runMu.Unlock()

	r.wg.Wait()
	log.Info().Msg("balance refresher stopped")
}

func (r *Refresher) run(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick refreshes snapshots for every active token, pacing chain reads
// with the configured inter-token delay.
func (r *Refresher) Tick(ctx context.Context) {
	if !r.tickMu.TryLock() {
		log.Warn().Msg("balance refresh still running, skipping")
		return
	}
	defer r.tickMu.Unlock()

	tokens, err := r.store.ActiveTokens()
	if err != nil {
		log.Error().Err(err).Msg("balance refresh token query failed")
		return
	}
	if len(tokens) == 0 {
		return
	}

	solPrice := r.price.SOLPriceUSD(ctx)
	delay := time.Duration(r.cfg.Get().Balances.InterTokenDelayMs) * time.Millisecond

	start := time.Now()
	refreshed := 0
	for i, tok := range tokens {
		if ctx.Err() != nil {
			return
		}
		if i > 0 && !sleepCtx(ctx, delay) {
			return
		}
		if err := r.refreshToken(ctx, tok, solPrice); err != nil {
			// Keep the previous snapshot: stale beats partial.
			log.Warn().Err(err).Str("symbol", tok.Symbol).Msg("balance refresh failed")
			continue
		}
		refreshed++
	}
	log.Debug().Int("tokens", len(tokens)).Int("refreshed", refreshed).
		Dur("took", time.Since(start)).Msg("balance refresh complete")
}

func (r *Refresher) refreshToken(ctx context.Context, tok *store.Token, solPrice float64) error {
	devLamports, err := r.chain.GetBalance(ctx, tok.DevWallet)
	if err != nil {
		return err
	}
	opsLamports, err := r.chain.GetBalance(ctx, tok.OpsWallet)
	if err != nil {
		return err
	}
	devTokens, _, err := r.chain.GetTokenBalance(ctx, tok.DevWallet, tok.Mint)
	if err != nil {
		return err
	}
	opsTokens, _, err := r.chain.GetTokenBalance(ctx, tok.OpsWallet, tok.Mint)
	if err != nil {
		return err
	}

	claimable := 0.0
	positions, err := r.fees.ClaimablePositions(ctx, tok.DevWallet)
	if err != nil {
		// Fees are an enrichment; balances alone still make a snapshot.
		log.Debug().Err(err).Str("symbol", tok.Symbol).Msg("claimable read failed")
	} else {
		for _, p := range positions {
			if p.Mint == tok.Mint {
				claimable = p.ClaimableSol
				break
			}
		}
	}

	return r.store.UpsertSnapshot(&store.BalanceSnapshot{
		TokenID:      tok.ID,
		DevSol:       chain.LamportsToSOL(devLamports),
		OpsSol:       chain.LamportsToSOL(opsLamports),
		DevTokens:    devTokens,
		OpsTokens:    opsTokens,
		ClaimableSol: claimable,
		SolPriceUSD:  solPrice,
	})
}

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
