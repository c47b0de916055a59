// Package reactive turns third-party swaps reported by the webhook
// provider into counter-trades. Events flow through a bounded worker
// pool; each one is deduplicated by signature, matched against the
// reactive token cache, filtered for our own transactions and then, if
// it clears the trigger threshold and the per-token cooldown, answered
// on the opposite side at a configured fraction of its size.
package reactive

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/config"
	"flywheel-engine/internal/store"
)

// Trader executes the counter-trade. The flywheel scheduler's reactive
// path clamps the size against the ops wallet and records the trade.
type Trader interface {
	ExecuteReactiveTrade(ctx context.Context, tokenID string, side amm.Side, solAmount float64) (string, float64, error)
}

type Engine struct {
	store   *store.Store
	trader  Trader
	cache   *Cache
	seen    *SignatureSet
	queue   chan SwapEvent
	workers int

	// lastAt mirrors the persisted last_reactive_trade_at stamps in
	// milliseconds. Reserving the slot under the mutex is what keeps
	// two concurrent events for one token from both trading.
	lastMu sync.Mutex
	lastAt map[string]int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(st *store.Store, trader Trader, cfg *config.Manager) *Engine {
	rc := cfg.Get().Reactive
	workers := rc.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := rc.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Engine{
		store:   st,
		trader:  trader,
		cache:   NewCache(st, time.Duration(rc.CacheTTLSec)*time.Second),
		seen:    NewSignatureSet(4000),
		queue:   make(chan SwapEvent, queueSize),
		workers: workers,
		lastAt:  make(map[string]int64),
	}
}

// Start launches the worker pool. No-op when already running.
func (e *Engine) Start() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.work(ctx)
	}
	log.Info().Int("workers", e.workers).Int("queue", cap(e.queue)).Msg("reactive engine started")
}

// Stop halts the workers. Queued events are dropped; the webhook feed
// is best-effort and the poll loops cover anything missed.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.cancel = nil
	e.wg.Wait()
	log.Info().Msg("reactive engine stopped")
}

// Enqueue hands a webhook batch to the pool without blocking the HTTP
// handler. Events that do not fit are dropped and logged. Returns the
// number accepted.
func (e *Engine) Enqueue(events []SwapEvent) int {
	accepted := 0
	for _, ev := range events {
		select {
		case e.queue <- ev:
			accepted++
		default:
			log.Warn().Str("signature", ev.Signature).Msg("reactive queue full, dropping event")
		}
	}
	return accepted
}

func (e *Engine) work(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.queue:
			e.handle(ctx, ev)
		}
	}
}

// handle runs one event through the pipeline. Every early return is a
// silent skip; only dispatches and dispatch failures are worth noise.
func (e *Engine) handle(ctx context.Context, ev SwapEvent) {
	if ev.Signature == "" || e.seen.Seen(ev.Signature) {
		return
	}
	switch ev.Type {
	case "SWAP", "BUY", "SELL":
	default:
		return
	}
	ps, ok := ev.parse()
	if !ok {
		log.Debug().Str("signature", ev.Signature).Str("type", ev.Type).Msg("unparseable swap event")
		return
	}
	entry, ok := e.cache.Lookup(ps.mint)
	if !ok {
		return
	}
	if ev.involves(entry.OpsWallet) {
		log.Debug().Str("signature", ev.Signature).Str("mint", ps.mint).Msg("own transaction, ignoring")
		return
	}
	if ps.sol < entry.MinTriggerSol {
		return
	}
	if !e.reserveCooldown(entry.TokenID, entry.CooldownMs) {
		log.Debug().Str("tokenId", entry.TokenID).Msg("reactive cooldown active")
		return
	}

	respSol := decimal.NewFromFloat(ps.sol).
		Mul(decimal.NewFromFloat(entry.ScalePct)).
		Div(decimal.NewFromInt(100)).
		InexactFloat64()
	respSide := amm.SideSell
	if ps.side == amm.SideSell {
		respSide = amm.SideBuy
	}

	sig, traded, err := e.trader.ExecuteReactiveTrade(ctx, entry.TokenID, respSide, respSol)
	if err != nil {
		log.Warn().Err(err).Str("tokenId", entry.TokenID).Str("side", string(respSide)).
			Float64("sol", respSol).Msg("reactive trade failed")
		return
	}
	log.Info().Str("tokenId", entry.TokenID).Str("observed", string(ps.side)).
		Float64("observedSol", ps.sol).Str("side", string(respSide)).
		Float64("sol", traded).Str("signature", sig).Msg("reactive counter-trade executed")
}

// reserveCooldown claims the token's cooldown slot. The first check of
// a token in this process pulls the persisted stamp so restarts do not
// forget in-flight cooldowns. A reservation is kept even when the trade
// then fails; the next event after the cooldown retries.
func (e *Engine) reserveCooldown(tokenID string, cooldownMs int64) bool {
	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	last, ok := e.lastAt[tokenID]
	if !ok {
		if st, err := e.store.GetState(tokenID); err == nil && st != nil {
			last = st.LastReactiveTradeAt
		}
	}
	now := time.Now().UnixMilli()
	if cooldownMs > 0 && last > 0 && now-last < cooldownMs {
		e.lastAt[tokenID] = last
		return false
	}
	e.lastAt[tokenID] = now
	return true
}
