// Package pricing maintains per-token price history sampled from the AMM
// and derives trading signals from it. Prices come from a 1 SOL reference
// quote, so every figure is an on-curve exchange rate rather than an oracle
// print. The flywheel treats this package as an opaque advisor.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/chain"
)

const (
	// windowSize caps retained samples per mint. 96 samples covers a full
	// day at a 15 minute cadence.
	windowSize = 96

	// maxSampleAge drops samples older than a day regardless of count.
	maxSampleAge = 24 * time.Hour

	// defaultSampleTTL is how long the newest sample satisfies reads
	// before a fresh quote is pulled.
	defaultSampleTTL = 30 * time.Second
)

// ErrInsufficientData means the window has too few samples to compute
// indicators. Callers fall back to non-signal strategies.
var ErrInsufficientData = errors.New("pricing: not enough samples")

// PricePoint is the most recent sampled rate for a token.
type PricePoint struct {
	Mint string
	// Price is SOL per atomic token unit, derived from a 1 SOL reference
	// quote. Indicators only consume relative changes, so the unit scale
	// never matters to them.
	Price float64
	// Change24h is the percent change against the oldest retained sample,
	// which reaches back at most 24h. Zero until two samples exist.
	Change24h float64
	SampledAt time.Time
}

type sample struct {
	price float64
	at    time.Time
}

type window struct {
	samples []sample
}

// push adds a sample, then drops anything older than maxSampleAge and
// trims to windowSize from the front.
func (w *window) push(s sample) {
	w.samples = append(w.samples, s)

	cutoff := s.at.Add(-maxSampleAge)
	valid := 0
	for valid < len(w.samples) && !w.samples[valid].at.After(cutoff) {
		valid++
	}
	if valid > 0 {
		w.samples = w.samples[valid:]
	}
	if len(w.samples) > windowSize {
		w.samples = w.samples[len(w.samples)-windowSize:]
	}
}

func (w *window) prices() []float64 {
	out := make([]float64, len(w.samples))
	for i, s := range w.samples {
		out[i] = s.price
	}
	return out
}

func (w *window) last() (sample, bool) {
	if len(w.samples) == 0 {
		return sample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

// Engine samples prices on demand and keeps a rolling window per mint.
type Engine struct {
	quotes    *amm.Client
	sampleTTL time.Duration

	mu      sync.Mutex
	windows map[string]*window
}

// NewEngine creates a pricing engine on top of the AMM client. sampleTTL
// of 0 uses the default; negative disables reuse entirely.
func NewEngine(quotes *amm.Client, sampleTTL time.Duration) *Engine {
	if sampleTTL == 0 {
		sampleTTL = defaultSampleTTL
	}
	return &Engine{
		quotes:    quotes,
		sampleTTL: sampleTTL,
		windows:   make(map[string]*window),
	}
}

// refresh returns the window for mint, pulling a fresh quote when the
// newest sample is older than the TTL. The returned prices slice is a
// copy and safe to use without the lock.
func (e *Engine) refresh(ctx context.Context, mint string) ([]float64, sample, error) {
	e.mu.Lock()
	w, ok := e.windows[mint]
	if !ok {
		w = &window{}
		e.windows[mint] = w
	}
	if last, ok := w.last(); ok && time.Since(last.at) < e.sampleTTL {
		prices := w.prices()
		e.mu.Unlock()
		return prices, last, nil
	}
	e.mu.Unlock()

	// Quote outside the lock. Concurrent callers may double-sample the
	// same mint, which only adds a duplicate point.
	q, err := e.quotes.GetQuote(ctx, amm.SOLMint, mint, chain.LamportsPerSOL, 0, amm.SideBuy)
	if err != nil {
		return nil, sample{}, fmt.Errorf("reference quote: %w", err)
	}
	if q.OutAmount == 0 {
		return nil, sample{}, fmt.Errorf("reference quote: zero out amount for %s", mint)
	}

	s := sample{price: 1 / float64(q.OutAmount), at: time.Now()}

	e.mu.Lock()
	w.push(s)
	prices := w.prices()
	e.mu.Unlock()

	log.Debug().
		Str("mint", mint).
		Float64("price", s.price).
		Int("window", len(prices)).
		Msg("price sampled")

	return prices, s, nil
}

// FetchCurrent returns the current price point for mint. When the quote
// fails but an earlier sample is still retained, the stale point is
// returned instead of nothing.
func (e *Engine) FetchCurrent(ctx context.Context, mint string) (*PricePoint, bool) {
	prices, last, err := e.refresh(ctx, mint)
	if err != nil {
		e.mu.Lock()
		w, ok := e.windows[mint]
		if ok {
			last, ok = w.last()
			prices = w.prices()
		}
		e.mu.Unlock()
		if !ok {
			log.Warn().Err(err).Str("mint", mint).Msg("price fetch failed with empty window")
			return nil, false
		}
		log.Warn().Err(err).Str("mint", mint).Msg("price fetch failed, serving last sample")
	}

	p := &PricePoint{
		Mint:      mint,
		Price:     last.price,
		SampledAt: last.at,
	}
	if len(prices) >= 2 && prices[0] != 0 {
		p.Change24h = (last.price - prices[0]) / prices[0] * 100
	}
	return p, true
}

// WindowLen reports how many samples are retained for mint.
func (e *Engine) WindowLen(mint string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[mint]
	if !ok {
		return 0
	}
	return len(w.samples)
}
