package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"flywheel-engine/internal/amm"
)

// quoteServer serves /v1/quote responses from a fixed sequence of out
// amounts. Past the end it keeps repeating the last one.
type quoteServer struct {
	mu    sync.Mutex
	outs  []uint64
	idx   int
	calls int
	fail  bool
}

func (q *quoteServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/quote" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		q.mu.Lock()
		q.calls++
		if q.fail {
			q.mu.Unlock()
			http.Error(w, "upstream down", http.StatusInternalServerError)
			return
		}
		out := q.outs[q.idx]
		if q.idx < len(q.outs)-1 {
			q.idx++
		}
		q.mu.Unlock()

		mint := r.URL.Query().Get("outputMint")
		fmt.Fprintf(w, `{"inputMint":"%s","inAmount":"1000000000","outputMint":"%s","outAmount":"%d","slippageBps":500,"priceImpactPct":"0.1"}`,
			amm.SOLMint, mint, out)
	}
}

func (q *quoteServer) callCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

func (q *quoteServer) setFail(fail bool) {
	q.mu.Lock()
	q.fail = fail
	q.mu.Unlock()
}

func newTestEngine(t *testing.T, qs *quoteServer, ttl time.Duration) *Engine {
	ts := httptest.NewServer(qs.handler(t))
	t.Cleanup(ts.Close)
	client := amm.NewClient(ts.URL, 500, 5*time.Second, nil, time.Minute)
	return NewEngine(client, ttl)
}

// prime pulls n fresh samples for mint through FetchCurrent.
func prime(t *testing.T, e *Engine, mint string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, ok := e.FetchCurrent(context.Background(), mint); !ok {
			t.Fatalf("prime sample %d failed", i)
		}
	}
}

func TestFetchCurrentCachesWithinTTL(t *testing.T) {
	qs := &quoteServer{outs: []uint64{1_000_000}}
	e := newTestEngine(t, qs, time.Minute)

	p1, ok := e.FetchCurrent(context.Background(), "Mint111")
	if !ok {
		t.Fatal("first fetch failed")
	}
	p2, ok := e.FetchCurrent(context.Background(), "Mint111")
	if !ok {
		t.Fatal("second fetch failed")
	}
	if qs.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1", qs.callCount())
	}
	if !almostEqual(p1.Price, 1e-6) || !almostEqual(p2.Price, 1e-6) {
		t.Errorf("prices = %v, %v, want 1e-6", p1.Price, p2.Price)
	}
	if p1.Change24h != 0 {
		t.Errorf("single-sample change = %v, want 0", p1.Change24h)
	}
}

func TestFetchCurrentReportsChange(t *testing.T) {
	qs := &quoteServer{outs: []uint64{1_000_000, 500_000}}
	e := newTestEngine(t, qs, -1)

	prime(t, e, "Mint111", 1)
	p, ok := e.FetchCurrent(context.Background(), "Mint111")
	if !ok {
		t.Fatal("fetch failed")
	}
	if !almostEqual(p.Price, 2e-6) {
		t.Errorf("price = %v, want 2e-6", p.Price)
	}
	if !almostEqual(p.Change24h, 100) {
		t.Errorf("change = %v, want 100", p.Change24h)
	}
	if e.WindowLen("Mint111") != 2 {
		t.Errorf("window len = %d, want 2", e.WindowLen("Mint111"))
	}
}

func TestFetchCurrentServesStaleOnFailure(t *testing.T) {
	qs := &quoteServer{outs: []uint64{1_000_000}}
	e := newTestEngine(t, qs, -1)

	prime(t, e, "Mint111", 1)
	qs.setFail(true)

	p, ok := e.FetchCurrent(context.Background(), "Mint111")
	if !ok {
		t.Fatal("expected stale point, got none")
	}
	if !almostEqual(p.Price, 1e-6) {
		t.Errorf("stale price = %v, want 1e-6", p.Price)
	}

	if _, ok := e.FetchCurrent(context.Background(), "NeverSeen"); ok {
		t.Error("unknown mint with failing upstream should report no data")
	}
}

func TestSignalsInsufficientData(t *testing.T) {
	qs := &quoteServer{outs: []uint64{1_000_000}}
	e := newTestEngine(t, qs, -1)

	if _, err := e.Signals(context.Background(), "Mint111"); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("Signals err = %v, want ErrInsufficientData", err)
	}
	if _, err := e.OptimalSignal(context.Background(), "Mint111"); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("OptimalSignal err = %v, want ErrInsufficientData", err)
	}
}

// decliningOuts produces 21 quotes with steadily worsening token output,
// i.e. a falling token price.
func decliningOuts() []uint64 {
	outs := make([]uint64, 21)
	for i := range outs {
		outs[i] = 1_000_000 + uint64(i)*50_000
	}
	return outs
}

func risingOuts() []uint64 {
	outs := make([]uint64, 21)
	for i := range outs {
		outs[i] = 2_000_000 - uint64(i)*50_000
	}
	return outs
}

func TestSignalsOnDecline(t *testing.T) {
	qs := &quoteServer{outs: decliningOuts()}
	e := newTestEngine(t, qs, -1)

	prime(t, e, "Mint111", 20)
	s, err := e.Signals(context.Background(), "Mint111")
	if err != nil {
		t.Fatalf("Signals: %v", err)
	}

	if s.Trend.Direction != TrendDown {
		t.Errorf("direction = %s, want down", s.Trend.Direction)
	}
	if !almostEqual(s.Trend.RSI, 0) {
		t.Errorf("rsi = %v, want 0", s.Trend.RSI)
	}
	if !almostEqual(s.Trend.Strength, 100) {
		t.Errorf("strength = %v, want 100 (saturated)", s.Trend.Strength)
	}
	if !s.Volatility.IsHigh {
		t.Errorf("volatility %v should be high", s.Volatility.Value)
	}
	if !almostEqual(s.SuggestedPositionPct, 10) {
		t.Errorf("suggested pct = %v, want floor 10", s.SuggestedPositionPct)
	}
}

func TestOptimalSignalBuysTheDip(t *testing.T) {
	qs := &quoteServer{outs: decliningOuts()}
	e := newTestEngine(t, qs, -1)

	prime(t, e, "Mint111", 20)
	a, err := e.OptimalSignal(context.Background(), "Mint111")
	if err != nil {
		t.Fatalf("OptimalSignal: %v", err)
	}

	// RSI pinned at 0 votes +40, price hugging the lower band votes +15.
	if a.Action != ActionBuy {
		t.Fatalf("action = %s, want buy (reasons: %v)", a.Action, a.Reasons)
	}
	if !almostEqual(a.Confidence, 55) {
		t.Errorf("confidence = %v, want 55", a.Confidence)
	}
	if !a.Bullish() || a.Bearish() || a.Strong() {
		t.Errorf("classifiers wrong for %s", a.Action)
	}
	joined := strings.Join(a.Reasons, "; ")
	if !strings.Contains(joined, "rsi oversold") {
		t.Errorf("reasons %v missing rsi oversold", a.Reasons)
	}
	if !strings.Contains(joined, "high volatility") {
		t.Errorf("reasons %v missing high volatility", a.Reasons)
	}
}

func TestOptimalSignalSellsTheTop(t *testing.T) {
	qs := &quoteServer{outs: risingOuts()}
	e := newTestEngine(t, qs, -1)

	prime(t, e, "Mint111", 20)
	a, err := e.OptimalSignal(context.Background(), "Mint111")
	if err != nil {
		t.Fatalf("OptimalSignal: %v", err)
	}

	// RSI pinned at 100 votes -40, close above the upper band votes -35.
	if a.Action != ActionStrongSell {
		t.Fatalf("action = %s, want strong_sell (reasons: %v)", a.Action, a.Reasons)
	}
	if !almostEqual(a.Confidence, 75) {
		t.Errorf("confidence = %v, want 75", a.Confidence)
	}
	if !a.Bearish() || !a.Strong() {
		t.Errorf("classifiers wrong for %s", a.Action)
	}
}

func TestOptimalSignalHoldsFlatMarket(t *testing.T) {
	qs := &quoteServer{outs: []uint64{1_000_000}}
	e := newTestEngine(t, qs, -1)

	prime(t, e, "Mint111", 20)
	a, err := e.OptimalSignal(context.Background(), "Mint111")
	if err != nil {
		t.Fatalf("OptimalSignal: %v", err)
	}
	if a.Action != ActionHold {
		t.Fatalf("action = %s, want hold", a.Action)
	}
	if !almostEqual(a.Confidence, 100) {
		t.Errorf("flat-market hold confidence = %v, want 100", a.Confidence)
	}
	if len(a.Reasons) != 1 || a.Reasons[0] != "no clear signal" {
		t.Errorf("reasons = %v", a.Reasons)
	}
}

func TestWindowCapsSamples(t *testing.T) {
	w := &window{}
	now := time.Now()
	for i := 0; i < windowSize+10; i++ {
		w.push(sample{price: float64(i), at: now.Add(time.Duration(i) * time.Second)})
	}
	if len(w.samples) != windowSize {
		t.Errorf("window len = %d, want %d", len(w.samples), windowSize)
	}
	if got := w.samples[0].price; got != 10 {
		t.Errorf("oldest retained = %v, want 10", got)
	}
}

func TestWindowEvictsStale(t *testing.T) {
	w := &window{}
	now := time.Now()
	w.push(sample{price: 1, at: now.Add(-25 * time.Hour)})
	w.push(sample{price: 2, at: now.Add(-23 * time.Hour)})
	w.push(sample{price: 3, at: now})
	if len(w.samples) != 2 {
		t.Fatalf("window len = %d, want 2 after staleness eviction", len(w.samples))
	}
	if w.samples[0].price != 2 {
		t.Errorf("oldest retained = %v, want 2", w.samples[0].price)
	}
}

func TestSuggestedPositionScaling(t *testing.T) {
	cases := []struct {
		vol  float64
		want float64
	}{
		{0, 60},
		{0.05, 40},
		{0.08, 28},
		{0.2, 10},
	}
	for _, tc := range cases {
		got := clamp(60-400*tc.vol, 10, 60)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("vol %v: suggested = %v, want %v", tc.vol, got, tc.want)
		}
	}
}
