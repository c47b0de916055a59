package flywheel

import (
	"context"
	"errors"
	"math"
	"testing"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/store"
)

func TestFrontLoadedWeights(t *testing.T) {
	w := frontLoadedWeights(4)
	want := []float64{0.4, 0.3, 0.2, 0.1}
	if len(w) != len(want) {
		t.Fatalf("len = %d, want %d", len(w), len(want))
	}
	sum := 0.0
	for i := range w {
		if math.Abs(w[i]-want[i]) > 1e-12 {
			t.Errorf("w[%d] = %v, want %v", i, w[i], want[i])
		}
		sum += w[i]
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("weights sum = %v, want 1", sum)
	}
}

func TestEqualWeights(t *testing.T) {
	for _, n := range []int{2, 4, 5} {
		w := equalWeights(n)
		for i := range w {
			if w[i] != 1/float64(n) {
				t.Errorf("equalWeights(%d)[%d] = %v", n, i, w[i])
			}
		}
	}
}

func TestExecuteStyledTwapSplitsEvenly(t *testing.T) {
	f := newFixture(t)
	tt := f.seed(t, "MintX1", func(_ *store.Token, c *store.Config) {
		c.TwapWindowSec = 0
	})

	result, traded, err := f.s.executeStyled(context.Background(), tt, amm.SideBuy, 40_000_000, styleTwap)
	if err != nil || !traded || result != "bought" {
		t.Fatalf("result=%q traded=%v err=%v", result, traded, err)
	}
	calls := f.quotes.tradeCalls()
	if len(calls) != 4 {
		t.Fatalf("slices = %d, want 4", len(calls))
	}
	for i, c := range calls {
		if c.amount != 10_000_000 {
			t.Errorf("slice %d = %d, want 10000000", i, c.amount)
		}
	}
}

func TestExecuteStyledVwapFrontLoads(t *testing.T) {
	f := newFixture(t)
	tt := f.seed(t, "MintX2", func(_ *store.Token, c *store.Config) {
		c.TwapWindowSec = 0
	})

	_, traded, err := f.s.executeStyled(context.Background(), tt, amm.SideSell, 40_000_000, styleVwap)
	if err != nil || !traded {
		t.Fatalf("traded=%v err=%v", traded, err)
	}
	calls := f.quotes.tradeCalls()
	if len(calls) != 4 {
		t.Fatalf("slices = %d, want 4", len(calls))
	}
	var total uint64
	for i, c := range calls {
		if c.side != amm.SideSell {
			t.Errorf("slice %d side = %s", i, c.side)
		}
		if i > 0 && c.amount > calls[i-1].amount {
			t.Errorf("slice %d (%d) larger than slice %d (%d)", i, c.amount, i-1, calls[i-1].amount)
		}
		total += c.amount
	}
	// Truncation may drop up to a lamport-equivalent per slice.
	if total > 40_000_000 || 40_000_000-total > uint64(len(calls)) {
		t.Errorf("sliced total = %d of 40000000", total)
	}
	if calls[0].amount != uint64(40_000_000*frontLoadedWeights(4)[0]) {
		t.Errorf("first slice = %d, want the 0.4 weight", calls[0].amount)
	}
}

func TestExecuteStyledKeepsFilledPortion(t *testing.T) {
	f := newFixture(t)
	tt := f.seed(t, "MintX3", func(_ *store.Token, c *store.Config) {
		c.TwapWindowSec = 0
	})
	f.exec.failErr = errors.New("blockhash expired")
	f.exec.failAfter = 1

	result, traded, err := f.s.executeStyled(context.Background(), tt, amm.SideBuy, 40_000_000, styleTwap)
	if err != nil {
		t.Fatalf("partial fill surfaced error: %v", err)
	}
	if !traded || result != "bought" {
		t.Errorf("result=%q traded=%v, want the filled first slice kept", result, traded)
	}
	if got := f.exec.count(); got != 2 {
		t.Errorf("exec calls = %d, want 2 (fill then abandon)", got)
	}
}

func TestExecuteStyledFirstSliceFailureIsAFailure(t *testing.T) {
	f := newFixture(t)
	tt := f.seed(t, "MintX4", func(_ *store.Token, c *store.Config) {
		c.TwapWindowSec = 0
	})
	f.exec.failErr = errors.New("custody unavailable")

	result, traded, err := f.s.executeStyled(context.Background(), tt, amm.SideBuy, 40_000_000, styleTwap)
	if err == nil || traded {
		t.Fatalf("result=%q traded=%v err=%v, want error", result, traded, err)
	}
	if result != "buy_failed" {
		t.Errorf("result = %q, want buy_failed", result)
	}
}

func TestExecuteStyledDustOrderTooSmall(t *testing.T) {
	f := newFixture(t)
	tt := f.seed(t, "MintX5", func(_ *store.Token, c *store.Config) {
		c.TwapWindowSec = 0
	})

	// Three units across four slices truncates every slice to zero.
	result, traded, err := f.s.executeStyled(context.Background(), tt, amm.SideSell, 3, styleTwap)
	if err != nil || traded {
		t.Fatalf("traded=%v err=%v", traded, err)
	}
	if result != "trade_too_small" {
		t.Errorf("result = %q, want trade_too_small", result)
	}
	if f.exec.count() != 0 {
		t.Error("dust order reached the executor")
	}
}

func TestExecuteStyledInstantIgnoresSlices(t *testing.T) {
	f := newFixture(t)
	tt := f.seed(t, "MintX6", nil)

	result, traded, err := f.s.executeStyled(context.Background(), tt, amm.SideBuy, 40_000_000, styleInstant)
	if err != nil || !traded || result != "bought" {
		t.Fatalf("result=%q traded=%v err=%v", result, traded, err)
	}
	calls := f.quotes.tradeCalls()
	if len(calls) != 1 || calls[0].amount != 40_000_000 {
		t.Errorf("instant calls = %+v, want one full-size swap", calls)
	}
}
