package flywheel

import (
	"context"
	"math"
	"testing"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/pricing"
	"flywheel-engine/internal/store"
)

func seedDynamic(t *testing.T, f *fixture, mint string, mut func(*store.Token, *store.Config)) *store.TradingToken {
	t.Helper()
	tt := f.seed(t, mint, func(tok *store.Token, c *store.Config) {
		c.Algorithm = store.AlgoDynamic
		c.TwapWindowSec = 0 // keep styled slices instant in tests
		if mut != nil {
			mut(tok, c)
		}
	})
	f.chain.setSOL(tt.Token.OpsWallet, 10)
	f.chain.setTokens(tt.Token.OpsWallet, tt.Token.Mint, 1_000_000)
	return tt
}

func trendSignals(direction string, strength, vol float64) *pricing.Signals {
	return &pricing.Signals{
		Trend:      pricing.Trend{Direction: direction, Strength: strength},
		Volatility: pricing.Volatility{Value: vol, IsHigh: vol > 0.08},
	}
}

func TestClassifyMarket(t *testing.T) {
	cases := []struct {
		name string
		sig  *pricing.Signals
		want string
	}{
		{"extreme volatility wins", trendSignals(pricing.TrendUp, 90, 0.16), conditionExtreme},
		{"strong uptrend is a pump", trendSignals(pricing.TrendUp, 50, 0.05), conditionPump},
		{"strong downtrend is a dump", trendSignals(pricing.TrendDown, 50, 0.05), conditionDump},
		{"sideways is ranging", trendSignals(pricing.TrendSideways, 5, 0.03), conditionRanging},
		{"weak uptrend is normal", trendSignals(pricing.TrendUp, 30, 0.03), conditionNormal},
		{"weak downtrend is normal", trendSignals(pricing.TrendDown, 20, 0.03), conditionNormal},
	}
	for _, tc := range cases {
		if got := classifyMarket(tc.sig); got != tc.want {
			t.Errorf("%s: classifyMarket = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestDynamicExtremeVolatilityHolds(t *testing.T) {
	f := newFixture(t)
	tt := seedDynamic(t, f, "MintY1", nil)
	f.advisor.signals = trendSignals(pricing.TrendUp, 90, 0.2)

	f.s.Tick(context.Background())

	st := f.state(t, tt.Token.ID)
	if st.LastCheckResult != resultHighVolatility {
		t.Errorf("result = %q, want %s", st.LastCheckResult, resultHighVolatility)
	}
	if st.LastMarketCondition != conditionExtreme {
		t.Errorf("condition = %q, want %s", st.LastMarketCondition, conditionExtreme)
	}
	if st.ReserveSol != 0 {
		t.Errorf("reserve = %v, extreme ticks must not bank", st.ReserveSol)
	}
	if f.exec.count() != 0 {
		t.Error("traded through extreme volatility")
	}
}

func TestDynamicNormalBuysAndBanksReserve(t *testing.T) {
	f := newFixture(t)
	tt := seedDynamic(t, f, "MintY2", nil)
	f.advisor.signals = trendSignals(pricing.TrendUp, 30, 0.02)

	f.s.Tick(context.Background())

	st := f.state(t, tt.Token.ID)
	if st.LastCheckResult != "bought" {
		t.Fatalf("result = %q, want bought", st.LastCheckResult)
	}
	if st.LastMarketCondition != conditionNormal {
		t.Errorf("condition = %q, want %s", st.LastMarketCondition, conditionNormal)
	}
	// 10% of the pinned 0.05 budget banked, 90% traded.
	if math.Abs(st.ReserveSol-0.005) > 1e-9 {
		t.Errorf("reserve = %v, want 0.005", st.ReserveSol)
	}
	calls := f.quotes.tradeCalls()
	want := chain.SOLToLamports(0.05 * 0.9)
	if len(calls) != 1 || calls[0].side != amm.SideBuy || calls[0].amount != want {
		t.Errorf("buy calls = %+v, want one buy of %d", calls, want)
	}
}

func TestDynamicPumpSellsIntoStrength(t *testing.T) {
	f := newFixture(t)
	tt := seedDynamic(t, f, "MintY3", nil)
	f.advisor.signals = trendSignals(pricing.TrendUp, 80, 0.05)

	f.s.Tick(context.Background())

	st := f.state(t, tt.Token.ID)
	if st.LastCheckResult != "dynamic_sell" {
		t.Fatalf("result = %q, want dynamic_sell", st.LastCheckResult)
	}
	if st.LastMarketCondition != conditionPump {
		t.Errorf("condition = %q, want %s", st.LastMarketCondition, conditionPump)
	}
	if math.Abs(st.ReserveSol-0.005) > 1e-9 {
		t.Errorf("reserve = %v, want 0.005", st.ReserveSol)
	}
	calls := f.quotes.tradeCalls()
	if len(calls) != 2 {
		t.Fatalf("quote calls = %d, want ref + sell", len(calls))
	}
	// 90% of the 0.05 budget, converted at 1e6 units per SOL.
	want := uint64(0.05 * 0.9 * 1_000_000)
	if calls[1].side != amm.SideSell || calls[1].amount != want {
		t.Errorf("sell = %s %d units, want %d", calls[1].side, calls[1].amount, want)
	}
}

func TestDynamicDumpBuysTheDipInSlices(t *testing.T) {
	f := newFixture(t)
	tt := seedDynamic(t, f, "MintY4", nil)
	f.advisor.signals = trendSignals(pricing.TrendDown, 80, 0.05)

	f.s.Tick(context.Background())

	st := f.state(t, tt.Token.ID)
	if st.LastCheckResult != "bought" {
		t.Fatalf("result = %q, want bought", st.LastCheckResult)
	}
	if st.LastMarketCondition != conditionDump {
		t.Errorf("condition = %q, want %s", st.LastMarketCondition, conditionDump)
	}
	// Adverse reserve is 30%: 0.015 banked, 0.035 bought across the
	// default four TWAP slices.
	if math.Abs(st.ReserveSol-0.015) > 1e-9 {
		t.Errorf("reserve = %v, want 0.015", st.ReserveSol)
	}
	calls := f.quotes.tradeCalls()
	if len(calls) != 4 {
		t.Fatalf("quote calls = %d, want 4 TWAP slices", len(calls))
	}
	var total uint64
	for _, c := range calls {
		if c.side != amm.SideBuy {
			t.Errorf("slice side = %s, want buy", c.side)
		}
		total += c.amount
	}
	budget := chain.SOLToLamports(0.05 * 0.7)
	if total > budget || budget-total > uint64(len(calls)) {
		t.Errorf("sliced total = %d, want within %d of %d", total, len(calls), budget)
	}
}

func TestDynamicBoostRaisesDipBuying(t *testing.T) {
	f := newFixture(t)
	tt := seedDynamic(t, f, "MintY5", func(_ *store.Token, c *store.Config) {
		c.DynamicBoost = true
		c.TwapSlices = 1 // single fill keeps the amount assertable
	})
	f.advisor.signals = trendSignals(pricing.TrendDown, 80, 0.05)

	f.s.Tick(context.Background())

	st := f.state(t, tt.Token.ID)
	// Boost moves the dump split from 70/30 to 80/20.
	if math.Abs(st.ReserveSol-0.01) > 1e-9 {
		t.Errorf("reserve = %v, want 0.01", st.ReserveSol)
	}
	calls := f.quotes.tradeCalls()
	want := chain.SOLToLamports(0.05 * 0.8)
	if len(calls) != 1 || calls[0].amount != want {
		t.Errorf("boosted buy = %+v, want %d", calls, want)
	}
}

func TestDynamicDeploysReserveAfterAdverseStretch(t *testing.T) {
	f := newFixture(t)
	tt := seedDynamic(t, f, "MintY6", nil)
	f.advisor.signals = trendSignals(pricing.TrendUp, 30, 0.02)

	st, err := f.store.EnsureState(tt.Token.ID)
	if err != nil {
		t.Fatalf("ensure state: %v", err)
	}
	st.LastMarketCondition = conditionDump
	st.ReserveSol = 0.02
	f.putState(t, st)

	f.s.Tick(context.Background())

	got := f.state(t, tt.Token.ID)
	// Half the 0.02 reserve rode along with the 0.045 trade; the tick
	// still banked its own 0.005.
	wantReserve := 0.02 + 0.005 - 0.01
	if math.Abs(got.ReserveSol-wantReserve) > 1e-9 {
		t.Errorf("reserve = %v, want %v", got.ReserveSol, wantReserve)
	}
	calls := f.quotes.tradeCalls()
	want := chain.SOLToLamports(0.05*0.9 + 0.02*0.5)
	if len(calls) != 1 || calls[0].amount != want {
		t.Errorf("deploy buy = %+v, want %d", calls, want)
	}
}

func TestDynamicReserveStaysBelowDeployFloor(t *testing.T) {
	f := newFixture(t)
	tt := seedDynamic(t, f, "MintY7", nil)
	f.advisor.signals = trendSignals(pricing.TrendUp, 30, 0.02)

	st, err := f.store.EnsureState(tt.Token.ID)
	if err != nil {
		t.Fatalf("ensure state: %v", err)
	}
	st.LastMarketCondition = conditionDump
	st.ReserveSol = 0.009
	f.putState(t, st)

	f.s.Tick(context.Background())

	got := f.state(t, tt.Token.ID)
	if math.Abs(got.ReserveSol-(0.009+0.005)) > 1e-9 {
		t.Errorf("reserve = %v, want 0.014 (no deploy under floor)", got.ReserveSol)
	}
	calls := f.quotes.tradeCalls()
	want := chain.SOLToLamports(0.05 * 0.9)
	if len(calls) != 1 || calls[0].amount != want {
		t.Errorf("buy = %+v, want %d without deploy", calls, want)
	}
}

func TestDynamicFallsBackWithoutHistory(t *testing.T) {
	f := newFixture(t)
	tt := seedDynamic(t, f, "MintY8", nil)
	f.advisor.signalsErr = pricing.ErrInsufficientData

	f.s.Tick(context.Background())

	st := f.state(t, tt.Token.ID)
	if st.LastCheckResult != "bought" {
		t.Errorf("result = %q, want bought via simple fallback", st.LastCheckResult)
	}
	if st.BuyCount != 1 {
		t.Errorf("buy count = %d, want 1", st.BuyCount)
	}
}
