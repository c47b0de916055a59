package flywheel

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/store"
)

func seedReactive(t *testing.T, f *fixture, mint string, mut func(*store.Token, *store.Config)) *store.TradingToken {
	t.Helper()
	return f.seed(t, mint, func(tok *store.Token, c *store.Config) {
		c.ReactiveEnabled = true
		if mut != nil {
			mut(tok, c)
		}
	})
}

func TestReactiveBuyClampedToBalanceShare(t *testing.T) {
	f := newFixture(t)
	tt := seedReactive(t, f, "MintQ1", nil)
	f.chain.setSOL(tt.Token.OpsWallet, 1)

	// A 0.3 SOL response against a 1 SOL wallet is held to the 10%
	// default response ceiling.
	sig, sol, err := f.s.ExecuteReactiveTrade(context.Background(), tt.Token.ID, amm.SideBuy, 0.3)
	if err != nil {
		t.Fatalf("reactive buy: %v", err)
	}
	if sig == "" {
		t.Error("missing signature")
	}
	if math.Abs(sol-0.1) > 1e-9 {
		t.Errorf("traded %v SOL, want 0.1", sol)
	}
	calls := f.quotes.tradeCalls()
	if len(calls) != 1 || calls[0].side != amm.SideBuy || calls[0].amount != chain.SOLToLamports(0.1) {
		t.Errorf("calls = %+v, want one clamped buy", calls)
	}
}

func TestReactiveSellSizedOffReferenceQuote(t *testing.T) {
	f := newFixture(t)
	tt := seedReactive(t, f, "MintQ2", func(_ *store.Token, c *store.Config) {
		c.ReactiveMaxResponsePct = 30
	})
	f.chain.setTokens(tt.Token.OpsWallet, tt.Token.Mint, 400_000)

	// 0.15 SOL-equivalent converts to 150k units at the reference rate,
	// then the 30% holdings ceiling takes it to 120k.
	_, sol, err := f.s.ExecuteReactiveTrade(context.Background(), tt.Token.ID, amm.SideSell, 0.15)
	if err != nil {
		t.Fatalf("reactive sell: %v", err)
	}
	calls := f.quotes.tradeCalls()
	if len(calls) != 2 {
		t.Fatalf("quote calls = %d, want ref + sell", len(calls))
	}
	if calls[1].side != amm.SideSell || calls[1].amount != 120_000 {
		t.Errorf("sell = %s %d, want 120000 units", calls[1].side, calls[1].amount)
	}
	if math.Abs(sol-0.12) > 1e-6 {
		t.Errorf("traded %v SOL-equivalent, want 0.12", sol)
	}
}

func TestReactiveRecordsTradeTimestamp(t *testing.T) {
	f := newFixture(t)
	tt := seedReactive(t, f, "MintQ3", nil)
	f.chain.setSOL(tt.Token.OpsWallet, 1)

	before := time.Now().UnixMilli()
	if _, _, err := f.s.ExecuteReactiveTrade(context.Background(), tt.Token.ID, amm.SideBuy, 0.05); err != nil {
		t.Fatalf("reactive buy: %v", err)
	}
	st := f.state(t, tt.Token.ID)
	if st.LastReactiveTradeAt < before {
		t.Errorf("last_reactive_trade_at = %d, want millisecond timestamp >= %d",
			st.LastReactiveTradeAt, before)
	}
}

func TestReactiveRejectsUntradableTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plain := f.seed(t, "MintQ4", nil) // reactive not enabled
	if _, _, err := f.s.ExecuteReactiveTrade(ctx, plain.Token.ID, amm.SideBuy, 0.05); !errors.Is(err, ErrTokenNotTradable) {
		t.Errorf("reactive-disabled err = %v, want ErrTokenNotTradable", err)
	}

	suspended := seedReactive(t, f, "MintQ5", nil)
	if err := f.store.SuspendToken(suspended.Token.ID, "abuse"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, _, err := f.s.ExecuteReactiveTrade(ctx, suspended.Token.ID, amm.SideBuy, 0.05); !errors.Is(err, ErrTokenNotTradable) {
		t.Errorf("suspended err = %v, want ErrTokenNotTradable", err)
	}

	if _, _, err := f.s.ExecuteReactiveTrade(ctx, "no-such-token", amm.SideBuy, 0.05); !errors.Is(err, ErrTokenNotTradable) {
		t.Errorf("missing token err = %v, want ErrTokenNotTradable", err)
	}

	if f.exec.count() != 0 {
		t.Error("untradable token reached the executor")
	}
}

func TestSwapRecordsFailures(t *testing.T) {
	f := newFixture(t)
	tt := f.seed(t, "MintQ6", nil)
	f.chain.setSOL(tt.Token.OpsWallet, 10)
	f.exec.failErr = errors.New("simulation failed")

	f.s.Tick(context.Background())

	recs, err := f.store.RecentTransactions(tt.Token.ID, 5)
	if err != nil {
		t.Fatalf("recent transactions: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].Status != store.TxFailed {
		t.Errorf("status = %q, want failed", recs[0].Status)
	}
	if recs[0].TxType != store.TxBuy {
		t.Errorf("tx type = %q, want buy", recs[0].TxType)
	}
}

func TestSwapUpdatesTradeTotals(t *testing.T) {
	f := newFixture(t)
	tt := f.seed(t, "MintQ7", nil)
	f.chain.setSOL(tt.Token.OpsWallet, 10)

	f.s.Tick(context.Background())

	stats, err := f.store.GetStats(tt.Token.ID)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.TotalTrades != 1 {
		t.Fatalf("stats = %+v, want one trade", stats)
	}
	if math.Abs(stats.TotalBuySol-0.05) > 1e-9 {
		t.Errorf("total buys = %v SOL, want 0.05", stats.TotalBuySol)
	}
}
