package flywheel

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"flywheel-engine/internal/notify"
	"flywheel-engine/internal/store"
)

func TestTickHonorsTradeBudget(t *testing.T) {
	yaml := "flywheel:\n  inter_token_delay_ms: 0\n  max_trades_per_minute: 1\n"
	f := newFixtureYAML(t, yaml)

	var ids []string
	for _, mint := range []string{"MintA1", "MintB2", "MintC3"} {
		tt := f.seed(t, mint, nil)
		f.chain.setSOL(tt.Token.OpsWallet, 10)
		ids = append(ids, tt.Token.ID)
	}

	f.s.Tick(context.Background())

	if got := f.exec.count(); got != 1 {
		t.Fatalf("exec calls = %d, want 1 (budget)", got)
	}
	// Only the first token was processed; the rest never got a state row.
	if st := f.state(t, ids[0]); st.LastCheckResult != "bought" {
		t.Errorf("first token result = %q, want bought", st.LastCheckResult)
	}
	for _, id := range ids[1:] {
		st, err := f.store.GetState(id)
		if err != nil {
			t.Fatalf("get state: %v", err)
		}
		if st != nil {
			t.Errorf("deferred token %s was processed: %+v", id, st)
		}
	}
}

func TestTickSkipsWhenPreviousStillRunning(t *testing.T) {
	f := newFixture(t)
	tt := f.seed(t, "MintD4", nil)
	f.chain.setSOL(tt.Token.OpsWallet, 10)

	f.s.tickMu.Lock()
	done := make(chan struct{})
	go func() {
		f.s.Tick(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("overlapping tick did not return immediately")
	}
	f.s.tickMu.Unlock()

	if got := f.exec.count(); got != 0 {
		t.Errorf("overlapping tick traded: %d exec calls", got)
	}
}

func TestPauseAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	tt := f.seed(t, "MintE5", nil)
	f.chain.setSOL(tt.Token.OpsWallet, 10)
	f.exec.failErr = errors.New("custody unavailable")

	ctx := context.Background()
	for i := 0; i < maxConsecutiveFailures-1; i++ {
		f.s.Tick(ctx)
		st := f.state(t, tt.Token.ID)
		if st.ConsecutiveFailures != i+1 {
			t.Fatalf("tick %d: failures = %d, want %d", i+1, st.ConsecutiveFailures, i+1)
		}
		if st.PausedUntil != 0 {
			t.Fatalf("tick %d: paused early", i+1)
		}
	}

	f.s.Tick(ctx)
	st := f.state(t, tt.Token.ID)
	if st.PausedUntil <= time.Now().Unix() {
		t.Error("expected paused_until in the future after 5 failures")
	}
	if st.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d, want reset to 0", st.ConsecutiveFailures)
	}
	if st.LastCheckResult != resultPaused {
		t.Errorf("result = %q, want %s", st.LastCheckResult, resultPaused)
	}
	if evs := f.notes.byType(notify.EventTradingPaused); len(evs) != 1 {
		t.Errorf("trading_paused events = %d, want 1", len(evs))
	}

	// While paused the token is skipped without touching the executor.
	before := f.exec.count()
	f.s.Tick(ctx)
	if f.exec.count() != before {
		t.Error("paused token still traded")
	}
	if st := f.state(t, tt.Token.ID); st.LastCheckResult != resultPaused {
		t.Errorf("paused result = %q, want %s", st.LastCheckResult, resultPaused)
	}
}

func TestStepGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	disabled := f.seed(t, "MintF6", func(_ *store.Token, c *store.Config) {
		c.MarketMakingEnabled = false
	})
	reactive := f.seed(t, "MintG7", func(_ *store.Token, c *store.Config) {
		c.Algorithm = store.AlgoReactive
	})
	paced := f.seed(t, "MintH8", func(_ *store.Token, c *store.Config) {
		c.BuyIntervalSec = 600
	})
	st, err := f.store.EnsureState(paced.Token.ID)
	if err != nil {
		t.Fatalf("ensure state: %v", err)
	}
	st.LastTradeAt = time.Now().Unix()
	f.putState(t, st)

	f.s.Tick(ctx)

	if got := f.exec.count(); got != 0 {
		t.Fatalf("gated tokens traded: %d exec calls", got)
	}
	for _, tc := range []struct {
		id   string
		want string
	}{
		{disabled.Token.ID, resultMMDisabled},
		{reactive.Token.ID, resultReactiveOnly},
		{paced.Token.ID, resultPacing},
	} {
		if got := f.state(t, tc.id).LastCheckResult; got != tc.want {
			t.Errorf("token %s result = %q, want %q", tc.id, got, tc.want)
		}
	}
}

func TestFeeSweepSplitsPlatformCut(t *testing.T) {
	f := newFixture(t)
	tt := f.seed(t, "MintJ9", nil)
	// 1.01 SOL on the dev wallet: 0.01 reserve stays, 1.0 splits 10/90.
	f.chain.setSOL(tt.Token.DevWallet, 1.01)

	f.s.Tick(context.Background())

	recs, err := f.store.RecentTransactions(tt.Token.ID, 10)
	if err != nil {
		t.Fatalf("recent transactions: %v", err)
	}
	got := map[string]float64{}
	for _, r := range recs {
		if r.TxType == store.TxTransfer {
			got[r.Detail] = r.AmountSol
		}
	}
	if math.Abs(got["fee_sweep_platform"]-0.1) > 1e-9 {
		t.Errorf("platform cut = %v SOL, want 0.1", got["fee_sweep_platform"])
	}
	if math.Abs(got["fee_sweep_ops"]-0.9) > 1e-9 {
		t.Errorf("ops share = %v SOL, want 0.9", got["fee_sweep_ops"])
	}
}

func TestFeeSweepBelowThresholdDoesNothing(t *testing.T) {
	f := newFixture(t)
	tt := f.seed(t, "MintK1", nil)
	// 0.0199 SOL: 0.0099 available after reserve, under the 0.01 line.
	f.chain.setSOL(tt.Token.DevWallet, 0.0199)

	f.s.Tick(context.Background())

	if got := f.exec.count(); got != 0 {
		t.Errorf("swept below threshold: %d exec calls", got)
	}
}

func TestFeeSweepPlatformTokenKeepsFullAmount(t *testing.T) {
	f := newFixture(t)
	tt := f.seed(t, "MintL2", func(tok *store.Token, _ *store.Config) {
		tok.Source = store.SourcePlatform
	})
	f.chain.setSOL(tt.Token.DevWallet, 1.01)

	f.s.Tick(context.Background())

	recs, err := f.store.RecentTransactions(tt.Token.ID, 10)
	if err != nil {
		t.Fatalf("recent transactions: %v", err)
	}
	var transfers int
	for _, r := range recs {
		if r.TxType != store.TxTransfer {
			continue
		}
		transfers++
		if r.Detail != "fee_sweep_ops" {
			t.Errorf("unexpected transfer detail %q", r.Detail)
		}
		if math.Abs(r.AmountSol-1.0) > 1e-9 {
			t.Errorf("ops share = %v SOL, want full 1.0", r.AmountSol)
		}
	}
	if transfers != 1 {
		t.Errorf("transfers = %d, want 1", transfers)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	f := newFixture(t)
	reg := NewRegistry()
	reg.Register(f.s)

	if got := reg.Kinds(); len(got) != 1 || got[0] != "flywheel" {
		t.Fatalf("kinds = %v, want [flywheel]", got)
	}
	if err := reg.Restart("flywheel", 5*time.Minute); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if f.s.interval != 5*time.Minute {
		t.Errorf("interval = %v, want 5m", f.s.interval)
	}
	if err := reg.Restart("claims", time.Minute); err == nil {
		t.Error("expected error for unknown scheduler kind")
	}
	reg.StopAll()
}
