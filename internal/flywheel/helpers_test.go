package flywheel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mr-tron/base58"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/config"
	"flywheel-engine/internal/notify"
	"flywheel-engine/internal/pricing"
	"flywheel-engine/internal/store"
	"flywheel-engine/internal/txexec"
)

// walletAddr derives a deterministic valid base58 address so transfer
// building never rejects a fixture wallet.
func walletAddr(kind byte, seed string) string {
	var b [32]byte
	b[0] = kind
	copy(b[1:], seed)
	return base58.Encode(b[:])
}

var platformOpsWallet = walletAddr('p', "platform-ops")

// testBlockhash decodes to 32 zero bytes.
const testBlockhash = "11111111111111111111111111111111"

type fakeChain struct {
	mu     sync.Mutex
	sol    map[string]uint64 // address -> lamports
	tokens map[string]uint64 // owner|mint -> atomic units
	err    error
}

func newFakeChain() *fakeChain {
	return &fakeChain{sol: make(map[string]uint64), tokens: make(map[string]uint64)}
}

func (f *fakeChain) GetBalance(_ context.Context, pubkey string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.sol[pubkey], nil
}

func (f *fakeChain) GetTokenBalance(_ context.Context, owner, mint string) (uint64, uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, 0, f.err
	}
	return f.tokens[owner+"|"+mint], 6, nil
}

func (f *fakeChain) setSOL(address string, sol float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sol[address] = chain.SOLToLamports(sol)
}

func (f *fakeChain) setTokens(owner, mint string, units uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[owner+"|"+mint] = units
}

type quoteCall struct {
	inputMint string
	amount    uint64
	side      amm.Side
}

// fakeQuoter prices every route at a fixed tokens-per-SOL rate.
type fakeQuoter struct {
	mu           sync.Mutex
	tokensPerSol float64
	quoteErr     error
	swapTxErr    error
	calls        []quoteCall
}

func newFakeQuoter() *fakeQuoter {
	return &fakeQuoter{tokensPerSol: 1_000_000}
}

func (f *fakeQuoter) GetQuote(_ context.Context, inputMint, outputMint string, amountAtomic uint64, slippageBps int, side amm.Side) (*amm.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	f.calls = append(f.calls, quoteCall{inputMint: inputMint, amount: amountAtomic, side: side})
	q := &amm.Quote{
		InputMint:   inputMint,
		OutputMint:  outputMint,
		InAmount:    amountAtomic,
		SlippageBps: slippageBps,
	}
	if side == amm.SideBuy {
		q.OutAmount = uint64(float64(amountAtomic) / float64(chain.LamportsPerSOL) * f.tokensPerSol)
	} else {
		q.OutAmount = uint64(float64(amountAtomic) / f.tokensPerSol * float64(chain.LamportsPerSOL))
	}
	return q, nil
}

func (f *fakeQuoter) GetSwapTx(_ context.Context, _ string, q *amm.Quote) (*amm.SwapTxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.swapTxErr != nil {
		return nil, f.swapTxErr
	}
	return &amm.SwapTxResult{Transaction: "c3dhcA==", LastValidBlockHeight: 4242}, nil
}

func (f *fakeQuoter) tradeCalls() []quoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]quoteCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type execCall struct {
	wallet string
	tx     string
	height uint64
}

// fakeExec confirms everything by default; set failErr to fail calls
// from index failAfter on.
type fakeExec struct {
	mu        sync.Mutex
	failErr   error
	failAfter int
	calls     []execCall
}

func (f *fakeExec) ExecuteDelegated(_ context.Context, walletAddress, base64Tx string, height uint64) txexec.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.calls)
	f.calls = append(f.calls, execCall{wallet: walletAddress, tx: base64Tx, height: height})
	if f.failErr != nil && idx >= f.failAfter {
		return txexec.Result{Attempts: 1, Err: f.failErr}
	}
	return txexec.Result{Signature: fmt.Sprintf("sig%d", idx+1), Attempts: 1}
}

func (f *fakeExec) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeAdvisor struct {
	signals    *pricing.Signals
	advice     *pricing.Advice
	signalsErr error
	adviceErr  error
}

func (f *fakeAdvisor) Signals(_ context.Context, mint string) (*pricing.Signals, error) {
	if f.signalsErr != nil {
		return nil, f.signalsErr
	}
	s := *f.signals
	s.Mint = mint
	return &s, nil
}

func (f *fakeAdvisor) OptimalSignal(_ context.Context, mint string) (*pricing.Advice, error) {
	if f.adviceErr != nil {
		return nil, f.adviceErr
	}
	a := *f.advice
	a.Mint = mint
	return &a, nil
}

type fakeHash struct{}

func (fakeHash) GetWithHeight() (string, uint64, error) {
	return testBlockhash, 4242, nil
}

type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *captureNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *captureNotifier) byType(eventType string) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Event
	for _, ev := range n.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	s       *Scheduler
	store   *store.Store
	cfg     *config.Manager
	chain   *fakeChain
	quotes  *fakeQuoter
	exec    *fakeExec
	advisor *fakeAdvisor
	notes   *captureNotifier
}

func defaultTestYAML() string {
	return "flywheel:\n  inter_token_delay_ms: 0\nfees:\n  platform_ops_wallet: " +
		platformOpsWallet + "\n"
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureYAML(t, defaultTestYAML())
}

func newFixtureYAML(t *testing.T, yaml string) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.NewManager(cfgPath)
	if err != nil {
		t.Fatalf("config manager: %v", err)
	}
	st, err := store.Open(filepath.Join(dir, "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:   st,
		cfg:     cfg,
		chain:   newFakeChain(),
		quotes:  newFakeQuoter(),
		exec:    &fakeExec{},
		advisor: &fakeAdvisor{},
		notes:   &captureNotifier{},
	}
	f.s = New(st, f.chain, f.quotes, f.exec, f.advisor, fakeHash{}, cfg, f.notes)
	return f
}

// seed registers an active launched token with pinned buy sizing and no
// pacing so single ticks are deterministic. mut tweaks token and config
// before registration.
func (f *fixture) seed(t *testing.T, mint string, mut func(*store.Token, *store.Config)) *store.TradingToken {
	t.Helper()
	tok := &store.Token{
		Mint:      mint,
		Name:      "Token " + mint,
		Symbol:    "T" + mint[:2],
		Decimals:  6,
		Source:    store.SourceLaunched,
		OwnerID:   "owner-1",
		DevWallet: walletAddr('d', mint),
		OpsWallet: walletAddr('o', mint),
		Active:    true,
	}
	cfg := store.DefaultConfig("")
	cfg.MinBuySol = 0.05
	cfg.MaxBuySol = 0.05
	cfg.BuyIntervalSec = 0
	if mut != nil {
		mut(tok, cfg)
	}
	dev := &store.Wallet{Address: tok.DevWallet, WalletType: store.WalletDev, CustodyID: "c-" + tok.DevWallet}
	ops := &store.Wallet{Address: tok.OpsWallet, WalletType: store.WalletOps, CustodyID: "c-" + tok.OpsWallet}
	if err := f.store.RegisterToken(tok, cfg, dev, ops); err != nil {
		t.Fatalf("register token %s: %v", mint, err)
	}
	return &store.TradingToken{Token: tok, Config: cfg}
}

func (f *fixture) state(t *testing.T, tokenID string) *store.State {
	t.Helper()
	st, err := f.store.GetState(tokenID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st == nil {
		t.Fatalf("no state row for %s", tokenID)
	}
	return st
}

func (f *fixture) putState(t *testing.T, st *store.State) {
	t.Helper()
	if err := f.store.UpsertState(st); err != nil {
		t.Fatalf("upsert state: %v", err)
	}
}
