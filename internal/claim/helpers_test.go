package claim

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mr-tron/base58"

	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/config"
	"flywheel-engine/internal/notify"
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

type claimTxsCall struct {
	wallet string
	mints  []string
}

// fakeFees serves static claimable positions per dev wallet and canned
// claim transactions.
type fakeFees struct {
	mu           sync.Mutex
	positions    map[string][]amm.ClaimablePosition
	txs          []string
	positionsErr error
	txsErr       error
	calls        []claimTxsCall
}

func newFakeFees() *fakeFees {
	return &fakeFees{
		positions: make(map[string][]amm.ClaimablePosition),
		txs:       []string{"Y2xhaW0="},
	}
}

func (f *fakeFees) ClaimablePositions(_ context.Context, walletAddress string) ([]amm.ClaimablePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	return f.positions[walletAddress], nil
}

func (f *fakeFees) ClaimTxs(_ context.Context, walletAddress string, mints []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.txsErr != nil {
		return nil, f.txsErr
	}
	f.calls = append(f.calls, claimTxsCall{wallet: walletAddress, mints: append([]string(nil), mints...)})
	return append([]string(nil), f.txs...), nil
}

func (f *fakeFees) setPosition(devWallet, mint string, sol float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[devWallet] = []amm.ClaimablePosition{{Mint: mint, Symbol: "TST", ClaimableSol: sol}}
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
	fast  *Scheduler
	slow  *Scheduler
	store *store.Store
	cfg   *config.Manager
	fees  *fakeFees
	exec  *fakeExec
	notes *captureNotifier
}

func defaultTestYAML() string {
	return "fees:\n  platform_ops_wallet: " + platformOpsWallet + "\n"
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
		store: st,
		cfg:   cfg,
		fees:  newFakeFees(),
		exec:  &fakeExec{},
		notes: &captureNotifier{},
	}
	f.fast = NewFast(st, f.fees, f.exec, fakeHash{}, cfg, f.notes)
	f.slow = NewSlow(st, f.fees, f.exec, fakeHash{}, cfg, f.notes)
	return f
}

// seed registers an active launched token with auto-claim on. mut tweaks
// token and config before registration.
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

// transactionsByDetail maps detail -> record for a token's history.
func (f *fixture) transactionsByDetail(t *testing.T, tokenID string) map[string]*store.TransactionRecord {
	t.Helper()
	recs, err := f.store.RecentTransactions(tokenID, 50)
	if err != nil {
		t.Fatalf("recent transactions: %v", err)
	}
	out := make(map[string]*store.TransactionRecord, len(recs))
	for _, r := range recs {
		out[r.Detail] = r
	}
	return out
}
