package deposit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"

	"flywheel-engine/internal/chain"
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

// testBlockhash decodes to 32 zero bytes.
const testBlockhash = "11111111111111111111111111111111"

type fakeChain struct {
	mu           sync.Mutex
	sol          map[string]uint64
	sigs         map[string][]chain.SignatureInfo
	txs          map[string]*chain.TransactionDetail
	balErr       error
	balanceCalls int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		sol:  make(map[string]uint64),
		sigs: make(map[string][]chain.SignatureInfo),
		txs:  make(map[string]*chain.TransactionDetail),
	}
}

func (f *fakeChain) GetBalance(_ context.Context, pubkey string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	if f.balErr != nil {
		return 0, f.balErr
	}
	return f.sol[pubkey], nil
}

func (f *fakeChain) GetSignaturesForAddress(_ context.Context, address string, _ int) ([]chain.SignatureInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sigs[address], nil
}

func (f *fakeChain) GetTransaction(_ context.Context, signature string) (*chain.TransactionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.txs[signature]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("unknown transaction %s", signature)
}

func (f *fakeChain) setSOL(address string, sol float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sol[address] = chain.SOLToLamports(sol)
}

// addFunding records one inbound transfer in the wallet's history so
// funder discovery can find it. Newest entries go first.
func (f *fakeChain) addFunding(devWallet, funder string, lamports uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sig := fmt.Sprintf("fund%d", len(f.txs)+1)
	f.sigs[devWallet] = append([]chain.SignatureInfo{{Signature: sig}}, f.sigs[devWallet]...)
	f.txs[sig] = &chain.TransactionDetail{
		Signature: sig,
		Transfers: []chain.ParsedTransfer{{Source: funder, Destination: devWallet, Lamports: lamports}},
	}
}

type execCall struct {
	wallet string
	tx     string
	height uint64
}

type fakeExec struct {
	mu      sync.Mutex
	failErr error
	calls   []execCall
}

func (f *fakeExec) ExecuteDelegated(_ context.Context, walletAddress, base64Tx string, height uint64) txexec.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.calls)
	f.calls = append(f.calls, execCall{wallet: walletAddress, tx: base64Tx, height: height})
	if f.failErr != nil {
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

type fakeLauncher struct {
	mu    sync.Mutex
	out   LaunchOutcome
	err   error
	calls []string // launch ids
}

func (f *fakeLauncher) Launch(_ context.Context, l *store.Launch) (*LaunchOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, l.ID)
	if f.err != nil {
		return nil, f.err
	}
	out := f.out
	return &out, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
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
	w        *Watcher
	store    *store.Store
	cfg      *config.Manager
	chain    *fakeChain
	exec     *fakeExec
	launcher *fakeLauncher
	notes    *captureNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureYAML(t, "deposit:\n  poll_interval_sec: 30\n")
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
		chain: newFakeChain(),
		exec:  &fakeExec{},
		launcher: &fakeLauncher{out: LaunchOutcome{
			Mint:         walletAddr('m', "launched-mint"),
			OpsWallet:    walletAddr('o', "launched-ops"),
			OpsCustodyID: "cust-ops",
			Signature:    "launchsig",
		}},
		notes: &captureNotifier{},
	}
	f.w = New(st, f.chain, f.exec, fakeHash{}, f.launcher, cfg, f.notes)
	return f
}

// seedLaunch creates an awaiting-deposit launch expiring in a day. mut
// tweaks the row before insertion.
func (f *fixture) seedLaunch(t *testing.T, wallet string, mut func(*store.Launch)) *store.Launch {
	t.Helper()
	l := &store.Launch{
		OwnerID:        "owner-1",
		TokenName:      "Deposit Token",
		TokenSymbol:    "DEP",
		DepositAddress: walletAddr('d', wallet),
		DevCustodyID:   "cust-dev-" + wallet,
		MinDepositSol:  0.1,
		ExpiresAt:      time.Now().Add(24 * time.Hour).Unix(),
	}
	if mut != nil {
		mut(l)
	}
	if err := f.store.CreateLaunch(l); err != nil {
		t.Fatalf("create launch: %v", err)
	}
	return l
}

func (f *fixture) launchStatus(t *testing.T, id string) string {
	t.Helper()
	l, err := f.store.GetLaunch(id)
	if err != nil {
		t.Fatalf("get launch: %v", err)
	}
	if l == nil {
		t.Fatalf("launch %s missing", id)
	}
	return l.Status
}
