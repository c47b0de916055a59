package chainws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"flywheel-engine/internal/store"
)

// Subscriber is the slice of the pubsub client the monitor needs.
type Subscriber interface {
	AccountSubscribe(address string, cb func(json.RawMessage)) (uint64, error)
	Unsubscribe(method string, subID uint64) error
}

// Poker wakes a poll loop ahead of its schedule.
type Poker interface {
	Poke()
}

// DepositMonitor keeps an accountSubscribe open for every wallet with a
// launch awaiting its deposit and pokes the deposit watcher the moment
// one of them changes. Detection only: the watcher's poll remains the
// source of truth, so a missed notification costs latency, not a launch.
type DepositMonitor struct {
	client Subscriber
	store  *store.Store
	poker  Poker

	interval time.Duration

	mu   sync.Mutex
	subs map[string]uint64 // deposit address -> subscription handle

	runMu  sync.Mutex
	cancel chan struct{}
	wg     sync.WaitGroup
}

// NewDepositMonitor builds a monitor resyncing its watch set every
// interval (the deposit poll interval is the natural choice).
func NewDepositMonitor(client Subscriber, st *store.Store, poker Poker, interval time.Duration) *DepositMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DepositMonitor{
		client:   client,
		store:    st,
		poker:    poker,
		interval: interval,
		subs:     make(map[string]uint64),
	}
}

// Start syncs the watch set once and keeps it in sync on a ticker.
// A second Start while running is a no-op.
func (m *DepositMonitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	m.cancel = make(chan struct{})
	m.wg.Add(1)
	go m.run(m.cancel)
	log.Info().Dur("interval", m.interval).Msg("deposit monitor started")
}

// Stop halts the resync loop and drops every subscription.
func (m *DepositMonitor) Stop() {
	m.runMu.Lock()
	if m.cancel == nil {
		m.runMu.Unlock()
		return
	}
	close(m.cancel)
	m.cancel = nil
	m.runMu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	for addr, id := range m.subs {
		if err := m.client.Unsubscribe("accountUnsubscribe", id); err != nil {
			log.Debug().Err(err).Str("address", addr).Msg("deposit unsubscribe failed")
		}
		delete(m.subs, addr)
	}
	m.mu.Unlock()
	log.Info().Msg("deposit monitor stopped")
}

func (m *DepositMonitor) run(cancel chan struct{}) {
	defer m.wg.Done()
	m.Resync()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			m.Resync()
		}
	}
}

// Resync reconciles the subscription set against the launches still
// awaiting a deposit: new deposit wallets gain a watch, settled ones
// lose theirs.
func (m *DepositMonitor) Resync() {
	launches, err := m.store.AwaitingDeposit()
	if err != nil {
		log.Error().Err(err).Msg("deposit monitor: list awaiting launches failed")
		return
	}
	want := make(map[string]bool, len(launches))
	for _, l := range launches {
		if l.DepositAddress != "" {
			want[l.DepositAddress] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for addr := range want {
		if _, ok := m.subs[addr]; ok {
			continue
		}
		watched := addr
		id, err := m.client.AccountSubscribe(watched, func(data json.RawMessage) {
			m.onAccountUpdate(watched, data)
		})
		if err != nil {
			log.Warn().Err(err).Str("address", addr).Msg("deposit watch subscribe failed")
			continue
		}
		m.subs[addr] = id
		log.Info().Str("address", addr).Uint64("subID", id).Msg("watching deposit wallet")
	}

	for addr, id := range m.subs {
		if want[addr] {
			continue
		}
		if err := m.client.Unsubscribe("accountUnsubscribe", id); err != nil {
			log.Debug().Err(err).Str("address", addr).Msg("deposit unsubscribe failed")
		}
		delete(m.subs, addr)
		log.Debug().Str("address", addr).Msg("deposit wallet unwatched")
	}
}

func (m *DepositMonitor) onAccountUpdate(address string, data json.RawMessage) {
	var update struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Lamports uint64 `json:"lamports"`
		} `json:"value"`
	}
	if err := json.Unmarshal(data, &update); err != nil {
		log.Warn().Err(err).Msg("failed to parse deposit account update")
		return
	}

	log.Info().
		Str("address", address).
		Uint64("lamports", update.Value.Lamports).
		Float64("sol", float64(update.Value.Lamports)/1e9).
		Uint64("slot", update.Context.Slot).
		Msg("deposit wallet balance changed")
	m.poker.Poke()
}
