package reactive

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"flywheel-engine/internal/store"
)

// Entry holds everything the event pipeline needs about one reactive
// token, keyed by mint.
type Entry struct {
	TokenID        string
	OpsWallet      string
	MinTriggerSol  float64
	ScalePct       float64
	MaxResponsePct float64
	CooldownMs     int64
}

// Cache is the mint -> Entry lookup over reactive-eligible tokens.
// Refreshed lazily from the store once the TTL lapses; a failed refresh
// keeps serving the previous snapshot.
type Cache struct {
	store *store.Store
	ttl   time.Duration

	mu        sync.Mutex
	byMint    map[string]Entry
	fetchedAt time.Time
}

func NewCache(st *store.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{store: st, ttl: ttl}
}

// Lookup returns the reactive entry for a mint, refreshing the snapshot
// from the store when it has gone stale.
func (c *Cache) Lookup(mint string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byMint == nil || time.Since(c.fetchedAt) >= c.ttl {
		c.refreshLocked()
	}
	e, ok := c.byMint[mint]
	return e, ok
}

func (c *Cache) refreshLocked() {
	tokens, err := c.store.ReactiveTokens()
	if err != nil {
		log.Error().Err(err).Msg("reactive cache refresh failed")
		if c.byMint == nil {
			c.byMint = map[string]Entry{}
		}
		c.fetchedAt = time.Now()
		return
	}
	next := make(map[string]Entry, len(tokens))
	for _, tt := range tokens {
		next[tt.Token.Mint] = Entry{
			TokenID:        tt.Token.ID,
			OpsWallet:      tt.Token.OpsWallet,
			MinTriggerSol:  tt.Config.ReactiveMinTriggerSol,
			ScalePct:       tt.Config.ReactiveScalePct,
			MaxResponsePct: tt.Config.ReactiveMaxResponsePct,
			CooldownMs:     tt.Config.ReactiveCooldownMs,
		}
	}
	c.byMint = next
	c.fetchedAt = time.Now()
}
