package chain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// cachedBlockhash holds one fetched blockhash with metadata
type cachedBlockhash struct {
	hash                 string
	lastValidBlockHeight uint64
	fetchedAt            time.Time
}

// BlockhashCache double-buffers recent blockhashes with background prefetch
// so transfer building never waits on an RPC round trip.
type BlockhashCache struct {
	current atomic.Pointer[cachedBlockhash]
	next    atomic.Pointer[cachedBlockhash]

	client   *Client
	ttl      time.Duration
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	hits   atomic.Int64
	misses atomic.Int64
}

// NewBlockhashCache creates a blockhash cache refreshing every interval,
// serving entries up to ttl old.
func NewBlockhashCache(client *Client, interval, ttl time.Duration) *BlockhashCache {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &BlockhashCache{
		client:   client,
		interval: interval,
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
}

// Start fetches the initial blockhash and begins the prefetch loop.
// The initial fetch must succeed.
func (c *BlockhashCache) Start() error {
	if err := c.fetchAndRotate(); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.prefetchLoop()

	log.Info().Dur("interval", c.interval).Dur("ttl", c.ttl).Msg("blockhash cache started")
	return nil
}

// Stop halts the prefetch loop
func (c *BlockhashCache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Get returns a fresh cached blockhash, refreshing synchronously only when
// both buffers are stale.
func (c *BlockhashCache) Get() (string, error) {
	hash, _, err := c.GetWithHeight()
	return hash, err
}

// GetWithHeight returns a fresh cached blockhash and its last valid block height
func (c *BlockhashCache) GetWithHeight() (string, uint64, error) {
	if cached := c.current.Load(); cached != nil && time.Since(cached.fetchedAt) < c.ttl {
		c.hits.Add(1)
		return cached.hash, cached.lastValidBlockHeight, nil
	}
	if next := c.next.Load(); next != nil && time.Since(next.fetchedAt) < c.ttl {
		c.hits.Add(1)
		return next.hash, next.lastValidBlockHeight, nil
	}

	c.misses.Add(1)
	log.Warn().Msg("blockhash cache miss, forcing sync refresh")
	if err := c.fetchAndRotate(); err != nil {
		return "", 0, err
	}

	cached := c.current.Load()
	return cached.hash, cached.lastValidBlockHeight, nil
}

// Age returns time since the last successful fetch
func (c *BlockhashCache) Age() time.Duration {
	cached := c.current.Load()
	if cached == nil {
		return 0
	}
	return time.Since(cached.fetchedAt)
}

// HitRate returns the cache hit rate percentage
func (c *BlockhashCache) HitRate() float64 {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	if total == 0 {
		return 100.0
	}
	return float64(hits) / float64(total) * 100
}

func (c *BlockhashCache) prefetchLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.fetchAndRotate(); err != nil {
				log.Warn().Err(err).Msg("blockhash prefetch failed")
			}
		}
	}
}

func (c *BlockhashCache) fetchAndRotate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := c.client.GetLatestBlockhash(ctx)
	if err != nil {
		return err
	}

	fresh := &cachedBlockhash{
		hash:                 result.Value.Blockhash,
		lastValidBlockHeight: result.Value.LastValidBlockHeight,
		fetchedAt:            time.Now(),
	}

	// Rotate: next becomes current, the fresh hash becomes next.
	prev := c.current.Load()
	c.current.Store(c.next.Load())
	c.next.Store(fresh)
	if prev == nil || c.current.Load() == nil {
		c.current.Store(fresh)
	}

	return nil
}
