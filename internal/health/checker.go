// Package health runs periodic dependency probes and keeps the latest
// results for the HTTP health endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Status is the outcome of one probe run.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// Snapshot is the aggregate view served on /health. Healthy is true only
// when every component probe passed on the last run.
type Snapshot struct {
	Healthy    bool      `json:"healthy"`
	Components []Status  `json:"components"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// Probe checks one dependency. Check must honor its context deadline;
// Timeout defaults to 5s when zero.
type Probe struct {
	Name    string
	Check   func(ctx context.Context) error
	Timeout time.Duration
}

// Checker runs all probes on a fixed interval and caches the results.
type Checker struct {
	interval time.Duration
	probes   []Probe

	mu   sync.RWMutex
	snap Snapshot
}

// NewChecker creates a checker. Interval defaults to 10s when zero.
func NewChecker(interval time.Duration, probes ...Probe) *Checker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Checker{
		interval: interval,
		probes:   probes,
	}
}

// Start launches the probe loop. The first run happens immediately so the
// endpoint has data before the first tick. Stops when ctx is cancelled.
func (c *Checker) Start(ctx context.Context) {
	go func() {
		c.runChecks(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runChecks(ctx)
			}
		}
	}()
}

func (c *Checker) runChecks(ctx context.Context) {
	components := make([]Status, 0, len(c.probes))
	healthy := true

	for _, p := range c.probes {
		st := c.runProbe(ctx, p)
		if !st.Healthy {
			healthy = false
			log.Warn().
				Str("component", st.Name).
				Str("error", st.Error).
				Msg("health probe failed")
		}
		components = append(components, st)
	}

	c.mu.Lock()
	c.snap = Snapshot{
		Healthy:    healthy,
		Components: components,
		CheckedAt:  time.Now().UTC(),
	}
	c.mu.Unlock()
}

func (c *Checker) runProbe(ctx context.Context, p Probe) Status {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := p.Check(probeCtx)
	st := Status{
		Name:      p.Name,
		Healthy:   err == nil,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

// Snapshot returns the last completed probe results. Before the first run
// completes it reports unhealthy with no components.
func (c *Checker) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}
