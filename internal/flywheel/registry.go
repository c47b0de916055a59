package flywheel

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Runner is the lifecycle every background scheduler exposes. The
// flywheel, claim, deposit, balance and platform loops all satisfy it.
type Runner interface {
	Kind() string
	Start()
	Stop()
	SetInterval(d time.Duration)
}

// Registry tracks running schedulers by kind so the admin surface can
// restart them with new intervals.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register adds a scheduler. Later registrations with the same kind
// replace earlier ones.
func (r *Registry) Register(runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[runner.Kind()] = runner
}

// Get returns the scheduler of the given kind, nil when unknown.
func (r *Registry) Get(kind string) Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runners[kind]
}

// Kinds lists registered scheduler kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.runners))
	for k := range r.runners {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Restart stops the scheduler, applies the new interval when given, and
// starts it again. Interval <= 0 keeps the current one.
func (r *Registry) Restart(kind string, interval time.Duration) error {
	runner := r.Get(kind)
	if runner == nil {
		return fmt.Errorf("unknown scheduler %q", kind)
	}
	runner.Stop()
	if interval > 0 {
		runner.SetInterval(interval)
	}
	runner.Start()
	return nil
}

// StopAll stops every registered scheduler. Used on shutdown.
func (r *Registry) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, runner := range r.runners {
		runner.Stop()
	}
}
