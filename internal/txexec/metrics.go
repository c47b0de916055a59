package txexec

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks execution latency across the sign, send and confirm phases
type Metrics struct {
	// Latency samples (in milliseconds)
	samples   []int64
	sampleIdx int
	mu        sync.Mutex

	// Counters
	total   atomic.Int64
	success atomic.Int64
	failed  atomic.Int64

	// Component breakdown (last execution)
	lastSignMs    atomic.Int64
	lastSendMs    atomic.Int64
	lastConfirmMs atomic.Int64
	lastTotalMs   atomic.Int64
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{
		samples: make([]int64, 100), // Keep last 100 samples
	}
}

// RecordExecution records one attempt's phase breakdown
func (m *Metrics) RecordExecution(ok bool, signMs, sendMs, confirmMs int64) {
	totalMs := signMs + sendMs + confirmMs

	m.mu.Lock()
	m.samples[m.sampleIdx%len(m.samples)] = totalMs
	m.sampleIdx++
	m.mu.Unlock()

	m.total.Add(1)
	if ok {
		m.success.Add(1)
	} else {
		m.failed.Add(1)
	}

	m.lastSignMs.Store(signMs)
	m.lastSendMs.Store(sendMs)
	m.lastConfirmMs.Store(confirmMs)
	m.lastTotalMs.Store(totalMs)
}

// P50 returns the 50th percentile latency
func (m *Metrics) P50() int64 {
	return m.percentile(50)
}

// P95 returns the 95th percentile latency
func (m *Metrics) P95() int64 {
	return m.percentile(95)
}

// P99 returns the 99th percentile latency
func (m *Metrics) P99() int64 {
	return m.percentile(99)
}

// Avg returns the average latency
func (m *Metrics) Avg() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := m.sampleIdx
	if count > len(m.samples) {
		count = len(m.samples)
	}
	if count == 0 {
		return 0
	}

	var sum int64
	for i := 0; i < count; i++ {
		sum += m.samples[i]
	}
	return sum / int64(count)
}

func (m *Metrics) percentile(p int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := m.sampleIdx
	if count > len(m.samples) {
		count = len(m.samples)
	}
	if count == 0 {
		return 0
	}

	sorted := make([]int64, count)
	copy(sorted, m.samples[:count])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (p * count) / 100
	if idx >= count {
		idx = count - 1
	}
	return sorted[idx]
}

// LastBreakdown returns the last execution's phase latencies
func (m *Metrics) LastBreakdown() (sign, send, confirm, total int64) {
	return m.lastSignMs.Load(),
		m.lastSendMs.Load(),
		m.lastConfirmMs.Load(),
		m.lastTotalMs.Load()
}

// Stats returns aggregate counts
func (m *Metrics) Stats() (total, success, failed int64, successRate float64) {
	total = m.total.Load()
	success = m.success.Load()
	failed = m.failed.Load()
	if total > 0 {
		successRate = float64(success) / float64(total) * 100
	}
	return
}

// PhaseTimer times the phases of a single execution attempt
type PhaseTimer struct {
	start      time.Time
	signEnd    time.Time
	sendEnd    time.Time
	confirmEnd time.Time
}

// NewPhaseTimer starts timing an execution
func NewPhaseTimer() *PhaseTimer {
	return &PhaseTimer{start: time.Now()}
}

// MarkSignDone marks signing complete
func (t *PhaseTimer) MarkSignDone() {
	t.signEnd = time.Now()
}

// MarkSendDone marks broadcast complete
func (t *PhaseTimer) MarkSendDone() {
	t.sendEnd = time.Now()
}

// MarkConfirmDone marks confirmation complete
func (t *PhaseTimer) MarkConfirmDone() {
	t.confirmEnd = time.Now()
}

// Breakdown returns milliseconds spent in each phase
func (t *PhaseTimer) Breakdown() (sign, send, confirm int64) {
	if !t.signEnd.IsZero() {
		sign = t.signEnd.Sub(t.start).Milliseconds()
	}
	if !t.sendEnd.IsZero() {
		send = t.sendEnd.Sub(t.signEnd).Milliseconds()
	}
	if !t.confirmEnd.IsZero() {
		confirm = t.confirmEnd.Sub(t.sendEnd).Milliseconds()
	}
	return
}

// TotalMs returns total elapsed time in milliseconds
func (t *PhaseTimer) TotalMs() int64 {
	return time.Since(t.start).Milliseconds()
}
