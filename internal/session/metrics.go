package session

import (
	"sync"
	"time"
)

// Usage is one step's worth of accumulation.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
	Latency          time.Duration
}

// Metrics accumulates monotonically over a session. A delegate session
// shares its parent's Metrics and keeps a Snapshot from spawn time; the
// delegate's own spend is the difference.
type Metrics struct {
	mu sync.Mutex

	promptTokens     int64
	completionTokens int64
	costUSD          float64
	latency          time.Duration
	steps            int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// Add folds one step's usage into the accumulators.
func (m *Metrics) Add(u Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens += u.PromptTokens
	m.completionTokens += u.CompletionTokens
	m.costUSD += u.CostUSD
	m.latency += u.Latency
	m.steps++
}

// Snapshot is an immutable copy of the accumulators.
type Snapshot struct {
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
	Latency          time.Duration
	Steps            int64
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		PromptTokens:     m.promptTokens,
		CompletionTokens: m.completionTokens,
		CostUSD:          m.costUSD,
		Latency:          m.latency,
		Steps:            m.steps,
	}
}

// CostUSD returns the accumulated spend, the input to budget enforcement.
func (m *Metrics) CostUSD() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.costUSD
}

// Diff returns s minus earlier, the local share of a delegate that
// snapshotted earlier at spawn time.
func (s Snapshot) Diff(earlier Snapshot) Snapshot {
	return Snapshot{
		PromptTokens:     s.PromptTokens - earlier.PromptTokens,
		CompletionTokens: s.CompletionTokens - earlier.CompletionTokens,
		CostUSD:          s.CostUSD - earlier.CostUSD,
		Latency:          s.Latency - earlier.Latency,
		Steps:            s.Steps - earlier.Steps,
	}
}

// Sum returns s plus other.
func (s Snapshot) Sum(other Snapshot) Snapshot {
	return Snapshot{
		PromptTokens:     s.PromptTokens + other.PromptTokens,
		CompletionTokens: s.CompletionTokens + other.CompletionTokens,
		CostUSD:          s.CostUSD + other.CostUSD,
		Latency:          s.Latency + other.Latency,
		Steps:            s.Steps + other.Steps,
	}
}
