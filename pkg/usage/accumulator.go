package usage

import (
	"sync"

	"github.com/kaiwahq/kaiwa/pkg/wire"
)

// Totals holds running token counts for one session
type Totals struct {
	Input         int64 `json:"input_tokens"`
	Output        int64 `json:"output_tokens"`
	CacheRead     int64 `json:"cache_read_tokens"`
	CacheCreation int64 `json:"cache_creation_tokens"`
}

// Context returns the tokens counted against the context window
func (t Totals) Context() int64 {
	return t.Input + t.Output
}

// Accumulator maintains per-session running token totals. Usage events
// carry per-turn deltas, so accumulation is strictly additive; replacing
// totals with the latest event would under-count every prior turn.
// The owning reader goroutine writes and consumers may read concurrently,
// so access is mutex-guarded.
type Accumulator struct {
	mu            sync.Mutex
	totals        Totals
	contextWindow int64
}

// NewAccumulator creates an accumulator sized against a model's context
// window.
func NewAccumulator(contextWindow int) *Accumulator {
	if contextWindow <= 0 {
		contextWindow = 1
	}
	return &Accumulator{contextWindow: int64(contextWindow)}
}

// Add folds one usage event into the totals
func (a *Accumulator) Add(u wire.Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totals.Input += u.InputTokens
	a.totals.Output += u.OutputTokens
	a.totals.CacheRead += u.CacheReadTokens
	a.totals.CacheCreation += u.CacheCreationTokens
}

// Totals returns a snapshot of the running totals
func (a *Accumulator) Totals() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals
}

// Reset zeroes the totals and returns what they were. Called atomically
// with a successful compaction.
func (a *Accumulator) Reset() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()

	prior := a.totals
	a.totals = Totals{}
	return prior
}

// PercentUsed returns input+output totals as a fraction of the context
// window, in [0, n] (it can exceed 1 when the window has been overrun).
func (a *Accumulator) PercentUsed() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return float64(a.totals.Input+a.totals.Output) / float64(a.contextWindow)
}

// ContextWindow returns the window the accumulator measures against
func (a *Accumulator) ContextWindow() int {
	return int(a.contextWindow)
}
