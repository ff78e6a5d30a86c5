package compact

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kaiwahq/kaiwa/internal/config"
	"github.com/kaiwahq/kaiwa/pkg/usage"
)

// State is the coordinator's position in the compaction lifecycle
type State string

const (
	StateNormal        State = "normal"
	StateWarning       State = "warning"
	StateAutoTriggered State = "auto_triggered"
	StateCompacting    State = "compacting"
)

// Directive asks the session layer to compact the running conversation,
// functionally a resume of the same session with a compact instruction.
type Directive func(identity string, forced bool) error

// Coordinator watches one session's accumulated usage against fractions of
// the model context window and issues at most one compaction directive per
// threshold crossing. Flags are one-shot: they re-arm only after a
// successful compaction resets the counters.
type Coordinator struct {
	mu        sync.Mutex
	cfg       config.CompactionConfig
	state     State
	warned    bool
	triggered bool
	forced    bool
	count     int
	lastAt    time.Time

	identity  string
	acc       *usage.Accumulator
	directive Directive
	logger    zerolog.Logger
}

// NewCoordinator creates a coordinator for one session
func NewCoordinator(identity string, acc *usage.Accumulator, cfg config.CompactionConfig, directive Directive, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		state:     StateNormal,
		identity:  identity,
		acc:       acc,
		directive: directive,
		logger:    logger,
	}
}

// Check evaluates the thresholds against current usage. Call after each
// usage event has been folded into the accumulator. Returns true when a
// compaction directive was issued by this call.
func (c *Coordinator) Check() (bool, error) {
	pct := c.acc.PercentUsed()

	c.mu.Lock()
	var issue, force bool
	switch {
	case pct >= c.cfg.ForceThreshold && !c.forced:
		c.forced = true
		c.triggered = true
		issue, force = true, true
		c.state = StateCompacting

	case pct >= c.cfg.AutoThreshold && !c.triggered:
		c.triggered = true
		issue = true
		c.state = StateAutoTriggered

	case pct >= c.cfg.WarnThreshold && !c.warned:
		c.warned = true
		if c.state == StateNormal {
			c.state = StateWarning
		}
		c.logger.Warn().
			Str("session_id", c.identity).
			Float64("context_used", pct).
			Msg("Context usage approaching compaction threshold")
	}
	c.mu.Unlock()

	if !issue {
		return false, nil
	}

	c.logger.Info().
		Str("session_id", c.identity).
		Float64("context_used", pct).
		Bool("forced", force).
		Msg("Issuing compaction directive")

	// The directive performs I/O; never under the lock.
	if err := c.directive(c.identity, force); err != nil {
		c.mu.Lock()
		c.state = StateNormal
		// Re-arm so a later usage event can retry
		c.triggered = false
		c.forced = false
		c.mu.Unlock()
		return false, fmt.Errorf("%w: %w", ErrCompactionFailed, err)
	}

	c.mu.Lock()
	c.state = StateCompacting
	c.mu.Unlock()
	return true, nil
}

// OnCompactionResult records a successful compaction: counters are zeroed
// atomically with the state change, the one-shot flags re-arm, and the
// audit trail advances.
func (c *Coordinator) OnCompactionResult(tokensSaved int64) usage.Totals {
	prior := c.acc.Reset()

	c.mu.Lock()
	c.state = StateNormal
	c.warned = false
	c.triggered = false
	c.forced = false
	c.count++
	c.lastAt = time.Now()
	c.mu.Unlock()

	c.logger.Info().
		Str("session_id", c.identity).
		Int64("tokens_saved", tokensSaved).
		Int64("tokens_dropped", prior.Context()).
		Msg("Compaction completed")

	return prior
}

// OnCompactionError falls back to normal without touching the counters;
// tokens the coordinator believed it freed must not be silently dropped.
func (c *Coordinator) OnCompactionError(err error) {
	c.mu.Lock()
	c.state = StateNormal
	c.triggered = false
	c.forced = false
	c.mu.Unlock()

	c.logger.Error().
		Err(err).
		Str("session_id", c.identity).
		Msg("Compaction failed, counters preserved")
}

// State returns the current lifecycle state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Count returns how many compactions have completed
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// LastCompactionAt returns when the last compaction completed, zero if none
func (c *Coordinator) LastCompactionAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAt
}
