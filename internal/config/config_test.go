package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3000, cfg.Runner.CaptureTimeoutMs)
	assert.Equal(t, 100, cfg.Runner.EventBufferSize)
	assert.Equal(t, 50, cfg.Runner.OutputTailLines)

	assert.Equal(t, 0.55, cfg.Compaction.WarnThreshold)
	assert.Equal(t, 0.60, cfg.Compaction.AutoThreshold)
	assert.Equal(t, 0.65, cfg.Compaction.ForceThreshold)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "@every 1m", cfg.Reaper.Schedule)
	assert.False(t, cfg.Gateway.Enabled)
}

func TestCaptureTimeout(t *testing.T) {
	r := RunnerConfig{CaptureTimeoutMs: 1500}
	assert.Equal(t, 1500*time.Millisecond, r.CaptureTimeout())
}

func TestContextWindow(t *testing.T) {
	m := ModelsConfig{
		Default: "sonnet",
		ContextWindows: map[string]int{
			"sonnet": 200000,
			"haiku":  100000,
		},
	}

	assert.Equal(t, 100000, m.ContextWindow("haiku"))
	assert.Equal(t, 200000, m.ContextWindow("sonnet"))

	// Unknown models fall back to the default window
	assert.Equal(t, DefaultContextWindow, m.ContextWindow("unknown-model"))

	// Zero entries are treated as unset
	m.ContextWindows["broken"] = 0
	assert.Equal(t, DefaultContextWindow, m.ContextWindow("broken"))
}
