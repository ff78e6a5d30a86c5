package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
	assert.Error(t, v.ValidateLogLevel(""))
}

func TestValidateCaptureTimeout(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateCaptureTimeout(500))
	assert.NoError(t, v.ValidateCaptureTimeout(3000))
	assert.NoError(t, v.ValidateCaptureTimeout(5000))
	assert.Error(t, v.ValidateCaptureTimeout(499))
	assert.Error(t, v.ValidateCaptureTimeout(5001))
	assert.Error(t, v.ValidateCaptureTimeout(0))
}

func TestValidateThresholds(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateThresholds(CompactionConfig{
		WarnThreshold: 0.55, AutoThreshold: 0.60, ForceThreshold: 0.65,
	}))

	// Out of order
	assert.Error(t, v.ValidateThresholds(CompactionConfig{
		WarnThreshold: 0.60, AutoThreshold: 0.55, ForceThreshold: 0.65,
	}))

	// Equal thresholds are rejected
	assert.Error(t, v.ValidateThresholds(CompactionConfig{
		WarnThreshold: 0.60, AutoThreshold: 0.60, ForceThreshold: 0.65,
	}))

	// Outside (0, 1)
	assert.Error(t, v.ValidateThresholds(CompactionConfig{
		WarnThreshold: 0, AutoThreshold: 0.60, ForceThreshold: 0.65,
	}))
	assert.Error(t, v.ValidateThresholds(CompactionConfig{
		WarnThreshold: 0.55, AutoThreshold: 0.60, ForceThreshold: 1.0,
	}))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	cfg := DefaultConfig()
	assert.Empty(t, v.ValidateConfig(cfg))

	cfg.Runner.EventBufferSize = 0
	cfg.Logging.Level = "nope"
	cfg.Gateway.Enabled = true
	cfg.Gateway.Port = 0
	cfg.Models.ContextWindows = map[string]int{"m": -1}

	errs := v.ValidateConfig(cfg)
	assert.Len(t, errs, 4)
}
