package config

import (
	"fmt"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateCaptureTimeout validates the identity capture window.
// Too short causes spurious failures on slow cold starts; too long delays
// all error feedback.
func (v *Validator) ValidateCaptureTimeout(ms int) error {
	if ms < 500 || ms > 5000 {
		return fmt.Errorf("capture_timeout_ms must be between 500 and 5000, got %d", ms)
	}
	return nil
}

// ValidateThresholds validates compaction threshold ordering
func (v *Validator) ValidateThresholds(c CompactionConfig) error {
	if c.WarnThreshold <= 0 || c.ForceThreshold >= 1 {
		return fmt.Errorf("compaction thresholds must lie strictly between 0 and 1")
	}
	if !(c.WarnThreshold < c.AutoThreshold && c.AutoThreshold < c.ForceThreshold) {
		return fmt.Errorf("compaction thresholds must be ordered warn < auto < force, got %.2f/%.2f/%.2f",
			c.WarnThreshold, c.AutoThreshold, c.ForceThreshold)
	}
	return nil
}

// ValidateEventBuffer validates the per-session event channel size
func (v *Validator) ValidateEventBuffer(n int) error {
	if n <= 0 {
		return fmt.Errorf("event_buffer_size must be positive, got %d", n)
	}
	return nil
}

// ValidateGateway validates gateway server settings
func (v *Validator) ValidateGateway(g GatewayConfig) error {
	if !g.Enabled {
		return nil
	}
	if g.Port <= 0 || g.Port > 65535 {
		return fmt.Errorf("gateway port must be between 1 and 65535, got %d", g.Port)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateCaptureTimeout(cfg.Runner.CaptureTimeoutMs); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateEventBuffer(cfg.Runner.EventBufferSize); err != nil {
		errors = append(errors, err)
	}
	if cfg.Runner.OutputTailLines < 0 {
		errors = append(errors, fmt.Errorf("output_tail_lines must be >= 0"))
	}
	if err := v.ValidateThresholds(cfg.Compaction); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateGateway(cfg.Gateway); err != nil {
		errors = append(errors, err)
	}
	for model, window := range cfg.Models.ContextWindows {
		if window <= 0 {
			errors = append(errors, fmt.Errorf("context window for model %s must be positive, got %d", model, window))
		}
	}

	return errors
}
