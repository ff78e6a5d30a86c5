package config

import (
	"time"
)

// Config represents the main Kaiwa configuration
type Config struct {
	// Runner
	Runner RunnerConfig `json:"runner" mapstructure:"runner"`

	// Compaction
	Compaction CompactionConfig `json:"compaction" mapstructure:"compaction"`

	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Store configuration
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Reaper configuration
	Reaper ReaperConfig `json:"reaper" mapstructure:"reaper"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// RunnerConfig controls how the assistant binary is spawned and read
type RunnerConfig struct {
	BinaryPath       string `json:"binary_path" mapstructure:"binary_path"`               // explicit override, skips path search
	CaptureTimeoutMs int    `json:"capture_timeout_ms" mapstructure:"capture_timeout_ms"` // session identity capture window
	EventBufferSize  int    `json:"event_buffer_size" mapstructure:"event_buffer_size"`   // bounded per-session event channel
	OutputTailLines  int    `json:"output_tail_lines" mapstructure:"output_tail_lines"`   // raw line ring kept per process
	SettingsJSON     string `json:"settings_json" mapstructure:"settings_json"`           // passed verbatim via --settings
	SkipPermissions  bool   `json:"skip_permissions" mapstructure:"skip_permissions"`
}

// CaptureTimeout returns the identity capture window as a duration
func (r RunnerConfig) CaptureTimeout() time.Duration {
	return time.Duration(r.CaptureTimeoutMs) * time.Millisecond
}

// CompactionConfig holds context compaction thresholds as fractions of the
// model context window
type CompactionConfig struct {
	WarnThreshold  float64 `json:"warn_threshold" mapstructure:"warn_threshold"`
	AutoThreshold  float64 `json:"auto_threshold" mapstructure:"auto_threshold"`
	ForceThreshold float64 `json:"force_threshold" mapstructure:"force_threshold"`
}

// ModelsConfig holds model configuration
type ModelsConfig struct {
	Default        string         `json:"default" mapstructure:"default"`
	ContextWindows map[string]int `json:"context_windows" mapstructure:"context_windows"`
}

// ContextWindow returns the context window size for a model, falling back to
// the default window when the model is unknown.
func (m ModelsConfig) ContextWindow(model string) int {
	if n, ok := m.ContextWindows[model]; ok && n > 0 {
		return n
	}
	return DefaultContextWindow
}

// DefaultContextWindow is the assumed context size for unlisted models.
const DefaultContextWindow = 200000

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// GatewayConfig holds the event gateway server configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// StoreConfig holds durable session metadata store configuration
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"` // sqlite database file
}

// ReaperConfig holds the process reaper schedule
type ReaperConfig struct {
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron spec

	// RetentionHours prunes stored session records idle longer than this.
	// Zero disables pruning.
	RetentionHours int `json:"retention_hours" mapstructure:"retention_hours"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Runner: RunnerConfig{
			CaptureTimeoutMs: 3000,
			EventBufferSize:  100,
			OutputTailLines:  50,
		},
		Compaction: CompactionConfig{
			WarnThreshold:  0.55,
			AutoThreshold:  0.60,
			ForceThreshold: 0.65,
		},
		Models: ModelsConfig{
			Default:        "sonnet",
			ContextWindows: map[string]int{},
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    7777,
		},
		Reaper: ReaperConfig{
			Schedule: "@every 1m",
		},
	}
}
