package model

import "time"

type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Provider ProviderConfig `yaml:"provider"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// EngineConfig is the run-scoped execution configuration. StartRun accepts a
// per-run copy; zero values fall back to the defaults below.
type EngineConfig struct {
	MaxConcurrency    int    `yaml:"max_concurrency" json:"max_concurrency"`
	StepTimeoutSec    int    `yaml:"step_timeout_sec" json:"step_timeout_sec"`
	MaxRetriesPerStep int    `yaml:"max_retries_per_step" json:"max_retries_per_step"`
	FinalOutputKey    string `yaml:"final_output_key" json:"final_output_key"`

	// ExportDir, when set, receives one YAML run record per terminal run.
	ExportDir string `yaml:"export_dir,omitempty" json:"export_dir,omitempty"`
}

type ProviderConfig struct {
	Name        string  `yaml:"name"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Temperature float64 `yaml:"temperature"`

	// Evaluator thresholds for agent outputs: confidence at or above
	// AcceptThreshold is accepted, below ReplanThreshold requests a replan,
	// in between is a reject hint.
	AcceptThreshold float64 `yaml:"accept_threshold"`
	ReplanThreshold float64 `yaml:"replan_threshold"`
}

type DaemonConfig struct {
	SocketPath         string `yaml:"socket_path"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	DefaultMaxConcurrency    = 4
	DefaultStepTimeoutSec    = 60
	DefaultMaxRetriesPerStep = 2
	DefaultFinalOutputKey    = "final"
)

// Normalize fills zero values with defaults.
func (c EngineConfig) Normalize() EngineConfig {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.StepTimeoutSec <= 0 {
		c.StepTimeoutSec = DefaultStepTimeoutSec
	}
	switch {
	case c.MaxRetriesPerStep == 0:
		c.MaxRetriesPerStep = DefaultMaxRetriesPerStep
	case c.MaxRetriesPerStep < 0:
		// Negative means retries explicitly disabled.
		c.MaxRetriesPerStep = 0
	}
	if c.FinalOutputKey == "" {
		c.FinalOutputKey = DefaultFinalOutputKey
	}
	return c
}

func (c EngineConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSec) * time.Second
}

func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			MaxConcurrency:    DefaultMaxConcurrency,
			StepTimeoutSec:    DefaultStepTimeoutSec,
			MaxRetriesPerStep: DefaultMaxRetriesPerStep,
			FinalOutputKey:    DefaultFinalOutputKey,
		},
		Provider: ProviderConfig{
			Name:            "openai",
			Model:           "gpt-4o-mini",
			APIKeyEnv:       "OPENAI_API_KEY",
			Temperature:     0.7,
			AcceptThreshold: 0.75,
			ReplanThreshold: 0.25,
		},
		Daemon: DaemonConfig{
			SocketPath:         ".choreo/daemon.sock",
			ShutdownTimeoutSec: 30,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
