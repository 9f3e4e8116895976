// Package config loads sdlcflow's operator-level configuration: the
// things an operator tunes (state root, parallelism, checkpoint policy,
// worktree layout), as distinct from a workflow author's YAML workflow
// definitions (see internal/workflow).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// CheckpointMode selects when the engine writes a durable snapshot
// (spec.md §4.2 "Checkpoint policy").
type CheckpointMode string

const (
	CheckpointEveryStep CheckpointMode = "every_step"
	CheckpointEveryN    CheckpointMode = "every_n"
	CheckpointGatesOnly CheckpointMode = "gates_only"
	CheckpointInterval  CheckpointMode = "interval"
	CheckpointManual    CheckpointMode = "manual"
)

// PathsConfig holds path configuration.
type PathsConfig struct {
	WorkflowDir string `toml:"workflow_dir"`
	StateDir    string `toml:"state_dir"`
	WorktreeDir string `toml:"worktree_dir"`
}

// ExecutionConfig holds ParallelExecutor defaults (spec.md §4.6).
type ExecutionConfig struct {
	MaxParallel      int           `toml:"max_parallel"`
	DefaultTimeout   time.Duration `toml:"default_timeout"`
	RetryMaxAttempts int           `toml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `toml:"retry_base_delay"`
	RetryMultiplier  float64       `toml:"retry_multiplier"`
	RetryMaxBackoff  time.Duration `toml:"retry_max_backoff"`
	RetryJitterFrac  float64       `toml:"retry_jitter_frac"`
}

// OrchestratorConfig holds WorkflowEngine main-loop settings.
type OrchestratorConfig struct {
	PollInterval       time.Duration  `toml:"poll_interval"`
	HeartbeatInterval  time.Duration  `toml:"heartbeat_interval"`
	CheckpointMode     CheckpointMode `toml:"checkpoint_mode"`
	CheckpointEveryN   int            `toml:"checkpoint_every_n"`
	CheckpointInterval time.Duration  `toml:"checkpoint_interval"`
	MaxLoopback        int            `toml:"max_loopback_iterations"`
	HistoryRetention   int            `toml:"history_retention"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `toml:"level"`
	Format LogFormat `toml:"format"`
	File   string    `toml:"file"`
}

// TracingConfig controls the optional OpenTelemetry instrumentation
// around find_ready/execute_batch/checkpoint (off by default).
type TracingConfig struct {
	Enabled     bool   `toml:"enabled"`
	OTLPTarget  string `toml:"otlp_target"`
	ServiceName string `toml:"service_name"`
}

// Config is the root operator configuration for sdlcflow.
type Config struct {
	Version      string             `toml:"version"`
	Paths        PathsConfig        `toml:"paths"`
	Execution    ExecutionConfig    `toml:"execution"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Logging      LoggingConfig      `toml:"logging"`
	Tracing      TracingConfig      `toml:"tracing"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: "1",
		Paths: PathsConfig{
			WorkflowDir: ".sdlcflow/workflows",
			StateDir:    ".sdlcflow/state",
			WorktreeDir: ".sdlcflow/worktrees",
		},
		Execution: ExecutionConfig{
			MaxParallel:      8,
			DefaultTimeout:   10 * time.Minute,
			RetryMaxAttempts: 3,
			RetryBaseDelay:   2 * time.Second,
			RetryMultiplier:  2.0,
			RetryMaxBackoff:  60 * time.Second,
			RetryJitterFrac:  0.10,
		},
		Orchestrator: OrchestratorConfig{
			PollInterval:      100 * time.Millisecond,
			HeartbeatInterval: 30 * time.Second,
			CheckpointMode:    CheckpointEveryStep,
			MaxLoopback:       3,
			HistoryRetention:  20,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
			File:   ".sdlcflow/state/sdlcflow.log",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "sdlcflow",
		},
	}
}

// Load loads configuration from file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// LoadFromDir loads configuration from the standard locations in a
// directory, applying defaults -> ~/.sdlcflow/config.toml ->
// <dir>/.sdlcflow/config.toml, in that order (project overrides global).
func LoadFromDir(dir string) (*Config, error) {
	cfg := Default()

	if home, err := os.UserHomeDir(); err == nil {
		globalConfig := filepath.Join(home, ".sdlcflow", "config.toml")
		if data, err := os.ReadFile(globalConfig); err == nil {
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing global config: %w", err)
			}
		}
	}

	projectConfig := filepath.Join(dir, ".sdlcflow", "config.toml")
	if data, err := os.ReadFile(projectConfig); err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing project config: %w", err)
		}
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("config version is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.Execution.MaxParallel <= 0 {
		return fmt.Errorf("execution.max_parallel must be positive")
	}
	if c.Orchestrator.PollInterval <= 0 {
		return fmt.Errorf("orchestrator.poll_interval must be positive")
	}
	if c.Orchestrator.MaxLoopback < 0 {
		return fmt.Errorf("orchestrator.max_loopback_iterations must be non-negative")
	}
	return nil
}

// StateDir returns the absolute state directory path.
func (c *Config) StateDir(baseDir string) string {
	if filepath.IsAbs(c.Paths.StateDir) {
		return c.Paths.StateDir
	}
	return filepath.Join(baseDir, c.Paths.StateDir)
}

// WorktreeDir returns the absolute worktree directory path.
func (c *Config) WorktreeDir(baseDir string) string {
	if filepath.IsAbs(c.Paths.WorktreeDir) {
		return c.Paths.WorktreeDir
	}
	return filepath.Join(baseDir, c.Paths.WorktreeDir)
}

// WorkflowDir returns the absolute workflow-definition directory path.
func (c *Config) WorkflowDir(baseDir string) string {
	if filepath.IsAbs(c.Paths.WorkflowDir) {
		return c.Paths.WorkflowDir
	}
	return filepath.Join(baseDir, c.Paths.WorkflowDir)
}

// LogFile returns the absolute log file path.
func (c *Config) LogFile(baseDir string) string {
	if filepath.IsAbs(c.Logging.File) {
		return c.Logging.File
	}
	return filepath.Join(baseDir, c.Logging.File)
}
