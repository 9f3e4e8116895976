package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Version != "1" {
		t.Errorf("Version = %s, want 1", cfg.Version)
	}
	if cfg.Paths.WorkflowDir != ".sdlcflow/workflows" {
		t.Errorf("WorkflowDir = %s, want .sdlcflow/workflows", cfg.Paths.WorkflowDir)
	}
	if cfg.Paths.StateDir != ".sdlcflow/state" {
		t.Errorf("StateDir = %s, want .sdlcflow/state", cfg.Paths.StateDir)
	}
	if cfg.Execution.MaxParallel != 8 {
		t.Errorf("Execution.MaxParallel = %d, want 8", cfg.Execution.MaxParallel)
	}
	if cfg.Orchestrator.PollInterval != 100*time.Millisecond {
		t.Errorf("PollInterval = %v, want 100ms", cfg.Orchestrator.PollInterval)
	}
	if cfg.Orchestrator.CheckpointMode != CheckpointEveryStep {
		t.Errorf("CheckpointMode = %s, want every_step", cfg.Orchestrator.CheckpointMode)
	}
	if cfg.Orchestrator.MaxLoopback != 3 {
		t.Errorf("MaxLoopback = %d, want 3", cfg.Orchestrator.MaxLoopback)
	}
	if cfg.Logging.Level != LogLevelInfo {
		t.Errorf("Logging.Level = %s, want info", cfg.Logging.Level)
	}
	if cfg.Tracing.Enabled {
		t.Error("Tracing.Enabled should default to false")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
version = "2"

[paths]
workflow_dir = "custom/workflows"
state_dir = "custom/state"
worktree_dir = "custom/worktrees"

[execution]
max_parallel = 4

[orchestrator]
poll_interval = "200ms"
heartbeat_interval = "1m"
checkpoint_mode = "gates_only"
max_loopback_iterations = 5

[logging]
level = "debug"
format = "text"
file = "custom.log"
`

	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Version != "2" {
		t.Errorf("Version = %s, want 2", cfg.Version)
	}
	if cfg.Paths.WorkflowDir != "custom/workflows" {
		t.Errorf("WorkflowDir = %s, want custom/workflows", cfg.Paths.WorkflowDir)
	}
	if cfg.Execution.MaxParallel != 4 {
		t.Errorf("Execution.MaxParallel = %d, want 4", cfg.Execution.MaxParallel)
	}
	if cfg.Orchestrator.PollInterval != 200*time.Millisecond {
		t.Errorf("PollInterval = %v, want 200ms", cfg.Orchestrator.PollInterval)
	}
	if cfg.Orchestrator.CheckpointMode != CheckpointGatesOnly {
		t.Errorf("CheckpointMode = %s, want gates_only", cfg.Orchestrator.CheckpointMode)
	}
	if cfg.Orchestrator.MaxLoopback != 5 {
		t.Errorf("MaxLoopback = %d, want 5", cfg.Orchestrator.MaxLoopback)
	}
	if cfg.Logging.Level != LogLevelDebug {
		t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
	}
}

func TestLoad_NonExistent(t *testing.T) {
	cfg, err := Load("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("Load should not fail for non-existent file: %v", err)
	}

	if cfg.Version != "1" {
		t.Errorf("Should return defaults, got version = %s", cfg.Version)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `invalid = [toml content`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load should fail for invalid TOML")
	}
}

func TestLoad_ReadError(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	if err == nil {
		t.Error("Load should fail when trying to read a directory")
	}
}

func TestLoadFromDir(t *testing.T) {
	t.Run("project-local config", func(t *testing.T) {
		dir := t.TempDir()
		sdlcDir := filepath.Join(dir, ".sdlcflow")
		if err := os.MkdirAll(sdlcDir, 0755); err != nil {
			t.Fatalf("Failed to create .sdlcflow dir: %v", err)
		}

		configPath := filepath.Join(sdlcDir, "config.toml")
		content := `version = "project-local"`
		if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write config: %v", err)
		}

		cfg, err := LoadFromDir(dir)
		if err != nil {
			t.Fatalf("LoadFromDir failed: %v", err)
		}

		if cfg.Version != "project-local" {
			t.Errorf("Version = %s, want project-local", cfg.Version)
		}
	})

	t.Run("no config file - uses defaults", func(t *testing.T) {
		dir := t.TempDir()

		cfg, err := LoadFromDir(dir)
		if err != nil {
			t.Fatalf("LoadFromDir failed: %v", err)
		}

		if cfg.Version != "1" {
			t.Errorf("Version = %s, want 1 (default)", cfg.Version)
		}
	})

	t.Run("invalid project config", func(t *testing.T) {
		dir := t.TempDir()
		sdlcDir := filepath.Join(dir, ".sdlcflow")
		if err := os.MkdirAll(sdlcDir, 0755); err != nil {
			t.Fatalf("Failed to create .sdlcflow dir: %v", err)
		}

		configPath := filepath.Join(sdlcDir, "config.toml")
		content := `invalid = [toml`
		if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write config: %v", err)
		}

		_, err := LoadFromDir(dir)
		if err == nil {
			t.Error("LoadFromDir should fail with invalid TOML")
		}
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name:    "valid default config",
			cfg:     Default(),
			wantErr: false,
		},
		{
			name: "missing version",
			cfg: &Config{
				Paths:        PathsConfig{StateDir: "b"},
				Execution:    ExecutionConfig{MaxParallel: 1},
				Orchestrator: OrchestratorConfig{PollInterval: time.Millisecond},
			},
			wantErr: true,
		},
		{
			name: "missing state_dir",
			cfg: &Config{
				Version:      "1",
				Execution:    ExecutionConfig{MaxParallel: 1},
				Orchestrator: OrchestratorConfig{PollInterval: time.Millisecond},
			},
			wantErr: true,
		},
		{
			name: "zero max_parallel",
			cfg: &Config{
				Version:      "1",
				Paths:        PathsConfig{StateDir: "b"},
				Orchestrator: OrchestratorConfig{PollInterval: time.Millisecond},
			},
			wantErr: true,
		},
		{
			name: "zero poll_interval",
			cfg: &Config{
				Version:      "1",
				Paths:        PathsConfig{StateDir: "b"},
				Execution:    ExecutionConfig{MaxParallel: 1},
				Orchestrator: OrchestratorConfig{PollInterval: 0},
			},
			wantErr: true,
		},
		{
			name: "negative max_loopback",
			cfg: &Config{
				Version:      "1",
				Paths:        PathsConfig{StateDir: "b"},
				Execution:    ExecutionConfig{MaxParallel: 1},
				Orchestrator: OrchestratorConfig{PollInterval: time.Millisecond, MaxLoopback: -1},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_PathHelpers(t *testing.T) {
	cfg := Default()
	baseDir := "/project"

	if got := cfg.WorkflowDir(baseDir); got != "/project/.sdlcflow/workflows" {
		t.Errorf("WorkflowDir = %s, want /project/.sdlcflow/workflows", got)
	}
	if got := cfg.StateDir(baseDir); got != "/project/.sdlcflow/state" {
		t.Errorf("StateDir = %s, want /project/.sdlcflow/state", got)
	}
	if got := cfg.WorktreeDir(baseDir); got != "/project/.sdlcflow/worktrees" {
		t.Errorf("WorktreeDir = %s, want /project/.sdlcflow/worktrees", got)
	}
	if got := cfg.LogFile(baseDir); got != "/project/.sdlcflow/state/sdlcflow.log" {
		t.Errorf("LogFile = %s, want /project/.sdlcflow/state/sdlcflow.log", got)
	}

	cfg.Paths.StateDir = "/absolute/state"
	if got := cfg.StateDir(baseDir); got != "/absolute/state" {
		t.Errorf("StateDir (abs) = %s, want /absolute/state", got)
	}

	cfg.Logging.File = "/absolute/sdlcflow.log"
	if got := cfg.LogFile(baseDir); got != "/absolute/sdlcflow.log" {
		t.Errorf("LogFile (abs) = %s, want /absolute/sdlcflow.log", got)
	}
}
