// Package cmd implements sdlcflow's cobra command tree: run, resume,
// status, cancel. Grounded on the teacher's cmd/meow/cmd package layout
// (root.go holding shared flags and helpers, one file per verb), adapted
// from the teacher's template-baking workflow model to running a single
// pre-authored YAML workflow definition straight through the engine.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sdlcflow/sdlcflow/internal/config"
	"github.com/sdlcflow/sdlcflow/internal/orchestrator"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	workDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "sdlcflow",
	Short:         "Durable, dependency-driven SDLC workflow orchestration",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workDir, "dir", "C", "", "project directory (default: current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose (debug-level) logging")
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("sdlcflow {{.Version}}\n")
}

// Execute runs the command tree and translates the outcome into a process
// exit code per spec.md §6: 0 completed, 1 failed, 2 blocked, 3
// cancelled, 4 configuration error. A cobra usage/parse error — wrong
// flags, unknown subcommand — is itself treated as a configuration error.
func Execute() (int, error) {
	if err := rootCmd.Execute(); err != nil {
		if ec, ok := err.(*exitCodeError); ok {
			return ec.code, ec.cause
		}
		return orchestrator.ExitConfigError, err
	}
	return orchestrator.ExitSuccess, nil
}

// exitCodeError lets a RunE return both an error message and the exit
// code it should produce, since cobra's RunE contract is just `error`.
type exitCodeError struct {
	code  int
	cause error
}

func (e *exitCodeError) Error() string { return e.cause.Error() }
func (e *exitCodeError) Unwrap() error { return e.cause }

func exitErr(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitCodeError{code: code, cause: err}
}

// getWorkDir returns the effective project directory.
func getWorkDir() (string, error) {
	if workDir != "" {
		return workDir, nil
	}
	return os.Getwd()
}

// loadConfig loads operator config for dir, failing with
// ExitConfigError on an invalid config.
func loadConfig(dir string) (*config.Config, error) {
	cfg, err := config.LoadFromDir(dir)
	if err != nil {
		return nil, exitErr(orchestrator.ExitConfigError, fmt.Errorf("loading config: %w", err))
	}
	if verbose {
		cfg.Logging.Level = config.LogLevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return nil, exitErr(orchestrator.ExitConfigError, fmt.Errorf("invalid config: %w", err))
	}
	return cfg, nil
}
