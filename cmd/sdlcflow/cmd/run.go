package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sdlcflow/sdlcflow/internal/orchestrator"
	"github.com/sdlcflow/sdlcflow/internal/tracing"
	"github.com/sdlcflow/sdlcflow/internal/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run <workflow-file>",
	Short: "Run a workflow definition from scratch",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(c *cobra.Command, args []string) error {
	dir, err := getWorkDir()
	if err != nil {
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("resolving work dir: %w", err))
	}

	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}

	wf, err := workflow.ParseFile(args[0])
	if err != nil {
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("parsing workflow: %w", err))
	}
	if err := workflow.ValidateGraph(wf); err != nil {
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("invalid workflow: %w", err))
	}

	logger, closer, err := buildLogger(cfg, dir, wf.ID)
	if err != nil {
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("setting up logging: %w", err))
	}
	defer closer.Close()

	shutdownTracing, err := tracing.Init(c.Context(), cfg)
	if err != nil {
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("setting up tracing: %w", err))
	}
	defer shutdownTracing(c.Context())

	eng, _, err := buildEngine(dir, cfg, wf, logger)
	if err != nil {
		return exitErr(orchestrator.ExitConfigError, err)
	}

	report, runErr := eng.Run(c.Context(), false)
	return reportOutcome(wf, report, runErr)
}
