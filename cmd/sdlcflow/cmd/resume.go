package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sdlcflow/sdlcflow/internal/orchestrator"
	"github.com/sdlcflow/sdlcflow/internal/tracing"
	"github.com/sdlcflow/sdlcflow/internal/workflow"
)

var resumeWorkflowFile string

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow-id>",
	Short: "Resume a workflow from its last durable checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeWorkflowFile, "workflow-file", "", "workflow definition file (required — state stores step progress, not the definition)")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(c *cobra.Command, args []string) error {
	workflowID := args[0]

	if resumeWorkflowFile == "" {
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("resume requires --workflow-file to re-supply the definition being resumed"))
	}

	dir, err := getWorkDir()
	if err != nil {
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("resolving work dir: %w", err))
	}

	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}

	wf, err := workflow.ParseFile(resumeWorkflowFile)
	if err != nil {
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("parsing workflow: %w", err))
	}
	if err := workflow.ValidateGraph(wf); err != nil {
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("invalid workflow: %w", err))
	}
	if wf.ID != workflowID {
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("workflow file declares id %q, does not match resume target %q", wf.ID, workflowID))
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

	report, runErr := eng.Run(c.Context(), true)
	return reportOutcome(wf, report, runErr)
}
