package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sdlcflow/sdlcflow/internal/orchestrator"
	"github.com/sdlcflow/sdlcflow/internal/resolver"
	"github.com/sdlcflow/sdlcflow/internal/statestore"
	"github.com/sdlcflow/sdlcflow/internal/status"
	"github.com/sdlcflow/sdlcflow/internal/types"
	"github.com/sdlcflow/sdlcflow/internal/workflow"
)

var (
	statusWorkflowFile string
	statusOneLine      bool
)

var statusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Report a workflow's current progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusWorkflowFile, "workflow-file", "", "workflow definition file (enables full step/artifact tallies; omit for a state-only summary)")
	statusCmd.Flags().BoolVar(&statusOneLine, "oneline", false, "print a single-line summary instead of the full report")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(c *cobra.Command, args []string) error {
	workflowID := args[0]

	dir, err := getWorkDir()
	if err != nil {
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("resolving work dir: %w", err))
	}

	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}

	store, err := statestore.Open(cfg.StateDir(dir), workflowID, statestore.CheckpointPolicy{Mode: "manual"}, cfg.Orchestrator.HistoryRetention)
	if err != nil {
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("opening state store: %w", err))
	}

	state, err := store.Load()
	if err != nil {
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("loading workflow state: %w", err))
	}

	var wf *types.Workflow
	if statusWorkflowFile != "" {
		wf, err = workflow.ParseFile(statusWorkflowFile)
		if err != nil {
			return exitErr(orchestrator.ExitConfigError, fmt.Errorf("parsing workflow: %w", err))
		}
	} else {
		wf = syntheticWorkflow(state)
	}

	var blocked *resolver.BlockReport
	if state.Status == types.StatusBlocked {
		blocked = resolver.DiagnoseBlock(wf, state)
	}

	summary := status.NewSummary(wf, state, blocked)
	if statusOneLine {
		fmt.Println(status.RenderLine(summary))
	} else {
		fmt.Println(status.Render(summary))
	}
	return nil
}

// syntheticWorkflow fabricates a minimal *types.Workflow purely as a
// container so NewSummary has something to range over when the caller
// didn't re-supply the workflow definition: one Step per id this state
// has ever touched, with no dependency edges. Step counts derived from
// it undercount any step the workflow defines but has never reached.
func syntheticWorkflow(state *types.WorkflowState) *types.Workflow {
	seen := make(map[string]bool)
	wf := &types.Workflow{ID: state.WorkflowID}
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		wf.Steps = append(wf.Steps, &types.Step{ID: id})
	}
	for id := range state.CompletedSteps {
		add(id)
	}
	for id := range state.FailedSteps {
		add(id)
	}
	for id := range state.RunningSteps {
		add(id)
	}
	for _, exec := range state.StepExecutions {
		add(exec.StepID)
	}
	return wf
}
