package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/sdlcflow/sdlcflow/internal/config"
	"github.com/sdlcflow/sdlcflow/internal/errors"
	"github.com/sdlcflow/sdlcflow/internal/eventbus"
	"github.com/sdlcflow/sdlcflow/internal/handler"
	"github.com/sdlcflow/sdlcflow/internal/logging"
	"github.com/sdlcflow/sdlcflow/internal/orchestrator"
	"github.com/sdlcflow/sdlcflow/internal/statestore"
	"github.com/sdlcflow/sdlcflow/internal/status"
	"github.com/sdlcflow/sdlcflow/internal/types"
	"github.com/sdlcflow/sdlcflow/internal/worktree"
)

// buildLogger sets up a run-scoped logger that tees to both stderr and
// the workflow's run log file, per the teacher's daemon-mode logging
// split (console + persistent log) adapted to a foreground CLI.
func buildLogger(cfg *config.Config, dir, runID string) (*slog.Logger, io.Closer, error) {
	return logging.NewForRun(cfg, dir, runID)
}

// reportOutcome prints a human-readable status render for the finished
// run and translates the Engine's outcome into the process exit code
// spec.md §6 promises: 0 completed, 1 failed, 2 blocked, 3 cancelled, 4
// configuration error.
func reportOutcome(wf *types.Workflow, report *orchestrator.Report, runErr error) error {
	if report == nil {
		return exitErr(orchestrator.ExitConfigError, runErr)
	}

	summary := status.NewSummary(wf, report.State, report.BlockedOn)
	fmt.Println(status.Render(summary))

	if runErr == nil && report.ExitCode == orchestrator.ExitSuccess {
		return nil
	}
	if runErr != nil && errors.KindOf(runErr) == errors.KindCancellation {
		return exitErr(orchestrator.ExitCancelled, runErr)
	}
	if runErr == nil {
		runErr = fmt.Errorf("workflow %s did not complete (exit code %d)", report.State.WorkflowID, report.ExitCode)
	}
	return exitErr(report.ExitCode, runErr)
}

// buildEngine wires a ready-to-Run Engine from a parsed workflow and
// operator config: opens the state store, a worktree manager (always
// created; worktree.NewManager uses `git worktree` when dir is a git
// repository and falls back to plain copies otherwise), and a
// default handler registry covering spec.md §4.5's built-in SDLC agent
// identifiers via DynamicShellHandler.
func buildEngine(dir string, cfg *config.Config, wf *types.Workflow, logger *slog.Logger) (*orchestrator.Engine, *statestore.Store, error) {
	store, err := statestore.Open(
		cfg.StateDir(dir),
		wf.ID,
		statestore.CheckpointPolicy{
			Mode:     string(cfg.Orchestrator.CheckpointMode),
			EveryN:   cfg.Orchestrator.CheckpointEveryN,
			Interval: cfg.Orchestrator.CheckpointInterval,
		},
		cfg.Orchestrator.HistoryRetention,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("opening state store: %w", err)
	}

	wm, err := worktree.NewManager(cfg.WorktreeDir(dir), dir)
	if err != nil {
		return nil, nil, fmt.Errorf("creating worktree manager: %w", err)
	}

	registry := handler.NewDefaultRegistry()

	eng := orchestrator.New(orchestrator.Config{
		Workflow:     wf,
		Store:        store,
		Worktrees:    wm,
		Dispatch:     registry.Dispatch,
		Bus:          eventbus.New(),
		Logger:       logger,
		ArtifactRoot: dir,
		PollInterval: cfg.Orchestrator.PollInterval,
		MaxParallel:  cfg.Execution.MaxParallel,
	})
	return eng, store, nil
}
