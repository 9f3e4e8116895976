// Package status turns a WorkflowState into a displayable summary and
// renders it for the CLI's `status` command, grounded on Raven's
// lipgloss-based TUI styling generalized from a live agent panel to a
// one-shot textual report.
package status

import (
	"sort"
	"time"

	"github.com/sdlcflow/sdlcflow/internal/resolver"
	"github.com/sdlcflow/sdlcflow/internal/types"
)

// Summary is the computed, display-ready view of one workflow run.
type Summary struct {
	WorkflowID string
	Status     types.WorkflowStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time

	StepStats    StepStats
	RunningSteps []RunningStep
	Artifacts    []ArtifactInfo
	BlockedOn    *resolver.BlockReport

	LastError      string
	LastFailedStep string
}

// StepStats tallies step outcomes across the workflow.
type StepStats struct {
	Total     int
	Completed int
	Running   int
	Failed    int
	Pending   int
}

// RunningStep describes one step currently in flight.
type RunningStep struct {
	StepID    string
	Attempt   int
	StartedAt time.Time
	Duration  time.Duration
}

// ArtifactInfo is a compact view of one produced artifact.
type ArtifactInfo struct {
	Name      string
	Status    types.ArtifactStatus
	CreatedBy string
	Version   int
}

// NewSummary computes a Summary from a workflow definition and its current
// state. blocked is optional — callers pass the result of
// resolver.DiagnoseBlock when state.Status is types.StatusBlocked, nil
// otherwise.
func NewSummary(wf *types.Workflow, state *types.WorkflowState, blocked *resolver.BlockReport) *Summary {
	s := &Summary{
		WorkflowID:     state.WorkflowID,
		Status:         state.Status,
		CreatedAt:      state.CreatedAt,
		UpdatedAt:      state.UpdatedAt,
		StepStats:      computeStepStats(wf, state),
		BlockedOn:      blocked,
		LastFailedStep: state.LastFailedStep,
	}
	if state.LastError != nil {
		s.LastError = state.LastError.Message
	}

	for _, id := range state.RunningStepIDs() {
		rs := RunningStep{StepID: id}
		if exec := state.LatestExecution(id); exec != nil {
			rs.Attempt = exec.AttemptNumber
			rs.StartedAt = exec.StartedAt
			rs.Duration = time.Since(exec.StartedAt)
		}
		s.RunningSteps = append(s.RunningSteps, rs)
	}

	names := make([]string, 0, len(state.Artifacts))
	for name := range state.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a := state.Artifacts[name]
		s.Artifacts = append(s.Artifacts, ArtifactInfo{
			Name:      a.Name,
			Status:    a.Status,
			CreatedBy: a.CreatedBy,
			Version:   a.Version,
		})
	}

	return s
}

// computeStepStats classifies every step in wf against state, in that
// precedence: completed, running, failed, else pending.
func computeStepStats(wf *types.Workflow, state *types.WorkflowState) StepStats {
	stats := StepStats{Total: len(wf.Steps)}
	for _, step := range wf.Steps {
		switch {
		case state.CompletedSteps[step.ID]:
			stats.Completed++
		case state.RunningSteps[step.ID]:
			stats.Running++
		case state.FailedSteps[step.ID]:
			stats.Failed++
		default:
			stats.Pending++
		}
	}
	return stats
}
