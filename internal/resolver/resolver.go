// Package resolver implements dependency-based step scheduling: which
// steps are ready to run given the current WorkflowState, and, when none
// are, why the workflow is blocked. Grounded on the teacher's
// Step.IsReady/Run.GetReadySteps deterministic-order pattern, generalized
// from step-id "needs" edges to artifact "requires"/"creates" edges.
package resolver

import (
	"sort"

	"github.com/sdlcflow/sdlcflow/internal/types"
)

// BlockedReason explains why a single step cannot run yet.
type BlockedReason struct {
	StepID         string   `json:"step_id"`
	MissingInputs  []string `json:"missing_inputs"`
	LoopbackBudget bool     `json:"loopback_budget_exhausted,omitempty"`
}

// BlockReport diagnoses a workflow with no ready steps and no running
// steps — a genuine deadlock rather than steps merely in flight.
type BlockReport struct {
	Reasons []BlockedReason `json:"reasons"`
}

// FindReady returns the steps whose requires are all satisfied by complete
// artifacts, that are not already completed, failed, or currently
// running, in stable step-id order.
func FindReady(wf *types.Workflow, state *types.WorkflowState) []*types.Step {
	var ready []*types.Step
	for _, step := range wf.Steps {
		if isEligible(step, wf, state) && requiresSatisfied(step, state) {
			ready = append(ready, step)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// isEligible reports whether a step is in a state where it could run —
// i.e. not already completed, not currently running, and not marked
// failed. Retries happen inside the executor, so a step lands in
// FailedSteps only after its retry budget is spent.
func isEligible(step *types.Step, wf *types.Workflow, state *types.WorkflowState) bool {
	if state.CompletedSteps[step.ID] {
		return false
	}
	if state.RunningSteps[step.ID] {
		return false
	}
	if state.FailedSteps[step.ID] {
		// Only a step_started or step_succeeded event removes a step from
		// FailedSteps; loopback_triggered does not, so a failed step stays
		// ineligible.
		return false
	}
	return true
}

// requiresSatisfied reports whether every artifact step.Requires names is
// present in state.Artifacts with status complete.
func requiresSatisfied(step *types.Step, state *types.WorkflowState) bool {
	for _, name := range step.Requires {
		a, ok := state.Artifacts[name]
		if !ok || a.Status != types.ArtifactComplete {
			return false
		}
	}
	return true
}

// DiagnoseBlock explains, for every step not yet completed, which artifacts
// it is still waiting on. Called by the engine when FindReady returns empty
// and no step is running, to produce a user-facing BlockReport instead of
// silently hanging.
func DiagnoseBlock(wf *types.Workflow, state *types.WorkflowState) *BlockReport {
	report := &BlockReport{}
	for _, step := range wf.Steps {
		if state.CompletedSteps[step.ID] || state.RunningSteps[step.ID] {
			continue
		}
		var missing []string
		for _, name := range step.Requires {
			a, ok := state.Artifacts[name]
			if !ok || a.Status != types.ArtifactComplete {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 || state.FailedSteps[step.ID] {
			reason := BlockedReason{StepID: step.ID, MissingInputs: missing}
			if state.FailedSteps[step.ID] {
				reason.LoopbackBudget = state.LoopbackCounters[step.ID] >= wf.Config.MaxLoopback
			}
			report.Reasons = append(report.Reasons, reason)
		}
	}
	sort.Slice(report.Reasons, func(i, j int) bool {
		return report.Reasons[i].StepID < report.Reasons[j].StepID
	})
	return report
}

// AllDone reports whether every step in the workflow is completed.
func AllDone(wf *types.Workflow, state *types.WorkflowState) bool {
	for _, step := range wf.Steps {
		if !state.CompletedSteps[step.ID] {
			return false
		}
	}
	return true
}
