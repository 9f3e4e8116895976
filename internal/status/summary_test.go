package status

import (
	"testing"
	"time"

	"github.com/sdlcflow/sdlcflow/internal/resolver"
	"github.com/sdlcflow/sdlcflow/internal/types"
)

func testWorkflow() *types.Workflow {
	return &types.Workflow{
		ID: "wf-test",
		Steps: []*types.Step{
			{ID: "plan", Creates: []string{"spec"}},
			{ID: "implement", Requires: []string{"spec"}, Creates: []string{"diff"}},
			{ID: "test", Requires: []string{"diff"}, Creates: []string{"results"}},
		},
	}
}

func TestNewSummary_TalliesStepStats(t *testing.T) {
	wf := testWorkflow()
	state := types.NewWorkflowState("wf-test", 1)
	state.Status = types.StatusRunning
	state.CompletedSteps["plan"] = true
	state.RunningSteps["implement"] = true
	state.StepExecutions = append(state.StepExecutions, &types.StepExecution{
		StepID: "implement", AttemptNumber: 1, StartedAt: time.Now().Add(-2 * time.Second),
	})
	state.Artifacts["spec"] = &types.Artifact{Name: "spec", Status: types.ArtifactComplete, CreatedBy: "plan", Version: 1}

	s := NewSummary(wf, state, nil)

	if s.WorkflowID != "wf-test" {
		t.Errorf("WorkflowID = %q, want wf-test", s.WorkflowID)
	}
	if s.StepStats.Total != 3 {
		t.Errorf("Total = %d, want 3", s.StepStats.Total)
	}
	if s.StepStats.Completed != 1 {
		t.Errorf("Completed = %d, want 1", s.StepStats.Completed)
	}
	if s.StepStats.Running != 1 {
		t.Errorf("Running = %d, want 1", s.StepStats.Running)
	}
	if s.StepStats.Pending != 1 {
		t.Errorf("Pending = %d, want 1", s.StepStats.Pending)
	}
	if len(s.RunningSteps) != 1 || s.RunningSteps[0].StepID != "implement" {
		t.Fatalf("RunningSteps = %v, want [implement]", s.RunningSteps)
	}
	if len(s.Artifacts) != 1 || s.Artifacts[0].Name != "spec" {
		t.Fatalf("Artifacts = %v, want [spec]", s.Artifacts)
	}
}

func TestNewSummary_FailedStepCounted(t *testing.T) {
	wf := testWorkflow()
	state := types.NewWorkflowState("wf-test", 1)
	state.Status = types.StatusFailed
	state.FailedSteps["implement"] = true
	state.LastFailedStep = "implement"
	state.LastError = &types.ExecError{Kind: "HandlerError.Fatal", Message: "boom"}

	s := NewSummary(wf, state, nil)

	if s.StepStats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", s.StepStats.Failed)
	}
	if s.LastError != "boom" {
		t.Errorf("LastError = %q, want boom", s.LastError)
	}
	if s.LastFailedStep != "implement" {
		t.Errorf("LastFailedStep = %q, want implement", s.LastFailedStep)
	}
}

func TestNewSummary_CarriesBlockReport(t *testing.T) {
	wf := testWorkflow()
	state := types.NewWorkflowState("wf-test", 1)
	state.Status = types.StatusBlocked
	report := &resolver.BlockReport{Reasons: []resolver.BlockedReason{
		{StepID: "implement", MissingInputs: []string{"spec"}},
	}}

	s := NewSummary(wf, state, report)

	if s.BlockedOn == nil || len(s.BlockedOn.Reasons) != 1 {
		t.Fatalf("BlockedOn = %v, want one reason", s.BlockedOn)
	}
}
