package cmd

import (
	"errors"
	"testing"

	"github.com/sdlcflow/sdlcflow/internal/orchestrator"
	"github.com/sdlcflow/sdlcflow/internal/types"
)

func TestExitErr_WrapsCodeAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := exitErr(orchestrator.ExitDependencyBlocked, cause)

	var ec *exitCodeError
	if !errors.As(err, &ec) {
		t.Fatalf("expected *exitCodeError, got %T", err)
	}
	if ec.code != orchestrator.ExitDependencyBlocked {
		t.Errorf("code = %d, want %d", ec.code, orchestrator.ExitDependencyBlocked)
	}
	if !errors.Is(err, cause) {
		t.Error("expected exitErr to unwrap to cause")
	}
	if err.Error() != cause.Error() {
		t.Errorf("Error() = %q, want %q", err.Error(), cause.Error())
	}
}

func TestExitErr_NilErrorStaysNil(t *testing.T) {
	if err := exitErr(orchestrator.ExitConfigError, nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestSyntheticWorkflow_CollectsEveryTouchedStepOnce(t *testing.T) {
	state := types.NewWorkflowState("wf-1", 1)
	state.CompletedSteps["plan"] = true
	state.RunningSteps["implement"] = true
	state.FailedSteps["test"] = true
	state.StepExecutions = append(state.StepExecutions, types.StepExecution{StepID: "plan"})

	wf := syntheticWorkflow(state)

	if wf.ID != "wf-1" {
		t.Errorf("ID = %q, want wf-1", wf.ID)
	}
	if len(wf.Steps) != 3 {
		t.Fatalf("len(Steps) = %d, want 3 (plan, implement, test deduped)", len(wf.Steps))
	}
	seen := make(map[string]bool)
	for _, s := range wf.Steps {
		seen[s.ID] = true
	}
	for _, want := range []string{"plan", "implement", "test"} {
		if !seen[want] {
			t.Errorf("expected synthetic workflow to include step %q", want)
		}
	}
}
