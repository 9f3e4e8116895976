package resolver

import (
	"testing"

	"github.com/sdlcflow/sdlcflow/internal/types"
)

func testWorkflow() *types.Workflow {
	return &types.Workflow{
		ID:     "wf",
		Config: types.DefaultConfig(),
		Steps: []*types.Step{
			{ID: "plan", Agent: "planner", Action: "plan", Creates: []string{"spec"}},
			{ID: "implement", Agent: "coder", Action: "implement", Requires: []string{"spec"}, Creates: []string{"diff"}},
			{ID: "test", Agent: "coder", Action: "test", Requires: []string{"diff"}, Creates: []string{"report"}},
			{ID: "review", Agent: "reviewer", Action: "review", Requires: []string{"report"}},
		},
	}
}

func completeArtifact(name, createdBy string) *types.Artifact {
	return &types.Artifact{Name: name, Status: types.ArtifactComplete, CreatedBy: createdBy}
}

func TestFindReady_InitialStateOnlyRootStepReady(t *testing.T) {
	wf := testWorkflow()
	state := types.NewWorkflowState("wf", 1)

	ready := FindReady(wf, state)
	if len(ready) != 1 || ready[0].ID != "plan" {
		t.Fatalf("FindReady = %v, want [plan]", stepIDs(ready))
	}
}

func TestFindReady_UnlocksDownstreamAsArtifactsComplete(t *testing.T) {
	wf := testWorkflow()
	state := types.NewWorkflowState("wf", 1)
	state.CompletedSteps["plan"] = true
	state.Artifacts["spec"] = completeArtifact("spec", "plan")

	ready := FindReady(wf, state)
	if len(ready) != 1 || ready[0].ID != "implement" {
		t.Fatalf("FindReady = %v, want [implement]", stepIDs(ready))
	}
}

func TestFindReady_ExcludesRunningAndCompleted(t *testing.T) {
	wf := testWorkflow()
	state := types.NewWorkflowState("wf", 1)
	state.CompletedSteps["plan"] = true
	state.Artifacts["spec"] = completeArtifact("spec", "plan")
	state.RunningSteps["implement"] = true

	ready := FindReady(wf, state)
	if len(ready) != 0 {
		t.Fatalf("FindReady = %v, want none (implement is running)", stepIDs(ready))
	}
}

func TestFindReady_ExcludesFailedStep(t *testing.T) {
	wf := testWorkflow()
	state := types.NewWorkflowState("wf", 1)
	state.CompletedSteps["plan"] = true
	state.Artifacts["spec"] = completeArtifact("spec", "plan")
	state.FailedSteps["implement"] = true

	ready := FindReady(wf, state)
	if len(ready) != 0 {
		t.Fatalf("FindReady = %v, want none (implement has failed)", stepIDs(ready))
	}
}

func TestFindReady_StableSortByStepID(t *testing.T) {
	wf := &types.Workflow{
		ID: "wf",
		Steps: []*types.Step{
			{ID: "zeta", Agent: "a", Action: "x"},
			{ID: "alpha", Agent: "a", Action: "x"},
			{ID: "mid", Agent: "a", Action: "x"},
		},
	}
	state := types.NewWorkflowState("wf", 1)

	ready := FindReady(wf, state)
	got := stepIDs(ready)
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("FindReady order = %v, want %v", got, want)
		}
	}
}

func TestDiagnoseBlock_ReportsMissingInputs(t *testing.T) {
	wf := testWorkflow()
	state := types.NewWorkflowState("wf", 1)
	state.CompletedSteps["plan"] = true
	state.Artifacts["spec"] = completeArtifact("spec", "plan")
	state.RunningSteps["implement"] = true // in flight, so not "blocked"

	report := DiagnoseBlock(wf, state)
	var testReason *BlockedReason
	for i := range report.Reasons {
		if report.Reasons[i].StepID == "test" {
			testReason = &report.Reasons[i]
		}
		if report.Reasons[i].StepID == "implement" {
			t.Error("running step should not appear in block report")
		}
	}
	if testReason == nil {
		t.Fatal("expected a block reason for step test")
	}
	if len(testReason.MissingInputs) != 1 || testReason.MissingInputs[0] != "diff" {
		t.Errorf("MissingInputs = %v, want [diff]", testReason.MissingInputs)
	}
}

func TestDiagnoseBlock_FlagsLoopbackBudgetExhausted(t *testing.T) {
	wf := testWorkflow()
	wf.Config.MaxLoopback = 2
	state := types.NewWorkflowState("wf", 1)
	state.CompletedSteps["plan"] = true
	state.Artifacts["spec"] = completeArtifact("spec", "plan")
	state.FailedSteps["implement"] = true
	state.LoopbackCounters["implement"] = 2

	report := DiagnoseBlock(wf, state)
	var reason *BlockedReason
	for i := range report.Reasons {
		if report.Reasons[i].StepID == "implement" {
			reason = &report.Reasons[i]
		}
	}
	if reason == nil {
		t.Fatal("expected a block reason for step implement")
	}
	if !reason.LoopbackBudget {
		t.Error("expected LoopbackBudget to be true at max_loopback")
	}
}

func TestAllDone(t *testing.T) {
	wf := testWorkflow()
	state := types.NewWorkflowState("wf", 1)
	if AllDone(wf, state) {
		t.Fatal("AllDone true on fresh state")
	}
	for _, s := range wf.Steps {
		state.CompletedSteps[s.ID] = true
	}
	if !AllDone(wf, state) {
		t.Fatal("AllDone false when every step completed")
	}
}

func stepIDs(steps []*types.Step) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}
