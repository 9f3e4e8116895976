package status

import (
	"strings"
	"testing"
	"time"

	"github.com/sdlcflow/sdlcflow/internal/resolver"
	"github.com/sdlcflow/sdlcflow/internal/types"
)

func TestRender_IncludesWorkflowIDAndStatus(t *testing.T) {
	s := &Summary{
		WorkflowID: "wf-test",
		Status:     types.StatusRunning,
		CreatedAt:  time.Now().Add(-time.Hour),
		UpdatedAt:  time.Now(),
		StepStats:  StepStats{Total: 3, Completed: 1, Running: 1, Pending: 1},
	}
	out := Render(s)
	if !strings.Contains(out, "wf-test") {
		t.Errorf("Render output missing workflow ID: %q", out)
	}
	if !strings.Contains(out, "running") {
		t.Errorf("Render output missing status: %q", out)
	}
	if !strings.Contains(out, "1/3 steps") {
		t.Errorf("Render output missing progress: %q", out)
	}
}

func TestRender_ShowsBlockedReasons(t *testing.T) {
	s := &Summary{
		WorkflowID: "wf-blocked",
		Status:     types.StatusBlocked,
		StepStats:  StepStats{Total: 1, Pending: 1},
		BlockedOn: &resolver.BlockReport{Reasons: []resolver.BlockedReason{
			{StepID: "implement", MissingInputs: []string{"spec"}},
		}},
	}
	out := Render(s)
	if !strings.Contains(out, "implement") || !strings.Contains(out, "spec") {
		t.Errorf("Render output missing blocked reason: %q", out)
	}
}

func TestRender_ShowsLastError(t *testing.T) {
	s := &Summary{
		WorkflowID:     "wf-fail",
		Status:         types.StatusFailed,
		StepStats:      StepStats{Total: 1, Failed: 1},
		LastFailedStep: "implement",
		LastError:      "boom",
	}
	out := Render(s)
	if !strings.Contains(out, "implement") || !strings.Contains(out, "boom") {
		t.Errorf("Render output missing last error: %q", out)
	}
}

func TestRenderLine_IsSingleLine(t *testing.T) {
	s := &Summary{
		WorkflowID: "wf-test",
		Status:     types.StatusCompleted,
		UpdatedAt:  time.Now(),
		StepStats:  StepStats{Total: 3, Completed: 3},
	}
	line := RenderLine(s)
	if strings.Contains(line, "\n") {
		t.Errorf("RenderLine should be single-line, got %q", line)
	}
	if !strings.Contains(line, "wf-test") {
		t.Errorf("RenderLine missing workflow ID: %q", line)
	}
}

func TestProgressBar_ClampsAndSizes(t *testing.T) {
	bar := progressBar(2, 4, 10)
	if bar == "" {
		t.Fatal("expected non-empty progress bar")
	}
	if progressBar(0, 0, 10) == "" {
		t.Error("zero-total progress bar should still render empty cells")
	}
	if progressBar(1, 1, 0) != "" {
		t.Error("zero-width progress bar should be empty")
	}
}
