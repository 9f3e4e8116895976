package artifact

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sdlcflow/sdlcflow/internal/types"
)

// RenderManifest produces a richer markdown summary than the state
// store's own checkpoint-time manifest: one section per declared step
// (agent, action, status, artifacts so far), in workflow-definition
// order. The store's manifest is state-only, by design, since
// internal/statestore has no dependency on the parsed Workflow; this
// variant is for callers that hold both. The CLI does not call it.
func RenderManifest(wf *types.Workflow, state *types.WorkflowState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", wf.ID)
	fmt.Fprintf(&b, "Status: %s\n\n", state.Status)

	producedBy := make(map[string][]*types.Artifact)
	for _, a := range state.Artifacts {
		producedBy[a.CreatedBy] = append(producedBy[a.CreatedBy], a)
	}

	for _, step := range wf.Steps {
		fmt.Fprintf(&b, "## %s\n\n", step.ID)
		fmt.Fprintf(&b, "- agent: %s\n", step.Agent)
		fmt.Fprintf(&b, "- action: %s\n", step.Action)
		fmt.Fprintf(&b, "- status: %s\n", stepStatus(step.ID, state))

		artifacts := producedBy[step.ID]
		sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Name < artifacts[j].Name })
		if len(artifacts) > 0 {
			b.WriteString("- artifacts:\n")
			for _, a := range artifacts {
				fmt.Fprintf(&b, "  - %s: %s (%s)\n", a.Name, a.Path, a.Status)
			}
		}
		b.WriteString("\n")
	}

	return b.String()
}

func stepStatus(stepID string, state *types.WorkflowState) string {
	switch {
	case state.CompletedSteps[stepID]:
		return "completed"
	case state.RunningSteps[stepID]:
		return "running"
	case state.FailedSteps[stepID]:
		return "failed"
	default:
		return "pending"
	}
}
