package statestore

import (
	"time"

	"github.com/sdlcflow/sdlcflow/internal/types"
)

// Apply folds one event into state, returning a new WorkflowState. It never
// mutates its input — callers hold a reference to the pre-apply state (e.g.
// for diagnostics) and the event log must be replayable deterministically,
// so Apply never reads the wall clock; timestamps come from the event.
func Apply(state *types.WorkflowState, ev *types.Event) *types.WorkflowState {
	next := state.Clone()
	next.LastSequence = ev.Sequence
	next.UpdatedAt = ev.Timestamp

	switch ev.Kind {
	case types.EventWorkflowInitialized:
		next.Status = types.StatusRunning

	case types.EventStepStarted:
		next.RunningSteps[ev.StepID] = true
		delete(next.FailedSteps, ev.StepID)
		next.StepExecutions = append(next.StepExecutions, &types.StepExecution{
			StepID:        ev.StepID,
			AttemptNumber: attemptFromPayload(ev.Payload),
			StartedAt:     ev.Timestamp,
			Status:        types.ExecRunning,
			WorktreePath:  stringFromPayload(ev.Payload, "worktree_path"),
		})

	case types.EventStepRetrying:
		// Step remains in RunningSteps across a retry; nothing to flip.

	case types.EventStepSucceeded:
		delete(next.RunningSteps, ev.StepID)
		next.CompletedSteps[ev.StepID] = true
		delete(next.FailedSteps, ev.StepID)
		completeLatestExecution(next, ev, types.ExecCompleted, nil)

	case types.EventStepFailed:
		delete(next.RunningSteps, ev.StepID)
		next.FailedSteps[ev.StepID] = true
		next.LastFailedStep = ev.StepID
		var execErr *types.ExecError
		if kind, ok := ev.Payload["error_kind"].(string); ok {
			msg, _ := ev.Payload["error_message"].(string)
			execErr = &types.ExecError{Kind: kind, Message: msg}
			next.LastError = execErr
		}
		status := types.ExecFailed
		if s, ok := ev.Payload["exec_status"].(string); ok {
			status = types.StepExecutionStatus(s)
		}
		completeLatestExecution(next, ev, status, execErr)

	case types.EventArtifactRegistered:
		a := artifactFromPayload(ev.Payload, ev.Timestamp)
		next.Artifacts[a.Name] = a

	case types.EventArtifactInvalidated:
		if name, ok := ev.Payload["name"].(string); ok {
			if a, exists := next.Artifacts[name]; exists {
				invalidated := *a
				invalidated.Status = types.ArtifactPending
				invalidated.Version++
				next.Artifacts[name] = &invalidated
			}
		}

	case types.EventGatePassed:
		// No state mutation beyond the audit trail; the step that hosts the
		// gate is marked complete via a separate step_succeeded event.

	case types.EventGateFailed:
		// Loopback counters are bumped by EventLoopbackTriggered, which
		// follows a gate_failed in the same batch unless the target's
		// loopback budget is already spent.

	case types.EventLoopbackTriggered:
		// The gate step itself was marked running by its own step_started
		// event; since it loops back instead of succeeding or failing, no
		// later event would otherwise clear that entry, and resolver
		// eligibility excludes anything still in RunningSteps. Clear it here
		// so the gate step becomes re-eligible once its target re-produces
		// what the gate consumes.
		delete(next.RunningSteps, ev.StepID)
		if target, ok := ev.Payload["target_step"].(string); ok {
			next.LoopbackCounters[target]++
			delete(next.CompletedSteps, target)
			if invalidated, ok := ev.Payload["invalidated_steps"].([]any); ok {
				for _, v := range invalidated {
					if id, ok := v.(string); ok {
						delete(next.CompletedSteps, id)
					}
				}
			}
		}

	case types.EventBatchCompleted:
		// Informational only; no state to mutate beyond what step-level
		// events already recorded.

	case types.EventWorkflowStatus:
		if status, ok := ev.Payload["status"].(string); ok {
			next.Status = types.WorkflowStatus(status)
		}

	case types.EventCheckpointWritten:
		// Marker event for audit trails; the snapshot itself is what the
		// checkpoint wrote, not a state mutation.
	}

	return next
}

func attemptFromPayload(payload map[string]any) int {
	if v, ok := payload["attempt_number"].(float64); ok {
		return int(v)
	}
	if v, ok := payload["attempt_number"].(int); ok {
		return v
	}
	return 1
}

func stringFromPayload(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

// completeLatestExecution finds the most recent running StepExecution for
// ev.StepID and marks it terminal in place. Replay is deterministic because
// it only ever touches the execution appended by the matching step_started
// event earlier in the same log.
func completeLatestExecution(state *types.WorkflowState, ev *types.Event, status types.StepExecutionStatus, execErr *types.ExecError) {
	for i := len(state.StepExecutions) - 1; i >= 0; i-- {
		se := state.StepExecutions[i]
		if se.StepID != ev.StepID || se.Status != types.ExecRunning {
			continue
		}
		completedAt := ev.Timestamp
		updated := *se
		updated.CompletedAt = &completedAt
		updated.Status = status
		updated.Duration = completedAt.Sub(se.StartedAt)
		updated.Error = execErr
		if metrics, ok := ev.Payload["metrics"].(map[string]any); ok {
			updated.Metrics = make(map[string]float64, len(metrics))
			for k, v := range metrics {
				if f, ok := v.(float64); ok {
					updated.Metrics[k] = f
				}
			}
		}
		state.StepExecutions[i] = &updated
		return
	}
}

func artifactFromPayload(payload map[string]any, fallbackTime time.Time) *types.Artifact {
	a := &types.Artifact{
		Status:    types.ArtifactComplete,
		CreatedAt: fallbackTime,
	}
	if v, ok := payload["name"].(string); ok {
		a.Name = v
	}
	if v, ok := payload["path"].(string); ok {
		a.Path = v
	}
	if v, ok := payload["created_by"].(string); ok {
		a.CreatedBy = v
	}
	if v, ok := payload["checksum"].(string); ok {
		a.Checksum = v
	}
	if v, ok := payload["status"].(string); ok {
		a.Status = types.ArtifactStatus(v)
	}
	return a
}
