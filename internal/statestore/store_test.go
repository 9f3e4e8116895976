package statestore

import (
	"os"
	"testing"
	"time"

	"github.com/sdlcflow/sdlcflow/internal/types"
)

func testPolicy() CheckpointPolicy {
	return CheckpointPolicy{Mode: "every_step"}
}

func TestStore_InitAndAppend(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "wf-1", testPolicy(), 5)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	now := time.Now()
	state, err := store.Init(1, now)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if state.Status != types.StatusRunning {
		t.Errorf("Status = %s, want running", state.Status)
	}

	state, err = store.Append(state, &types.Event{
		Kind:      types.EventStepStarted,
		Timestamp: now,
		StepID:    "plan",
		Payload:   map[string]any{"attempt_number": 1},
	})
	if err != nil {
		t.Fatalf("Append (started) failed: %v", err)
	}
	if !state.RunningSteps["plan"] {
		t.Error("expected plan to be running")
	}

	state, err = store.Append(state, &types.Event{
		Kind:      types.EventStepSucceeded,
		Timestamp: now.Add(time.Second),
		StepID:    "plan",
	})
	if err != nil {
		t.Fatalf("Append (succeeded) failed: %v", err)
	}
	if state.RunningSteps["plan"] {
		t.Error("expected plan to no longer be running")
	}
	if !state.CompletedSteps["plan"] {
		t.Error("expected plan to be completed")
	}
	if len(state.StepExecutions) != 1 {
		t.Fatalf("len(StepExecutions) = %d, want 1", len(state.StepExecutions))
	}
	if state.StepExecutions[0].Status != types.ExecCompleted {
		t.Errorf("execution status = %s, want completed", state.StepExecutions[0].Status)
	}
}

func TestStore_LoadReplaysFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "wf-2", testPolicy(), 5)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	now := time.Now()
	state, err := store.Init(1, now)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	state, err = store.Append(state, &types.Event{Kind: types.EventStepStarted, Timestamp: now, StepID: "a"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	state, err = store.Append(state, &types.Event{Kind: types.EventStepSucceeded, Timestamp: now, StepID: "a"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !loaded.CompletedSteps["a"] {
		t.Error("expected step a to be completed after reload")
	}
	if loaded.LastSequence != state.LastSequence {
		t.Errorf("LastSequence = %d, want %d", loaded.LastSequence, state.LastSequence)
	}
}

func TestStore_CheckpointGatesOnlyPolicy(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "wf-3", CheckpointPolicy{Mode: "gates_only"}, 5)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	now := time.Now()
	state, err := store.Init(1, now)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	state, err = store.Append(state, &types.Event{Kind: types.EventStepStarted, Timestamp: now, StepID: "a"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	reloaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// No snapshot yet (gates_only didn't fire), so Load falls back to a full
	// replay from the event log and should still reflect the running step.
	if !reloaded.RunningSteps["a"] {
		t.Error("expected step a to be running after full-log replay")
	}
}

func TestStore_LockPreventsSecondAcquire(t *testing.T) {
	dir := t.TempDir()
	store1, err := Open(dir, "wf-4", testPolicy(), 5)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store1.AcquireLock(); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer store1.ReleaseLock()

	store2, err := Open(dir, "wf-4", testPolicy(), 5)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store2.AcquireLock(); err == nil {
		t.Error("expected second AcquireLock to fail while first holds the lock")
	}
}

func TestReadLockPID_ReadsHeldLockPID(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "wf-5", testPolicy(), 5)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.AcquireLock(); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer store.ReleaseLock()

	pid, err := ReadLockPID(dir, "wf-5")
	if err != nil {
		t.Fatalf("ReadLockPID failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("ReadLockPID = %d, want %d", pid, os.Getpid())
	}
}

func TestReadLockPID_MissingLockFileErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := ReadLockPID(dir, "wf-never-run"); err == nil {
		t.Error("expected error reading lock file for a workflow that never ran")
	}
}

func TestApply_LoopbackTriggeredResetsCompletion(t *testing.T) {
	state := types.NewWorkflowState("wf", 1)
	state.CompletedSteps["implement"] = true
	state.CompletedSteps["test"] = true
	state.RunningSteps["review"] = true

	next := Apply(state, &types.Event{
		Kind:   types.EventLoopbackTriggered,
		StepID: "review",
		Payload: map[string]any{
			"target_step":       "implement",
			"invalidated_steps": []any{"test"},
		},
	})

	if next.CompletedSteps["implement"] {
		t.Error("expected implement to be un-completed by loopback")
	}
	if next.CompletedSteps["test"] {
		t.Error("expected test to be un-completed by loopback")
	}
	if next.LoopbackCounters["implement"] != 1 {
		t.Errorf("LoopbackCounters[implement] = %d, want 1", next.LoopbackCounters["implement"])
	}
	if next.RunningSteps["review"] {
		t.Error("expected the gate step itself to be cleared from RunningSteps so it can re-run")
	}
}
