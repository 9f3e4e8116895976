package types

import (
	"fmt"
	"sort"
	"time"
)

// ArtifactStatus is the lifecycle state of an artifact (spec.md §3).
type ArtifactStatus string

const (
	ArtifactPending  ArtifactStatus = "pending"
	ArtifactComplete ArtifactStatus = "complete"
	ArtifactFailed   ArtifactStatus = "failed"
	ArtifactMissing  ArtifactStatus = "missing"
)

// Artifact is a named, filesystem-addressable step output (spec.md §3).
type Artifact struct {
	Name      string         `json:"name"`
	Path      string         `json:"path"`
	Status    ArtifactStatus `json:"status"`
	CreatedBy string         `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
	Checksum  string         `json:"checksum,omitempty"`
	// Version increments every time a loopback supersedes this artifact.
	Version int `json:"version"`
}

// StepExecutionStatus is the terminal/non-terminal status of one attempt.
type StepExecutionStatus string

const (
	ExecRunning   StepExecutionStatus = "running"
	ExecCompleted StepExecutionStatus = "completed"
	ExecFailed    StepExecutionStatus = "failed"
	ExecTimeout   StepExecutionStatus = "timeout"
	ExecCancelled StepExecutionStatus = "cancelled"
	ExecSkipped   StepExecutionStatus = "skipped"
)

// ExecError captures a classified failure (spec.md §3, §7).
type ExecError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StepExecution is one append-only event describing a single attempt of a
// step (spec.md §3). The event log is a sequence of these plus workflow-
// level events (see Event in event.go).
type StepExecution struct {
	StepID        string              `json:"step_id"`
	AttemptNumber int                 `json:"attempt_number"`
	StartedAt     time.Time           `json:"started_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	Status        StepExecutionStatus `json:"status"`
	Duration      time.Duration       `json:"duration,omitempty"`
	Error         *ExecError          `json:"error,omitempty"`
	Metrics       map[string]float64  `json:"metrics,omitempty"`
	WorktreePath  string              `json:"worktree_path,omitempty"`
}

// WorkflowStatus is the top-level lifecycle state of a workflow run
// (spec.md §3, §4.7 state machine).
type WorkflowStatus string

const (
	StatusInitialized WorkflowStatus = "initialized"
	StatusRunning      WorkflowStatus = "running"
	StatusPaused       WorkflowStatus = "paused"
	StatusCompleted    WorkflowStatus = "completed"
	StatusFailed       WorkflowStatus = "failed"
	StatusBlocked      WorkflowStatus = "blocked"
	StatusCancelled    WorkflowStatus = "cancelled"
)

// IsTerminal reports whether a status is final (completed or failed; per
// spec.md §4.7 these are the only two true terminal states, though blocked
// and cancelled also stop the run loop).
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsHalted reports whether the engine loop should stop for any reason
// (terminal, blocked, or cancelled).
func (s WorkflowStatus) IsHalted() bool {
	return s.IsTerminal() || s == StatusBlocked || s == StatusCancelled
}

// WorkflowState is the full, reconstructible state of a workflow run
// (spec.md §3). It is never constructed directly by callers other than
// the state store; it is the result of replaying the event log atop the
// last snapshot.
type WorkflowState struct {
	WorkflowID    string         `json:"workflow_id"`
	SchemaVersion int            `json:"schema_version"`
	Status        WorkflowStatus `json:"status"`

	CompletedSteps map[string]bool `json:"completed_steps"`
	FailedSteps    map[string]bool `json:"failed_steps"`
	RunningSteps   map[string]bool `json:"running_steps"`

	Artifacts map[string]*Artifact `json:"artifacts"`

	StepExecutions []*StepExecution `json:"step_executions"`

	Variables map[string]any `json:"variables,omitempty"`

	LoopbackCounters map[string]int `json:"loopback_counters,omitempty"`

	// LastError records the most recent fatal/step error for reporting
	// (spec.md §7 "User-visible failure behavior").
	LastError *ExecError `json:"last_error,omitempty"`
	LastFailedStep string `json:"last_failed_step,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// LastSequence is the sequence number of the last event folded into
	// this state, letting the state store resume replay from a snapshot
	// without re-reading the whole event log.
	LastSequence int64 `json:"last_sequence"`
}

// NewWorkflowState creates the zero-value state for a freshly initialized
// workflow run.
func NewWorkflowState(workflowID string, schemaVersion int) *WorkflowState {
	now := time.Now()
	return &WorkflowState{
		WorkflowID:       workflowID,
		SchemaVersion:    schemaVersion,
		Status:           StatusInitialized,
		CompletedSteps:   make(map[string]bool),
		FailedSteps:      make(map[string]bool),
		RunningSteps:     make(map[string]bool),
		Artifacts:        make(map[string]*Artifact),
		Variables:        make(map[string]any),
		LoopbackCounters: make(map[string]int),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Clone returns a deep-enough copy suitable for snapshotting or for
// read-only inspection by concurrent readers (spec.md §4.2 concurrency).
func (s *WorkflowState) Clone() *WorkflowState {
	clone := *s
	clone.CompletedSteps = cloneBoolMap(s.CompletedSteps)
	clone.FailedSteps = cloneBoolMap(s.FailedSteps)
	clone.RunningSteps = cloneBoolMap(s.RunningSteps)
	clone.LoopbackCounters = make(map[string]int, len(s.LoopbackCounters))
	for k, v := range s.LoopbackCounters {
		clone.LoopbackCounters[k] = v
	}
	clone.Variables = make(map[string]any, len(s.Variables))
	for k, v := range s.Variables {
		clone.Variables[k] = v
	}
	clone.Artifacts = make(map[string]*Artifact, len(s.Artifacts))
	for k, v := range s.Artifacts {
		a := *v
		clone.Artifacts[k] = &a
	}
	clone.StepExecutions = make([]*StepExecution, len(s.StepExecutions))
	for i, e := range s.StepExecutions {
		ev := *e
		clone.StepExecutions[i] = &ev
	}
	return &clone
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ValidateInvariants checks the invariants of spec.md §3 against the
// current state. Called by the state store on every load.
func (s *WorkflowState) ValidateInvariants() error {
	for name, a := range s.Artifacts {
		if a.Status == ArtifactComplete && !s.CompletedSteps[a.CreatedBy] {
			return fmt.Errorf("invariant violated: artifact %q created_by %q not in completed_steps", name, a.CreatedBy)
		}
	}
	for id := range s.CompletedSteps {
		if s.FailedSteps[id] {
			return fmt.Errorf("invariant violated: step %q is both completed and failed", id)
		}
	}
	return nil
}

// RunningStepIDs returns the running step IDs sorted for deterministic
// output.
func (s *WorkflowState) RunningStepIDs() []string {
	ids := make([]string, 0, len(s.RunningSteps))
	for id := range s.RunningSteps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LatestExecution returns the most recent StepExecution event for a step,
// or nil if the step has never been attempted.
func (s *WorkflowState) LatestExecution(stepID string) *StepExecution {
	var latest *StepExecution
	for _, e := range s.StepExecutions {
		if e.StepID != stepID {
			continue
		}
		if latest == nil || e.AttemptNumber > latest.AttemptNumber {
			latest = e
		}
	}
	return latest
}
