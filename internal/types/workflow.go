// Package types defines the core data model of the workflow orchestration
// core: Workflow, Step, Artifact, StepExecution, and WorkflowState.
package types

import (
	"fmt"
	"time"
)

// RetryPolicy controls how a failed, retryable step is re-attempted.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
	BaseDelay   time.Duration `yaml:"base_delay,omitempty"`
	Multiplier  float64       `yaml:"multiplier,omitempty"`
	MaxBackoff  time.Duration `yaml:"max_backoff,omitempty"`
	JitterFrac  float64       `yaml:"jitter_frac,omitempty"` // e.g. 0.1 for ±10%
}

// DefaultRetryPolicy returns the global default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  60 * time.Second,
		JitterFrac:  0.10,
	}
}

// Config holds workflow-level global configuration (spec.md §3).
type Config struct {
	MaxParallel     int           `yaml:"max_parallel,omitempty"`
	DefaultTimeout  time.Duration `yaml:"default_timeout,omitempty"`
	Retry           RetryPolicy   `yaml:"retry,omitempty"`
	MaxLoopback     int           `yaml:"max_loopback_iterations,omitempty"`
	CheckpointEvery int           `yaml:"checkpoint_every,omitempty"` // steps; 0 = every step
}

// DefaultConfig returns the workflow-level defaults used when a workflow
// document omits `config`.
func DefaultConfig() Config {
	return Config{
		MaxParallel:    8,
		DefaultTimeout: 10 * time.Minute,
		Retry:          DefaultRetryPolicy(),
		MaxLoopback:    3,
	}
}

// GateThresholds is a named set of minimum metric values a gate step must
// meet to pass (spec.md §4.7). A threshold of NaN-free float64 is compared
// with `metric >= threshold`.
type GateThresholds map[string]float64

// Gate configures a step as a quality gate.
type Gate struct {
	Thresholds GateThresholds `yaml:"thresholds"`
	// InvalidateTransitively is passed to the engine's loopback
	// invalidation, which un-completes the loopback target and everything
	// downstream of it whether or not this is set; the target's upstream
	// producers are not invalidated (spec.md §9 Open Question #1).
	InvalidateTransitively bool `yaml:"invalidate_transitively,omitempty"`
}

// Step is the immutable, parsed definition of one workflow step
// (spec.md §3). Runtime state for a step lives in WorkflowState, keyed by
// step ID, never on this struct.
type Step struct {
	ID       string `yaml:"id"`
	Agent    string `yaml:"agent"`
	Action   string `yaml:"action"`

	Requires []string `yaml:"requires,omitempty"`
	Creates  []string `yaml:"creates,omitempty"`

	Gate           *Gate  `yaml:"gate,omitempty"`
	OnGateFailGoto string `yaml:"on_gate_fail_goto,omitempty"`

	Parameters map[string]any `yaml:"parameters,omitempty"`

	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Retry       *RetryPolicy  `yaml:"retry,omitempty"`
	AllowEmpty  bool          `yaml:"allow_empty_outputs,omitempty"`
	Checksum    bool          `yaml:"checksum,omitempty"`
}

// EffectiveTimeout returns the step's timeout override, falling back to the
// workflow-level default.
func (s *Step) EffectiveTimeout(cfg Config) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return cfg.DefaultTimeout
}

// EffectiveRetry returns the step's retry override, falling back to the
// workflow-level default.
func (s *Step) EffectiveRetry(cfg Config) RetryPolicy {
	if s.Retry != nil {
		return *s.Retry
	}
	return cfg.Retry
}

// Validate checks structural invariants of a single step that don't require
// cross-step graph information (cycle/dangling-dep checks live in the
// parser, which has the full step set).
func (s *Step) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("step: id is required")
	}
	if s.Agent == "" {
		return fmt.Errorf("step %s: agent is required", s.ID)
	}
	if s.Action == "" {
		return fmt.Errorf("step %s: action is required", s.ID)
	}
	if s.Gate != nil {
		if len(s.Gate.Thresholds) == 0 {
			return fmt.Errorf("step %s: gate requires at least one threshold", s.ID)
		}
	}
	if s.Retry != nil && s.Retry.MaxAttempts < 0 {
		return fmt.Errorf("step %s: retry max_attempts must be non-negative", s.ID)
	}
	return nil
}

// Workflow is the immutable, fully parsed and validated workflow definition
// (spec.md §3). It is produced exactly once by WorkflowParser.Parse and
// never mutated afterward.
type Workflow struct {
	ID            string `yaml:"id"`
	SchemaVersion int    `yaml:"version"`
	Description   string `yaml:"description,omitempty"`

	Steps  []*Step `yaml:"steps"`
	Config Config  `yaml:"config,omitempty"`

	// ExternalInputs names artifacts supplied by the caller rather than
	// produced by any step (e.g. a seed spec file). A `requires` that
	// resolves to one of these is not a dangling dependency.
	ExternalInputs []string `yaml:"external_inputs,omitempty"`
}

// StepByID returns the step with the given ID, or nil.
func (w *Workflow) StepByID(id string) *Step {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// TerminalSteps returns the steps that nothing else depends on — the
// workflow is "completed" once all of these are in completed_steps.
func (w *Workflow) TerminalSteps() []*Step {
	hasDependent := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		for _, need := range s.Requires {
			if producer := w.producerOf(need); producer != nil {
				hasDependent[producer.ID] = true
			}
		}
	}
	var terminal []*Step
	for _, s := range w.Steps {
		if !hasDependent[s.ID] {
			terminal = append(terminal, s)
		}
	}
	return terminal
}

// producerOf returns the step that declares artifactName in its creates
// list, or nil if it is an external input.
func (w *Workflow) producerOf(artifactName string) *Step {
	for _, s := range w.Steps {
		for _, c := range s.Creates {
			if c == artifactName {
				return s
			}
		}
	}
	return nil
}

// ProducerOf is the exported form of producerOf, used by the resolver and
// the engine's loopback logic.
func (w *Workflow) ProducerOf(artifactName string) *Step {
	return w.producerOf(artifactName)
}

// DownstreamOf returns every step, transitively, that (directly or
// indirectly) requires an artifact produced by stepID, including stepID
// itself absent from the result (callers add it back where needed).
func (w *Workflow) DownstreamOf(stepID string) []*Step {
	producedBy := make(map[string]string) // artifact -> step id
	for _, s := range w.Steps {
		for _, c := range s.Creates {
			producedBy[c] = s.ID
		}
	}
	consumers := make(map[string][]string) // step id -> consumer step ids
	for _, s := range w.Steps {
		for _, need := range s.Requires {
			if producer, ok := producedBy[need]; ok {
				consumers[producer] = append(consumers[producer], s.ID)
			}
		}
	}

	seen := map[string]bool{}
	var out []*Step
	var visit func(id string)
	visit = func(id string) {
		for _, childID := range consumers[id] {
			if seen[childID] {
				continue
			}
			seen[childID] = true
			if s := w.StepByID(childID); s != nil {
				out = append(out, s)
			}
			visit(childID)
		}
	}
	visit(stepID)
	return out
}
