// Package orchestrator implements the WorkflowEngine main loop: find
// ready steps, execute them as a batch, ingest artifacts, evaluate any
// gates, checkpoint, repeat. Grounded on the teacher's Orchestrator —
// mutex-protected state mutation, a ticker-driven loop, SIGINT/SIGTERM
// handling — generalized from a tmux/IPC-driven agent loop to an
// in-process batch executor driving an opaque Handler contract.
package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sdlcflow/sdlcflow/internal/artifact"
	sdlcerrors "github.com/sdlcflow/sdlcflow/internal/errors"
	"github.com/sdlcflow/sdlcflow/internal/eventbus"
	"github.com/sdlcflow/sdlcflow/internal/executor"
	"github.com/sdlcflow/sdlcflow/internal/resolver"
	"github.com/sdlcflow/sdlcflow/internal/statestore"
	"github.com/sdlcflow/sdlcflow/internal/tracing"
	"github.com/sdlcflow/sdlcflow/internal/types"
	"github.com/sdlcflow/sdlcflow/internal/worktree"
)

// Report is the final outcome of a Run call.
type Report struct {
	State     *types.WorkflowState
	ExitCode  int
	BlockedOn *resolver.BlockReport
}

// Exit codes per spec.md §6's CLI surface: 0 completed, 1 failed (a step
// exhausted its retry budget, or a gate exhausted its loopback budget —
// both are user-visible "failed" outcomes; the distinguishing kind lives
// in the returned error, not a separate code), 2 blocked (the dependency
// graph deadlocked), 3 cancelled, 4 configuration error (set by callers
// before Run is ever invoked, never by Engine itself).
const (
	ExitSuccess           = 0
	ExitStepFailed        = 1
	ExitGateExhausted     = 1
	ExitDependencyBlocked = 2
	ExitCancelled         = 3
	ExitConfigError       = 4
)

// Engine drives a single workflow run to completion. All state mutation
// goes through Engine's methods while holding its own workflow-level
// lock (the state store's flock), so two Engine instances can never
// drive the same workflow concurrently.
type Engine struct {
	wf        *types.Workflow
	store     *statestore.Store
	exec      *executor.ParallelExecutor
	worktrees *worktree.Manager
	registry  Dispatcher
	bus       *eventbus.Bus
	logger    *slog.Logger

	pollInterval time.Duration
	artifactRoot string

	// currentArtifacts is a snapshot of state.Artifacts taken at the start
	// of each tick, read by prepare to resolve a step's requires to
	// filesystem paths. Safe without locking: tick runs its batch to
	// completion before the next tick's assignment, and Run never calls
	// tick concurrently with itself.
	currentArtifacts map[string]*types.Artifact
}

// Dispatcher resolves a step's (agent, action) to a Handler; satisfied
// by *handler.Registry without this package importing it directly, to
// keep the dependency graph one-directional (handler depends on types
// only; orchestrator converts a Dispatcher to executor.Dispatch).
type Dispatcher func(agent, action string) (types.Handler, error)

// Config bundles an Engine's construction-time dependencies.
type Config struct {
	Workflow  *types.Workflow
	Store     *statestore.Store
	Worktrees *worktree.Manager
	Dispatch  Dispatcher
	Bus       *eventbus.Bus
	Logger    *slog.Logger
	// ArtifactRoot is where creates are resolved when a step runs without
	// a worktree (Worktrees is nil). Defaults to the current directory.
	ArtifactRoot string
	PollInterval time.Duration
	MaxParallel  int
}

// New constructs an Engine ready to Run.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ArtifactRoot == "" {
		cfg.ArtifactRoot = "."
	}
	e := &Engine{
		wf:           cfg.Workflow,
		store:        cfg.Store,
		worktrees:    cfg.Worktrees,
		registry:     cfg.Dispatch,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		artifactRoot: cfg.ArtifactRoot,
	}
	e.exec = executor.NewParallelExecutor(cfg.MaxParallel, executor.Dispatch(cfg.Dispatch), e.prepare, e.observer())
	e.exec.Detect = func(step *types.Step, root string, produced map[string]string) (map[string]*types.Artifact, error) {
		if root == "" {
			root = e.artifactRoot
		}
		return artifact.NewDetector(root).Detect(step, produced, step.ID, time.Now())
	}
	return e
}

// Run drives the workflow from its current (or freshly initialized)
// state to a terminal outcome, honoring ctx cancellation as a graceful
// stop: in-flight steps are asked to cancel, the state is checkpointed,
// and Run returns with StatusCancelled rather than leaving the workflow
// stuck mid-batch.
func (e *Engine) Run(ctx context.Context, resume bool) (*Report, error) {
	if err := e.store.AcquireLock(); err != nil {
		return nil, sdlcerrors.Wrap(sdlcerrors.CodeStateUnrecoverable, sdlcerrors.KindStatePersistence, "acquiring workflow lock", err)
	}
	defer e.store.ReleaseLock()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var state *types.WorkflowState
	var err error
	if resume {
		state, err = e.store.Load()
	} else {
		state, err = e.store.Init(e.wf.SchemaVersion, time.Now())
	}
	if err != nil {
		return nil, err
	}

	if e.worktrees != nil {
		if err := e.worktrees.ReconcileOrphans(e.logger); err != nil {
			e.logger.Warn("worktree orphan reconciliation failed", "error", err)
		}
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			state = e.transition(state, types.StatusCancelled)
			return &Report{State: state, ExitCode: ExitCancelled}, ctx.Err()
		case <-ticker.C:
		}

		report, done, err := e.tick(ctx, state)
		if err != nil {
			return report, err
		}
		state = report.State
		if done {
			return report, nil
		}
	}
}

// tick runs exactly one find-ready/execute/ingest/gate cycle. done is
// true once the workflow has reached a terminal or halted status.
func (e *Engine) tick(ctx context.Context, state *types.WorkflowState) (*Report, bool, error) {
	e.currentArtifacts = state.Artifacts

	_, findSpan := tracing.StartSpan(ctx, "find_ready")
	ready := resolver.FindReady(e.wf, state)
	findSpan.SetAttributes(attribute.Int("sdlcflow.ready_count", len(ready)))
	findSpan.End()

	if len(ready) == 0 {
		if resolver.AllDone(e.wf, state) {
			state = e.transition(state, types.StatusCompleted)
			return &Report{State: state, ExitCode: ExitSuccess}, true, nil
		}
		if len(state.RunningSteps) > 0 {
			// Other attempts are still in flight (shouldn't normally
			// happen since ExecuteBatch is synchronous, but resuming
			// mid-batch after a crash can land here); keep polling.
			return &Report{State: state}, false, nil
		}
		block := resolver.DiagnoseBlock(e.wf, state)
		state = e.transition(state, types.StatusBlocked)
		return &Report{State: state, ExitCode: ExitDependencyBlocked, BlockedOn: block},
			true, sdlcerrors.DependencyBlocked(blockedMap(block))
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })

	for _, step := range ready {
		next, err := e.store.Append(state, &types.Event{
			Kind:      types.EventStepStarted,
			Timestamp: time.Now(),
			StepID:    step.ID,
			Payload:   map[string]any{"attempt_number": 1},
		})
		if err != nil {
			return &Report{State: state}, true, err
		}
		state = next
		e.publish("step_started", step.ID, nil)
	}

	batchCtx, batchSpan := tracing.StartSpan(ctx, "execute_batch")
	batchSpan.SetAttributes(attribute.Int("sdlcflow.batch_size", len(ready)))
	results := e.exec.ExecuteBatch(batchCtx, ready, e.wf.Config)
	batchSpan.End()

	for _, res := range results {
		_, checkpointSpan := tracing.StartSpan(ctx, "checkpoint")
		checkpointSpan.SetAttributes(attribute.String("sdlcflow.step_id", res.StepID))
		var err error
		state, err = e.ingest(state, res)
		checkpointSpan.End()
		if err != nil {
			if sdlcerrors.HasCode(err, sdlcerrors.CodeGateExhausted) {
				state = e.transition(state, types.StatusFailed)
				return &Report{State: state, ExitCode: ExitGateExhausted}, true, err
			}
			return &Report{State: state}, true, err
		}
		if res.Err != nil && !sdlcerrors.IsRetryable(res.Err) {
			if ctx.Err() != nil {
				state = e.transition(state, types.StatusCancelled)
				return &Report{State: state, ExitCode: ExitCancelled}, true, ctx.Err()
			}
			if sdlcerrors.HasCode(res.Err, sdlcerrors.CodeGateExhausted) {
				state = e.transition(state, types.StatusFailed)
				return &Report{State: state, ExitCode: ExitGateExhausted}, true, res.Err
			}
			state = e.transition(state, types.StatusFailed)
			return &Report{State: state, ExitCode: ExitStepFailed}, true, res.Err
		}
	}

	return &Report{State: state}, false, nil
}

// ingest folds one step's batch result into the event log: artifact
// registration plus gate evaluation on success, or a failure event.
func (e *Engine) ingest(state *types.WorkflowState, res *executor.StepResult) (*types.WorkflowState, error) {
	step := e.wf.StepByID(res.StepID)
	now := time.Now()

	if res.Err != nil {
		var kind, msg string
		if k := sdlcerrors.KindOf(res.Err); k != "" {
			kind = string(k)
		}
		msg = res.Err.Error()
		next, err := e.store.Append(state, &types.Event{
			Kind:      types.EventStepFailed,
			Timestamp: now,
			StepID:    res.StepID,
			Payload:   map[string]any{"error_kind": kind, "error_message": msg},
		})
		if err != nil {
			return state, err
		}
		e.publish("step_failed", res.StepID, map[string]any{"error": msg})
		return next, nil
	}

	for name, a := range res.Artifacts {
		payload := map[string]any{"name": name, "path": a.Path, "created_by": res.StepID}
		if a.Checksum != "" {
			payload["checksum"] = a.Checksum
		}
		next, err := e.store.Append(state, &types.Event{
			Kind:      types.EventArtifactRegistered,
			Timestamp: now,
			StepID:    res.StepID,
			Payload:   payload,
		})
		if err != nil {
			return state, err
		}
		state = next
	}

	if step.Gate != nil {
		return e.evaluateGate(state, step, res)
	}

	next, err := e.store.Append(state, &types.Event{
		Kind:      types.EventStepSucceeded,
		Timestamp: now,
		StepID:    res.StepID,
		Payload:   map[string]any{"metrics": toAnyMap(res.Result.Metrics)},
	})
	if err != nil {
		return state, err
	}
	e.publish("step_succeeded", res.StepID, nil)
	return next, nil
}

// evaluateGate checks res.Result.Metrics against step.Gate.Thresholds.
// On pass, the step completes normally. On failure, it appends
// gate_failed plus loopback_triggered targeting either the handler's
// TargetsForImprovement, step.OnGateFailGoto, or (absent both) the
// gate step's sole producer, and fails the workflow outright once
// wf.Config.MaxLoopback is exceeded for that target.
func (e *Engine) evaluateGate(state *types.WorkflowState, step *types.Step, res *executor.StepResult) (*types.WorkflowState, error) {
	now := time.Now()
	passed := true
	for metric, threshold := range step.Gate.Thresholds {
		if res.Result.Metrics[metric] < threshold {
			passed = false
			break
		}
	}

	if passed {
		next, err := e.store.Append(state, &types.Event{Kind: types.EventGatePassed, Timestamp: now, StepID: step.ID})
		if err != nil {
			return state, err
		}
		state = next
		next, err = e.store.Append(state, &types.Event{
			Kind: types.EventStepSucceeded, Timestamp: now, StepID: step.ID,
			Payload: map[string]any{"metrics": toAnyMap(res.Result.Metrics)},
		})
		if err != nil {
			return state, err
		}
		e.publish("gate_passed", step.ID, nil)
		return next, nil
	}

	target := gateTarget(step, res.Result, e.wf)

	next, err := e.store.Append(state, &types.Event{Kind: types.EventGateFailed, Timestamp: now, StepID: step.ID})
	if err != nil {
		return state, err
	}
	state = next

	if state.LoopbackCounters[target] >= e.wf.Config.MaxLoopback {
		return state, sdlcerrors.GateExhausted(target, state.LoopbackCounters[target])
	}

	invalidated := invalidatedSteps(e.wf, target, step.Gate.InvalidateTransitively)

	for _, producerID := range append([]string{target}, invalidated...) {
		producer := e.wf.StepByID(producerID)
		if producer == nil {
			continue
		}
		for _, name := range producer.Creates {
			if _, exists := state.Artifacts[name]; !exists {
				continue
			}
			next, err = e.store.Append(state, &types.Event{
				Kind: types.EventArtifactInvalidated, Timestamp: now, StepID: step.ID,
				Payload: map[string]any{"name": name},
			})
			if err != nil {
				return state, err
			}
			state = next
		}
	}

	next, err = e.store.Append(state, &types.Event{
		Kind: types.EventLoopbackTriggered, Timestamp: now, StepID: step.ID,
		Payload: map[string]any{"target_step": target, "invalidated_steps": toAnySlice(invalidated)},
	})
	if err != nil {
		return state, err
	}
	e.publish("loopback_triggered", step.ID, map[string]any{"target_step": target})
	return next, nil
}

// gateTarget picks the loopback destination: the handler's own verdict
// if it named one, else the step's declared on_gate_fail_goto, else the
// sole producer of the gate step's first requires (the most common
// shape: a review gate loops back to the step that created what it's
// reviewing).
func gateTarget(step *types.Step, result *types.HandlerResult, wf *types.Workflow) string {
	if len(result.TargetsForImprovement) > 0 {
		if producer := wf.ProducerOf(result.TargetsForImprovement[0]); producer != nil {
			return producer.ID
		}
	}
	if step.OnGateFailGoto != "" {
		return step.OnGateFailGoto
	}
	if len(step.Requires) > 0 {
		if producer := wf.ProducerOf(step.Requires[0]); producer != nil {
			return producer.ID
		}
	}
	return step.ID
}

// invalidatedSteps returns the step IDs a loopback to target should
// un-complete besides target itself: everything downstream of target,
// transitively. When transitive is set it also walks the downstream of
// each of those steps, which DownstreamOf already covers, so the result
// is the same either way; target's upstream producers are never included
// (spec.md §9 Open Question #1).
func invalidatedSteps(wf *types.Workflow, target string, transitive bool) []string {
	downstream := wf.DownstreamOf(target)
	ids := make([]string, 0, len(downstream))
	for _, s := range downstream {
		ids = append(ids, s.ID)
	}
	if !transitive {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, s := range downstream {
		for _, more := range wf.DownstreamOf(s.ID) {
			if !seen[more.ID] {
				seen[more.ID] = true
				ids = append(ids, more.ID)
			}
		}
	}
	return ids
}

// transition appends a workflow_status_changed event and returns the
// resulting state; used for the terminal statuses Run/tick assign.
func (e *Engine) transition(state *types.WorkflowState, status types.WorkflowStatus) *types.WorkflowState {
	next, err := e.store.Append(state, &types.Event{
		Kind:      types.EventWorkflowStatus,
		Timestamp: time.Now(),
		Payload:   map[string]any{"status": string(status)},
	})
	if err != nil {
		e.logger.Error("failed to record status transition", "status", status, "error", err)
		return state
	}
	_ = e.store.Checkpoint(next)
	return next
}

// prepare acquires a worktree for a step attempt and builds its
// HandlerContext, resolving each requires name to its artifact's
// filesystem path. The returned cleanup releases the worktree.
func (e *Engine) prepare(ctx context.Context, step *types.Step, attempt int) (*types.HandlerContext, func(), error) {
	requires := make(map[string]string, len(step.Requires))
	for _, name := range step.Requires {
		if a, ok := e.currentArtifacts[name]; ok {
			requires[name] = a.Path
		}
	}

	hctx := &types.HandlerContext{
		StepID:             step.ID,
		Attempt:            attempt,
		Parameters:         step.Parameters,
		RequiresArtifacts:  requires,
		CancellationSignal: ctx.Done(),
	}

	if e.wf != nil {
		hctx.WorkflowID = e.wf.ID
	}

	if e.worktrees == nil {
		return hctx, func() {}, nil
	}

	h, err := e.worktrees.Acquire(ctx, step.ID, attempt)
	if err != nil {
		return nil, nil, err
	}
	hctx.WorktreePath = h.Path
	cleanup := func() { _ = e.worktrees.Release(ctx, h) }
	return hctx, cleanup, nil
}

func (e *Engine) observer() executor.Observer {
	return executor.Observer{
		OnStepStarted: func(stepID string, attempt int) {
			e.logger.Info("step started", "step", stepID, "attempt", attempt)
		},
		OnStepRetrying: func(stepID string, attempt int, err error, delay time.Duration) {
			e.logger.Warn("step retrying", "step", stepID, "attempt", attempt, "error", err, "delay", delay)
		},
		OnStepSucceeded: func(stepID string, attempt int, result *types.HandlerResult) {
			e.logger.Info("step succeeded", "step", stepID, "attempt", attempt)
		},
		OnStepFailed: func(stepID string, attempt int, err error) {
			e.logger.Error("step failed", "step", stepID, "attempt", attempt, "error", err)
		},
	}
}

func (e *Engine) publish(kind, subject string, data map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Kind: kind, Subject: subject, Data: data})
}

func blockedMap(report *resolver.BlockReport) map[string][]string {
	out := make(map[string][]string, len(report.Reasons))
	for _, r := range report.Reasons {
		out[r.StepID] = r.MissingInputs
	}
	return out
}

func toAnyMap(m map[string]float64) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// DetectArtifacts is a convenience re-export so callers that only need
// the artifact detector (e.g. a handler wrapper that wants to verify its
// own Produced claims before returning) don't need a second import
// alongside this package.
var DetectArtifacts = artifact.NewDetector
