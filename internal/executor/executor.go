// Package executor runs a batch of ready steps concurrently, bounded by
// the workflow's max_parallel, with per-step timeout and jittered
// exponential-backoff retry. Grounded on the errgroup+semaphore fan-out
// pattern used for parallel agent review, generalized from "run every
// agent against the same diff" to "run every ready step against its own
// handler and worktree".
package executor

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	sdlcerrors "github.com/sdlcflow/sdlcflow/internal/errors"
	"github.com/sdlcflow/sdlcflow/internal/types"
)

// Dispatch resolves the handler for a step's (agent, action) pair.
type Dispatch func(agent, action string) (types.Handler, error)

// PrepareFunc acquires whatever a step attempt needs before Execute is
// called (typically a worktree) and returns the HandlerContext to use,
// plus a cleanup invoked exactly once when the attempt is done, success
// or failure.
type PrepareFunc func(ctx context.Context, step *types.Step, attempt int) (*types.HandlerContext, func(), error)

// Observer receives batch-execution lifecycle events. Any method may be
// nil; the executor checks before calling. Implementations must return
// quickly — they're invoked from the worker goroutine.
type Observer struct {
	OnStepStarted   func(stepID string, attempt int)
	OnStepRetrying  func(stepID string, attempt int, err error, delay time.Duration)
	OnStepSucceeded func(stepID string, attempt int, result *types.HandlerResult)
	OnStepFailed    func(stepID string, attempt int, err error)
	OnBatchComplete func(results []*StepResult)
}

// StepResult is the outcome of running one step to either success or
// exhaustion of its retry budget.
type StepResult struct {
	StepID    string
	Attempts  int
	Result    *types.HandlerResult
	Artifacts map[string]*types.Artifact
	Err       error
}

// DetectFunc resolves a step's declared creates to verified on-disk
// artifacts, given the handler's own Produced claims and the root
// (typically the step's worktree) they were written under. It runs
// inside runOnce, before Prepare's cleanup tears that root down — an
// artifact detector invoked after batch completion would find nothing
// left to detect.
type DetectFunc func(step *types.Step, root string, produced map[string]string) (map[string]*types.Artifact, error)

// ParallelExecutor runs a batch of ready steps under a bounded
// concurrency limit using structured concurrency: if any step fails
// fatally (a non-retryable error), every sibling still running is
// cancelled rather than left to finish into a workflow that's already
// doomed.
type ParallelExecutor struct {
	MaxParallel int
	Dispatch    Dispatch
	Prepare     PrepareFunc
	Observer    Observer
	// Detect is optional; when set, a successful step's creates are
	// verified and checksummed before its worktree is released. Left nil
	// by NewParallelExecutor so callers without a filesystem artifact
	// concept (e.g. executor_test.go's in-memory handlers) pay nothing.
	Detect DetectFunc
}

// NewParallelExecutor constructs an executor; maxParallel <= 0 is clamped
// to 1.
func NewParallelExecutor(maxParallel int, dispatch Dispatch, prepare PrepareFunc, obs Observer) *ParallelExecutor {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &ParallelExecutor{MaxParallel: maxParallel, Dispatch: dispatch, Prepare: prepare, Observer: obs}
}

// ExecuteBatch runs every step in steps concurrently (bounded by
// MaxParallel), retrying each according to cfg's retry policy, and
// returns one StepResult per step in the same order steps was given
// (not completion order), so callers can fold results deterministically.
//
// A fatal (non-retryable) failure in one step cancels the shared
// context, so siblings mid-flight are asked to stop; they still report
// their own StepResult (typically a cancellation error) rather than
// being silently dropped.
func (e *ParallelExecutor) ExecuteBatch(ctx context.Context, steps []*types.Step, cfg types.Config) []*StepResult {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.MaxParallel)

	// runCtx is what every worker actually runs under. gctx only cancels on
	// external ctx cancellation (errgroup never cancels it itself, since no
	// worker below returns a non-nil error); runCancel is what a fatal
	// sibling failure fires to stop the rest of the batch.
	runCtx, runCancel := context.WithCancel(gctx)
	defer runCancel()

	results := make([]*StepResult, len(steps))
	var mu sync.Mutex
	var fatal error

	for i, step := range steps {
		i, step := i, step
		g.Go(func() error {
			res := e.runWithRetry(runCtx, step, step.EffectiveRetry(cfg), cfg)
			mu.Lock()
			results[i] = res
			if res.Err != nil && !sdlcerrors.IsRetryable(res.Err) && fatal == nil {
				fatal = res.Err
				runCancel()
			}
			mu.Unlock()
			// Never return non-nil: a step's own failure must not abort
			// the errgroup itself, since siblings still need their own
			// result recorded rather than being dropped. Fatal-failure
			// cancellation is propagated explicitly via runCancel above,
			// not through the errgroup's own error-triggered cancellation.
			return nil
		})
	}

	_ = g.Wait()

	if e.Observer.OnBatchComplete != nil {
		e.Observer.OnBatchComplete(results)
	}
	return results
}

// runWithRetry attempts step up to its retry policy's MaxAttempts,
// sleeping a jittered exponential backoff between attempts, stopping
// early on a non-retryable error or context cancellation.
func (e *ParallelExecutor) runWithRetry(ctx context.Context, step *types.Step, retry types.RetryPolicy, cfg types.Config) *StepResult {
	maxAttempts := retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return &StepResult{StepID: step.ID, Attempts: attempt - 1, Err: sdlcerrors.HandlerCancelled(step.ID)}
		}

		if e.Observer.OnStepStarted != nil {
			e.Observer.OnStepStarted(step.ID, attempt)
		}

		attempts = attempt
		result, artifacts, err := e.runOnce(ctx, step, attempt, cfg)
		if err == nil {
			if e.Observer.OnStepSucceeded != nil {
				e.Observer.OnStepSucceeded(step.ID, attempt, result)
			}
			return &StepResult{StepID: step.ID, Attempts: attempt, Result: result, Artifacts: artifacts}
		}

		lastErr = err
		if !sdlcerrors.IsRetryable(err) || attempt == maxAttempts {
			break
		}

		delay := backoffDelay(retry, attempt)
		if e.Observer.OnStepRetrying != nil {
			e.Observer.OnStepRetrying(step.ID, attempt, err, delay)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &StepResult{StepID: step.ID, Attempts: attempt, Err: sdlcerrors.HandlerCancelled(step.ID)}
		}
	}

	if e.Observer.OnStepFailed != nil {
		e.Observer.OnStepFailed(step.ID, attempts, lastErr)
	}
	return &StepResult{StepID: step.ID, Attempts: attempts, Err: lastErr}
}

// runOnce prepares the step's worktree/context, dispatches its handler,
// enforces the effective timeout, detects the declared creates while the
// worktree is still alive, and only then cleans up.
func (e *ParallelExecutor) runOnce(ctx context.Context, step *types.Step, attempt int, cfg types.Config) (*types.HandlerResult, map[string]*types.Artifact, error) {
	h, err := e.Dispatch(step.Agent, step.Action)
	if err != nil {
		return nil, nil, err
	}

	hctx, cleanup, err := e.Prepare(ctx, step, attempt)
	if err != nil {
		return nil, nil, sdlcerrors.WorktreeCreateFailed(step.ID, err)
	}
	defer cleanup()

	timeout := step.EffectiveTimeout(cfg)
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := h.Execute(attemptCtx, hctx)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, nil, sdlcerrors.HandlerTimeout(step.ID, attempt)
		}
		return nil, nil, err
	}
	if result.Status == types.HandlerFailure {
		msg := "handler reported failure"
		if result.Error != nil {
			msg = result.Error.Message
		}
		return result, nil, sdlcerrors.Newf(sdlcerrors.CodeHandlerContract, sdlcerrors.KindHandlerRetryable, "step %s: %s", step.ID, msg)
	}

	if e.Detect == nil || len(step.Creates) == 0 {
		return result, nil, nil
	}
	artifacts, err := e.Detect(step, hctx.WorktreePath, result.Produced)
	if err != nil {
		return result, nil, err
	}
	return result, artifacts, nil
}

// backoffDelay computes the jittered exponential backoff for a given
// attempt number (1-indexed), per spec.md retry semantics: base * mult^(n-1),
// capped at max_backoff, with up to ±jitter_frac randomness to avoid
// thundering-herd retries across steps that failed together.
func backoffDelay(retry types.RetryPolicy, attempt int) time.Duration {
	base := retry.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	mult := retry.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= mult
	}
	if retry.MaxBackoff > 0 && delay > float64(retry.MaxBackoff) {
		delay = float64(retry.MaxBackoff)
	}
	if retry.JitterFrac > 0 {
		jitter := delay * retry.JitterFrac
		delay += (rand.Float64()*2 - 1) * jitter
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay)
}

// StableOrder sorts results by StepID for deterministic reporting,
// independent of the goroutine completion order ExecuteBatch's internal
// slice already preserves by index; exposed for callers that reassemble
// results from some other source (e.g. resumed-from-journal replay).
func StableOrder(results []*StepResult) []*StepResult {
	sorted := make([]*StepResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StepID < sorted[j].StepID })
	return sorted
}

// Summarize renders a short human-readable line for CLI/log output.
func (r *StepResult) Summarize() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: failed after %d attempt(s): %v", r.StepID, r.Attempts, r.Err)
	}
	return fmt.Sprintf("%s: succeeded after %d attempt(s)", r.StepID, r.Attempts)
}
