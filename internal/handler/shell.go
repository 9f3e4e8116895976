package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	sdlcerrors "github.com/sdlcflow/sdlcflow/internal/errors"
	"github.com/sdlcflow/sdlcflow/internal/types"
)

// killGrace is how long a cancelled command gets to exit after SIGTERM
// before ShellHandler escalates to SIGKILL.
const killGrace = 3 * time.Second

// resultMarker prefixes the one line of stdout, if any, a shell script
// uses to report structured results back to the engine. Diagnostics are
// the script's stderr, replaced by the trimmed stdout text before the
// marker when a marker line parses and that text is non-empty.
const resultMarker = "SDLCFLOW_RESULT:"

// scriptResult is the JSON payload a script may print after resultMarker.
type scriptResult struct {
	Produced              map[string]string  `json:"produced"`
	Metrics               map[string]float64 `json:"metrics"`
	TargetsForImprovement []string            `json:"targets_for_improvement"`
}

// ShellHandler runs a fixed shell command for every invocation, passing
// step context via SDLCFLOW_* environment variables, and captures the
// script's exit code, output, and optional structured result line.
// Grounded on the process-group SIGTERM-then-SIGKILL cancellation pattern
// used for long-running agent shells.
type ShellHandler struct {
	// Command is the script body, run via `/bin/sh -c`.
	Command string
	// Shell overrides the interpreter; defaults to /bin/sh.
	Shell string
}

// NewShellHandler returns a ShellHandler that runs command via /bin/sh.
func NewShellHandler(command string) *ShellHandler {
	return &ShellHandler{Command: command, Shell: "/bin/sh"}
}

// Execute implements types.Handler.
func (h *ShellHandler) Execute(ctx context.Context, hctx *types.HandlerContext) (*types.HandlerResult, error) {
	shell := h.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return runShell(ctx, hctx, shell, h.Command)
}

// DynamicShellHandler runs whatever command a step supplies in its own
// `parameters.command` field rather than a command fixed at registration
// time — the CLI's default handler for workflow steps that declare no
// more specific agent, since spec.md explicitly leaves concrete handler
// algorithms out of scope (§1 Non-goals) but a runnable CLI still needs
// one generic handler to dispatch shell-backed steps to.
type DynamicShellHandler struct {
	// Shell overrides the interpreter; defaults to /bin/sh.
	Shell string
}

// Execute implements types.Handler. It fails with a non-retryable
// contract error if the step's parameters don't include a string
// "command" — that is an authoring mistake, not a transient failure.
func (h *DynamicShellHandler) Execute(ctx context.Context, hctx *types.HandlerContext) (*types.HandlerResult, error) {
	raw, ok := hctx.Parameters["command"]
	if !ok {
		return nil, sdlcerrors.Newf(sdlcerrors.CodeHandlerContract, sdlcerrors.KindHandlerFatal,
			"step %s: dynamic shell handler requires a \"command\" parameter", hctx.StepID)
	}
	command, ok := raw.(string)
	if !ok || command == "" {
		return nil, sdlcerrors.Newf(sdlcerrors.CodeHandlerContract, sdlcerrors.KindHandlerFatal,
			"step %s: \"command\" parameter must be a non-empty string", hctx.StepID)
	}
	shell := h.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return runShell(ctx, hctx, shell, command)
}

// runShell is the shared implementation behind ShellHandler and
// DynamicShellHandler: spawn command under shell, wait for completion or
// cancellation, and translate the result into a HandlerResult.
func runShell(ctx context.Context, hctx *types.HandlerContext, shell, command string) (*types.HandlerResult, error) {
	cmd := exec.Command(shell, "-c", command)
	cmd.Dir = hctx.WorktreePath
	cmd.Env = buildEnv(hctx)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, sdlcerrors.Wrap(sdlcerrors.CodeHandlerContract, sdlcerrors.KindHandlerRetryable, "starting shell command", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	var cancelled bool
	select {
	case <-ctx.Done():
		cancelled = true
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
			select {
			case <-done:
			case <-time.After(killGrace):
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
				<-done
			}
		}
	case <-hctx.CancellationSignal:
		cancelled = true
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
			select {
			case <-done:
			case <-time.After(killGrace):
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
				<-done
			}
		}
	case waitErr = <-done:
	}

	if cancelled {
		return nil, sdlcerrors.HandlerCancelled(hctx.StepID)
	}

	result := &types.HandlerResult{
		Status:      types.HandlerSuccess,
		Diagnostics: stderr.String(),
	}

	if parsed, markerIdx, ok := extractResult(stdout.String()); ok {
		result.Produced = parsed.Produced
		result.Metrics = parsed.Metrics
		result.TargetsForImprovement = parsed.TargetsForImprovement
		if pre := strings.TrimSpace(stdout.String()[:markerIdx]); pre != "" {
			result.Diagnostics = pre
		}
	}

	if waitErr != nil {
		exitCode := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		result.Status = types.HandlerFailure
		result.Error = &types.HandlerError{
			Kind:    "exit_nonzero",
			Message: fmt.Sprintf("command exited %d: %s", exitCode, strings.TrimSpace(stderr.String())),
		}
		return result, nil
	}

	return result, nil
}

// buildEnv assembles the process environment: the host environment plus
// SDLCFLOW_-prefixed step context, one SDLCFLOW_ARTIFACT_ variable per
// resolved requires path, and one SDLCFLOW_PARAM_ variable per step
// parameter (strings as-is; non-string parameters are JSON-encoded).
func buildEnv(hctx *types.HandlerContext) []string {
	env := os.Environ()
	env = append(env,
		"SDLCFLOW_WORKFLOW_ID="+hctx.WorkflowID,
		"SDLCFLOW_STEP_ID="+hctx.StepID,
		fmt.Sprintf("SDLCFLOW_ATTEMPT=%d", hctx.Attempt),
		"SDLCFLOW_WORKTREE="+hctx.WorktreePath,
	)
	for name, path := range hctx.RequiresArtifacts {
		env = append(env, fmt.Sprintf("SDLCFLOW_ARTIFACT_%s=%s", envSafe(name), path))
	}
	for name, v := range hctx.Parameters {
		if s, ok := v.(string); ok {
			env = append(env, fmt.Sprintf("SDLCFLOW_PARAM_%s=%s", envSafe(name), s))
			continue
		}
		if b, err := json.Marshal(v); err == nil {
			env = append(env, fmt.Sprintf("SDLCFLOW_PARAM_%s=%s", envSafe(name), b))
		}
	}
	return env
}

func envSafe(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(name))
}

// extractResult scans stdout for a line starting with resultMarker and
// parses the remainder as JSON. Returns ok=false if no such line exists
// or it fails to parse, in which case stdout is ignored and diagnostics
// stay the script's stderr rather than failing the step — a handler script that
// doesn't emit structured output is still a valid, if minimal, handler.
func extractResult(stdout string) (scriptResult, int, bool) {
	idx := strings.Index(stdout, resultMarker)
	if idx < 0 {
		return scriptResult{}, 0, false
	}
	rest := stdout[idx+len(resultMarker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	var r scriptResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest)), &r); err != nil {
		return scriptResult{}, 0, false
	}
	return r, idx, true
}
