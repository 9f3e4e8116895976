// Package errors provides structured error types for sdlcflow, grouped by
// the error kinds of spec.md §7.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is one of the error kinds named in spec.md §7.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindDependencyBlocked Kind = "dependency_blocked"
	KindHandlerRetryable  Kind = "handler_retryable"
	KindHandlerFatal      Kind = "handler_fatal"
	KindGateFailure       Kind = "gate_failure"
	KindStatePersistence  Kind = "state_persistence"
	KindCancellation      Kind = "cancellation"
)

// Error codes for sdlcflow operations, grouped by concern.
const (
	// Parser errors (WorkflowParser, spec.md §4.1)
	CodeUnsupportedSchemaVersion   = "PARSE_001"
	CodeDanglingDependency         = "PARSE_002"
	CodeCyclicDependency           = "PARSE_003"
	CodeDuplicateStepID            = "PARSE_004"
	CodeUnknownField               = "PARSE_005"
	CodeInvalidGateThreshold       = "PARSE_006"
	CodeInvalidRetryCount          = "PARSE_007"
	CodeFieldRequiresSchemaVersion = "PARSE_008"

	// State store errors (spec.md §4.2)
	CodeStateChecksumMismatch = "STATE_001"
	CodeStateUnrecoverable    = "STATE_002"
	CodeStateInvariant        = "STATE_003"
	CodeStateMigration        = "STATE_004"

	// Dependency resolver errors (spec.md §4.3)
	CodeDependencyBlocked = "DEP_001"

	// Worktree errors (spec.md §4.4)
	CodeWorktreeCreate  = "WORKTREE_001"
	CodeWorktreeCleanup = "WORKTREE_002"

	// Handler/registry errors (spec.md §4.5)
	CodeHandlerNotRegistered = "HANDLER_001"
	CodeHandlerInvalidInput  = "HANDLER_002"
	CodeHandlerTimeout       = "HANDLER_003"
	CodeHandlerCancelled     = "HANDLER_004"
	CodeHandlerContract      = "HANDLER_005"

	// Artifact errors
	CodeArtifactMissing = "ARTIFACT_001"

	// Gate/loopback errors (spec.md §4.7)
	CodeGateExhausted = "GATE_001"

	// IO errors
	CodeIOFileNotFound = "IO_001"
	CodeIOWriteError   = "IO_002"
	CodeIOReadError    = "IO_003"
)

// Error is the structured error type for sdlcflow core operations.
type Error struct {
	Code    string         `json:"code"`
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// MarshalJSON implements json.Marshaler with the cause's message inlined.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{alias: (*alias)(e)}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// New creates a new Error of the given kind.
func New(code string, kind Kind, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(code string, kind Kind, format string, args ...any) *Error {
	return &Error{Code: code, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an error with an Error of the given kind.
func Wrap(code string, kind Kind, message string, err error) *Error {
	return &Error{Code: code, Kind: kind, Message: message, Cause: err}
}

// --- Parser errors ---

func UnsupportedSchemaVersion(version int) *Error {
	return Newf(CodeUnsupportedSchemaVersion, KindConfiguration, "unsupported schema version: %d", version).
		WithDetail("version", version)
}

func DanglingDependency(stepID, artifact string) *Error {
	return Newf(CodeDanglingDependency, KindConfiguration, "step %s requires %q which no step creates and no external input declares", stepID, artifact).
		WithDetail("step_id", stepID).
		WithDetail("artifact", artifact)
}

func CyclicDependency(cycle []string) *Error {
	return New(CodeCyclicDependency, KindConfiguration, "cycle detected in requires/creates graph").
		WithDetail("cycle", cycle)
}

func DuplicateStepID(id string) *Error {
	return Newf(CodeDuplicateStepID, KindConfiguration, "duplicate step id: %s", id).
		WithDetail("step_id", id)
}

func UnknownField(context, field string) *Error {
	return Newf(CodeUnknownField, KindConfiguration, "unknown field %q in %s", field, context).
		WithDetail("context", context).
		WithDetail("field", field)
}

func FieldRequiresSchemaVersion(stepID, field string, declared, required int) *Error {
	return Newf(CodeFieldRequiresSchemaVersion, KindConfiguration,
		"step %s: field %q requires schema_version >= %d, document declares %d", stepID, field, required, declared).
		WithDetail("step_id", stepID).
		WithDetail("field", field).
		WithDetail("required_version", required).
		WithDetail("declared_version", declared)
}

// --- State store errors ---

func StateChecksumMismatch(path string) *Error {
	return Newf(CodeStateChecksumMismatch, KindStatePersistence, "checksum mismatch loading %s", path).
		WithDetail("path", path)
}

func StateUnrecoverable(workflowID string, cause error) *Error {
	return Wrap(CodeStateUnrecoverable, KindStatePersistence, fmt.Sprintf("workflow %s has no valid snapshot or history", workflowID), cause).
		WithDetail("workflow_id", workflowID)
}

func StateInvariant(workflowID string, cause error) *Error {
	return Wrap(CodeStateInvariant, KindStatePersistence, fmt.Sprintf("workflow %s violates state invariants", workflowID), cause).
		WithDetail("workflow_id", workflowID)
}

// --- Dependency resolver errors ---

func DependencyBlocked(missing map[string][]string) *Error {
	return New(CodeDependencyBlocked, KindDependencyBlocked, "no step is ready to advance").
		WithDetail("missing_by_step", missing)
}

// --- Worktree errors ---

func WorktreeCreateFailed(stepID string, cause error) *Error {
	return Wrap(CodeWorktreeCreate, KindHandlerFatal, fmt.Sprintf("failed to create worktree for step %s", stepID), cause).
		WithDetail("step_id", stepID)
}

// --- Handler errors ---

func HandlerNotRegistered(agent, action string) *Error {
	return Newf(CodeHandlerNotRegistered, KindHandlerFatal, "no handler registered for (%s, %s)", agent, action).
		WithDetail("agent", agent).
		WithDetail("action", action)
}

func HandlerTimeout(stepID string, attempt int) *Error {
	return Newf(CodeHandlerTimeout, KindHandlerRetryable, "step %s attempt %d timed out", stepID, attempt).
		WithDetail("step_id", stepID).
		WithDetail("attempt", attempt)
}

func HandlerCancelled(stepID string) *Error {
	return Newf(CodeHandlerCancelled, KindCancellation, "step %s cancelled", stepID).
		WithDetail("step_id", stepID)
}

// --- Artifact errors ---

func ArtifactMissing(stepID string, names []string) *Error {
	return Newf(CodeArtifactMissing, KindHandlerFatal, "step %s declared creates not found on disk: %v", stepID, names).
		WithDetail("step_id", stepID).
		WithDetail("missing", names)
}

// --- Gate errors ---

func GateExhausted(stepID string, iterations int) *Error {
	return Newf(CodeGateExhausted, KindGateFailure, "gate %s exhausted loopback budget after %d iterations", stepID, iterations).
		WithDetail("step_id", stepID).
		WithDetail("iterations", iterations)
}

// HasCode checks if err is an *Error with the given code, unwrapping as
// needed.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Code returns the error code if err is an *Error, empty string otherwise.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; returns "" otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is classified as a retryable handler
// error. Per spec.md §7, every other kind is non-retryable.
func IsRetryable(err error) bool {
	return KindOf(err) == KindHandlerRetryable
}
