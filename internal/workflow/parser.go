// Package workflow parses YAML workflow definitions into internal/types
// Workflow graphs and validates them (schema version, duplicate step ids,
// dependency cycles, dangling requires/creates references).
package workflow

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sdlcerrors "github.com/sdlcflow/sdlcflow/internal/errors"
	"github.com/sdlcflow/sdlcflow/internal/types"
)

// CurrentSchemaVersion is the schema version this parser emits when a
// document omits one, and the highest version it accepts directly.
//
// v1 is the original shape (no gate-driven loopback targeting). v2 adds
// per-step on_gate_fail_goto and per-gate invalidate_transitively; a v1
// document that sets either is rejected rather than silently upgraded,
// since there's no v1 default for "which step to loop back to" that
// wouldn't silently change behavior the author didn't ask for.
const CurrentSchemaVersion = 2

// minSchemaVersion names the schema version at which a given step/gate
// field was introduced. Consulted by parseStep to reject a field used at
// a schema version that predates it.
const (
	minSchemaVersionOnGateFailGoto       = 2
	minSchemaVersionInvalidateTransitive = 2
)

// schemaMigrations maps each upgradeable schema version to the function
// that migrates a decoded document from that version to the next one.
// migrate() walks this table from the document's declared version up to
// CurrentSchemaVersion, so a future v3 only has to describe its delta
// from v2.
var schemaMigrations = map[int]func(*rawDoc){
	1: migrateV1ToV2,
}

// migrateV1ToV2 upgrades a v1 document in place. v1 had no on_gate_fail_goto
// or invalidate_transitively fields, so there's nothing to transform in the
// document itself — parseStep's version gate already guarantees a v1
// document never set them in the first place. The only change is the
// version stamp that downstream parsing and state persistence see.
func migrateV1ToV2(doc *rawDoc) {
	doc.SchemaVersion = 2
}

// rawDoc mirrors the on-disk YAML shape. ParseBytes decodes it in a
// single pass with yaml.v3's KnownFields(true), so unknown keys are
// rejected.
type rawDoc struct {
	ID             string         `yaml:"id"`
	SchemaVersion  int            `yaml:"schema_version"`
	Description    string         `yaml:"description"`
	ExternalInputs []string       `yaml:"external_inputs"`
	Config         *rawConfig     `yaml:"config"`
	Steps          []rawStep      `yaml:"steps"`
}

type rawConfig struct {
	MaxParallel     int            `yaml:"max_parallel"`
	DefaultTimeout  string         `yaml:"default_timeout"`
	MaxLoopback     int            `yaml:"max_loopback"`
	CheckpointEvery int            `yaml:"checkpoint_every"`
	Retry           *rawRetryBlock `yaml:"retry"`
}

type rawRetryBlock struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelay   string  `yaml:"base_delay"`
	Multiplier  float64 `yaml:"multiplier"`
	MaxBackoff  string  `yaml:"max_backoff"`
	JitterFrac  float64 `yaml:"jitter_frac"`
}

type rawGate struct {
	Thresholds             map[string]float64 `yaml:"thresholds"`
	InvalidateTransitively bool                `yaml:"invalidate_transitively"`
}

type rawStep struct {
	ID             string         `yaml:"id"`
	Agent          string         `yaml:"agent"`
	Action         string         `yaml:"action"`
	Requires       []string       `yaml:"requires"`
	Creates        []string       `yaml:"creates"`
	Gate           *rawGate       `yaml:"gate"`
	OnGateFailGoto string         `yaml:"on_gate_fail_goto"`
	Parameters     map[string]any `yaml:"parameters"`
	Timeout        string         `yaml:"timeout"`
	Retry          *rawRetryBlock `yaml:"retry"`
	AllowEmpty     bool           `yaml:"allow_empty"`
	Checksum       bool           `yaml:"checksum"`
}

// ParseFile reads and parses a YAML workflow definition from path.
func ParseFile(path string) (*types.Workflow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open workflow file: %w", err)
	}
	defer f.Close()
	return Parse(f, path)
}

// Parse reads a YAML workflow definition from r and validates it.
func Parse(r io.Reader, sourceName string) (*types.Workflow, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return ParseBytes(content, sourceName)
}

// ParseBytes parses a YAML workflow definition, rejecting unknown fields.
func ParseBytes(content []byte, sourceName string) (*types.Workflow, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(content)))
	dec.KnownFields(true)

	var doc rawDoc
	if err := dec.Decode(&doc); err != nil {
		if strings.Contains(err.Error(), "field") {
			return nil, sdlcerrors.UnknownField(sourceName, err.Error())
		}
		return nil, fmt.Errorf("parse workflow %s: %w", sourceName, err)
	}

	declaredVersion := doc.SchemaVersion
	if declaredVersion == 0 {
		declaredVersion = CurrentSchemaVersion
	}
	if declaredVersion > CurrentSchemaVersion {
		return nil, sdlcerrors.UnsupportedSchemaVersion(declaredVersion)
	}

	wf, err := migrate(&doc, declaredVersion)
	if err != nil {
		return nil, err
	}

	if err := ValidateGraph(wf); err != nil {
		return nil, err
	}

	return wf, nil
}

// migrate converts a decoded document of declaredVersion into the current
// in-memory Workflow representation, first running it through
// schemaMigrations up to CurrentSchemaVersion. Field-level version gating
// (parseStep) is checked against declaredVersion, not the post-migration
// version, so a v1 document can never smuggle in a v2-only field via the
// migration step.
func migrate(doc *rawDoc, declaredVersion int) (*types.Workflow, error) {
	version := declaredVersion
	for version < CurrentSchemaVersion {
		fn, ok := schemaMigrations[version]
		if !ok {
			return nil, fmt.Errorf("no migration registered from schema version %d to %d", version, CurrentSchemaVersion)
		}
		fn(doc)
		version = doc.SchemaVersion
	}

	cfg := types.DefaultConfig()
	if doc.Config != nil {
		if doc.Config.MaxParallel > 0 {
			cfg.MaxParallel = doc.Config.MaxParallel
		}
		if doc.Config.DefaultTimeout != "" {
			d, err := time.ParseDuration(doc.Config.DefaultTimeout)
			if err != nil {
				return nil, fmt.Errorf("config.default_timeout: %w", err)
			}
			cfg.DefaultTimeout = d
		}
		if doc.Config.MaxLoopback > 0 {
			cfg.MaxLoopback = doc.Config.MaxLoopback
		}
		if doc.Config.CheckpointEvery > 0 {
			cfg.CheckpointEvery = doc.Config.CheckpointEvery
		}
		if doc.Config.Retry != nil {
			retry, err := parseRetry(doc.Config.Retry, cfg.Retry)
			if err != nil {
				return nil, fmt.Errorf("config.retry: %w", err)
			}
			cfg.Retry = retry
		}
	}

	wf := &types.Workflow{
		ID:             doc.ID,
		SchemaVersion:  version,
		Description:    doc.Description,
		Config:         cfg,
		ExternalInputs: doc.ExternalInputs,
	}

	for i, rs := range doc.Steps {
		step, err := parseStep(rs, cfg, declaredVersion)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		wf.Steps = append(wf.Steps, step)
	}

	return wf, nil
}

func parseStep(rs rawStep, cfg types.Config, declaredVersion int) (*types.Step, error) {
	if rs.OnGateFailGoto != "" && declaredVersion < minSchemaVersionOnGateFailGoto {
		return nil, sdlcerrors.FieldRequiresSchemaVersion(rs.ID, "on_gate_fail_goto", declaredVersion, minSchemaVersionOnGateFailGoto)
	}

	step := &types.Step{
		ID:             rs.ID,
		Agent:          rs.Agent,
		Action:         rs.Action,
		Requires:       rs.Requires,
		Creates:        rs.Creates,
		OnGateFailGoto: rs.OnGateFailGoto,
		Parameters:     rs.Parameters,
		AllowEmpty:     rs.AllowEmpty,
		Checksum:       rs.Checksum,
	}

	if rs.Gate != nil {
		if rs.Gate.InvalidateTransitively && declaredVersion < minSchemaVersionInvalidateTransitive {
			return nil, sdlcerrors.FieldRequiresSchemaVersion(rs.ID, "gate.invalidate_transitively", declaredVersion, minSchemaVersionInvalidateTransitive)
		}
		for name, threshold := range rs.Gate.Thresholds {
			if threshold < 0 {
				return nil, sdlcerrors.Newf(sdlcerrors.CodeInvalidGateThreshold, sdlcerrors.KindConfiguration,
					"gate threshold %q must be non-negative, got %v", name, threshold)
			}
		}
		step.Gate = &types.Gate{
			Thresholds:             types.GateThresholds(rs.Gate.Thresholds),
			InvalidateTransitively: rs.Gate.InvalidateTransitively,
		}
	}

	if rs.Timeout != "" {
		d, err := time.ParseDuration(rs.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		step.Timeout = d
	}

	if rs.Retry != nil {
		retry, err := parseRetry(rs.Retry, cfg.Retry)
		if err != nil {
			return nil, fmt.Errorf("retry: %w", err)
		}
		step.Retry = &retry
	}

	if err := step.Validate(); err != nil {
		return nil, err
	}

	return step, nil
}

func parseRetry(raw *rawRetryBlock, base types.RetryPolicy) (types.RetryPolicy, error) {
	if raw.MaxAttempts < 0 {
		return types.RetryPolicy{}, sdlcerrors.Newf(sdlcerrors.CodeInvalidRetryCount, sdlcerrors.KindConfiguration,
			"retry.max_attempts must be non-negative, got %d", raw.MaxAttempts)
	}

	policy := base
	if raw.MaxAttempts > 0 {
		policy.MaxAttempts = raw.MaxAttempts
	}
	if raw.BaseDelay != "" {
		d, err := time.ParseDuration(raw.BaseDelay)
		if err != nil {
			return types.RetryPolicy{}, fmt.Errorf("base_delay: %w", err)
		}
		policy.BaseDelay = d
	}
	if raw.Multiplier > 0 {
		policy.Multiplier = raw.Multiplier
	}
	if raw.MaxBackoff != "" {
		d, err := time.ParseDuration(raw.MaxBackoff)
		if err != nil {
			return types.RetryPolicy{}, fmt.Errorf("max_backoff: %w", err)
		}
		policy.MaxBackoff = d
	}
	if raw.JitterFrac > 0 {
		policy.JitterFrac = raw.JitterFrac
	}
	return policy, nil
}

// ValidateGraph checks step-id uniqueness, requires/creates consistency
// against declared external inputs, and dependency-graph acyclicity.
func ValidateGraph(wf *types.Workflow) error {
	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %s: must have at least one step", wf.ID)
	}

	seenIDs := make(map[string]bool, len(wf.Steps))
	for _, s := range wf.Steps {
		if seenIDs[s.ID] {
			return sdlcerrors.DuplicateStepID(s.ID)
		}
		seenIDs[s.ID] = true
	}

	produced := make(map[string]string, len(wf.Steps)) // artifact -> producing step id
	for _, ext := range wf.ExternalInputs {
		produced[ext] = "" // declared external, no producing step
	}
	for _, s := range wf.Steps {
		for _, artifact := range s.Creates {
			produced[artifact] = s.ID
		}
	}

	for _, s := range wf.Steps {
		for _, need := range s.Requires {
			if _, ok := produced[need]; !ok {
				return sdlcerrors.DanglingDependency(s.ID, need)
			}
		}
	}

	if cycle := findCycle(wf); len(cycle) > 0 {
		return sdlcerrors.CyclicDependency(cycle)
	}

	return nil
}

// findCycle performs a DFS over the requires/creates dependency graph and
// returns the first cycle found as an ordered list of step ids, or nil.
func findCycle(wf *types.Workflow) []string {
	producedBy := make(map[string]string, len(wf.Steps))
	for _, s := range wf.Steps {
		for _, artifact := range s.Creates {
			producedBy[artifact] = s.ID
		}
	}

	deps := make(map[string][]string, len(wf.Steps))
	for _, s := range wf.Steps {
		for _, need := range s.Requires {
			if producer, ok := producedBy[need]; ok {
				deps[s.ID] = append(deps[s.ID], producer)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(wf.Steps))
	parent := make(map[string]string, len(wf.Steps))

	var cycle []string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		state[id] = visiting
		for _, dep := range deps[id] {
			if state[dep] == visiting {
				cycle = []string{dep}
				for cur := id; cur != dep; cur = parent[cur] {
					cycle = append([]string{cur}, cycle...)
				}
				cycle = append([]string{dep}, cycle...)
				return true
			}
			if state[dep] == unvisited {
				parent[dep] = id
				if dfs(dep) {
					return true
				}
			}
		}
		state[id] = visited
		return false
	}

	for _, s := range wf.Steps {
		if state[s.ID] == unvisited {
			if dfs(s.ID) {
				return cycle
			}
		}
	}
	return nil
}
