// Package statestore implements sdlcflow's durable, event-sourced workflow
// state: an append-only event log, periodic snapshotting with atomic
// write-temp/rename, and replay-from-snapshot-plus-events recovery.
// Grounded on the teacher's orchestrator.StatePersister flock+atomic-rename
// discipline, generalized from a single mutable OrchestratorState file to a
// full event log plus rotating snapshots.
package statestore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"

	sdlcerrors "github.com/sdlcflow/sdlcflow/internal/errors"
	"github.com/sdlcflow/sdlcflow/internal/types"
)

const (
	eventsFile       = "events.log"
	snapshotFile     = "last.json"
	lockFile         = "store.lock"
	taskManifestFile = "task-manifest.md"
)

// CheckpointPolicy decides when Append should trigger a snapshot write.
type CheckpointPolicy struct {
	Mode     string // every_step, every_n, gates_only, interval, manual
	EveryN   int
	Interval time.Duration
}

// Store is the on-disk event-sourced state store for a single workflow run.
// One Store instance corresponds to one workflow directory
// <stateDir>/<workflowID>/.
type Store struct {
	dir              string
	workflowID       string
	lock             *os.File
	policy           CheckpointPolicy
	historyRetention int

	eventsSinceCheckpoint int
	lastCheckpointAt      time.Time
}

// Open returns a Store rooted at <stateDir>/<workflowID>, creating the
// directory tree if needed.
func Open(stateDir, workflowID string, policy CheckpointPolicy, historyRetention int) (*Store, error) {
	dir := filepath.Join(stateDir, workflowID)
	if err := os.MkdirAll(filepath.Join(dir, "history"), 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	if historyRetention <= 0 {
		historyRetention = 20
	}
	return &Store{
		dir:              dir,
		workflowID:       workflowID,
		policy:           policy,
		historyRetention: historyRetention,
	}, nil
}

// Init creates a fresh WorkflowState for workflowID and appends the
// workflow_initialized event that starts its log.
func (s *Store) Init(schemaVersion int, now time.Time) (*types.WorkflowState, error) {
	state := types.NewWorkflowState(s.workflowID, schemaVersion)
	state.CreatedAt = now
	state.UpdatedAt = now
	return s.Append(state, &types.Event{Kind: types.EventWorkflowInitialized, Timestamp: now})
}

// AcquireLock takes an exclusive, non-blocking flock on the workflow
// directory so two engines never drive the same workflow concurrently.
func (s *Store) AcquireLock() error {
	path := filepath.Join(s.dir, lockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return fmt.Errorf("workflow %s is already being driven by another process", s.workflowID)
		}
		return fmt.Errorf("acquiring lock: %w", err)
	}
	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	s.lock = f
	return nil
}

// ReadLockPID reads the PID recorded in a workflow's lock file without
// acquiring it, for a CLI `cancel` command to signal the process actually
// driving the workflow. Returns an error if the workflow was never locked
// (never run, or cleanly shut down).
func ReadLockPID(stateDir, workflowID string) (int, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, workflowID, lockFile))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing lock file: %w", err)
	}
	return pid, nil
}

// ReleaseLock releases the exclusive lock acquired by AcquireLock.
func (s *Store) ReleaseLock() error {
	if s.lock == nil {
		return nil
	}
	if err := syscall.Flock(int(s.lock.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	if err := s.lock.Close(); err != nil {
		return fmt.Errorf("closing lock file: %w", err)
	}
	os.Remove(filepath.Join(s.dir, lockFile))
	s.lock = nil
	return nil
}

// Append writes one event to the append-only log, assigning it the next
// sequence number, and applies it to the given in-memory state. It
// checkpoints according to the configured policy.
func (s *Store) Append(state *types.WorkflowState, ev *types.Event) (*types.WorkflowState, error) {
	f, err := os.OpenFile(filepath.Join(s.dir, eventsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, sdlcerrors.Wrap(sdlcerrors.CodeIOWriteError, sdlcerrors.KindStatePersistence, "opening event log", err)
	}
	defer f.Close()

	ev.Sequence = state.LastSequence + 1
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshaling event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return nil, sdlcerrors.Wrap(sdlcerrors.CodeIOWriteError, sdlcerrors.KindStatePersistence, "appending event", err)
	}
	if err := f.Sync(); err != nil {
		return nil, sdlcerrors.Wrap(sdlcerrors.CodeIOWriteError, sdlcerrors.KindStatePersistence, "fsyncing event log", err)
	}

	next := Apply(state, ev)
	s.eventsSinceCheckpoint++

	if s.shouldCheckpoint(ev) {
		if err := s.Checkpoint(next); err != nil {
			return next, err
		}
	}

	return next, nil
}

func (s *Store) shouldCheckpoint(ev *types.Event) bool {
	switch s.policy.Mode {
	case "manual":
		return false
	case "gates_only":
		return ev.Kind == types.EventGatePassed || ev.Kind == types.EventGateFailed
	case "every_n":
		n := s.policy.EveryN
		if n <= 0 {
			n = 1
		}
		if s.eventsSinceCheckpoint >= n {
			s.eventsSinceCheckpoint = 0
			return true
		}
		return false
	case "interval":
		if s.policy.Interval <= 0 {
			return true
		}
		if time.Since(s.lastCheckpointAt) >= s.policy.Interval {
			s.lastCheckpointAt = time.Now()
			return true
		}
		return false
	default: // every_step
		return true
	}
}

// snapshotEnvelope is the on-disk shape of last.json: the state plus a
// checksum of its own canonical JSON encoding, so a half-written or
// corrupted snapshot is detected rather than silently loaded.
type snapshotEnvelope struct {
	Checksum string              `json:"checksum"`
	State    *types.WorkflowState `json:"state"`
}

// Checkpoint atomically writes a snapshot of state to last.json (via
// write-temp/fsync/rename), rotates the previous snapshot into history/,
// and regenerates the task manifest.
func (s *Store) Checkpoint(state *types.WorkflowState) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	sum := fmt.Sprintf("%016x", xxhash.Sum64(body))

	env := snapshotEnvelope{Checksum: sum, State: state}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	snapPath := filepath.Join(s.dir, snapshotFile)

	if _, err := os.Stat(snapPath); err == nil {
		if err := s.rotateToHistory(snapPath); err != nil {
			return err
		}
	}

	if err := atomicWrite(snapPath, data); err != nil {
		return sdlcerrors.Wrap(sdlcerrors.CodeIOWriteError, sdlcerrors.KindStatePersistence, "writing snapshot", err)
	}

	if err := s.writeTaskManifest(state); err != nil {
		return err
	}

	return nil
}

func (s *Store) rotateToHistory(snapPath string) error {
	prev, err := os.ReadFile(snapPath)
	if err != nil {
		return nil // nothing to rotate
	}
	histDir := filepath.Join(s.dir, "history")
	if err := os.MkdirAll(histDir, 0755); err != nil {
		return err
	}
	histPath := filepath.Join(histDir, fmt.Sprintf("%d.json", time.Now().UnixNano()))
	if err := atomicWrite(histPath, prev); err != nil {
		return err
	}
	return s.pruneHistory(histDir)
}

func (s *Store) pruneHistory(histDir string) error {
	entries, err := os.ReadDir(histDir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for len(names) > s.historyRetention {
		os.Remove(filepath.Join(histDir, names[0]))
		names = names[1:]
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Load reconstructs WorkflowState by reading the last snapshot (verifying
// its checksum) and replaying every event appended after it. If the
// snapshot is missing or corrupt, it falls back to the most recent valid
// history entry, and failing that to a full replay from an empty state.
func (s *Store) Load() (*types.WorkflowState, error) {
	state, snapshotSeq, err := s.loadSnapshot()
	if err != nil {
		state, snapshotSeq = nil, 0
	}

	events, err := s.readEventsAfter(snapshotSeq)
	if err != nil {
		return nil, sdlcerrors.Wrap(sdlcerrors.CodeIOReadError, sdlcerrors.KindStatePersistence, "reading event log", err)
	}

	if state == nil {
		state = types.NewWorkflowState(s.workflowID, 0)
		all, err := s.readEventsAfter(0)
		if err != nil {
			return nil, sdlcerrors.StateUnrecoverable(s.workflowID, err)
		}
		events = all
	}

	for _, ev := range events {
		state = Apply(state, ev)
	}

	if err := state.ValidateInvariants(); err != nil {
		return nil, sdlcerrors.StateInvariant(s.workflowID, err)
	}

	return state, nil
}

func (s *Store) loadSnapshot() (*types.WorkflowState, int64, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, snapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return s.loadFromHistory()
	}

	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return s.loadFromHistory()
	}

	body, err := json.Marshal(env.State)
	if err != nil {
		return s.loadFromHistory()
	}
	sum := fmt.Sprintf("%016x", xxhash.Sum64(body))
	if sum != env.Checksum {
		return s.loadFromHistory()
	}

	return env.State, env.State.LastSequence, nil
}

func (s *Store) loadFromHistory() (*types.WorkflowState, int64, error) {
	histDir := filepath.Join(s.dir, "history")
	entries, err := os.ReadDir(histDir)
	if err != nil || len(entries) == 0 {
		return nil, 0, fmt.Errorf("no valid snapshot or history available")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(histDir, name))
		if err != nil {
			continue
		}
		var env snapshotEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		body, err := json.Marshal(env.State)
		if err != nil {
			continue
		}
		sum := fmt.Sprintf("%016x", xxhash.Sum64(body))
		if sum != env.Checksum {
			continue
		}
		return env.State, env.State.LastSequence, nil
	}
	return nil, 0, fmt.Errorf("no valid snapshot or history available")
}

func (s *Store) readEventsAfter(seq int64) ([]*types.Event, error) {
	f, err := os.Open(filepath.Join(s.dir, eventsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []*types.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue // tolerate a torn trailing line from a crash mid-append
		}
		if ev.Sequence > seq {
			events = append(events, &ev)
		}
	}
	return events, scanner.Err()
}

// writeTaskManifest regenerates a human-readable markdown summary of the
// workflow state, written next to the snapshot for a quick `cat`; the
// `sdlcflow status` command renders its own summary and does not read it.
func (s *Store) writeTaskManifest(state *types.WorkflowState) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Workflow %s\n\n", state.WorkflowID)
	fmt.Fprintf(&b, "Status: %s\n\n", state.Status)
	fmt.Fprintf(&b, "## Steps\n\n")

	completed := make([]string, 0, len(state.CompletedSteps))
	for id := range state.CompletedSteps {
		completed = append(completed, id)
	}
	sort.Strings(completed)
	for _, id := range completed {
		fmt.Fprintf(&b, "- [x] %s\n", id)
	}

	failed := make([]string, 0, len(state.FailedSteps))
	for id := range state.FailedSteps {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		fmt.Fprintf(&b, "- [!] %s (failed)\n", id)
	}

	for _, id := range state.RunningStepIDs() {
		fmt.Fprintf(&b, "- [ ] %s (running)\n", id)
	}

	if len(state.Artifacts) > 0 {
		fmt.Fprintf(&b, "\n## Artifacts\n\n")
		names := make([]string, 0, len(state.Artifacts))
		for name := range state.Artifacts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			a := state.Artifacts[name]
			fmt.Fprintf(&b, "- %s (%s, created by %s)\n", name, a.Status, a.CreatedBy)
		}
	}

	return atomicWrite(filepath.Join(s.dir, taskManifestFile), []byte(b.String()))
}
