// Package worktree manages per-step-attempt working directories (spec.md
// §4.4). Each step attempt runs against its own directory so that
// concurrent steps never race on the same files; when the project root is
// a git repository, worktrees are real `git worktree` checkouts, otherwise
// they are plain copies of the project root.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	sdlcerrors "github.com/sdlcflow/sdlcflow/internal/errors"
)

// Handle identifies one acquired worktree, returned to the caller and
// handed back to Release.
type Handle struct {
	StepID  string
	Attempt int
	Path    string
	Branch  string // non-empty only for git-backed worktrees
	isGit   bool
}

// Manager acquires and releases per-attempt worktrees under a single base
// directory, and reconciles orphans left behind by a crashed prior run.
type Manager struct {
	baseDir     string
	projectRoot string
	isGitRepo   bool

	mu     sync.Mutex
	active map[string]*Handle // path -> handle, for ReconcileOrphans bookkeeping
}

// NewManager creates a worktree manager rooted at baseDir, copying or
// branching from projectRoot. isGitRepo is detected once at construction
// by checking for a `.git` entry in projectRoot.
func NewManager(baseDir, projectRoot string) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, sdlcerrors.Wrap(sdlcerrors.CodeWorktreeCreate, sdlcerrors.KindHandlerFatal, "creating worktree base dir", err)
	}
	_, err := os.Stat(filepath.Join(projectRoot, ".git"))
	return &Manager{
		baseDir:     baseDir,
		projectRoot: projectRoot,
		isGitRepo:   err == nil,
		active:      make(map[string]*Handle),
	}, nil
}

// dirName builds a uuid/step-keyed directory name for an attempt, so
// retries of the same step never collide with a prior attempt's leftover
// files even if cleanup of the earlier one failed.
func dirName(stepID string, attempt int) string {
	return fmt.Sprintf("%s-%d-%s", stepID, attempt, uuid.Must(uuid.NewV7()).String())
}

// Acquire creates a fresh worktree for one step attempt. When the project
// is a git repository it runs `git worktree add` on a new branch named
// after the handle's directory; otherwise it recursively copies the
// project root. The caller must call Release exactly once, on every exit
// path, including cancellation and panics (a deferred Release is the
// expected pattern).
func (m *Manager) Acquire(ctx context.Context, stepID string, attempt int) (*Handle, error) {
	name := dirName(stepID, attempt)
	path := filepath.Join(m.baseDir, name)

	h := &Handle{StepID: stepID, Attempt: attempt, Path: path}

	if m.isGitRepo {
		h.Branch = "sdlcflow/" + name
		h.isGit = true
		cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", h.Branch, path, "HEAD")
		cmd.Dir = m.projectRoot
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, sdlcerrors.WorktreeCreateFailed(stepID, fmt.Errorf("%w: %s", err, out))
		}
	} else {
		if err := copyDir(m.projectRoot, path); err != nil {
			return nil, sdlcerrors.WorktreeCreateFailed(stepID, err)
		}
	}

	m.mu.Lock()
	m.active[path] = h
	m.mu.Unlock()
	return h, nil
}

// Release removes a worktree's directory and, for git-backed worktrees,
// prunes the branch and worktree registration. Release is idempotent: a
// missing directory is not an error, since a step's own cleanup or a
// concurrent ReconcileOrphans pass may have already removed it.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	m.mu.Lock()
	delete(m.active, h.Path)
	m.mu.Unlock()

	if h.isGit {
		cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", h.Path)
		cmd.Dir = m.projectRoot
		if out, err := cmd.CombinedOutput(); err != nil && !os.IsNotExist(err) {
			// Worktree metadata can survive even if the directory itself is
			// already gone; fall through to removing the directory directly
			// and still try to prune the branch so repeated runs don't
			// accumulate stale refs.
			_ = os.RemoveAll(h.Path)
			_ = exec.CommandContext(ctx, "git", "worktree", "prune").Run()
		}
		_ = exec.Command("git", "-C", m.projectRoot, "branch", "-D", h.Branch).Run()
		return nil
	}

	if err := os.RemoveAll(h.Path); err != nil {
		return sdlcerrors.Wrap(sdlcerrors.CodeWorktreeCleanup, sdlcerrors.KindHandlerFatal, "removing worktree directory", err)
	}
	return nil
}

// CleanupAll releases every worktree the manager currently believes is
// active, used on fatal shutdown so no directory is left behind.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		_ = m.Release(ctx, h)
	}
}

// ReconcileOrphans scans the base directory for entries the manager has
// no record of — left behind by a process that crashed before it could
// Release — and removes them. Called once at orchestrator startup before
// any step runs. The engine starts no watch afterward; WatchOrphans is a
// separate helper that logs (but does not act on) later removals.
func (m *Manager) ReconcileOrphans(logger interface {
	Warn(msg string, args ...any)
}) error {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(m.baseDir, e.Name())
		if _, tracked := m.active[path]; tracked {
			continue
		}
		if logger != nil {
			logger.Warn("removing orphaned worktree from a prior run", "path", path)
		}
		if err := os.RemoveAll(path); err != nil {
			return sdlcerrors.Wrap(sdlcerrors.CodeWorktreeCleanup, sdlcerrors.KindHandlerFatal, "removing orphaned worktree", err)
		}
	}
	return nil
}

// WatchOrphans starts an fsnotify watch on the base directory and logs
// every removal event in it, including those caused by Release, until ctx
// is cancelled. It runs in the caller's goroutine and returns once the watch
// is torn down.
func WatchOrphans(ctx context.Context, baseDir string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(baseDir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Remove) {
				logger.Warn("worktree removed out of band", "path", ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("worktree watch error", "error", err)
		}
	}
}

// copyDir recursively copies src into dst, creating dst if needed. Used
// for non-git projects where `git worktree add` isn't available.
func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}
