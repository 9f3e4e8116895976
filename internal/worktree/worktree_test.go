package worktree

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireRelease_NonGitProject(t *testing.T) {
	project := t.TempDir()
	if err := os.WriteFile(filepath.Join(project, "README.md"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	base := t.TempDir()

	mgr, err := NewManager(base, project)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if mgr.isGitRepo {
		t.Fatal("expected isGitRepo false for a plain directory")
	}

	h, err := mgr.Acquire(context.Background(), "implement", 1)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.Path, "README.md")); err != nil {
		t.Fatalf("expected README.md copied into worktree: %v", err)
	}

	if err := mgr.Release(context.Background(), h); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(h.Path); !os.IsNotExist(err) {
		t.Fatal("expected worktree directory removed after Release")
	}
}

func TestAcquire_DistinctAttemptsGetDistinctPaths(t *testing.T) {
	project := t.TempDir()
	base := t.TempDir()
	mgr, err := NewManager(base, project)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	h1, err := mgr.Acquire(context.Background(), "implement", 1)
	if err != nil {
		t.Fatalf("Acquire(1) failed: %v", err)
	}
	defer mgr.Release(context.Background(), h1)

	h2, err := mgr.Acquire(context.Background(), "implement", 2)
	if err != nil {
		t.Fatalf("Acquire(2) failed: %v", err)
	}
	defer mgr.Release(context.Background(), h2)

	if h1.Path == h2.Path {
		t.Fatalf("expected distinct paths for distinct attempts, got %s twice", h1.Path)
	}
}

func TestReconcileOrphans_RemovesUntrackedDirs(t *testing.T) {
	project := t.TempDir()
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "orphan-leftover"), 0o755); err != nil {
		t.Fatal(err)
	}

	mgr, err := NewManager(base, project)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := mgr.ReconcileOrphans(nil); err != nil {
		t.Fatalf("ReconcileOrphans failed: %v", err)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected base dir empty after reconciliation, got %v", entries)
	}
}

func TestReconcileOrphans_LeavesActiveWorktreesAlone(t *testing.T) {
	project := t.TempDir()
	base := t.TempDir()
	mgr, err := NewManager(base, project)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	h, err := mgr.Acquire(context.Background(), "implement", 1)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer mgr.Release(context.Background(), h)

	if err := mgr.ReconcileOrphans(nil); err != nil {
		t.Fatalf("ReconcileOrphans failed: %v", err)
	}
	if _, err := os.Stat(h.Path); err != nil {
		t.Fatalf("expected active worktree to survive reconciliation: %v", err)
	}
}

func TestCleanupAll_RemovesEverything(t *testing.T) {
	project := t.TempDir()
	base := t.TempDir()
	mgr, err := NewManager(base, project)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	h1, _ := mgr.Acquire(context.Background(), "a", 1)
	h2, _ := mgr.Acquire(context.Background(), "b", 1)

	mgr.CleanupAll(context.Background())

	for _, h := range []*Handle{h1, h2} {
		if _, err := os.Stat(h.Path); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed by CleanupAll", h.Path)
		}
	}
}
