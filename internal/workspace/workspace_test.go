package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := Open(filepath.Join(t.TempDir(), ".trellis"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return w
}

func TestOpenCreatesLayout(t *testing.T) {
	w := openTestWorkspace(t)

	for _, dir := range []string{w.Root, w.CacheDir, w.TasksDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("Stat(%q) error = %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%q is not a directory", dir)
		}
	}
	if !filepath.IsAbs(w.Root) {
		t.Fatalf("Root = %q, want absolute path", w.Root)
	}

	if _, err := Open("   "); err == nil {
		t.Fatalf("Open(blank) expected error")
	}
}

func TestTaskDirValidatesName(t *testing.T) {
	w := openTestWorkspace(t)

	dir, err := w.TaskDir("build")
	if err != nil {
		t.Fatalf("TaskDir() error = %v", err)
	}
	if want := filepath.Join(w.TasksDir, "build"); dir != want {
		t.Fatalf("TaskDir() = %q, want %q", dir, want)
	}

	out, err := w.OutputPath("build")
	if err != nil {
		t.Fatalf("OutputPath() error = %v", err)
	}
	if want := filepath.Join(w.TasksDir, "build", "output.build.json"); out != want {
		t.Fatalf("OutputPath() = %q, want %q", out, want)
	}

	for _, bad := range []string{"", "..", "a/b", `a\b`} {
		if _, err := w.TaskDir(bad); err == nil {
			t.Fatalf("TaskDir(%q) expected error", bad)
		}
	}
}

func TestPrepareCreatesDirsAndClearsInputs(t *testing.T) {
	w := openTestWorkspace(t)
	ctx := context.Background()

	report, err := w.Prepare(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if report.CreatedDirs != 2 {
		t.Fatalf("CreatedDirs = %d, want 2", report.CreatedDirs)
	}

	bDir, _ := w.TaskDir("b")
	stale := filepath.Join(bDir, "input.a.json")
	if err := os.Symlink(filepath.Join(w.TasksDir, "a", "output.a.json"), stale); err != nil {
		t.Fatalf("Symlink() error = %v", err)
	}
	keep := filepath.Join(bDir, "output.b.json")
	if err := os.WriteFile(keep, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	report, err = w.Prepare(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if report.CreatedDirs != 0 || report.ClearedInputs != 1 {
		t.Fatalf("Prepare() report = %+v, want 0 created, 1 cleared", report)
	}
	if _, err := os.Lstat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale input should be removed, err = %v", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("own output should survive Prepare, err = %v", err)
	}
}

func TestPrepareHonoursContext(t *testing.T) {
	w := openTestWorkspace(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := w.Prepare(ctx, []string{"a"}); err == nil {
		t.Fatalf("Prepare() with cancelled context expected error")
	}
}

func TestPruneCache(t *testing.T) {
	w := openTestWorkspace(t)
	oldScript := filepath.Join(w.CacheDir, "0123456789abcdef.sh")
	newScript := filepath.Join(w.CacheDir, "fedcba9876543210.py")
	for _, p := range []string{oldScript, newScript} {
		if err := os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}

	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldScript, oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	report, err := w.PruneCache(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneCache() error = %v", err)
	}
	if report.DeletedScripts != 1 {
		t.Fatalf("DeletedScripts = %d, want 1", report.DeletedScripts)
	}
	if _, err := os.Stat(oldScript); !os.IsNotExist(err) {
		t.Fatalf("old script should be deleted, err = %v", err)
	}
	if _, err := os.Stat(newScript); err != nil {
		t.Fatalf("new script should still exist, err = %v", err)
	}

	if _, err := w.PruneCache(context.Background(), 0); err == nil {
		t.Fatalf("PruneCache(0) expected error")
	}
}

func TestPruneTasks(t *testing.T) {
	w := openTestWorkspace(t)
	if _, err := w.Prepare(context.Background(), []string{"keep", "gone"}); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	report, err := w.PruneTasks(context.Background(), []string{"keep"})
	if err != nil {
		t.Fatalf("PruneTasks() error = %v", err)
	}
	if report.DeletedTaskDirs != 1 {
		t.Fatalf("DeletedTaskDirs = %d, want 1", report.DeletedTaskDirs)
	}
	if _, err := os.Stat(filepath.Join(w.TasksDir, "gone")); !os.IsNotExist(err) {
		t.Fatalf("undeclared task directory should be deleted, err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(w.TasksDir, "keep")); err != nil {
		t.Fatalf("declared task directory should remain, err = %v", err)
	}
}
