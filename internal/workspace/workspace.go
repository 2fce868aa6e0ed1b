// Package workspace owns the on-disk layout of a trellis workspace:
//
//	<root>/cache/<hash>.<ext>        compiled scripts
//	<root>/tasks/<name>/             per-task working directory
//	<root>/tasks/<name>/output.<name>.json
//	<root>/tasks/<name>/input.<dep>.json
//
// Paths are never stored in the state database, so a workspace can move
// without rewriting history.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/trellis/internal/protocol"
	"github.com/mattjoyce/trellis/internal/task"
)

const (
	cacheDirName = "cache"
	tasksDirName = "tasks"
)

// Workspace is an opened workspace root.
type Workspace struct {
	Root     string
	CacheDir string
	TasksDir string

	now func() time.Time
}

// PrepareReport summarizes a Prepare call.
type PrepareReport struct {
	CreatedDirs   int
	ClearedInputs int
}

// CleanupReport summarizes a prune run.
type CleanupReport struct {
	DeletedScripts  int
	DeletedTaskDirs int
}

// Open creates root and its cache and tasks directories if needed.
func Open(root string) (*Workspace, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace root is empty")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	w := &Workspace{
		Root:     abs,
		CacheDir: filepath.Join(abs, cacheDirName),
		TasksDir: filepath.Join(abs, tasksDirName),
		now:      time.Now,
	}
	for _, dir := range []string{w.Root, w.CacheDir, w.TasksDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace directory %q: %w", dir, err)
		}
	}
	return w, nil
}

// TaskDir returns the working directory of the named task.
func (w *Workspace) TaskDir(name string) (string, error) {
	if err := task.ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(w.TasksDir, name), nil
}

// OutputPath returns where the named task writes its output.
func (w *Workspace) OutputPath(name string) (string, error) {
	dir, err := w.TaskDir(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, protocol.OutputFileName(name)), nil
}

// Prepare creates the directory of every named task and removes input links
// left by an earlier invocation.
func (w *Workspace) Prepare(ctx context.Context, names []string) (PrepareReport, error) {
	var report PrepareReport
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		dir, err := w.TaskDir(name)
		if err != nil {
			return report, err
		}

		info, err := os.Stat(dir)
		switch {
		case errors.Is(err, os.ErrNotExist):
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return report, fmt.Errorf("create task directory %q: %w", name, err)
			}
			report.CreatedDirs++
			continue
		case err != nil:
			return report, fmt.Errorf("stat task directory %q: %w", name, err)
		case !info.IsDir():
			return report, fmt.Errorf("task path for %q is not a directory", name)
		}

		n, err := protocol.ClearInputs(dir)
		report.ClearedInputs += n
		if err != nil {
			return report, fmt.Errorf("clear inputs of task %q: %w", name, err)
		}
	}
	return report, nil
}

// PruneCache removes compiled scripts not modified within olderThan. The
// compiler touches a script each time it reuses one, so the modification
// time is when the script was last compiled or reused.
func (w *Workspace) PruneCache(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(w.CacheDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read cache directory: %w", err)
	}

	cutoff := w.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.Type().IsRegular() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read cache entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(w.CacheDir, entry.Name())); err != nil {
			return report, fmt.Errorf("remove cached script %q: %w", entry.Name(), err)
		}
		report.DeletedScripts++
	}

	return report, nil
}

// PruneTasks removes task directories whose name is not in keep.
func (w *Workspace) PruneTasks(ctx context.Context, keep []string) (CleanupReport, error) {
	entries, err := os.ReadDir(w.TasksDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read tasks directory: %w", err)
	}

	known := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		known[name] = struct{}{}
	}

	report := CleanupReport{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}
		if _, ok := known[entry.Name()]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.TasksDir, entry.Name())); err != nil {
			return report, fmt.Errorf("remove task directory %q: %w", entry.Name(), err)
		}
		report.DeletedTaskDirs++
	}
	return report, nil
}
