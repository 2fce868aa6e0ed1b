// Package lock keeps two trellis invocations from sharing a workspace.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// FileName is the lock file created at the workspace root.
const FileName = "trellis.lock"

var ErrLocked = errors.New("workspace is locked by another invocation")

// WorkspaceLock is an flock(2) on <root>/trellis.lock holding the owner's
// PID. The lock lives as long as the file descriptor stays open.
type WorkspaceLock struct {
	path string
	f    *os.File
}

// Acquire takes the lock for the workspace at root without blocking. When
// another process holds it the error wraps ErrLocked and names that
// process's PID when known.
func Acquire(root string) (*WorkspaceLock, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("workspace root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace directory: %w", err)
	}
	lockPath := filepath.Join(root, FileName)

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, ok := Holder(root); ok {
				return nil, fmt.Errorf("%w (pid %d)", ErrLocked, pid)
			}
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	fail := func(step string, err error) (*WorkspaceLock, error) {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("%s lock file: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return fail("truncate", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fail("seek", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fail("write pid to", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}

	return &WorkspaceLock{path: lockPath, f: f}, nil
}

// Holder reads the PID recorded in the lock file at root.
func Holder(root string) (int, bool) {
	b, err := os.ReadFile(filepath.Join(root, FileName))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (l *WorkspaceLock) Path() string { return l.path }

// Release drops the lock. It is safe to call more than once.
func (l *WorkspaceLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
