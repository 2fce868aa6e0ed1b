package scheduler

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/trellis/internal/protocol"
	"github.com/mattjoyce/trellis/internal/task"
)

// inputsHash digests everything outside the script that can change a task's
// result: interpreter, environment, file dependencies, the declared outputs
// of other tasks named by output dependencies, and the outputs of task
// dependencies as linked into taskDir. dirOf maps a task name to its task
// directory.
func inputsHash(t task.Task, interpreter []string, taskDir string, dirOf func(string) (string, error)) (string, error) {
	h := blake3.New()
	field := func(tag, value string) {
		fmt.Fprintf(h, "%s:%d:%s\n", tag, len(value), value)
	}

	for _, arg := range interpreter {
		field("interp", arg)
	}

	keys := make([]string, 0, len(t.Env))
	for k := range t.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field("env", k+"="+t.Env[k])
	}

	files := append([]string(nil), t.FileDeps...)
	sort.Strings(files)
	for _, p := range files {
		field("file", p)
		if err := hashPath(h, resolve(taskDir, p)); err != nil {
			return "", fmt.Errorf("fingerprint %s: %w", p, err)
		}
	}

	refs := append([]task.OutputRef(nil), t.OutputDeps...)
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	for _, ref := range refs {
		field("outdep", ref.String())
		producerDir, err := dirOf(ref.Task)
		if err != nil {
			return "", fmt.Errorf("fingerprint %s: %w", ref, err)
		}
		if err := hashPath(h, resolve(producerDir, ref.Path)); err != nil {
			return "", fmt.Errorf("fingerprint %s: %w", ref, err)
		}
	}

	deps := append([]string(nil), t.TaskDeps...)
	sort.Strings(deps)
	for i, dep := range deps {
		if i > 0 && deps[i-1] == dep {
			continue
		}
		field("dep", dep)
		if err := hashPath(h, filepath.Join(taskDir, protocol.InputFileName(dep))); err != nil {
			return "", fmt.Errorf("fingerprint input of %s: %w", dep, err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashPath writes the content of path to h. Directories contribute every
// regular file below them; a missing path contributes a marker so its later
// creation changes the digest.
func hashPath(h io.Writer, path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		_, _ = io.WriteString(h, "missing\n")
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return hashFile(h, path)
	}

	return filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "entry:%d:%s\n", len(rel), rel)
		return hashFile(h, p)
	})
}

func hashFile(h io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sum := blake3.New()
	n, err := io.Copy(sum, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(h, "content:%d:%x\n", n, sum.Sum(nil))
	return nil
}

// outputsPresent reports whether the task's own output file and every
// declared output exist.
func outputsPresent(t task.Task, taskDir string) bool {
	paths := append([]string{filepath.Join(taskDir, protocol.OutputFileName(t.Name))}, t.Outputs...)
	for _, p := range paths {
		if _, err := os.Stat(resolve(taskDir, p)); err != nil {
			return false
		}
	}
	return true
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
