// Package action compiles a task's declared script body into a runnable,
// content-addressed script with generated setup and teardown code.
//
// Every generated script:
//   - exports TASK_DIR, the task's own directory (also its working directory)
//   - exposes resolved parameters as PARAMS
//   - loads each dependency's input.<dep>.json into INPUT under "dep.key"
//   - runs the user body verbatim; a bash body keeps plain script semantics,
//     so only its final status fails the task and no OUTPUT is written then
//   - writes OUTPUT to output.<task>.json through a temp file and a rename
//
// Scripts live at <cache_dir>/<hash>.<ext>. The hash covers the language and
// the complete script text, so two compiles with the same inputs share one
// file and the second one writes nothing.
package action

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/trellis/internal/log"
	"github.com/mattjoyce/trellis/internal/task"
)

// HashLength is the number of hex characters kept from the script digest.
const HashLength = 16

// SerializeExitCode is the exit status a generated epilogue uses when OUTPUT
// cannot be serialized or written.
const SerializeExitCode = 86

var (
	ErrEmptyAction         = errors.New("empty action")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrCompileIO           = errors.New("compile io failure")
)

// ProcessedAction is the compiled, hashed and executable form of an action.
type ProcessedAction struct {
	Task     string
	Language task.Language
	Path     string
	Script   string
	Hash     string
	// Reused is set when the cache already held the script.
	Reused bool
}

// generator renders the language-specific parts of a script. The set of
// generators is closed; adding a language means adding one entry to
// generators.
type generator interface {
	extension() string
	prologue(in scriptInput) (string, error)
	epilogue(in scriptInput) string
}

type scriptInput struct {
	task    task.Task
	taskDir string
	body    string
}

var generators = map[task.Language]generator{
	task.LanguageBash:   bashGenerator{},
	task.LanguagePython: pythonGenerator{},
}

// DefaultInterpreters maps each language to the command used to run its
// scripts; the script path is appended as the last argument.
func DefaultInterpreters() map[task.Language][]string {
	return map[task.Language][]string{
		task.LanguageBash:   {"bash"},
		task.LanguagePython: {"python3"},
	}
}

// Compiler turns action specs into cached scripts.
type Compiler struct {
	cacheDir string
	logger   *slog.Logger
}

// NewCompiler returns a compiler writing scripts below cacheDir.
func NewCompiler(cacheDir string) (*Compiler, error) {
	if strings.TrimSpace(cacheDir) == "" {
		return nil, fmt.Errorf("cache directory is empty")
	}
	return &Compiler{
		cacheDir: filepath.Clean(cacheDir),
		logger:   log.WithComponent("action"),
	}, nil
}

// Compile renders spec for t, running in taskDir, and stores the result in
// the cache.
func (c *Compiler) Compile(spec task.ActionSpec, t task.Task, taskDir string) (*ProcessedAction, error) {
	gen, ok := generators[spec.Language]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, spec.Language)
	}

	body := Normalize(spec.Body)
	if body == "" {
		return nil, fmt.Errorf("%w: task %q", ErrEmptyAction, t.Name)
	}

	in := scriptInput{task: t, taskDir: taskDir, body: body}
	pro, err := gen.prologue(in)
	if err != nil {
		return nil, fmt.Errorf("render prologue for task %q: %w", t.Name, err)
	}

	var sb strings.Builder
	sb.WriteString(pro)
	sb.WriteString("\n# --- task body ---\n")
	sb.WriteString(body)
	sb.WriteString("\n\n# --- epilogue ---\n")
	sb.WriteString(gen.epilogue(in))
	script := sb.String()

	pa := &ProcessedAction{
		Task:     t.Name,
		Language: spec.Language,
		Script:   script,
		Hash:     Hash(spec.Language, script),
	}
	pa.Path = filepath.Join(c.cacheDir, pa.Hash+"."+gen.extension())

	reused, err := c.store(pa.Path, script)
	if err != nil {
		return nil, err
	}
	pa.Reused = reused

	c.logger.Debug("action compiled", "task", t.Name, "hash", pa.Hash, "path", pa.Path, "reused", reused)
	return pa, nil
}

// store writes script to path unless a file is already there. The file is
// made executable and appears atomically.
func (c *Compiler) store(path, script string) (bool, error) {
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		// Reuse marks the script as live for cache pruning.
		now := time.Now()
		if err := os.Chtimes(path, now, now); err != nil {
			c.logger.Debug("failed to touch cached script", "path", path, "error", err)
		}
		return true, nil
	}

	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return false, fmt.Errorf("%w: create cache directory: %v", ErrCompileIO, err)
	}

	tmp, err := os.CreateTemp(c.cacheDir, ".script-*.tmp")
	if err != nil {
		return false, fmt.Errorf("%w: create temp script: %v", ErrCompileIO, err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.WriteString(script); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("%w: write script: %v", ErrCompileIO, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("%w: close script: %v", ErrCompileIO, err)
	}
	if err := os.Chmod(tmpPath, 0o755); err != nil {
		return false, fmt.Errorf("%w: chmod script: %v", ErrCompileIO, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return false, fmt.Errorf("%w: install script: %v", ErrCompileIO, err)
	}
	return false, nil
}

// Hash returns the cache key for script written in lang.
func Hash(lang task.Language, script string) string {
	h := blake3.New()
	writeField := func(s string) {
		var n [8]byte
		l := uint64(len(s))
		for i := 7; i >= 0; i-- {
			n[i] = byte(l)
			l >>= 8
		}
		_, _ = h.Write(n[:])
		_, _ = h.Write([]byte(s))
	}
	writeField(string(lang))
	writeField(script)
	return hex.EncodeToString(h.Sum(nil))[:HashLength]
}
