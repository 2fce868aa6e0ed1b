// Package task defines the resolved unit of work handed to the execution core.
package task

import (
	"fmt"
	"strings"
)

// Language tags the interpreter an action body is written for.
type Language string

const (
	LanguageBash   Language = "bash"
	LanguagePython Language = "python"
)

// Languages lists every supported action language.
func Languages() []Language {
	return []Language{LanguageBash, LanguagePython}
}

// Valid reports whether l is a supported language.
func (l Language) Valid() bool {
	for _, known := range Languages() {
		if l == known {
			return true
		}
	}
	return false
}

// ActionSpec is the user-authored script body, without shebang, tagged by language.
type ActionSpec struct {
	Language Language
	Body     string
}

// Task is a fully resolved unit of work: parameters substituted, environment
// merged and action body dedented.
type Task struct {
	Name        string
	Description string

	// TaskDeps must complete before this task starts.
	TaskDeps []string
	// FileDeps and OutputDeps only feed the staleness check.
	FileDeps   []string
	OutputDeps []OutputRef
	// Outputs are paths the task writes, relative to its task directory
	// unless absolute.
	Outputs []string

	Env    map[string]string
	Params map[string]any
	Action ActionSpec
}

// OutputRef names a path another task declares in its Outputs.
type OutputRef struct {
	Task string
	Path string
}

func (r OutputRef) String() string {
	return r.Task + ":" + r.Path
}

// Status is the lifecycle state of a task within one invocation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusUpToDate  Status = "up_to_date"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusUpToDate:
		return true
	default:
		return false
	}
}

// Successful reports whether dependents may consume this task's output.
func (s Status) Successful() bool {
	return s == StatusSucceeded || s == StatusUpToDate
}

// Phase names the step of a task attempt in which a failure happened.
type Phase string

const (
	PhasePrepare   Phase = "prepare"
	PhaseCompile   Phase = "compile"
	PhaseExecute   Phase = "execute"
	PhaseSerialize Phase = "serialize"
)

// ValidateName rejects names that cannot be used as a directory or file
// name component.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("task name is empty")
	}
	if trimmed != name {
		return fmt.Errorf("task name %q has surrounding whitespace", name)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("task name %q is invalid", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("task name %q must not contain path separators", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("task name %q contains a control character", name)
		}
	}
	return nil
}
