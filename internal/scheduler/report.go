package scheduler

import (
	"fmt"
	"time"

	"github.com/mattjoyce/trellis/internal/state"
	"github.com/mattjoyce/trellis/internal/task"
)

// TaskError names the task and phase a failure happened in.
type TaskError struct {
	Task  string
	Phase task.Phase
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q failed during %s: %v", e.Task, e.Phase, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// TaskResult is the outcome of one task in one invocation.
type TaskResult struct {
	Name   string
	Status task.Status
	// Phase and Err are set for failed and skipped tasks.
	Phase      task.Phase
	Err        error
	ExitCode   int
	Hash       string
	InputsHash string
	ScriptPath string
	Duration   time.Duration
	Stderr     string
}

// Report collects every task outcome of a Run.
type Report struct {
	InvocationID string
	Results      map[string]*TaskResult
	// Order lists tasks in the order they reached a terminal status.
	Order     []string
	Cancelled bool
	Duration  time.Duration
}

func newReport(invocationID string, names []string) *Report {
	r := &Report{
		InvocationID: invocationID,
		Results:      make(map[string]*TaskResult, len(names)),
	}
	for _, name := range names {
		r.Results[name] = &TaskResult{Name: name, Status: task.StatusPending}
	}
	return r
}

// Result returns the outcome of the named task.
func (r *Report) Result(name string) (*TaskResult, bool) {
	res, ok := r.Results[name]
	return res, ok
}

// Status returns the final status of the named task, or "" if unknown.
func (r *Report) Status(name string) task.Status {
	if res, ok := r.Results[name]; ok {
		return res.Status
	}
	return ""
}

// Failed reports whether any task failed. Skipped tasks alone do not fail an
// invocation.
func (r *Report) Failed() bool {
	for _, res := range r.Results {
		if res.Status == task.StatusFailed {
			return true
		}
	}
	return false
}

// Counts tallies the terminal statuses.
func (r *Report) Counts() state.Counts {
	var c state.Counts
	for _, res := range r.Results {
		c.Add(res.Status)
	}
	return c
}

// Errors returns the errors of failed tasks in completion order.
func (r *Report) Errors() []error {
	var errs []error
	for _, name := range r.Order {
		res := r.Results[name]
		if res.Status == task.StatusFailed && res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errs
}

func (r *Report) finish(res *TaskResult) {
	r.Results[res.Name] = res
	r.Order = append(r.Order, res.Name)
}
