// Package state persists what trellis remembers between invocations: the
// per-task fingerprint used for staleness checks and the run history.
package state

import (
	"errors"
	"time"

	"github.com/mattjoyce/trellis/internal/task"
)

var (
	ErrInvocationNotFound = errors.New("invocation not found")
	ErrNoRecord           = errors.New("no run state recorded")
)

// Record is the last known fingerprint and outcome of one task.
type Record struct {
	Task       string
	ActionHash string
	InputsHash string
	Status     task.Status
	ExitCode   int
	UpdatedAt  time.Time
}

// Matches reports whether a task with the given fingerprint would repeat the
// recorded run.
func (r Record) Matches(actionHash, inputsHash string) bool {
	return r.ActionHash == actionHash && r.InputsHash == inputsHash
}

// InvocationStatus is the overall outcome of one `trellis run`.
type InvocationStatus string

const (
	InvocationRunning   InvocationStatus = "running"
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
	InvocationCancelled InvocationStatus = "cancelled"
)

// InvocationOptions are the settings an invocation was started with.
type InvocationOptions struct {
	Targets  []string
	Jobs     int
	Force    bool
	FailFast bool
}

// Counts tallies terminal task statuses of one invocation.
type Counts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	UpToDate  int `json:"up_to_date"`
}

// Add counts one terminal status.
func (c *Counts) Add(s task.Status) {
	switch s {
	case task.StatusSucceeded:
		c.Succeeded++
	case task.StatusFailed:
		c.Failed++
	case task.StatusSkipped:
		c.Skipped++
	case task.StatusUpToDate:
		c.UpToDate++
	}
}

// Invocation is one row of run history.
type Invocation struct {
	ID         string           `json:"id"`
	Targets    []string         `json:"targets"`
	Jobs       int              `json:"jobs"`
	Force      bool             `json:"force"`
	FailFast   bool             `json:"fail_fast"`
	Status     InvocationStatus `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Counts     Counts           `json:"counts"`
	LastError  string           `json:"last_error,omitempty"`
}

// TaskRun is the outcome of one task within one invocation.
type TaskRun struct {
	InvocationID string        `json:"invocation_id"`
	Task         string        `json:"task"`
	Status       task.Status   `json:"status"`
	Phase        task.Phase    `json:"phase,omitempty"`
	ExitCode     int           `json:"exit_code"`
	ActionHash   string        `json:"action_hash,omitempty"`
	InputsHash   string        `json:"inputs_hash,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	FinishedAt   time.Time     `json:"finished_at"`
	LastError    string        `json:"last_error,omitempty"`
	Stderr       string        `json:"stderr,omitempty"`
}

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
