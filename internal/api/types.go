package api

import (
	"time"

	"github.com/mattjoyce/trellis/internal/state"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// InvocationListResponse is returned by GET /invocations.
type InvocationListResponse struct {
	Invocations []*state.Invocation `json:"invocations"`
}

// InvocationResponse is returned by GET /invocations/{id}.
type InvocationResponse struct {
	*state.Invocation
	Tasks []state.TaskRun `json:"tasks"`
}

// TaskStateResponse is the last recorded fingerprint of a task.
type TaskStateResponse struct {
	ActionHash string    `json:"action_hash"`
	InputsHash string    `json:"inputs_hash"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TaskHistoryResponse is returned by GET /tasks/{name}.
type TaskHistoryResponse struct {
	Task  string             `json:"task"`
	State *TaskStateResponse `json:"state,omitempty"`
	Runs  []state.TaskRun    `json:"runs"`
}
