package scheduler

import (
	"context"

	"github.com/mattjoyce/trellis/internal/action"
	"github.com/mattjoyce/trellis/internal/process"
	"github.com/mattjoyce/trellis/internal/state"
	"github.com/mattjoyce/trellis/internal/task"
)

//go:generate mockgen -destination=mocks/mock_runstate.go -package=mocks github.com/mattjoyce/trellis/internal/scheduler RunStateStore

// RunStateStore remembers what each task last ran with. Lookup returns
// state.ErrNoRecord for a task that never ran.
type RunStateStore interface {
	Lookup(ctx context.Context, name string) (state.Record, error)
	Record(ctx context.Context, rec state.Record) error
	RecordTaskRun(ctx context.Context, run state.TaskRun) error
}

// ActionCompiler turns a task's action into a script on disk.
type ActionCompiler interface {
	Compile(spec task.ActionSpec, t task.Task, taskDir string) (*action.ProcessedAction, error)
}

// ProcessRunner executes a compiled script.
type ProcessRunner interface {
	Run(ctx context.Context, req process.Request) (*process.Result, error)
}

var (
	_ RunStateStore  = (*state.Store)(nil)
	_ ActionCompiler = (*action.Compiler)(nil)
	_ ProcessRunner  = (*process.Adapter)(nil)
)
