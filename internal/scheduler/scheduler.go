// Package scheduler runs a task graph with bounded parallelism.
//
// One coordinator goroutine owns all completion state. Workers receive task
// names, compile, check staleness and execute, then hand a TaskResult back.
// Linking outputs into dependents, skip propagation and dispatch all happen
// on the coordinator, so no task state is shared between goroutines.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/trellis/internal/action"
	"github.com/mattjoyce/trellis/internal/events"
	"github.com/mattjoyce/trellis/internal/graph"
	"github.com/mattjoyce/trellis/internal/log"
	"github.com/mattjoyce/trellis/internal/process"
	"github.com/mattjoyce/trellis/internal/protocol"
	"github.com/mattjoyce/trellis/internal/state"
	"github.com/mattjoyce/trellis/internal/task"
	"github.com/mattjoyce/trellis/internal/workspace"
)

var (
	ErrDependencyFailed = errors.New("dependency failed")
	ErrFailFast         = errors.New("stopped after an earlier failure")
)

// Options tune one Run.
type Options struct {
	// Jobs bounds the number of tasks running at once. Values below 1 mean 1.
	Jobs int
	// FailFast stops dispatching after the first failure; everything not yet
	// started is skipped. Without it only the failed task's dependents are
	// skipped.
	FailFast bool
	// Force runs every task even when its fingerprint is unchanged.
	Force bool
	// Interpreters overrides action.DefaultInterpreters per language.
	Interpreters map[task.Language][]string
	// InvocationID tags run history rows. History is not written without it.
	InvocationID string
}

// Deps are the collaborators of a Scheduler. State and Events are optional.
type Deps struct {
	Workspace *workspace.Workspace
	Compiler  ActionCompiler
	Runner    ProcessRunner
	State     RunStateStore
	Events    *events.Hub
	Logger    *slog.Logger
}

// Scheduler executes one graph.
type Scheduler struct {
	graph  *graph.Graph
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// New returns a scheduler for g.
func New(g *graph.Graph, deps Deps, opts Options) (*Scheduler, error) {
	if g == nil {
		return nil, fmt.Errorf("graph is nil")
	}
	if deps.Workspace == nil || deps.Compiler == nil || deps.Runner == nil {
		return nil, fmt.Errorf("workspace, compiler and runner are required")
	}
	if opts.Jobs < 1 {
		opts.Jobs = 1
	}
	interpreters := action.DefaultInterpreters()
	for lang, argv := range opts.Interpreters {
		if len(argv) > 0 {
			interpreters[lang] = argv
		}
	}
	opts.Interpreters = interpreters

	logger := deps.Logger
	if logger == nil {
		logger = log.Get()
	}
	logger = logger.With("component", "scheduler")
	if opts.InvocationID != "" {
		logger = logger.With("run_id", opts.InvocationID)
	}

	return &Scheduler{graph: g, deps: deps, opts: opts, logger: logger}, nil
}

// run is the coordinator's mutable view of one invocation.
type run struct {
	report     *Report
	successful graph.Set
	claimed    graph.Set
	stopping   bool
	stopReason error
}

// Run executes every task of the graph and returns the report. When ctx ends
// the report is still returned, together with ctx.Err().
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	names := s.graph.Names()
	r := &run{
		report:     newReport(s.opts.InvocationID, names),
		successful: graph.NewSet(),
		claimed:    graph.NewSet(),
	}
	// Bookkeeping must survive cancellation of the run itself.
	bookCtx := context.WithoutCancel(ctx)

	s.deps.Events.Publish(events.TypeRunStarted, events.RunStarted{
		InvocationID: s.opts.InvocationID,
		Tasks:        names,
		Jobs:         s.opts.Jobs,
	})
	s.logger.Info("run started", "tasks", len(names), "jobs", s.opts.Jobs, "fail_fast", s.opts.FailFast, "force", s.opts.Force)

	if _, err := s.deps.Workspace.Prepare(ctx, names); err != nil {
		if ctx.Err() == nil {
			return nil, fmt.Errorf("prepare workspace: %w", err)
		}
		r.stop(ctx.Err())
	}

	workCh := make(chan string, s.opts.Jobs)
	doneCh := make(chan *TaskResult, s.opts.Jobs)
	var workers errgroup.Group
	for i := 0; i < s.opts.Jobs; i++ {
		workers.Go(func() error {
			for name := range workCh {
				doneCh <- s.execute(ctx, name)
			}
			return nil
		})
	}

	inFlight := 0
	done := ctx.Done()
	for {
		if !r.stopping && ctx.Err() != nil {
			r.stop(ctx.Err())
		}
		if !r.stopping {
			for _, name := range s.graph.ReadySet(r.successful, r.claimed) {
				if inFlight >= s.opts.Jobs {
					break
				}
				r.claimed.Add(name)
				r.report.Results[name].Status = task.StatusRunning
				s.deps.Events.Publish(events.TypeTaskStarted, events.TaskStarted{Task: name})
				inFlight++
				workCh <- name
			}
		}
		if inFlight == 0 {
			break
		}

		select {
		case <-done:
			done = nil
			s.logger.Warn("run cancelled, waiting for running tasks", "running", inFlight)
			r.stop(ctx.Err())
		case res := <-doneCh:
			inFlight--
			s.complete(bookCtx, r, res)
		}
	}

	close(workCh)
	_ = workers.Wait()

	// Whatever is still unclaimed never became ready.
	for _, name := range names {
		if r.claimed.Has(name) {
			continue
		}
		reason := r.stopReason
		if reason == nil {
			reason = fmt.Errorf("task %q never became ready", name)
		}
		s.skip(bookCtx, r, name, reason)
	}

	r.report.Duration = time.Since(start)
	r.report.Cancelled = ctx.Err() != nil
	counts := r.report.Counts()
	s.deps.Events.Publish(events.TypeRunFinished, events.RunFinished{
		InvocationID: s.opts.InvocationID,
		Succeeded:    counts.Succeeded,
		Failed:       counts.Failed,
		Skipped:      counts.Skipped,
		UpToDate:     counts.UpToDate,
		Cancelled:    r.report.Cancelled,
	})
	s.logger.Info("run finished",
		"succeeded", counts.Succeeded,
		"failed", counts.Failed,
		"skipped", counts.Skipped,
		"up_to_date", counts.UpToDate,
		"duration", r.report.Duration,
	)

	if err := ctx.Err(); err != nil {
		return r.report, err
	}
	return r.report, nil
}

func (r *run) stop(reason error) {
	if r.stopping {
		return
	}
	r.stopping = true
	r.stopReason = reason
}

// complete is the single completion path. It runs on the coordinator only.
func (s *Scheduler) complete(ctx context.Context, r *run, res *TaskResult) {
	r.claimed.Add(res.Name)
	r.report.finish(res)
	s.persist(ctx, res)
	s.publishFinished(res)

	logger := s.logger.With("task", res.Name)
	switch {
	case res.Status.Successful():
		logger.Info("task finished", "status", res.Status, "duration", res.Duration)
		r.successful.Add(res.Name)
		s.linkDependents(ctx, r, res.Name)

	case res.Status == task.StatusFailed:
		logger.Error("task failed", "phase", res.Phase, "exit_code", res.ExitCode, "error", res.Err)
		if s.opts.FailFast {
			r.stop(fmt.Errorf("%w: task %q", ErrFailFast, res.Name))
			for _, name := range s.graph.Names() {
				if !r.claimed.Has(name) {
					s.skip(ctx, r, name, r.stopReason)
				}
			}
			return
		}
		for _, name := range s.graph.Descendants(res.Name) {
			if !r.claimed.Has(name) {
				s.skip(ctx, r, name, fmt.Errorf("%w: %q", ErrDependencyFailed, res.Name))
			}
		}

	default:
		logger.Info("task skipped", "error", res.Err)
	}
}

// linkDependents exposes name's output to each direct dependent. A dependent
// whose link cannot be created fails in the prepare phase.
func (s *Scheduler) linkDependents(ctx context.Context, r *run, name string) {
	out, err := s.deps.Workspace.OutputPath(name)
	if err != nil {
		s.logger.Error("resolve output path", "task", name, "error", err)
		return
	}
	for _, dep := range s.graph.Dependents(name) {
		if r.claimed.Has(dep) {
			continue
		}
		dir, err := s.deps.Workspace.TaskDir(dep)
		if err == nil {
			err = protocol.LinkInput(dir, name, out)
		}
		if err != nil {
			s.complete(ctx, r, &TaskResult{
				Name:   dep,
				Status: task.StatusFailed,
				Phase:  task.PhasePrepare,
				Err:    &TaskError{Task: dep, Phase: task.PhasePrepare, Err: err},
			})
		}
	}
}

func (s *Scheduler) skip(ctx context.Context, r *run, name string, reason error) {
	r.claimed.Add(name)
	res := &TaskResult{Name: name, Status: task.StatusSkipped, Err: reason}
	r.report.finish(res)
	s.persist(ctx, res)
	s.publishFinished(res)
	s.logger.Debug("task skipped", "task", name, "reason", reason)
}

// persist records res in run state and history. Storage problems are logged;
// they never change a task's outcome.
func (s *Scheduler) persist(ctx context.Context, res *TaskResult) {
	if s.deps.State == nil {
		return
	}
	// Skipped tasks were never evaluated; their previous fingerprint stays.
	if res.Status != task.StatusSkipped && res.Hash != "" {
		rec := state.Record{
			Task:       res.Name,
			ActionHash: res.Hash,
			InputsHash: res.InputsHash,
			Status:     res.Status,
			ExitCode:   res.ExitCode,
		}
		if err := s.deps.State.Record(ctx, rec); err != nil {
			s.logger.Warn("failed to record run state", "task", res.Name, "error", err)
		}
	}
	if s.opts.InvocationID == "" {
		return
	}
	run := state.TaskRun{
		InvocationID: s.opts.InvocationID,
		Task:         res.Name,
		Status:       res.Status,
		Phase:        res.Phase,
		ExitCode:     res.ExitCode,
		ActionHash:   res.Hash,
		InputsHash:   res.InputsHash,
		Duration:     res.Duration,
		Stderr:       res.Stderr,
	}
	if res.Err != nil {
		run.LastError = res.Err.Error()
	}
	if err := s.deps.State.RecordTaskRun(ctx, run); err != nil {
		s.logger.Warn("failed to record task run", "task", res.Name, "error", err)
	}
}

func (s *Scheduler) publishFinished(res *TaskResult) {
	ev := events.TaskFinished{
		Task:       res.Name,
		Status:     string(res.Status),
		Phase:      string(res.Phase),
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	s.deps.Events.Publish(events.TypeTaskFinished, ev)
}

// execute runs on a worker goroutine and must not touch coordinator state.
func (s *Scheduler) execute(ctx context.Context, name string) *TaskResult {
	start := time.Now()
	res := &TaskResult{Name: name}
	fail := func(phase task.Phase, err error) *TaskResult {
		res.Status = task.StatusFailed
		res.Phase = phase
		res.Err = &TaskError{Task: name, Phase: phase, Err: err}
		res.Duration = time.Since(start)
		return res
	}

	if err := ctx.Err(); err != nil {
		res.Status = task.StatusSkipped
		res.Err = err
		return res
	}

	t, _ := s.graph.Task(name)
	logger := s.logger.With("task", name)

	dir, err := s.deps.Workspace.TaskDir(name)
	if err != nil {
		return fail(task.PhasePrepare, err)
	}
	interpreter, ok := s.opts.Interpreters[t.Action.Language]
	if !ok {
		return fail(task.PhaseCompile, fmt.Errorf("%w: %q", action.ErrUnsupportedLanguage, t.Action.Language))
	}

	pa, err := s.deps.Compiler.Compile(t.Action, t, dir)
	if err != nil {
		return fail(task.PhaseCompile, err)
	}
	res.Hash = pa.Hash
	res.ScriptPath = pa.Path

	inputs, err := inputsHash(t, interpreter, dir, s.deps.Workspace.TaskDir)
	if err != nil {
		return fail(task.PhasePrepare, err)
	}
	res.InputsHash = inputs

	if s.upToDate(ctx, t, dir, pa.Hash, inputs, logger) {
		res.Status = task.StatusUpToDate
		res.Duration = time.Since(start)
		return res
	}

	logger.Debug("executing task", "script", pa.Path, "reused_script", pa.Reused)
	out, err := s.deps.Runner.Run(ctx, process.Request{
		Task:        name,
		Interpreter: interpreter,
		Script:      pa.Path,
		Env:         t.Env,
		Dir:         dir,
	})
	if err != nil {
		return fail(task.PhaseExecute, err)
	}
	res.ExitCode = out.ExitCode
	res.Stderr = out.Stderr
	res.Duration = time.Since(start)

	switch {
	case out.Terminated:
		cause := ctx.Err()
		if cause == nil {
			cause = errors.New("terminated")
		}
		return fail(task.PhaseExecute, cause)
	case out.ExitCode == action.SerializeExitCode:
		return fail(task.PhaseSerialize, fmt.Errorf("%w: OUTPUT could not be written", protocol.ErrOutputSerialization))
	case out.ExitCode != 0:
		return fail(task.PhaseExecute, fmt.Errorf("exit status %d", out.ExitCode))
	}

	if !outputsPresent(t, dir) {
		logger.Warn("task exited cleanly but left outputs missing; it will run again next time")
	}
	res.Status = task.StatusSucceeded
	return res
}

// upToDate reports whether the recorded run of t used the same script and
// inputs, succeeded, and left its outputs in place.
func (s *Scheduler) upToDate(ctx context.Context, t task.Task, dir, hash, inputs string, logger *slog.Logger) bool {
	if s.opts.Force || s.deps.State == nil {
		return false
	}
	rec, err := s.deps.State.Lookup(ctx, t.Name)
	if errors.Is(err, state.ErrNoRecord) {
		return false
	}
	if err != nil {
		logger.Warn("run state lookup failed, running task", "error", err)
		return false
	}
	if !rec.Status.Successful() || !rec.Matches(hash, inputs) {
		return false
	}
	return outputsPresent(t, dir)
}
