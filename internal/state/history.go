package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/trellis/internal/task"
)

// BeginInvocation inserts a running invocation and returns it with a fresh ID.
func (s *Store) BeginInvocation(ctx context.Context, opts InvocationOptions) (*Invocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	targets := opts.Targets
	if targets == nil {
		targets = []string{}
	}
	targetsJSON, err := json.Marshal(targets)
	if err != nil {
		return nil, fmt.Errorf("marshal targets: %w", err)
	}

	inv := &Invocation{
		ID:        uuid.NewString(),
		Targets:   targets,
		Jobs:      opts.Jobs,
		Force:     opts.Force,
		FailFast:  opts.FailFast,
		Status:    InvocationRunning,
		StartedAt: s.now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO invocations(id, targets, jobs, force, fail_fast, status, started_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, inv.ID, string(targetsJSON), inv.Jobs, boolInt(inv.Force), boolInt(inv.FailFast), string(inv.Status), inv.StartedAt.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert invocation: %w", err)
	}
	return inv, nil
}

// RecordTaskRun stores the outcome of one task of an invocation. Recording
// the same task twice keeps the latest outcome.
func (s *Store) RecordTaskRun(ctx context.Context, run TaskRun) error {
	if run.InvocationID == "" || run.Task == "" {
		return fmt.Errorf("task run needs an invocation id and a task name")
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_runs(invocation_id, task, status, phase, exit_code, action_hash, inputs_hash, duration_ms, finished_at, last_error, stderr)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(invocation_id, task) DO UPDATE SET
  status = excluded.status,
  phase = excluded.phase,
  exit_code = excluded.exit_code,
  action_hash = excluded.action_hash,
  inputs_hash = excluded.inputs_hash,
  duration_ms = excluded.duration_ms,
  finished_at = excluded.finished_at,
  last_error = excluded.last_error,
  stderr = excluded.stderr;
`,
		run.InvocationID,
		run.Task,
		string(run.Status),
		nullString(string(run.Phase)),
		run.ExitCode,
		nullString(run.ActionHash),
		nullString(run.InputsHash),
		run.Duration.Milliseconds(),
		run.FinishedAt.UTC().Format(timeLayout),
		nullString(run.LastError),
		nullString(tail(run.Stderr, MaxStderrBytes)),
	)
	if err != nil {
		return fmt.Errorf("upsert task run: %w", err)
	}
	return nil
}

// FinishInvocation marks an invocation finished with its final tallies.
func (s *Store) FinishInvocation(ctx context.Context, id string, status InvocationStatus, counts Counts, lastError string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("invocation id is empty")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE invocations
SET status = ?, finished_at = ?, succeeded = ?, failed = ?, skipped = ?, up_to_date = ?, last_error = ?
WHERE id = ?;
`, string(status), s.now().UTC().Format(timeLayout), counts.Succeeded, counts.Failed, counts.Skipped, counts.UpToDate, nullString(lastError), id)
	if err != nil {
		return fmt.Errorf("update invocation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrInvocationNotFound
	}
	return nil
}

// Get returns one invocation by ID.
func (s *Store) Get(ctx context.Context, id string) (*Invocation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("invocation id is empty")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, targets, jobs, force, fail_fast, status, started_at, finished_at, succeeded, failed, skipped, up_to_date, last_error
FROM invocations
WHERE id = ?;
`, id)
	inv, err := scanInvocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvocationNotFound
	}
	return inv, err
}

// ListInvocations returns up to limit invocations, newest first.
func (s *Store) ListInvocations(ctx context.Context, limit int) ([]*Invocation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, targets, jobs, force, fail_fast, status, started_at, finished_at, succeeded, failed, skipped, up_to_date, last_error
FROM invocations
ORDER BY started_at DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	var out []*Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invocation rows: %w", err)
	}
	return out, nil
}

// TaskRuns returns the task outcomes of one invocation ordered by completion.
func (s *Store) TaskRuns(ctx context.Context, invocationID string) ([]TaskRun, error) {
	return s.queryTaskRuns(ctx, `
SELECT invocation_id, task, status, phase, exit_code, action_hash, inputs_hash, duration_ms, finished_at, last_error, stderr
FROM task_runs
WHERE invocation_id = ?
ORDER BY finished_at, task;
`, invocationID)
}

// TaskHistory returns up to limit runs of one task, newest first.
func (s *Store) TaskHistory(ctx context.Context, name string, limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryTaskRuns(ctx, `
SELECT invocation_id, task, status, phase, exit_code, action_hash, inputs_hash, duration_ms, finished_at, last_error, stderr
FROM task_runs
WHERE task = ?
ORDER BY finished_at DESC
LIMIT ?;
`, name, limit)
}

// PruneHistory deletes invocations started before cutoff, together with
// their task runs, and returns how many invocations were removed.
func (s *Store) PruneHistory(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := s.now().Add(-olderThan).UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM task_runs
WHERE invocation_id IN (SELECT id FROM invocations WHERE started_at < ? AND status != ?);
`, cutoff, string(InvocationRunning)); err != nil {
		return 0, fmt.Errorf("delete task runs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM invocations WHERE started_at < ? AND status != ?;`, cutoff, string(InvocationRunning))
	if err != nil {
		return 0, fmt.Errorf("delete invocations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted invocations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return int(n), nil
}

func (s *Store) queryTaskRuns(ctx context.Context, query string, args ...any) ([]TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task runs: %w", err)
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		run, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task run rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row rowScanner) (*Invocation, error) {
	var (
		inv         Invocation
		targetsJSON string
		force       int
		failFast    int
		status      string
		startedAtS  string
		finishedAtS sql.NullString
		lastError   sql.NullString
	)
	if err := row.Scan(
		&inv.ID,
		&targetsJSON,
		&inv.Jobs,
		&force,
		&failFast,
		&status,
		&startedAtS,
		&finishedAtS,
		&inv.Counts.Succeeded,
		&inv.Counts.Failed,
		&inv.Counts.Skipped,
		&inv.Counts.UpToDate,
		&lastError,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(targetsJSON), &inv.Targets); err != nil {
		return nil, fmt.Errorf("decode targets of invocation %q: %w", inv.ID, err)
	}
	inv.Force = force != 0
	inv.FailFast = failFast != 0
	inv.Status = InvocationStatus(status)
	inv.LastError = lastError.String

	startedAt, err := time.Parse(time.RFC3339Nano, startedAtS)
	if err != nil {
		return nil, fmt.Errorf("parse invocations.started_at: %w", err)
	}
	inv.StartedAt = startedAt
	if finishedAtS.Valid {
		finishedAt, err := time.Parse(time.RFC3339Nano, finishedAtS.String)
		if err != nil {
			return nil, fmt.Errorf("parse invocations.finished_at: %w", err)
		}
		inv.FinishedAt = &finishedAt
	}
	return &inv, nil
}

func scanTaskRun(row rowScanner) (TaskRun, error) {
	var (
		run         TaskRun
		status      string
		phase       sql.NullString
		actionHash  sql.NullString
		inputsHash  sql.NullString
		durationMS  int64
		finishedAtS string
		lastError   sql.NullString
		stderr      sql.NullString
	)
	if err := row.Scan(
		&run.InvocationID,
		&run.Task,
		&status,
		&phase,
		&run.ExitCode,
		&actionHash,
		&inputsHash,
		&durationMS,
		&finishedAtS,
		&lastError,
		&stderr,
	); err != nil {
		return TaskRun{}, fmt.Errorf("scan task run: %w", err)
	}
	run.Status = task.Status(status)
	run.Phase = task.Phase(phase.String)
	run.ActionHash = actionHash.String
	run.InputsHash = inputsHash.String
	run.Duration = time.Duration(durationMS) * time.Millisecond
	run.LastError = lastError.String
	run.Stderr = stderr.String

	finishedAt, err := time.Parse(time.RFC3339Nano, finishedAtS)
	if err != nil {
		return TaskRun{}, fmt.Errorf("parse task_runs.finished_at: %w", err)
	}
	run.FinishedAt = finishedAt
	return run, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// tail keeps the last n bytes of s; the end of stderr usually holds the error.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
