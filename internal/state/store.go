package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/trellis/internal/task"
)

// MaxStderrBytes bounds the stderr tail kept per task run.
const MaxStderrBytes = 16 * 1024

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: time.Now,
	}
}

// Lookup returns the last record for name, or ErrNoRecord.
func (s *Store) Lookup(ctx context.Context, name string) (Record, error) {
	if name == "" {
		return Record{}, fmt.Errorf("task name is empty")
	}

	var (
		rec        Record
		status     string
		updatedAtS string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT task, action_hash, inputs_hash, status, exit_code, updated_at
FROM task_state
WHERE task = ?;
`, name).Scan(&rec.Task, &rec.ActionHash, &rec.InputsHash, &status, &rec.ExitCode, &updatedAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNoRecord
	}
	if err != nil {
		return Record{}, fmt.Errorf("read task state: %w", err)
	}
	rec.Status = task.Status(status)
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtS); err != nil {
		return Record{}, fmt.Errorf("parse task_state.updated_at: %w", err)
	}
	return rec, nil
}

// Record upserts the fingerprint and outcome of rec.Task.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.Task == "" {
		return fmt.Errorf("task name is empty")
	}
	if !rec.Status.Terminal() {
		return fmt.Errorf("cannot record non-terminal status %q for task %q", rec.Status, rec.Task)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_state(task, action_hash, inputs_hash, status, exit_code, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(task) DO UPDATE SET
  action_hash = excluded.action_hash,
  inputs_hash = excluded.inputs_hash,
  status = excluded.status,
  exit_code = excluded.exit_code,
  updated_at = excluded.updated_at;
`, rec.Task, rec.ActionHash, rec.InputsHash, string(rec.Status), rec.ExitCode, rec.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("upsert task state: %w", err)
	}
	return nil
}

// Records returns every stored record ordered by task name.
func (s *Store) Records(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT task, action_hash, inputs_hash, status, exit_code, updated_at
FROM task_state
ORDER BY task;
`)
	if err != nil {
		return nil, fmt.Errorf("query task state: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec        Record
			status     string
			updatedAtS string
		)
		if err := rows.Scan(&rec.Task, &rec.ActionHash, &rec.InputsHash, &status, &rec.ExitCode, &updatedAtS); err != nil {
			return nil, fmt.Errorf("scan task state: %w", err)
		}
		rec.Status = task.Status(status)
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtS); err != nil {
			return nil, fmt.Errorf("parse task_state.updated_at: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task state rows: %w", err)
	}
	return out, nil
}

// Forget drops the records of every task not listed in keep and returns how
// many were removed.
func (s *Store) Forget(ctx context.Context, keep []string) (int, error) {
	query := "DELETE FROM task_state"
	args := make([]any, 0, len(keep))
	if len(keep) > 0 {
		query += " WHERE task NOT IN (" + strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",") + ")"
		for _, name := range keep {
			args = append(args, name)
		}
	}

	res, err := s.db.ExecContext(ctx, query+";", args...)
	if err != nil {
		return 0, fmt.Errorf("delete task state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted task state: %w", err)
	}
	return int(n), nil
}
