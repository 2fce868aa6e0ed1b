// Package inspect reports what a task left behind: its working directory,
// the inputs it would see, the output it wrote and its recorded runs.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/trellis/internal/protocol"
	"github.com/mattjoyce/trellis/internal/state"
	"github.com/mattjoyce/trellis/internal/task"
	"github.com/mattjoyce/trellis/internal/workspace"
)

// StateReader is the part of the state store a report needs.
type StateReader interface {
	Lookup(ctx context.Context, name string) (state.Record, error)
	TaskHistory(ctx context.Context, name string, limit int) ([]state.TaskRun, error)
}

var _ StateReader = (*state.Store)(nil)

// Report is the structured JSON representation of a task report.
type Report struct {
	Task        string   `json:"task"`
	Description string   `json:"description,omitempty"`
	Language    string   `json:"language"`
	Deps        []string `json:"deps,omitempty"`
	Dependents  []string `json:"dependents,omitempty"`
	FileDeps    []string `json:"file_deps,omitempty"`
	OutputDeps  []string `json:"output_deps,omitempty"`
	TaskDir     string   `json:"task_dir"`

	Inputs        map[string]any `json:"inputs"`
	InputWarnings []string       `json:"input_warnings,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	OutputError   string         `json:"output_error,omitempty"`
	Artifacts     []string       `json:"artifacts,omitempty"`

	State   *RecordView     `json:"state,omitempty"`
	History []state.TaskRun `json:"history"`
}

// RecordView is the stored fingerprint of the task.
type RecordView struct {
	ActionHash string    `json:"action_hash"`
	InputsHash string    `json:"inputs_hash"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Request names the task to inspect and where to look.
type Request struct {
	Task       task.Task
	Dependents []string
	Workspace  *workspace.Workspace
	// State is optional; without it the report has no fingerprint or history.
	State        StateReader
	HistoryLimit int
}

// BuildReport renders a terminal-friendly report for one task.
func BuildReport(ctx context.Context, req Request) (string, error) {
	report, err := Gather(ctx, req)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Task Report\n")
	fmt.Fprintf(&out, "Task        : %s\n", report.Task)
	if report.Description != "" {
		fmt.Fprintf(&out, "Description : %s\n", report.Description)
	}
	fmt.Fprintf(&out, "Language    : %s\n", report.Language)
	fmt.Fprintf(&out, "Deps        : %s\n", renderList(report.Deps))
	fmt.Fprintf(&out, "Dependents  : %s\n", renderList(report.Dependents))
	fmt.Fprintf(&out, "Task dir    : %s\n", report.TaskDir)
	fmt.Fprintf(&out, "\n")

	if report.State != nil {
		fmt.Fprintf(&out, "Last run    : %s (exit %d) at %s\n", report.State.Status, report.State.ExitCode, report.State.UpdatedAt.Local().Format(time.RFC3339))
		fmt.Fprintf(&out, "Action hash : %s\n", report.State.ActionHash)
		fmt.Fprintf(&out, "Inputs hash : %s\n", report.State.InputsHash)
	} else {
		fmt.Fprintf(&out, "Last run    : <never recorded>\n")
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Inputs      :\n")
	writeIndented(&out, prettyJSON(report.Inputs))
	for _, w := range report.InputWarnings {
		fmt.Fprintf(&out, "      ! %s\n", w)
	}

	fmt.Fprintf(&out, "Output      :\n")
	switch {
	case report.OutputError != "":
		fmt.Fprintf(&out, "      <%s>\n", report.OutputError)
	default:
		writeIndented(&out, prettyJSON(report.Output))
	}

	if len(report.Artifacts) == 0 {
		fmt.Fprintf(&out, "Artifacts   : <none>\n")
	} else {
		fmt.Fprintf(&out, "Artifacts   :\n")
		for _, artifact := range report.Artifacts {
			fmt.Fprintf(&out, "      - %s\n", artifact)
		}
	}

	if len(report.History) > 0 {
		fmt.Fprintf(&out, "\nHistory:\n")
		for _, run := range report.History {
			fmt.Fprintf(&out, "  %s  %-10s %8s  %s", run.FinishedAt.Local().Format("2006-01-02 15:04:05"), run.Status, run.Duration.Round(time.Millisecond), shortID(run.InvocationID))
			if run.Status == task.StatusFailed {
				fmt.Fprintf(&out, "  [%s exit %d]", run.Phase, run.ExitCode)
			}
			fmt.Fprintf(&out, "\n")
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON task report.
func BuildJSONReport(ctx context.Context, req Request) (string, error) {
	report, err := Gather(ctx, req)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// Gather collects the report data without rendering it.
func Gather(ctx context.Context, req Request) (*Report, error) {
	t := req.Task
	if req.Workspace == nil {
		return nil, fmt.Errorf("workspace is required")
	}
	dir, err := req.Workspace.TaskDir(t.Name)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Task:        t.Name,
		Description: t.Description,
		Language:    string(t.Action.Language),
		Deps:        t.TaskDeps,
		Dependents:  req.Dependents,
		FileDeps:    t.FileDeps,
		TaskDir:     dir,
		Inputs:      map[string]any{},
		History:     []state.TaskRun{},
	}

	for _, ref := range t.OutputDeps {
		report.OutputDeps = append(report.OutputDeps, ref.String())
	}

	if _, err := os.Stat(dir); err == nil {
		inputs, warnings, err := protocol.LoadInputs(dir)
		if err != nil {
			return nil, err
		}
		report.Inputs = inputs
		for _, w := range warnings {
			report.InputWarnings = append(report.InputWarnings, w.Error())
		}
		report.Artifacts, err = listArtifacts(dir, t.Name)
		if err != nil {
			return nil, fmt.Errorf("list artifacts: %w", err)
		}
	}

	outPath, err := req.Workspace.OutputPath(t.Name)
	if err != nil {
		return nil, err
	}
	output, err := protocol.ReadOutput(outPath)
	switch {
	case err == nil:
		report.Output = output
	case errors.Is(err, fs.ErrNotExist):
		report.OutputError = "no output written"
	default:
		report.OutputError = err.Error()
	}

	if req.State != nil {
		rec, err := req.State.Lookup(ctx, t.Name)
		switch {
		case err == nil:
			report.State = &RecordView{
				ActionHash: rec.ActionHash,
				InputsHash: rec.InputsHash,
				Status:     string(rec.Status),
				ExitCode:   rec.ExitCode,
				UpdatedAt:  rec.UpdatedAt,
			}
		case !errors.Is(err, state.ErrNoRecord):
			return nil, fmt.Errorf("load run state: %w", err)
		}

		limit := req.HistoryLimit
		if limit <= 0 {
			limit = 10
		}
		runs, err := req.State.TaskHistory(ctx, t.Name, limit)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		if runs != nil {
			report.History = runs
		}
	}

	return report, nil
}

func prettyJSON(v map[string]any) string {
	if len(v) == 0 {
		return "{}"
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(out)
}

func writeIndented(out *strings.Builder, text string) {
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		fmt.Fprintf(out, "      %s\n", line)
	}
}

// listArtifacts lists files the task created in its directory, leaving out
// the protocol files trellis manages.
func listArtifacts(taskDir, name string) ([]string, error) {
	artifacts := make([]string, 0)
	err := filepath.WalkDir(taskDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == taskDir || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(taskDir, path)
		if err != nil {
			return err
		}
		if isProtocolFile(rel, name) {
			return nil
		}
		artifacts = append(artifacts, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(artifacts)
	return artifacts, nil
}

func isProtocolFile(rel, name string) bool {
	if rel == protocol.OutputFileName(name) || strings.HasPrefix(rel, protocol.TempPrefix) {
		return true
	}
	return strings.HasPrefix(rel, "input.") && strings.HasSuffix(rel, ".json") && !strings.Contains(rel, string(filepath.Separator))
}

func renderList(items []string) string {
	if len(items) == 0 {
		return "<none>"
	}
	return strings.Join(items, ", ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
