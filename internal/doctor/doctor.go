// Package doctor checks a trellis task file without running any task.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/mattjoyce/trellis/internal/config"
	"github.com/mattjoyce/trellis/internal/graph"
	"github.com/mattjoyce/trellis/internal/storage"
	"github.com/mattjoyce/trellis/internal/task"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Tasks    int     `json:"tasks"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded config, its task graph and the host it runs on.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
	checkFS  func(string) error
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:      cfg,
		lookPath: exec.LookPath,
		checkFS:  storage.CheckLocalFilesystem,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateSettings(r)
	tasks := d.validateTasks(r)
	r.Tasks = len(tasks)
	d.validateInterpreters(r, tasks)
	d.validateWorkspace(r)
	d.validateAPIConfig(r)
	d.warnMissingFileDeps(r, tasks)
	d.warnUndeclaredReferences(r, tasks)
	d.warnMissingChecksums(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateSettings(r *Result) {
	s := d.cfg.Settings
	if s.Jobs < 1 {
		d.addError(r, "settings", "settings.jobs", "jobs must be at least 1")
	}
	if s.Workspace == "" {
		d.addError(r, "settings", "settings.workspace", "workspace is required")
	}
	if s.StatePath == "" {
		d.addError(r, "settings", "settings.state_path", "state_path is required")
	}
}

// validateTasks resolves every task and builds the full graph. It returns
// the resolved tasks, or nil when either step fails.
func (d *Doctor) validateTasks(r *Result) []task.Task {
	if len(d.cfg.Tasks) == 0 {
		d.addWarning(r, "tasks", "tasks", "no tasks defined")
		return nil
	}
	tasks, err := config.Resolve(d.cfg, nil)
	if err != nil {
		d.addError(r, "tasks", "", err.Error())
		return nil
	}
	if _, err := graph.Build(tasks); err != nil {
		var cycle *graph.CyclicDependencyError
		var unknown *graph.UnknownDependencyError
		switch {
		case errors.As(err, &cycle):
			d.addError(r, "graph", "", fmt.Sprintf("dependency cycle: %s", strings.Join(cycle.Cycle, " -> ")))
		case errors.As(err, &unknown):
			d.addError(r, "graph", fmt.Sprintf("tasks.%s.deps", unknown.Task),
				fmt.Sprintf("task %q depends on unknown task %q", unknown.Task, unknown.Name))
		default:
			d.addError(r, "graph", "", err.Error())
		}
		return nil
	}
	return tasks
}

// validateInterpreters checks that every language in use has a runnable
// interpreter on PATH.
func (d *Doctor) validateInterpreters(r *Result, tasks []task.Task) {
	used := make(map[task.Language][]string)
	for _, t := range tasks {
		used[t.Action.Language] = append(used[t.Action.Language], t.Name)
	}
	interpreters := d.cfg.Settings.InterpreterArgv()

	langs := make([]string, 0, len(used))
	for lang := range used {
		langs = append(langs, string(lang))
	}
	sort.Strings(langs)

	for _, lang := range langs {
		argv := interpreters[task.Language(lang)]
		field := fmt.Sprintf("settings.interpreters.%s", lang)
		if len(argv) == 0 {
			d.addError(r, "interpreters", field, fmt.Sprintf("no interpreter configured for %s", lang))
			continue
		}
		if _, err := d.lookPath(argv[0]); err != nil {
			d.addError(r, "interpreters", field,
				fmt.Sprintf("%s interpreter %q not found (used by %s)", lang, argv[0], strings.Join(used[task.Language(lang)], ", ")))
		}
	}

	// Bash tasks with dependencies decode their inputs through python3.
	for _, t := range tasks {
		if t.Action.Language == task.LanguageBash && len(t.TaskDeps) > 0 {
			if _, err := d.lookPath("python3"); err != nil {
				d.addWarning(r, "interpreters", "",
					"python3 not found: bash tasks with dependencies cannot read their INPUT values")
			}
			break
		}
	}
}

func (d *Doctor) validateWorkspace(r *Result) {
	ws := d.cfg.Settings.Workspace
	if ws == "" {
		return
	}
	if err := d.checkFS(ws); err != nil {
		d.addError(r, "workspace", "settings.workspace", err.Error())
	}
	if info, err := os.Stat(ws); err == nil && !info.IsDir() {
		d.addError(r, "workspace", "settings.workspace", fmt.Sprintf("%s exists and is not a directory", ws))
	}
}

// validateAPIConfig warns when the history API would listen beyond
// loopback without a token.
func (d *Doctor) validateAPIConfig(r *Result) {
	api := d.cfg.Settings.API
	host, _, err := net.SplitHostPort(api.Listen)
	if err != nil {
		d.addError(r, "api", "settings.api.listen", fmt.Sprintf("invalid listen address %q: %v", api.Listen, err))
		return
	}
	if api.Token != "" {
		return
	}
	if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
		return
	}
	d.addWarning(r, "api", "settings.api.token",
		fmt.Sprintf("history API listens on %q without a token", api.Listen))
}

// warnMissingFileDeps flags file dependencies that do not exist yet. They
// still fingerprint, as absent.
func (d *Doctor) warnMissingFileDeps(r *Result, tasks []task.Task) {
	for _, t := range tasks {
		for _, p := range t.FileDeps {
			if _, err := os.Stat(p); err != nil {
				d.addWarning(r, "file_deps", fmt.Sprintf("tasks.%s.file_deps", t.Name),
					fmt.Sprintf("%s does not exist", d.relative(p)))
			}
		}
		if len(t.FileDeps) == 0 {
			if raw := d.cfg.Tasks[t.Name].FileDeps; len(raw) > 0 {
				d.addWarning(r, "file_deps", fmt.Sprintf("tasks.%s.file_deps", t.Name),
					fmt.Sprintf("patterns %s match no files", strings.Join(raw, ", ")))
			}
		}
	}
}

var (
	inputRef = regexp.MustCompile(`\bINPUT\[\s*["']?([A-Za-z0-9_][^"'\]\s]*)["']?\s*\]`)
	paramRef = regexp.MustCompile(`\bPARAMS\[\s*["']?([A-Za-z0-9_][^"'\]\s]*)["']?\s*\]`)
)

// warnUndeclaredReferences scans action bodies for literal INPUT and PARAMS
// lookups that can never resolve.
func (d *Doctor) warnUndeclaredReferences(r *Result, tasks []task.Task) {
	for _, t := range tasks {
		field := fmt.Sprintf("tasks.%s.%s", t.Name, t.Action.Language)

		for _, addr := range uniqueMatches(inputRef, t.Action.Body) {
			if strings.Contains(addr, "$") {
				continue
			}
			found := false
			for _, dep := range t.TaskDeps {
				if strings.HasPrefix(addr, dep+".") {
					found = true
					break
				}
			}
			if !found {
				d.addWarning(r, "references", field,
					fmt.Sprintf("INPUT[%q] does not name a dependency of %q", addr, t.Name))
			}
		}

		for _, key := range uniqueMatches(paramRef, t.Action.Body) {
			if strings.Contains(key, "$") {
				continue
			}
			if _, ok := t.Params[key]; !ok {
				d.addWarning(r, "references", field,
					fmt.Sprintf("PARAMS[%q] is not declared by %q", key, t.Name))
			}
		}
	}
}

func uniqueMatches(re *regexp.Regexp, body string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range re.FindAllStringSubmatch(body, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

func (d *Doctor) warnMissingChecksums(r *Result) {
	if _, err := config.LoadChecksums(d.cfg.Dir); errors.Is(err, config.ErrNoChecksums) {
		d.addWarning(r, "integrity", config.ChecksumFileName,
			"no checksum manifest; run 'trellis lock' to pin the task files")
	}
}

func (d *Doctor) relative(p string) string {
	if rel, err := filepath.Rel(d.cfg.Dir, p); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return p
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		fmt.Fprintf(&b, "Configuration valid (%d task(s)).\n", r.Tasks)
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "Configuration valid (%d task(s), %d warning(s))\n", r.Tasks, len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
