package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/trellis/internal/action"
	"github.com/mattjoyce/trellis/internal/task"
)

// ErrUnknownOutput is returned for an output_deps entry that no task
// declares in its outputs.
var ErrUnknownOutput = errors.New("unknown output dependency")

// Override is a parameter value given on the command line. An empty Task
// applies it to every task that declares Key.
type Override struct {
	Task  string
	Key   string
	Value any
}

// ParseOverride parses "key=value" or "task.key=value". The value is decoded
// as a YAML scalar, so "3" becomes an integer and "true" a boolean.
func ParseOverride(s string) (Override, error) {
	lhs, raw, ok := strings.Cut(s, "=")
	if !ok {
		return Override{}, fmt.Errorf("override %q: expected key=value or task.key=value", s)
	}
	lhs = strings.TrimSpace(lhs)

	var o Override
	if taskName, key, targeted := strings.Cut(lhs, "."); targeted {
		o.Task, o.Key = taskName, key
	} else {
		o.Key = lhs
	}
	if o.Key == "" || (strings.Contains(lhs, ".") && o.Task == "") {
		return Override{}, fmt.Errorf("override %q: empty task or key", s)
	}

	o.Value = raw
	var decoded any
	if err := yaml.Unmarshal([]byte(raw), &decoded); err == nil {
		switch decoded.(type) {
		case string, int, float64, bool:
			o.Value = decoded
		}
	}
	return o, nil
}

// ParseOverrides parses every entry with ParseOverride.
func ParseOverrides(entries []string) ([]Override, error) {
	out := make([]Override, 0, len(entries))
	for _, e := range entries {
		o, err := ParseOverride(e)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// Resolve turns the task file into executable tasks, sorted by name.
//
// Inheritance through extends is resolved parent first: the child's scalars,
// lists and action replace the parent's, while env and params merge key by
// key with the child winning. The global env sits below every task env.
// Command line overrides are applied last and beat declared and inherited
// values alike; a targeted override beats a global one. File dependencies
// resolve against the config directory, with glob patterns expanded. Output
// dependencies name a path declared in another task's outputs, either as
// "task:path" or as a path exactly one other task declares.
func Resolve(cfg *Config, overrides []Override) ([]task.Task, error) {
	names := make([]string, 0, len(cfg.Tasks))
	for name := range cfg.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	r := &resolver{
		cfg:      cfg,
		names:    names,
		resolved: make(map[string]TaskConfig, len(cfg.Tasks)),
		visiting: make(map[string]bool),
	}

	if err := checkOverrides(cfg, overrides, r); err != nil {
		return nil, err
	}

	tasks := make([]task.Task, 0, len(names))
	for _, name := range names {
		tc, err := r.inherit(name)
		if err != nil {
			return nil, err
		}
		t, err := r.build(name, tc, overrides)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

type resolver struct {
	cfg      *Config
	names    []string
	resolved map[string]TaskConfig
	visiting map[string]bool
}

func (r *resolver) inherit(name string) (TaskConfig, error) {
	if tc, ok := r.resolved[name]; ok {
		return tc, nil
	}
	tc, ok := r.cfg.Tasks[name]
	if !ok {
		return TaskConfig{}, fmt.Errorf("unknown task %q", name)
	}
	if tc.Extends == "" {
		r.resolved[name] = tc
		return tc, nil
	}
	if r.visiting[name] {
		return TaskConfig{}, fmt.Errorf("task %q: extends cycle", name)
	}
	r.visiting[name] = true
	defer delete(r.visiting, name)

	parent, err := r.inherit(tc.Extends)
	if err != nil {
		return TaskConfig{}, fmt.Errorf("task %q extends %q: %w", name, tc.Extends, err)
	}

	merged := parent
	merged.Extends = tc.Extends
	if tc.Description != "" {
		merged.Description = tc.Description
	}
	if tc.Deps != nil {
		merged.Deps = tc.Deps
	}
	if tc.FileDeps != nil {
		merged.FileDeps = tc.FileDeps
	}
	if tc.OutputDeps != nil {
		merged.OutputDeps = tc.OutputDeps
	}
	if tc.Outputs != nil {
		merged.Outputs = tc.Outputs
	}
	merged.Env = mergeStrings(parent.Env, tc.Env)
	merged.Params = mergeParams(parent.Params, tc.Params)
	if tc.Bash != "" || tc.Python != "" {
		merged.Bash, merged.Python = tc.Bash, tc.Python
	}

	r.resolved[name] = merged
	return merged, nil
}

func (r *resolver) build(name string, tc TaskConfig, overrides []Override) (task.Task, error) {
	t := task.Task{
		Name:        name,
		Description: tc.Description,
		TaskDeps:    append([]string(nil), tc.Deps...),
		Outputs:     append([]string(nil), tc.Outputs...),
		Env:         mergeStrings(r.cfg.Env, tc.Env),
		Params:      mergeParams(nil, tc.Params),
	}

	switch {
	case tc.Bash != "":
		t.Action = task.ActionSpec{Language: task.LanguageBash, Body: action.Normalize(tc.Bash)}
	case tc.Python != "":
		t.Action = task.ActionSpec{Language: task.LanguagePython, Body: action.Normalize(tc.Python)}
	default:
		return task.Task{}, fmt.Errorf("task %q: %w", name, action.ErrEmptyAction)
	}

	var err error
	if t.FileDeps, err = r.expandPaths(tc.FileDeps); err != nil {
		return task.Task{}, fmt.Errorf("task %q file_deps: %w", name, err)
	}
	if t.OutputDeps, err = r.outputRefs(name, tc.OutputDeps); err != nil {
		return task.Task{}, fmt.Errorf("task %q output_deps: %w", name, err)
	}

	for _, global := range []bool{true, false} {
		for _, o := range overrides {
			if (o.Task == "") != global {
				continue
			}
			if global {
				if _, declared := t.Params[o.Key]; !declared {
					continue
				}
			} else if o.Task != name {
				continue
			}
			if t.Params == nil {
				t.Params = make(map[string]any)
			}
			t.Params[o.Key] = o.Value
		}
	}
	return t, nil
}

// expandPaths makes paths absolute against the config directory and expands
// glob patterns. A pattern that matches nothing contributes nothing.
func (r *resolver) expandPaths(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	var out []string
	for _, p := range paths {
		abs := r.cfg.resolvePath(p)
		if !strings.ContainsAny(p, "*?[") {
			out = append(out, abs)
			continue
		}
		matches, err := filepath.Glob(abs)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	return out, nil
}

// outputRefs resolves each output_deps entry of owner to the task declaring
// that path. The reference keeps the path as the producer declared it.
func (r *resolver) outputRefs(owner string, entries []string) ([]task.OutputRef, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	refs := make([]task.OutputRef, 0, len(entries))
	for _, entry := range entries {
		if producer, p, ok := strings.Cut(entry, ":"); ok {
			if _, known := r.cfg.Tasks[producer]; known {
				if producer == owner {
					return nil, fmt.Errorf("%q: a task cannot depend on its own output", entry)
				}
				declared, found, err := r.declaredOutput(producer, p)
				if err != nil {
					return nil, err
				}
				if !found {
					return nil, fmt.Errorf("%w: task %q does not declare %q", ErrUnknownOutput, producer, p)
				}
				refs = append(refs, task.OutputRef{Task: producer, Path: declared})
				continue
			}
		}

		var matches []task.OutputRef
		for _, name := range r.names {
			if name == owner {
				continue
			}
			declared, found, err := r.declaredOutput(name, entry)
			if err != nil {
				return nil, err
			}
			if found {
				matches = append(matches, task.OutputRef{Task: name, Path: declared})
			}
		}
		switch len(matches) {
		case 0:
			return nil, fmt.Errorf("%w: no task declares %q", ErrUnknownOutput, entry)
		case 1:
			refs = append(refs, matches[0])
		default:
			producers := make([]string, len(matches))
			for i, m := range matches {
				producers[i] = m.Task
			}
			return nil, fmt.Errorf("%q is declared by %s; use task:path", entry, strings.Join(producers, ", "))
		}
	}
	return refs, nil
}

func (r *resolver) declaredOutput(name, p string) (string, bool, error) {
	tc, err := r.inherit(name)
	if err != nil {
		return "", false, err
	}
	want := filepath.Clean(p)
	for _, declared := range tc.Outputs {
		if filepath.Clean(declared) == want {
			return declared, true, nil
		}
	}
	return "", false, nil
}

// checkOverrides rejects overrides that can never apply.
func checkOverrides(cfg *Config, overrides []Override, r *resolver) error {
	for _, o := range overrides {
		if o.Task != "" {
			if _, ok := cfg.Tasks[o.Task]; !ok {
				return fmt.Errorf("override %s.%s: unknown task %q", o.Task, o.Key, o.Task)
			}
			continue
		}
		matched := false
		for name := range cfg.Tasks {
			tc, err := r.inherit(name)
			if err != nil {
				return err
			}
			if _, ok := tc.Params[o.Key]; ok {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("override %s: no task declares parameter %q", o.Key, o.Key)
		}
	}
	return nil
}

func mergeStrings(base, over map[string]string) map[string]string {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func mergeParams(base, over map[string]any) map[string]any {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
