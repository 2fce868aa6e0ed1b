package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// WriteOutput atomically replaces dir/output.<task>.json with values. A nil
// or empty map is written as {}.
func WriteOutput(dir, task string, values Output) error {
	return writeOutput(dir, task, values, nil)
}

// writeOutput is WriteOutput with a hook that runs after the temp file is
// complete and before it is renamed into place.
func writeOutput(dir, task string, values Output, beforeRename func(tmpPath string) error) error {
	if values == nil {
		values = Output{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("%w: task %q: %v", ErrOutputSerialization, task, err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, TempPrefix+OutputFileName(task)+".*")
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp output: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp output: %w", err)
	}

	if beforeRename != nil {
		if err := beforeRename(tmpPath); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, OutputFileName(task))); err != nil {
		return fmt.Errorf("install output: %w", err)
	}
	return nil
}

// ReadOutput decodes an output file. The document must be a JSON object.
func ReadOutput(path string) (Output, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeOutput(data)
}

// DecodeOutput decodes the bytes of an output file.
func DecodeOutput(data []byte) (Output, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("output is not a JSON object")
	}
	var out Output
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	if out == nil {
		out = Output{}
	}
	return out, nil
}

// LinkInput exposes producerOutput inside consumerDir as input.<dep>.json,
// replacing any previous link.
func LinkInput(consumerDir, dep, producerOutput string) error {
	link := filepath.Join(consumerDir, InputFileName(dep))
	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale input link %q: %w", link, err)
	}
	target, err := filepath.Abs(producerOutput)
	if err != nil {
		return fmt.Errorf("resolve producer output %q: %w", producerOutput, err)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("link input %q: %w", link, err)
	}
	return nil
}

// ClearInputs removes every input.*.json entry in dir and returns how many
// were removed.
func ClearInputs(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read task directory: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if _, ok := dependencyFromInput(e.Name()); !ok {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return removed, fmt.Errorf("remove input %q: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// LoadInputs reads every input.*.json in dir the way a generated prologue
// does. Unreadable files become warnings and contribute no keys.
func LoadInputs(dir string) (Inputs, []InputLoadWarning, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read task directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, ok := dependencyFromInput(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	inputs := Inputs{}
	var warnings []InputLoadWarning
	for _, name := range names {
		dep, _ := dependencyFromInput(name)
		path := filepath.Join(dir, name)
		out, err := ReadOutput(path)
		if err != nil {
			warnings = append(warnings, InputLoadWarning{Dependency: dep, Path: path, Err: err})
			continue
		}
		for k, v := range out {
			inputs[Address(dep, k)] = v
		}
	}
	return inputs, warnings, nil
}
