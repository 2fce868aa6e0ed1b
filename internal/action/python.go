package action

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattjoyce/trellis/internal/protocol"
)

type pythonGenerator struct{}

func (pythonGenerator) extension() string { return "py" }

const pythonLoader = `def _trellis_load_inputs(deps):
    for dep in deps:
        path = _trellis_os.path.join(TASK_DIR, "input." + dep + ".json")
        try:
            with open(path, encoding="utf-8") as f:
                data = _trellis_json.load(f)
            if not isinstance(data, dict):
                raise ValueError("not a JSON object")
        except (OSError, ValueError) as exc:
            print("trellis: warning: cannot load input for dependency %r: %s" % (dep, exc), file=_trellis_sys.stderr)
            continue
        for key, value in data.items():
            INPUT[dep + "." + key] = value
`

const pythonWriter = `def _trellis_write_output(final, tmp):
    if not isinstance(OUTPUT, dict):
        raise TypeError("OUTPUT must be a dict, got %s" % type(OUTPUT).__name__)
    data = _trellis_json.dumps(OUTPUT, allow_nan=False)
    with open(tmp, "w", encoding="utf-8") as f:
        f.write(data)
        f.write("\n")
        f.flush()
        _trellis_os.fsync(f.fileno())
    _trellis_os.replace(tmp, final)
`

func (pythonGenerator) prologue(in scriptInput) (string, error) {
	params := in.task.Params
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	deps := in.task.TaskDeps
	if deps == nil {
		deps = []string{}
	}

	var b strings.Builder
	b.WriteString("#!/usr/bin/env python3\n")
	fmt.Fprintf(&b, "# generated by trellis for task %s\n", in.task.Name)
	b.WriteString("import json as _trellis_json\n")
	b.WriteString("import os as _trellis_os\n")
	b.WriteString("import sys as _trellis_sys\n\n")

	fmt.Fprintf(&b, "TASK_DIR = %s\n", pyString(in.taskDir))
	b.WriteString("_trellis_os.environ[\"TASK_DIR\"] = TASK_DIR\n")
	fmt.Fprintf(&b, "PARAMS = _trellis_json.loads(%s)\n", pyString(string(paramsJSON)))
	b.WriteString("INPUT = {}\n")
	b.WriteString("OUTPUT = {}\n\n\n")

	b.WriteString(pythonLoader)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "_trellis_load_inputs(%s)\n", pyList(deps))
	b.WriteString("del _trellis_load_inputs\n")
	return b.String(), nil
}

func (pythonGenerator) epilogue(in scriptInput) string {
	name := protocol.OutputFileName(in.task.Name)

	var b strings.Builder
	b.WriteString(pythonWriter)
	b.WriteString("\n\n")
	b.WriteString("try:\n")
	fmt.Fprintf(&b, "    _trellis_write_output(_trellis_os.path.join(TASK_DIR, %s), _trellis_os.path.join(TASK_DIR, %s + str(_trellis_os.getpid())))\n",
		pyString(name), pyString(protocol.TempPrefix+name+"."))
	b.WriteString("except (TypeError, ValueError, OSError) as _trellis_exc:\n")
	b.WriteString("    print(\"trellis: error: cannot serialize OUTPUT: %s\" % _trellis_exc, file=_trellis_sys.stderr)\n")
	fmt.Fprintf(&b, "    _trellis_sys.exit(%d)\n", SerializeExitCode)
	return b.String()
}

// pyString renders s as a Python string literal. JSON string syntax is a
// subset of Python's.
func pyString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

func pyList(items []string) string {
	data, _ := json.Marshal(items)
	return string(data)
}
