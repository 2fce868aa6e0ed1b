package action

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/trellis/internal/protocol"
)

type bashGenerator struct{}

func (bashGenerator) extension() string { return "sh" }

// bashDecoder turns an input file into NUL separated key/value pairs.
// Non-string values are re-encoded as compact JSON.
const bashDecoder = `import json, sys
with open(sys.argv[1], encoding="utf-8") as f:
    data = json.load(f)
if not isinstance(data, dict):
    sys.exit(1)
for k, v in data.items():
    s = v if isinstance(v, str) else json.dumps(v, separators=(",", ":"))
    sys.stdout.write(str(k) + "\0" + s + "\0")
`

const bashLoader = `__trellis_load_input() {
	local dep="$1"
	local file="$TASK_DIR/input.$dep.json"
	if [ ! -e "$file" ]; then
		echo "trellis: warning: no input for dependency '$dep' ($file)" >&2
		return 0
	fi
	if ! command -v python3 >/dev/null 2>&1; then
		echo "trellis: warning: python3 not found, cannot decode input for dependency '$dep'" >&2
		return 0
	fi
	local decoded
	decoded="$(mktemp)"
	if ! python3 -c "$__TRELLIS_DECODE" "$file" >"$decoded" 2>/dev/null; then
		echo "trellis: warning: cannot decode input for dependency '$dep' ($file)" >&2
		rm -f "$decoded"
		return 0
	fi
	local key value
	while IFS= read -r -d '' key && IFS= read -r -d '' value; do
		INPUT["$dep.$key"]="$value"
	done <"$decoded"
	rm -f "$decoded"
}
`

const bashWriter = `__trellis_json_string() {
	local s="$1"
	s="${s//\\/\\\\}"
	s="${s//\"/\\\"}"
	s="${s//$'\n'/\\n}"
	s="${s//$'\r'/\\r}"
	s="${s//$'\t'/\\t}"
	s="${s//$'\b'/\\b}"
	s="${s//$'\f'/\\f}"
	if [[ $s == *[[:cntrl:]]* ]]; then
		local out='' c i
		for ((i = 0; i < ${#s}; i++)); do
			c="${s:i:1}"
			if [[ $c == [[:cntrl:]] ]]; then
				printf -v c '\\u%04x' "'$c"
			fi
			out+="$c"
		done
		s="$out"
	fi
	printf '"%s"' "$s"
}

__trellis_write_output() {
	local final="$1" tmp="$2"
	{
		printf '{'
		local sep='' key
		for key in "${!OUTPUT[@]}"; do
			printf '%s%s:%s' "$sep" "$(__trellis_json_string "$key")" "$(__trellis_json_string "${OUTPUT[$key]}")"
			sep=','
		done
		printf '}\n'
	} >"$tmp" || return 1
	mv -f "$tmp" "$final"
}
`

func (bashGenerator) prologue(in scriptInput) (string, error) {
	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n")
	fmt.Fprintf(&b, "# generated by trellis for task %s\n", in.task.Name)
	b.WriteString("\n")

	fmt.Fprintf(&b, "TASK_DIR=%s\n", shellQuote(in.taskDir))
	b.WriteString("export TASK_DIR\n\n")

	b.WriteString("declare -A PARAMS=()\n")
	keys := make([]string, 0, len(in.task.Params))
	for k := range in.task.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := bashValue(in.task.Params[k])
		if err != nil {
			return "", fmt.Errorf("param %q: %w", k, err)
		}
		fmt.Fprintf(&b, "PARAMS[%s]=%s\n", shellQuote(k), shellQuote(v))
	}
	b.WriteString("declare -A INPUT=()\n")
	b.WriteString("declare -A OUTPUT=()\n\n")

	if len(in.task.TaskDeps) > 0 {
		fmt.Fprintf(&b, "__TRELLIS_DECODE=%s\n", shellQuote(bashDecoder))
		b.WriteString(bashLoader)
		for _, dep := range in.task.TaskDeps {
			fmt.Fprintf(&b, "__trellis_load_input %s\n", shellQuote(dep))
		}
	}
	return b.String(), nil
}

func (bashGenerator) epilogue(in scriptInput) string {
	final := in.taskDir + "/" + protocol.OutputFileName(in.task.Name)
	tmp := in.taskDir + "/" + protocol.TempPrefix + protocol.OutputFileName(in.task.Name)

	var b strings.Builder
	// The body's own exit status decides the task, as in a plain script.
	b.WriteString("__trellis_status=$?\n")
	b.WriteString("if [ \"$__trellis_status\" -ne 0 ]; then\n\texit \"$__trellis_status\"\nfi\n\n")
	b.WriteString(bashWriter)
	// $$ stays unescaped so every process writes its own temp file.
	fmt.Fprintf(&b, "if ! __trellis_write_output %s \"%s.$$\"; then\n", shellQuote(final), doubleQuoteEscape(tmp))
	fmt.Fprintf(&b, "\techo \"trellis: error: cannot serialize OUTPUT for task %s\" >&2\n", doubleQuoteEscape(in.task.Name))
	fmt.Fprintf(&b, "\texit %d\n", SerializeExitCode)
	b.WriteString("fi\n")
	return b.String()
}

// bashValue renders a parameter value as a plain string; anything that is
// not a string is passed as JSON.
func bashValue(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// doubleQuoteEscape escapes s for use inside a double-quoted shell word.
func doubleQuoteEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`", `$`, `\$`)
	return r.Replace(s)
}
