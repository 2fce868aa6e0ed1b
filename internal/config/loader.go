package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/trellis/internal/task"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ErrMissingEnv reports a ${VAR} reference to an unset environment variable.
var ErrMissingEnv = errors.New("environment variable is not set")

// Load reads a task file and everything it includes.
//
// ${VAR} references are expanded in every value except action bodies, which
// are left for the interpreter. Each file is validated against the embedded
// schema before merging. A file's own values override those of the files it
// includes. When the config directory holds a .checksums manifest every
// loaded file must match it.
func Load(configPath string) (*Config, error) {
	return load(configPath, true)
}

// LoadUnverified is Load without the checksum check. `trellis lock` uses it
// to re-hash files that were edited on purpose.
func LoadUnverified(configPath string) (*Config, error) {
	return load(configPath, false)
}

func load(configPath string, verify bool) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultFileName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", DefaultFileName, absPath)
		}
	}

	l := &loader{
		sources: make(map[string]string),
		stack:   make(map[string]bool),
	}
	merged, err := l.load(absPath)
	if err != nil {
		return nil, err
	}

	cfg := merged
	cfg.Path = absPath
	cfg.Dir = filepath.Dir(absPath)
	cfg.Files = l.files
	applyDefaults(cfg)

	if verify {
		if err := verifyChecksums(cfg.Dir, cfg.Files); err != nil {
			return nil, err
		}
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type loader struct {
	files   []string
	sources map[string]string
	stack   map[string]bool
}

// load returns the merge of path and its includes. Includes are merged first
// so the including file wins.
func (l *loader) load(path string) (*Config, error) {
	l.stack[path] = true
	defer delete(l.stack, path)
	l.files = append(l.files, path)

	own, err := loadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	merged := &Config{Include: own.Include}
	baseDir := filepath.Dir(path)
	for i, includePath := range own.Include {
		resolved := includePath
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(baseDir, resolved)
		}
		absPath, err := filepath.Abs(resolved)
		if err != nil {
			return nil, fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}
		if l.stack[absPath] {
			return nil, fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, path)
			}
			return nil, fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}

		included, err := l.load(absPath)
		if err != nil {
			return nil, err
		}
		if err := l.merge(merged, included, absPath); err != nil {
			return nil, err
		}
	}

	if err := l.merge(merged, own, path); err != nil {
		return nil, err
	}
	return merged, nil
}

// loadConfigFile parses a single file: interpolate, schema check, decode.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if root.Kind == 0 {
		return &Config{}, nil
	}
	if err := interpolateNode(&root, nil); err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := root.Decode(&doc); err != nil {
		return nil, fmt.Errorf("task file must be a mapping: %w", err)
	}
	if err := validateDocument(filepath.Base(path), doc); err != nil {
		return nil, err
	}

	var cfg Config
	if err := root.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode YAML: %w", err)
	}
	return &cfg, nil
}

// merge copies src into dst; non-zero values in src win. A task may be
// defined in only one file.
func (l *loader) merge(dst, src *Config, path string) error {
	s, d := src.Settings, &dst.Settings
	if s.Jobs != 0 {
		d.Jobs = s.Jobs
	}
	if s.FailFast {
		d.FailFast = true
	}
	if s.Workspace != "" {
		d.Workspace = s.Workspace
	}
	if s.StatePath != "" {
		d.StatePath = s.StatePath
	}
	if s.LogLevel != "" {
		d.LogLevel = s.LogLevel
	}
	if s.LogFormat != "" {
		d.LogFormat = s.LogFormat
	}
	if s.API.Listen != "" {
		d.API.Listen = s.API.Listen
	}
	if s.API.Token != "" {
		d.API.Token = s.API.Token
	}
	for lang, argv := range s.Interpreters {
		if d.Interpreters == nil {
			d.Interpreters = make(map[string][]string)
		}
		d.Interpreters[lang] = argv
	}

	for k, v := range src.Env {
		if dst.Env == nil {
			dst.Env = make(map[string]string)
		}
		dst.Env[k] = v
	}

	for name, tc := range src.Tasks {
		if prev, ok := l.sources[name]; ok && prev != path {
			return fmt.Errorf("task %q is defined in both %s and %s", name, prev, path)
		}
		l.sources[name] = path
		if dst.Tasks == nil {
			dst.Tasks = make(map[string]TaskConfig)
		}
		dst.Tasks[name] = tc
	}
	return nil
}

// interpolateNode expands ${VAR} in scalar values below n. Plain scalars are
// re-resolved afterwards so `jobs: ${JOBS}` still decodes as an integer.
func interpolateNode(n *yaml.Node, path []string) error {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			if err := interpolateNode(c, path); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			if err := interpolateNode(n.Content[i+1], append(path, n.Content[i].Value)); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if isActionBody(path) {
			return nil
		}
		expanded, err := interpolateEnv(n.Value)
		if err != nil {
			return fmt.Errorf("line %d (%s): %w", n.Line, strings.Join(path, "."), err)
		}
		if expanded != n.Value {
			n.Value = expanded
			if n.Style == 0 {
				n.Tag = ""
			}
		}
	}
	return nil
}

func isActionBody(path []string) bool {
	if len(path) != 3 || path[0] != "tasks" {
		return false
	}
	return path[2] == string(task.LanguageBash) || path[2] == string(task.LanguagePython)
}

// interpolateEnv replaces ${VAR} with environment variable values.
func interpolateEnv(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		missing = append(missing, varName)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: ${%s}", ErrMissingEnv, strings.Join(missing, "}, ${"))
	}
	return out, nil
}

// validate performs the checks the schema cannot express.
func validate(cfg *Config) error {
	if cfg.Settings.Jobs < 1 {
		return fmt.Errorf("settings.jobs must be positive")
	}

	switch strings.ToLower(cfg.Settings.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("settings.log_level must be one of: debug, info, warn, error (got %q)", cfg.Settings.LogLevel)
	}

	for lang, argv := range cfg.Settings.Interpreters {
		if !task.Language(lang).Valid() {
			return fmt.Errorf("settings.interpreters: unsupported language %q", lang)
		}
		if len(argv) == 0 {
			return fmt.Errorf("settings.interpreters.%s must not be empty", lang)
		}
	}

	for name, tc := range cfg.Tasks {
		if err := task.ValidateName(name); err != nil {
			return err
		}
		if tc.Bash != "" && tc.Python != "" {
			return fmt.Errorf("task %q: bash and python are mutually exclusive", name)
		}
		if tc.Extends != "" {
			if _, ok := cfg.Tasks[tc.Extends]; !ok {
				return fmt.Errorf("task %q extends unknown task %q", name, tc.Extends)
			}
		}
	}
	return nil
}
