package config

import (
	"path/filepath"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/mattjoyce/trellis/internal/action"
	"github.com/mattjoyce/trellis/internal/task"
)

// DefaultFileName is looked up in the working directory when no --config is given.
const DefaultFileName = "trellis.yaml"

// Config represents a complete trellis task file after includes are merged.
type Config struct {
	Include  []string              `yaml:"include,omitempty"`
	Settings Settings              `yaml:"settings"`
	Env      map[string]string     `yaml:"env,omitempty"`
	Tasks    map[string]TaskConfig `yaml:"tasks"`

	// Path is the absolute path of the root file and Dir its directory.
	// Relative paths in the document resolve against Dir.
	Path string `yaml:"-"`
	Dir  string `yaml:"-"`
	// Files lists the root file followed by every include, in load order.
	Files []string `yaml:"-"`
}

// Settings defines invocation-wide behaviour.
type Settings struct {
	Jobs         int                 `yaml:"jobs"`
	FailFast     bool                `yaml:"fail_fast"`
	Workspace    string              `yaml:"workspace"`
	StatePath    string              `yaml:"state_path"`
	LogLevel     string              `yaml:"log_level"`
	LogFormat    string              `yaml:"log_format"`
	Interpreters map[string][]string `yaml:"interpreters,omitempty"`
	API          APIConfig           `yaml:"api"`
}

// APIConfig defines the read-only history API served by `trellis serve`.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// Token, when set, must be sent as a bearer token.
	Token string `yaml:"token,omitempty"`
}

// TaskConfig is one task as written in the file. Exactly one of Bash or
// Python carries the action body, possibly inherited through Extends.
type TaskConfig struct {
	Description string            `yaml:"description,omitempty"`
	Extends     string            `yaml:"extends,omitempty"`
	Deps        []string          `yaml:"deps,omitempty"`
	FileDeps    []string          `yaml:"file_deps,omitempty"`
	OutputDeps  []string          `yaml:"output_deps,omitempty"`
	Outputs     []string          `yaml:"outputs,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Params      map[string]any    `yaml:"params,omitempty"`
	Bash        string            `yaml:"bash,omitempty"`
	Python      string            `yaml:"python,omitempty"`
}

// Defaults returns the settings used where the file is silent.
func Defaults() Settings {
	return Settings{
		Jobs:      DefaultJobs(),
		Workspace: ".trellis",
		LogLevel:  "info",
		LogFormat: "json",
		API: APIConfig{
			Listen: "127.0.0.1:8790",
		},
	}
}

// DefaultJobs is the number of logical CPUs.
func DefaultJobs() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// InterpreterArgv returns the configured interpreters layered over
// action.DefaultInterpreters.
func (s Settings) InterpreterArgv() map[task.Language][]string {
	out := action.DefaultInterpreters()
	for lang, argv := range s.Interpreters {
		if len(argv) > 0 {
			out[task.Language(lang)] = argv
		}
	}
	return out
}

// applyDefaults fills unset settings and makes workspace and state paths
// absolute relative to the config directory.
func applyDefaults(cfg *Config) {
	defaults := Defaults()
	s := &cfg.Settings

	if s.Jobs == 0 {
		s.Jobs = defaults.Jobs
	}
	if s.Workspace == "" {
		s.Workspace = defaults.Workspace
	}
	s.Workspace = cfg.resolvePath(s.Workspace)
	if s.StatePath == "" {
		s.StatePath = filepath.Join(s.Workspace, "state.db")
	}
	s.StatePath = cfg.resolvePath(s.StatePath)
	if s.LogLevel == "" {
		s.LogLevel = defaults.LogLevel
	}
	if s.LogFormat == "" {
		s.LogFormat = defaults.LogFormat
	}
	if s.API.Listen == "" {
		s.API.Listen = defaults.API.Listen
	}
	if cfg.Tasks == nil {
		cfg.Tasks = make(map[string]TaskConfig)
	}
}

func (c *Config) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}
