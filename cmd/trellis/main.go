package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/trellis/internal/config"
	"github.com/mattjoyce/trellis/internal/log"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes. A run whose tasks were only skipped still exits 0.
const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 130
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return exitUsage
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "run":
		return runRun(args)
	case "check", "doctor":
		return runCheck(args)
	case "graph":
		return runGraph(args)
	case "inspect":
		return runInspect(args)
	case "history":
		return runHistory(args)
	case "serve":
		return runServe(args)
	case "watch":
		return runWatch(args)
	case "prune":
		return runPrune(args)
	case "lock":
		return runLock(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `trellis - declarative task runner

Usage:
  trellis <command> [flags] [args]

Commands:
  run [tasks...]      Run tasks and everything they depend on
  check               Validate the task file, graph and interpreters
  graph [tasks...]    Print the task graph in execution order
  inspect <task>      Show a task's inputs, output and recorded runs
  history [id]        List invocations, or the task runs of one
  serve               Serve the read-only history API
  watch               Follow a running 'trellis run --listen' in a TUI
  prune               Delete stale scripts, history and orphaned task state
  lock                Write the .checksums manifest for the task files
  version             Show version information

Every command accepts --config <file|dir> (default: ./trellis.yaml).
Use 'trellis <command> -h' for command flags.
`)
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return flagErrorCode(err)
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: trellis version [--json]")
		return exitUsage
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return exitFailed
		}
		fmt.Println(string(data))
		return exitOK
	}

	fmt.Printf("trellis %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// --- shared helpers ---

// stringList collects a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// parseInterspersed parses flags that may appear before, between or after
// positional arguments and returns the positionals in order.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		if args[0] == "--" {
			return append(positional, args[1:]...), nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func flagErrorCode(err error) int {
	if err == flag.ErrHelp {
		return exitOK
	}
	return exitUsage
}

func addConfigFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "Path to trellis.yaml or its directory (default: ./"+config.DefaultFileName+")")
}

// loadConfig loads the task file and sets up logging from its settings.
// Logs go to logOut, or to <workspace>/trellis.log when logOut is nil.
func loadConfig(path string, logOut io.Writer) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logOut == nil {
		if err := os.MkdirAll(cfg.Settings.Workspace, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.Settings.Workspace, "trellis.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logOut = f
	}
	log.SetupWriter(cfg.Settings.LogLevel, log.Format(cfg.Settings.LogFormat), logOut)
	return cfg, nil
}

// stateExists reports whether a state database was ever created, so that
// read-only commands do not create one.
func stateExists(cfg *config.Config) bool {
	_, err := os.Stat(cfg.Settings.StatePath)
	return err == nil
}
