package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/trellis/internal/config"
	"github.com/mattjoyce/trellis/internal/doctor"
	"github.com/mattjoyce/trellis/internal/graph"
	"github.com/mattjoyce/trellis/internal/inspect"
	"github.com/mattjoyce/trellis/internal/lock"
	"github.com/mattjoyce/trellis/internal/log"
	"github.com/mattjoyce/trellis/internal/state"
	"github.com/mattjoyce/trellis/internal/storage"
	"github.com/mattjoyce/trellis/internal/workspace"
)

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "Output the result as JSON")
	if err := fs.Parse(args); err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		}
		return flagErrorCode(err)
	}

	cfg, err := loadConfig(*configPath, os.Stderr)
	if err != nil {
		if *jsonOut {
			out, _ := doctor.FormatJSON(&doctor.Result{
				Errors: []doctor.Issue{{Category: "config", Message: err.Error()}},
			})
			fmt.Println(out)
		} else {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		}
		return exitUsage
	}

	result := doctor.New(cfg).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return exitFailed
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return exitUsage
	}
	return exitOK
}

func runGraph(args []string) int {
	fs := flag.NewFlagSet("graph", flag.ContinueOnError)
	configPath := addConfigFlag(fs)
	dot := fs.Bool("dot", false, "Output Graphviz dot instead of the execution order")
	targets, err := parseInterspersed(fs, args)
	if err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		}
		return flagErrorCode(err)
	}

	g, _, code := loadGraph(*configPath, nil)
	if g == nil {
		return code
	}
	g, err = g.Select(targets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitUsage
	}

	if *dot {
		fmt.Println("digraph trellis {")
		fmt.Println("  rankdir=LR;")
		for _, name := range g.TopologicalOrder() {
			fmt.Printf("  %q;\n", name)
			for _, dep := range g.Dependencies(name) {
				fmt.Printf("  %q -> %q;\n", dep, name)
			}
		}
		fmt.Println("}")
		return exitOK
	}

	for i, name := range g.TopologicalOrder() {
		deps := g.Dependencies(name)
		if len(deps) == 0 {
			fmt.Printf("%3d. %s\n", i+1, name)
			continue
		}
		fmt.Printf("%3d. %s <- %s\n", i+1, name, strings.Join(deps, ", "))
	}
	return exitOK
}

// loadGraph loads the config, resolves it with params and builds the full
// task graph. On failure the graph is nil and code is the exit code.
func loadGraph(configPath string, params []string) (*graph.Graph, *config.Config, int) {
	cfg, err := loadConfig(configPath, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, nil, exitUsage
	}
	overrides, err := config.ParseOverrides(params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --param: %v\n", err)
		return nil, nil, exitUsage
	}
	tasks, err := config.Resolve(cfg, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve tasks: %v\n", err)
		return nil, nil, exitUsage
	}
	g, err := graph.Build(tasks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid task graph: %v\n", err)
		return nil, nil, exitUsage
	}
	return g, cfg, exitOK
}

func runInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	limit := fs.Int("limit", 10, "Number of recorded runs to show")
	var params stringList
	fs.Var(&params, "param", "Override a parameter as [task.]key=value (repeatable)")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		}
		return flagErrorCode(err)
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: trellis inspect <task> [--json] [--limit N] [--param k=v]")
		return exitUsage
	}
	name := positional[0]

	g, cfg, code := loadGraph(*configPath, params)
	if g == nil {
		return code
	}
	t, ok := g.Task(name)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown task: %s\n", name)
		return exitUsage
	}

	ctx := context.Background()
	ws, err := workspace.Open(cfg.Settings.Workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open workspace: %v\n", err)
		return exitFailed
	}
	req := inspect.Request{
		Task:         t,
		Dependents:   g.Dependents(name),
		Workspace:    ws,
		HistoryLimit: *limit,
	}
	if stateExists(cfg) {
		db, err := storage.OpenSQLite(ctx, cfg.Settings.StatePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
			return exitFailed
		}
		defer func() { _ = db.Close() }()
		req.State = state.NewStore(db)
	}

	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, req)
	} else {
		out, err = inspect.BuildReport(ctx, req)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build report: %v\n", err)
		return exitFailed
	}
	fmt.Print(strings.TrimRight(out, "\n") + "\n")
	return exitOK
}

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := addConfigFlag(fs)
	taskName := fs.String("task", "", "Show the recorded runs of one task")
	limit := fs.Int("limit", 20, "Maximum rows to show")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		}
		return flagErrorCode(err)
	}
	if len(positional) > 1 || (len(positional) == 1 && *taskName != "") {
		fmt.Fprintln(os.Stderr, "Usage: trellis history [invocation-id | --task name] [--limit N] [--json]")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitUsage
	}
	if !stateExists(cfg) {
		fmt.Println("No runs recorded.")
		return exitOK
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Settings.StatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return exitFailed
	}
	defer func() { _ = db.Close() }()
	store := state.NewStore(db)

	switch {
	case len(positional) == 1:
		inv, err := store.Get(ctx, positional[0])
		if err != nil {
			if errors.Is(err, state.ErrInvocationNotFound) {
				fmt.Fprintf(os.Stderr, "Invocation not found: %s\n", positional[0])
				return exitUsage
			}
			fmt.Fprintf(os.Stderr, "Failed to load invocation: %v\n", err)
			return exitFailed
		}
		runs, err := store.TaskRuns(ctx, inv.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load task runs: %v\n", err)
			return exitFailed
		}
		if *jsonOut {
			return printJSON(struct {
				Invocation *state.Invocation `json:"invocation"`
				TaskRuns   []state.TaskRun   `json:"task_runs"`
			}{inv, runs})
		}
		printInvocation(inv)
		printTaskRuns(runs, false)

	case *taskName != "":
		runs, err := store.TaskHistory(ctx, *taskName, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load task history: %v\n", err)
			return exitFailed
		}
		if *jsonOut {
			return printJSON(runs)
		}
		if len(runs) == 0 {
			fmt.Printf("No runs recorded for %s.\n", *taskName)
			return exitOK
		}
		printTaskRuns(runs, true)

	default:
		invs, err := store.ListInvocations(ctx, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list invocations: %v\n", err)
			return exitFailed
		}
		if *jsonOut {
			return printJSON(invs)
		}
		if len(invs) == 0 {
			fmt.Println("No runs recorded.")
			return exitOK
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tTARGETS\tOK\tFAILED\tSKIPPED\tUP TO DATE")
		for _, inv := range invs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
				shortID(inv.ID), inv.StartedAt.Local().Format("2006-01-02 15:04:05"), inv.Status,
				renderTargets(inv.Targets), inv.Counts.Succeeded, inv.Counts.Failed, inv.Counts.Skipped, inv.Counts.UpToDate)
		}
		_ = w.Flush()
	}
	return exitOK
}

func printInvocation(inv *state.Invocation) {
	fmt.Printf("Invocation  : %s\n", inv.ID)
	fmt.Printf("Status      : %s\n", inv.Status)
	fmt.Printf("Targets     : %s\n", renderTargets(inv.Targets))
	fmt.Printf("Started     : %s\n", inv.StartedAt.Local().Format(time.RFC3339))
	if inv.FinishedAt != nil {
		fmt.Printf("Finished    : %s (%s)\n", inv.FinishedAt.Local().Format(time.RFC3339), inv.FinishedAt.Sub(inv.StartedAt).Round(time.Millisecond))
	}
	fmt.Printf("Options     : jobs=%d force=%t fail_fast=%t\n", inv.Jobs, inv.Force, inv.FailFast)
	if inv.LastError != "" {
		fmt.Printf("Last error  : %s\n", inv.LastError)
	}
	fmt.Println()
}

func printTaskRuns(runs []state.TaskRun, withInvocation bool) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if withInvocation {
		fmt.Fprintln(w, "FINISHED\tINVOCATION\tSTATUS\tDURATION\tDETAIL")
	} else {
		fmt.Fprintln(w, "TASK\tSTATUS\tDURATION\tDETAIL")
	}
	for _, run := range runs {
		detail := ""
		if run.Phase != "" {
			detail = fmt.Sprintf("%s exit %d", run.Phase, run.ExitCode)
			if run.LastError != "" {
				detail += ": " + run.LastError
			}
		}
		if withInvocation {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", run.FinishedAt.Local().Format("2006-01-02 15:04:05"),
				shortID(run.InvocationID), run.Status, run.Duration.Round(time.Millisecond), detail)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", run.Task, run.Status, run.Duration.Round(time.Millisecond), detail)
		}
	}
	_ = w.Flush()
}

func renderTargets(targets []string) string {
	if len(targets) == 0 {
		return "(all)"
	}
	return strings.Join(targets, ",")
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return exitFailed
	}
	fmt.Println(string(data))
	return exitOK
}

func runPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	configPath := addConfigFlag(fs)
	olderThan := fs.Duration("older-than", 30*24*time.Hour, "Delete cached scripts and run history older than this")
	orphans := fs.Bool("orphans", false, "Also delete task directories and state of tasks no longer defined")
	if err := fs.Parse(args); err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		}
		return flagErrorCode(err)
	}
	if *olderThan <= 0 {
		fmt.Fprintln(os.Stderr, "--older-than must be positive")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitUsage
	}
	logger := log.WithComponent("prune")

	wsLock, err := lock.Acquire(cfg.Settings.Workspace)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			fmt.Fprintf(os.Stderr, "Another trellis run is using %s\n", cfg.Settings.Workspace)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to lock workspace: %v\n", err)
		}
		return exitUsage
	}
	defer func() {
		if err := wsLock.Release(); err != nil {
			logger.Warn("failed to release workspace lock", "error", err)
		}
	}()

	ws, err := workspace.Open(cfg.Settings.Workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open workspace: %v\n", err)
		return exitFailed
	}
	ctx := context.Background()

	cacheReport, err := ws.PruneCache(ctx, *olderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to prune script cache: %v\n", err)
		return exitFailed
	}
	fmt.Printf("Deleted %d cached script(s)\n", cacheReport.DeletedScripts)

	if stateExists(cfg) {
		db, err := storage.OpenSQLite(ctx, cfg.Settings.StatePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
			return exitFailed
		}
		defer func() { _ = db.Close() }()
		store := state.NewStore(db)

		n, err := store.PruneHistory(ctx, *olderThan)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to prune history: %v\n", err)
			return exitFailed
		}
		fmt.Printf("Deleted %d invocation(s) from history\n", n)

		if *orphans {
			forgotten, err := store.Forget(ctx, sortedKeys(cfg.Tasks))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to forget removed tasks: %v\n", err)
				return exitFailed
			}
			fmt.Printf("Forgot run state of %d removed task(s)\n", forgotten)
		}
	}

	if *orphans {
		taskReport, err := ws.PruneTasks(ctx, sortedKeys(cfg.Tasks))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to prune task directories: %v\n", err)
			return exitFailed
		}
		fmt.Printf("Deleted %d orphaned task director(ies)\n", taskReport.DeletedTaskDirs)
	}

	logger.Info("prune complete", "older_than", olderThan.String(), "orphans", *orphans)
	return exitOK
}

func runLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := addConfigFlag(fs)
	dryRun := fs.Bool("dry-run", false, "Show the hashes without writing the manifest")
	if err := fs.Parse(args); err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		}
		return flagErrorCode(err)
	}

	// The manifest may be stale or missing, which is why we are here.
	cfg, err := config.LoadUnverified(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitUsage
	}

	report, err := config.GenerateChecksums(cfg, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate checksums: %v\n", err)
		return exitFailed
	}

	for _, f := range report.Files {
		fmt.Printf("  %s  %s\n", f.Hash, f.Filename)
	}
	if *dryRun {
		fmt.Printf("Dry run: %s not written\n", report.ChecksumPath)
		return exitOK
	}
	fmt.Printf("Wrote %s (%d file(s))\n", report.ChecksumPath, len(report.Files))
	return exitOK
}
