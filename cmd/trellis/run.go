package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/trellis/internal/action"
	"github.com/mattjoyce/trellis/internal/api"
	"github.com/mattjoyce/trellis/internal/config"
	"github.com/mattjoyce/trellis/internal/events"
	"github.com/mattjoyce/trellis/internal/graph"
	"github.com/mattjoyce/trellis/internal/lock"
	"github.com/mattjoyce/trellis/internal/log"
	"github.com/mattjoyce/trellis/internal/process"
	"github.com/mattjoyce/trellis/internal/scheduler"
	"github.com/mattjoyce/trellis/internal/state"
	"github.com/mattjoyce/trellis/internal/storage"
	"github.com/mattjoyce/trellis/internal/task"
	"github.com/mattjoyce/trellis/internal/tui"
	"github.com/mattjoyce/trellis/internal/workspace"
)

const eventBacklog = 1024

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := addConfigFlag(fs)
	jobs := fs.Int("jobs", 0, "Maximum tasks running at once (default: settings.jobs)")
	fs.IntVar(jobs, "j", 0, "Shorthand for --jobs")
	failFast := fs.Bool("fail-fast", false, "Stop dispatching after the first failure")
	force := fs.Bool("force", false, "Run every selected task even when up to date")
	var params stringList
	fs.Var(&params, "param", "Override a parameter as [task.]key=value (repeatable)")
	useTUI := fs.Bool("tui", false, "Show live progress in a terminal UI")
	pick := fs.Bool("pick", false, "Choose targets interactively")
	listen := fs.String("listen", "", "Serve the history API and live events on this address during the run")

	targets, err := parseInterspersed(fs, args)
	if err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		}
		return flagErrorCode(err)
	}

	// With the TUI the terminal belongs to the UI; logs go to a file.
	var logOut io.Writer = os.Stderr
	if *useTUI {
		logOut = nil
	}
	cfg, err := loadConfig(*configPath, logOut)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitUsage
	}
	logger := log.WithComponent("main")

	overrides, err := config.ParseOverrides(params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --param: %v\n", err)
		return exitUsage
	}
	tasks, err := config.Resolve(cfg, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve tasks: %v\n", err)
		return exitUsage
	}
	full, err := graph.Build(tasks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid task graph: %v\n", err)
		return exitUsage
	}

	if *pick {
		picked, ok := pickTargets(tasks)
		if !ok {
			return exitOK
		}
		targets = picked
	}

	g, err := full.Select(targets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitUsage
	}

	opts := scheduler.Options{
		Jobs:         cfg.Settings.Jobs,
		FailFast:     cfg.Settings.FailFast || *failFast,
		Force:        *force,
		Interpreters: cfg.Settings.InterpreterArgv(),
	}
	if *jobs > 0 {
		opts.Jobs = *jobs
	}

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
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.Settings.StatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return exitUsage
	}
	defer func() { _ = db.Close() }()
	store := state.NewStore(db)

	inv, err := store.BeginInvocation(ctx, state.InvocationOptions{
		Targets:  targets,
		Jobs:     opts.Jobs,
		Force:    opts.Force,
		FailFast: opts.FailFast,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to record invocation: %v\n", err)
		return exitUsage
	}
	opts.InvocationID = inv.ID
	logger = logger.With("run_id", inv.ID)

	compiler, err := action.NewCompiler(ws.CacheDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to prepare script cache: %v\n", err)
		return exitUsage
	}

	hub := events.NewHub(eventBacklog)
	var stdout, stderr io.Writer = os.Stdout, os.Stderr
	if *useTUI {
		stdout, stderr = io.Discard, io.Discard
	}

	sched, err := scheduler.New(g, scheduler.Deps{
		Workspace: ws,
		Compiler:  compiler,
		Runner:    process.NewAdapter(stdout, stderr),
		State:     store,
		Events:    hub,
		Logger:    log.Get(),
	}, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create scheduler: %v\n", err)
		return exitUsage
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if *listen != "" {
		srv := api.New(api.Config{Listen: *listen, Token: cfg.Settings.API.Token}, store, hub, log.Get())
		go func() {
			if err := srv.Start(runCtx); err != nil {
				logger.Error("API server failed", "error", err)
			}
		}()
	}

	logger.Info("run starting", "targets", targets, "tasks", g.Len(), "jobs", opts.Jobs)

	var report *scheduler.Report
	var runErr error
	if *useTUI {
		report, runErr = runWithTUI(runCtx, cancelRun, sched, hub)
	} else {
		report, runErr = sched.Run(runCtx)
	}

	status, code, lastError := invocationOutcome(report, runErr)
	var counts state.Counts
	if report != nil {
		counts = report.Counts()
	}
	if err := store.FinishInvocation(context.WithoutCancel(ctx), inv.ID, status, counts, lastError); err != nil {
		logger.Error("failed to finish invocation", "error", err)
	}
	logger.Info("run finished", "status", status, "succeeded", counts.Succeeded, "failed", counts.Failed,
		"skipped", counts.Skipped, "up_to_date", counts.UpToDate)

	if report == nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", runErr)
		return exitUsage
	}
	printSummary(os.Stderr, report, g, status)
	return code
}

// runWithTUI drives the scheduler behind the live progress view. Quitting
// the view before the run ends cancels the run.
func runWithTUI(ctx context.Context, cancel context.CancelFunc, sched *scheduler.Scheduler, hub *events.Hub) (*scheduler.Report, error) {
	model, unsubscribe := tui.NewLocal(hub, tui.Options{})
	defer unsubscribe()

	type result struct {
		report *scheduler.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := sched.Run(ctx)
		done <- result{report, err}
	}()

	final, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		log.WithComponent("tui").Warn("terminal UI exited with error", "error", err)
	}
	if m, ok := final.(tui.Model); ok && m.Interrupted() {
		cancel()
	}
	res := <-done
	return res.report, res.err
}

func pickTargets(tasks []task.Task) ([]string, bool) {
	picker := tui.NewPicker(tasks)
	if _, err := tea.NewProgram(picker).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Task picker failed: %v\n", err)
		return nil, false
	}
	if picker.Cancelled() || len(picker.Targets()) == 0 {
		fmt.Fprintln(os.Stderr, "Nothing selected.")
		return nil, false
	}
	return picker.Targets(), true
}

func invocationOutcome(report *scheduler.Report, runErr error) (state.InvocationStatus, int, string) {
	switch {
	case report == nil:
		msg := ""
		if runErr != nil {
			msg = runErr.Error()
		}
		return state.InvocationFailed, exitUsage, msg
	case report.Cancelled || errors.Is(runErr, context.Canceled):
		return state.InvocationCancelled, exitCancelled, "cancelled"
	case report.Failed():
		msg := ""
		if errs := report.Errors(); len(errs) > 0 {
			msg = errs[0].Error()
		}
		return state.InvocationFailed, exitFailed, msg
	default:
		return state.InvocationSucceeded, exitOK, ""
	}
}

// printSummary writes one line per task in execution order, then totals.
func printSummary(w io.Writer, report *scheduler.Report, g *graph.Graph, status state.InvocationStatus) {
	theme := tui.NewDefaultTheme()
	order := append([]string(nil), report.Order...)
	seen := graph.NewSet(order...)
	for _, name := range g.TopologicalOrder() {
		if !seen.Has(name) {
			order = append(order, name)
		}
	}

	fmt.Fprintln(w)
	for _, name := range order {
		res, ok := report.Result(name)
		if !ok {
			continue
		}
		st := string(res.Status)
		line := fmt.Sprintf("  %-12s %s", theme.Style(st).Render(st), name)
		if res.Duration > 0 {
			line += theme.Dim.Render(fmt.Sprintf("  %s", res.Duration.Round(time.Millisecond)))
		}
		if res.Status == task.StatusFailed || res.Status == task.StatusSkipped {
			if res.Err != nil {
				line += "\n" + theme.Dim.Render("      "+res.Err.Error())
			}
		}
		fmt.Fprintln(w, line)
		if res.Status == task.StatusFailed && res.Stderr != "" {
			for _, l := range lastLines(res.Stderr, 5) {
				fmt.Fprintln(w, theme.Dim.Render("      | "+l))
			}
		}
	}

	c := report.Counts()
	totals := fmt.Sprintf("%s: %d succeeded, %d up to date, %d failed, %d skipped in %s",
		strings.ToUpper(string(status)), c.Succeeded, c.UpToDate, c.Failed, c.Skipped, report.Duration.Round(time.Millisecond))
	style := theme.Style(string(task.StatusSucceeded))
	switch status {
	case state.InvocationFailed:
		style = theme.Style(string(task.StatusFailed))
	case state.InvocationCancelled:
		style = theme.Style(string(task.StatusSkipped))
	}
	fmt.Fprintln(w, lipgloss.NewStyle().MarginTop(1).Render(style.Bold(true).Render(totals)))
}

func lastLines(s string, n int) []string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := addConfigFlag(fs)
	listen := fs.String("listen", "", "Listen address (default: settings.api.listen)")
	if err := fs.Parse(args); err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		}
		return flagErrorCode(err)
	}

	cfg, err := loadConfig(*configPath, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitUsage
	}
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.Settings.StatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return exitUsage
	}
	defer func() { _ = db.Close() }()

	apiCfg := api.Config{Listen: cfg.Settings.API.Listen, Token: cfg.Settings.API.Token}
	if *listen != "" {
		apiCfg.Listen = *listen
	}
	srv := api.New(apiCfg, state.NewStore(db), nil, log.Get())
	logger.Info("serving run history", "listen", apiCfg.Listen, "state", cfg.Settings.StatePath)
	if err := srv.Start(ctx); err != nil {
		logger.Error("API server failed", "error", err)
		return exitFailed
	}
	return exitOK
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8790", "Base URL of a run started with --listen")
	token := fs.String("token", os.Getenv("TRELLIS_API_TOKEN"), "Bearer token (default: $TRELLIS_API_TOKEN)")
	if err := fs.Parse(args); err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		}
		return flagErrorCode(err)
	}

	// Logs would tear the alt screen.
	log.SetupWriter("error", log.FormatText, io.Discard)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	model := tui.NewRemote(ctx, strings.TrimRight(*apiURL, "/"), *token, tui.Options{})
	final, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return exitFailed
	}
	if m, ok := final.(tui.Model); ok {
		if fin := m.Finished(); fin != nil {
			fmt.Printf("Run %s finished: %d succeeded, %d up to date, %d failed, %d skipped\n",
				shortID(fin.InvocationID), fin.Succeeded, fin.UpToDate, fin.Failed, fin.Skipped)
		}
	}
	return exitOK
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// sortedKeys is used by commands that print maps.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
