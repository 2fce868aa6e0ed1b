package e2e

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/trellis/internal/action"
	"github.com/mattjoyce/trellis/internal/config"
	"github.com/mattjoyce/trellis/internal/events"
	"github.com/mattjoyce/trellis/internal/graph"
	"github.com/mattjoyce/trellis/internal/log"
	"github.com/mattjoyce/trellis/internal/process"
	"github.com/mattjoyce/trellis/internal/protocol"
	"github.com/mattjoyce/trellis/internal/scheduler"
	"github.com/mattjoyce/trellis/internal/state"
	"github.com/mattjoyce/trellis/internal/storage"
	"github.com/mattjoyce/trellis/internal/task"
	"github.com/mattjoyce/trellis/internal/workspace"
)

// A three hop pipeline across both languages: bash reads a file, python
// parses it and bash consumes the python output.
const pipelineYAML = `settings:
  jobs: 2
  log_level: error
tasks:
  version:
    file_deps: [VERSION]
    bash: |
      OUTPUT[version]="$(tr -d '\n' < "$SRC_DIR/VERSION")"
  build:
    deps: [version]
    python: |
      major, minor, patch = INPUT["version.version"].split(".")
      OUTPUT["major"] = int(major)
      OUTPUT["artifact"] = "app-" + INPUT["version.version"] + ".tar"
      with open(OUTPUT["artifact"], "w") as f:
          f.write("payload")
  package:
    deps: [build]
    params:
      channel: stable
    bash: |
      OUTPUT[line]="${INPUT[build.artifact]} major ${INPUT[build.major]} on ${PARAMS[channel]}"
`

type pipeline struct {
	dir   string
	cfg   *config.Config
	ws    *workspace.Workspace
	store *state.Store
}

func requireInterpreters(t *testing.T) {
	t.Helper()
	for _, bin := range []string{"bash", "python3"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available: %v", bin, err)
		}
	}
}

func setupPipeline(t *testing.T) *pipeline {
	t.Helper()
	requireInterpreters(t)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "trellis.yaml"), []byte(pipelineYAML), 0o644); err != nil {
		t.Fatalf("write trellis.yaml: %v", err)
	}
	writeVersion(t, dir, "1.4.2")
	t.Setenv("SRC_DIR", dir)

	log.Setup("ERROR") // Keep logs clean

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	ws, err := workspace.Open(cfg.Settings.Workspace)
	if err != nil {
		t.Fatalf("workspace.Open: %v", err)
	}
	db, err := storage.OpenSQLite(context.Background(), cfg.Settings.StatePath)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return &pipeline{dir: dir, cfg: cfg, ws: ws, store: state.NewStore(db)}
}

func writeVersion(t *testing.T, dir, v string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "VERSION"), []byte(v+"\n"), 0o644); err != nil {
		t.Fatalf("write VERSION: %v", err)
	}
}

// run executes the whole graph once and returns the report and every event
// published during the run.
func (p *pipeline) run(t *testing.T) (*scheduler.Report, []events.Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tasks, err := config.Resolve(p.cfg, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	g, err := graph.Build(tasks)
	if err != nil {
		t.Fatalf("graph.Build: %v", err)
	}
	inv, err := p.store.BeginInvocation(ctx, state.InvocationOptions{Jobs: p.cfg.Settings.Jobs})
	if err != nil {
		t.Fatalf("BeginInvocation: %v", err)
	}
	compiler, err := action.NewCompiler(p.ws.CacheDir)
	if err != nil {
		t.Fatalf("NewCompiler: %v", err)
	}

	hub := events.NewHub(64)
	sub, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	sched, err := scheduler.New(g, scheduler.Deps{
		Workspace: p.ws,
		Compiler:  compiler,
		Runner:    process.NewAdapter(io.Discard, io.Discard),
		State:     p.store,
		Events:    hub,
	}, scheduler.Options{
		Jobs:         p.cfg.Settings.Jobs,
		Interpreters: p.cfg.Settings.InterpreterArgv(),
		InvocationID: inv.ID,
	})
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}

	report, err := sched.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := p.store.FinishInvocation(ctx, inv.ID, state.InvocationSucceeded, report.Counts(), ""); err != nil {
		t.Fatalf("FinishInvocation: %v", err)
	}

	var got []events.Event
	for {
		select {
		case ev := <-sub:
			got = append(got, ev)
			if ev.Type == events.TypeRunFinished {
				return report, got
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("run.finished never published; got %d events", len(got))
		}
	}
}

func (p *pipeline) output(t *testing.T, name string) protocol.Output {
	t.Helper()
	path, err := p.ws.OutputPath(name)
	if err != nil {
		t.Fatalf("OutputPath(%s): %v", name, err)
	}
	out, err := protocol.ReadOutput(path)
	if err != nil {
		t.Fatalf("ReadOutput(%s): %v", name, err)
	}
	return out
}

func assertStatuses(t *testing.T, report *scheduler.Report, want task.Status) {
	t.Helper()
	for _, name := range []string{"version", "build", "package"} {
		if got := report.Status(name); got != want {
			res, _ := report.Result(name)
			t.Fatalf("%s status = %s, want %s (err=%v stderr=%q)", name, got, want, res.Err, res.Stderr)
		}
	}
}

func TestEndToEndPipeline(t *testing.T) {
	p := setupPipeline(t)

	// 1. First run executes everything in dependency order.
	report, evs := p.run(t)
	assertStatuses(t, report, task.StatusSucceeded)
	if len(report.Order) != 3 || report.Order[0] != "version" || report.Order[2] != "package" {
		t.Fatalf("order = %v", report.Order)
	}

	// 2. Values crossed both language boundaries with their types intact.
	if got := p.output(t, "build")["major"]; got != float64(1) {
		t.Fatalf("build major = %v (%T)", got, got)
	}
	if got := p.output(t, "package")["line"]; got != "app-1.4.2.tar major 1 on stable" {
		t.Fatalf("package line = %q", got)
	}
	buildDir, _ := p.ws.TaskDir("build")
	if _, err := os.Stat(filepath.Join(buildDir, "app-1.4.2.tar")); err != nil {
		t.Fatalf("build artifact missing: %v", err)
	}
	pkgDir, _ := p.ws.TaskDir("package")
	link, err := os.Readlink(filepath.Join(pkgDir, protocol.InputFileName("build")))
	if err != nil || link != filepath.Join(buildDir, protocol.OutputFileName("build")) {
		t.Fatalf("input link = %q, %v", link, err)
	}

	// 3. Every task reported its start and finish.
	finished := 0
	for _, ev := range evs {
		if ev.Type == events.TypeTaskFinished {
			finished++
		}
	}
	if finished != 3 {
		t.Fatalf("task.finished events = %d, want 3", finished)
	}

	// 4. Nothing changed, nothing runs.
	report, _ = p.run(t)
	assertStatuses(t, report, task.StatusUpToDate)

	// 5. A changed file dependency reruns the chain below it.
	writeVersion(t, p.dir, "2.0.1")
	report, _ = p.run(t)
	assertStatuses(t, report, task.StatusSucceeded)
	if got := p.output(t, "package")["line"]; got != "app-2.0.1.tar major 2 on stable" {
		t.Fatalf("package line after change = %q", got)
	}

	// 6. History kept all three invocations and every task run.
	invs, err := p.store.ListInvocations(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListInvocations: %v", err)
	}
	if len(invs) != 3 {
		t.Fatalf("invocations = %d, want 3", len(invs))
	}
	runs, err := p.store.TaskHistory(context.Background(), "package", 10)
	if err != nil {
		t.Fatalf("TaskHistory: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("package runs = %d, want 3", len(runs))
	}
}

func TestEndToEndFailureSkipsDependents(t *testing.T) {
	p := setupPipeline(t)
	writeVersion(t, p.dir, "not-a-version")

	report, _ := p.run(t)
	if got := report.Status("version"); got != task.StatusSucceeded {
		t.Fatalf("version status = %s", got)
	}
	res, _ := report.Result("build")
	if res.Status != task.StatusFailed || res.Phase != task.PhaseExecute || res.ExitCode == 0 {
		t.Fatalf("build result = %+v", res)
	}
	if got := report.Status("package"); got != task.StatusSkipped {
		t.Fatalf("package status = %s, want skipped", got)
	}
	if !report.Failed() {
		t.Fatal("report should be failed")
	}
}
