// Package process runs compiled scripts as child processes.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/trellis/internal/log"
)

const (
	// MaxCaptureBytes caps how much of each stream is kept in a Result.
	MaxCaptureBytes = 64 * 1024

	// DefaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	DefaultGracePeriod = 5 * time.Second
)

var ErrProcessSpawn = errors.New("process spawn failure")

// Request describes one script execution.
type Request struct {
	Task string
	// Interpreter is the argv prefix; Script is appended as the last argument.
	Interpreter []string
	Script      string
	// Env is added on top of the parent environment.
	Env map[string]string
	Dir string
}

// Result is what a finished process left behind. A non-zero ExitCode is a
// normal result, not an error. Stdout keeps the first MaxCaptureBytes of the
// stream and Stderr the last, where errors usually end up.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	// Terminated is set when the process was stopped because ctx ended.
	Terminated bool
}

// Adapter spawns processes. The zero value is usable and safe for
// concurrent use.
type Adapter struct {
	// GracePeriod overrides DefaultGracePeriod when positive.
	GracePeriod time.Duration
	// Stdout and Stderr, when set, receive every output line prefixed with
	// "[task] ".
	Stdout io.Writer
	Stderr io.Writer

	logger *slog.Logger
}

// NewAdapter returns an adapter that streams output to stdout and stderr.
func NewAdapter(stdout, stderr io.Writer) *Adapter {
	return &Adapter{
		Stdout: stdout,
		Stderr: stderr,
		logger: log.WithComponent("process"),
	}
}

func (a *Adapter) grace() time.Duration {
	if a.GracePeriod > 0 {
		return a.GracePeriod
	}
	return DefaultGracePeriod
}

func (a *Adapter) log() *slog.Logger {
	if a.logger != nil {
		return a.logger
	}
	return log.WithComponent("process")
}

// Run executes req and waits for it. There is no implicit timeout; when ctx
// ends the process group gets SIGTERM and, after the grace period, SIGKILL.
func (a *Adapter) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.Interpreter) == 0 {
		return nil, fmt.Errorf("%w: task %q: no interpreter", ErrProcessSpawn, req.Task)
	}
	logger := a.log().With(slog.String("task", req.Task))

	args := append(append([]string{}, req.Interpreter[1:]...), req.Script)
	// Not CommandContext: termination is handled below.
	cmd := exec.Command(req.Interpreter[0], args...)
	cmd.Dir = req.Dir
	cmd.Env = mergeEnv(os.Environ(), req.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Background children that keep the output pipes open must not hold
	// up the run once the script itself has exited.
	cmd.WaitDelay = a.grace()

	stdout := &cappedBuffer{limit: MaxCaptureBytes}
	stderr := &cappedBuffer{limit: MaxCaptureBytes, tail: true}
	var outPrefix, errPrefix *prefixWriter
	cmd.Stdout, outPrefix = tee(stdout, a.Stdout, req.Task)
	cmd.Stderr, errPrefix = tee(stderr, a.Stderr, req.Task)

	logger.Debug("spawning process", "interpreter", req.Interpreter, "script", req.Script, "dir", req.Dir)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: task %q: %v", ErrProcessSpawn, req.Task, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var err error
	terminated := false
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		terminated = true
		logger.Warn("context ended, sending SIGTERM", "pid", cmd.Process.Pid)
		if serr := signalGroup(cmd.Process.Pid, syscall.SIGTERM); serr != nil {
			logger.Error("failed to send SIGTERM", "error", serr)
		}

		grace := time.NewTimer(a.grace())
		defer grace.Stop()

		select {
		case err = <-waitErr:
			logger.Info("process exited after SIGTERM")
		case <-grace.C:
			logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
			if kerr := signalGroup(cmd.Process.Pid, syscall.SIGKILL); kerr != nil {
				logger.Error("failed to send SIGKILL", "error", kerr)
			}
			err = <-waitErr
		}
	}
	duration := time.Since(start)
	outPrefix.Flush()
	errPrefix.Flush()

	res := &Result{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Duration:   duration,
		Terminated: terminated,
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		logger.Warn("output pipes still open after exit, closed forcibly")
		res.ExitCode = cmd.ProcessState.ExitCode()
		err = nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("wait for task %q: %w", req.Task, err)
		}
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			// Killed by a signal.
			res.ExitCode = 128 + signalNumber(exitErr)
		}
	}

	logger.Debug("process finished", "exit_code", res.ExitCode, "duration", duration)
	return res, nil
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func signalNumber(exitErr *exec.ExitError) int {
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return int(ws.Signal())
	}
	return 0
}

// mergeEnv overlays extra on base. Keys in extra replace matching entries.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if _, ok := extra[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func tee(capture *cappedBuffer, stream io.Writer, task string) (io.Writer, *prefixWriter) {
	if stream == nil {
		return capture, nil
	}
	pw := &prefixWriter{w: stream, prefix: []byte("[" + task + "] ")}
	return io.MultiWriter(capture, pw), pw
}

// cappedBuffer keeps the first limit bytes written, or the last limit bytes
// when tail is set, while still reporting full writes.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
	tail  bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tail {
		if len(p) >= c.limit {
			c.buf = append(c.buf[:0], p[len(p)-c.limit:]...)
			return len(p), nil
		}
		if over := len(c.buf) + len(p) - c.limit; over > 0 {
			c.buf = append(c.buf[:0], c.buf[over:]...)
		}
		c.buf = append(c.buf, p...)
		return len(p), nil
	}
	if room := c.limit - len(c.buf); room > 0 {
		keep := p
		if len(keep) > room {
			keep = keep[:room]
		}
		c.buf = append(c.buf, keep...)
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}

// prefixWriter writes complete lines to w, each starting with prefix.
type prefixWriter struct {
	mu      sync.Mutex
	w       io.Writer
	prefix  []byte
	pending []byte
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, b...)
	for {
		i := bytes.IndexByte(p.pending, '\n')
		if i < 0 {
			break
		}
		line := make([]byte, 0, len(p.prefix)+i+1)
		line = append(line, p.prefix...)
		line = append(line, p.pending[:i+1]...)
		p.pending = p.pending[i+1:]
		if _, err := p.w.Write(line); err != nil {
			// Streaming is best effort; capture continues.
			p.pending = nil
			return len(b), nil
		}
	}
	return len(b), nil
}

// Flush writes a trailing partial line, if any.
func (p *prefixWriter) Flush() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return
	}
	line := append(append([]byte{}, p.prefix...), p.pending...)
	line = append(line, '\n')
	_, _ = p.w.Write(line)
	p.pending = nil
}
