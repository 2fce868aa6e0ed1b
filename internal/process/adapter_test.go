package process

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	script := writeScript(t, "echo out-$GREETING\necho err >&2\npwd\nexit 7\n")

	a := &Adapter{}
	res, err := a.Run(context.Background(), Request{
		Task:        "t",
		Interpreter: []string{"bash"},
		Script:      script,
		Env:         map[string]string{"GREETING": "hi"},
		Dir:         dir,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
	assert.Contains(t, res.Stdout, "out-hi")
	assert.Equal(t, "err\n", res.Stderr)
	assert.False(t, res.Terminated)
	assert.Greater(t, res.Duration, time.Duration(0))

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.True(t, strings.Contains(res.Stdout, dir) || strings.Contains(res.Stdout, resolved))
}

func TestRunSpawnFailure(t *testing.T) {
	a := &Adapter{}
	_, err := a.Run(context.Background(), Request{
		Task:        "t",
		Interpreter: []string{"/definitely/not/an/interpreter"},
		Script:      "x",
		Dir:         t.TempDir(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProcessSpawn))

	_, err = a.Run(context.Background(), Request{Task: "t"})
	assert.True(t, errors.Is(err, ErrProcessSpawn))
}

func TestRunCancellationTerminatesProcess(t *testing.T) {
	requireBash(t)
	script := writeScript(t, "trap 'exit 0' TERM\nsleep 30 &\nwait\n")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	a := &Adapter{GracePeriod: 2 * time.Second}
	start := time.Now()
	res, err := a.Run(ctx, Request{Task: "sleepy", Interpreter: []string{"bash"}, Script: script, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, res.Terminated)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunCancellationEscalatesToKill(t *testing.T) {
	requireBash(t)
	script := writeScript(t, "trap '' TERM\nwhile true; do sleep 0.1; done\n")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	a := &Adapter{GracePeriod: 300 * time.Millisecond}
	res, err := a.Run(ctx, Request{Task: "stubborn", Interpreter: []string{"bash"}, Script: script, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, res.Terminated)
	assert.Equal(t, 128+9, res.ExitCode)
}

func TestRunStreamsPrefixedLines(t *testing.T) {
	requireBash(t)
	script := writeScript(t, "echo one\nprintf 'two'\n")

	var stdout bytes.Buffer
	a := &Adapter{Stdout: &stdout}
	res, err := a.Run(context.Background(), Request{Task: "build", Interpreter: []string{"bash"}, Script: script, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "one\ntwo", res.Stdout)
	assert.Equal(t, "[build] one\n[build] two\n", stdout.String())
}

func TestCappedBuffer(t *testing.T) {
	c := &cappedBuffer{limit: 4}
	n, err := c.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = c.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcd", c.String())

	tail := &cappedBuffer{limit: 4, tail: true}
	for _, chunk := range []string{"ab", "cde", "f"} {
		n, err := tail.Write([]byte(chunk))
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}
	assert.Equal(t, "cdef", tail.String())
	_, _ = tail.Write([]byte("0123456789"))
	assert.Equal(t, "6789", tail.String())
}

func TestRunKeepsEndOfNoisyStderr(t *testing.T) {
	requireBash(t)
	script := writeScript(t, "for i in $(seq 1 20000); do echo \"noise line $i\" >&2; done\necho 'fatal: disk full' >&2\nexit 1\n")

	a := &Adapter{}
	res, err := a.Run(context.Background(), Request{Task: "noisy", Interpreter: []string{"bash"}, Script: script, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.LessOrEqual(t, len(res.Stderr), MaxCaptureBytes)
	assert.True(t, strings.HasSuffix(res.Stderr, "fatal: disk full\n"), "stderr tail = %q", res.Stderr[len(res.Stderr)-40:])
}

func TestZeroAdapterConcurrentRuns(t *testing.T) {
	requireBash(t)
	script := writeScript(t, "echo ok\n")

	a := &Adapter{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := a.Run(context.Background(), Request{Task: "par", Interpreter: []string{"bash"}, Script: script, Dir: t.TempDir()})
			assert.NoError(t, err)
			if res != nil {
				assert.Equal(t, "ok\n", res.Stdout)
			}
		}()
	}
	wg.Wait()
}

func TestMergeEnv(t *testing.T) {
	base := []string{"A=1", "B=2", "PATH=/bin"}
	got := mergeEnv(base, map[string]string{"B": "override", "C": "3"})
	assert.Equal(t, []string{"A=1", "PATH=/bin", "B=override", "C=3"}, got)
	assert.Equal(t, base, mergeEnv(base, nil))
}
