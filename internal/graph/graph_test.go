package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/trellis/internal/task"
)

func mk(name string, deps ...string) task.Task {
	return task.Task{
		Name:     name,
		TaskDeps: deps,
		Action:   task.ActionSpec{Language: task.LanguageBash, Body: "true"},
	}
}

func TestBuildDiamond(t *testing.T) {
	g, err := Build([]task.Task{
		mk("deploy", "test", "package"),
		mk("test", "build"),
		mk("package", "build"),
		mk("build"),
	})
	require.NoError(t, err)

	assert.Equal(t, 4, g.Len())
	assert.Equal(t, []string{"build", "package", "test", "deploy"}, g.TopologicalOrder())
	assert.Equal(t, []string{"package", "test"}, g.Dependencies("deploy"))
	assert.Equal(t, []string{"package", "test"}, g.Dependents("build"))
	assert.Equal(t, []string{"deploy", "package", "test"}, g.Descendants("build"))
	assert.Empty(t, g.Descendants("deploy"))
}

func TestBuildRejectsCycles(t *testing.T) {
	tests := []struct {
		name  string
		tasks []task.Task
	}{
		{"two node", []task.Task{mk("a", "b"), mk("b", "a")}},
		{"self loop", []task.Task{mk("a", "a")}},
		{"indirect", []task.Task{mk("a", "c"), mk("b", "a"), mk("c", "b"), mk("d")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.tasks)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCyclicDependency))

			var cerr *CyclicDependencyError
			require.True(t, errors.As(err, &cerr))
			require.GreaterOrEqual(t, len(cerr.Cycle), 2)
			assert.Equal(t, cerr.Cycle[0], cerr.Cycle[len(cerr.Cycle)-1])
		})
	}
}

func TestBuildUnknownDependency(t *testing.T) {
	_, err := Build([]task.Task{mk("deploy", "build")})
	require.Error(t, err)

	var uerr *UnknownDependencyError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, "deploy", uerr.Task)
	assert.Equal(t, "build", uerr.Name)
	assert.True(t, errors.Is(err, ErrUnknownDependency))
}

func TestBuildInvalid(t *testing.T) {
	_, err := Build(nil)
	assert.True(t, errors.Is(err, ErrInvalidGraph))

	_, err = Build([]task.Task{mk("a"), mk("a")})
	assert.True(t, errors.Is(err, ErrInvalidGraph))

	_, err = Build([]task.Task{mk("a/b")})
	assert.True(t, errors.Is(err, ErrInvalidGraph))
}

func TestReadySetIsPure(t *testing.T) {
	g, err := Build([]task.Task{mk("build"), mk("deploy", "build"), mk("lint")})
	require.NoError(t, err)

	completed := NewSet()
	claimed := NewSet()
	assert.Equal(t, []string{"build", "lint"}, g.ReadySet(completed, claimed))
	assert.Equal(t, []string{"build", "lint"}, g.ReadySet(completed, claimed))

	claimed.Add("build")
	assert.Equal(t, []string{"lint"}, g.ReadySet(completed, claimed))

	completed.Add("build")
	assert.Equal(t, []string{"deploy", "lint"}, g.ReadySet(completed, claimed))
}

func TestReadySetDrainsEveryTaskExactlyOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 25; round++ {
		// Random DAG: each task may depend only on lower-numbered tasks.
		n := 2 + rng.Intn(15)
		tasks := make([]task.Task, 0, n)
		for i := 0; i < n; i++ {
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, fmt.Sprintf("t%02d", j))
				}
			}
			tasks = append(tasks, mk(fmt.Sprintf("t%02d", i), deps...))
		}

		g, err := Build(tasks)
		require.NoError(t, err)

		completed := NewSet()
		claimed := NewSet()
		seen := make(map[string]int)
		for len(completed) < n {
			ready := g.ReadySet(completed, claimed)
			require.NotEmpty(t, ready, "round %d stalled", round)
			// Complete one arbitrary ready task at a time.
			pick := ready[rng.Intn(len(ready))]
			for _, d := range g.Dependencies(pick) {
				require.True(t, completed.Has(d))
			}
			seen[pick]++
			completed.Add(pick)
		}
		for _, tk := range tasks {
			assert.Equal(t, 1, seen[tk.Name], tk.Name)
		}
		assert.Empty(t, g.ReadySet(completed, claimed))
	}
}

func TestSelect(t *testing.T) {
	g, err := Build([]task.Task{
		mk("build"),
		mk("deploy", "build"),
		mk("lint"),
		mk("docs", "lint"),
	})
	require.NoError(t, err)

	sub, err := g.Select([]string{"deploy"})
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "deploy"}, sub.Names())

	all, err := g.Select(nil)
	require.NoError(t, err)
	assert.Equal(t, 4, all.Len())

	_, err = g.Select([]string{"missing"})
	assert.True(t, errors.Is(err, ErrInvalidGraph))
}

func TestDuplicateDepsCollapse(t *testing.T) {
	g, err := Build([]task.Task{mk("a"), mk("b", "a", "a")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g.Dependencies("b"))
	assert.Equal(t, []string{"b"}, g.Dependents("a"))
}
