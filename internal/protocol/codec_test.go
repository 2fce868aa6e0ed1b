package protocol

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteOutputRoundTrip(t *testing.T) {
	dir := t.TempDir()
	values := Output{
		"greeting": "hello",
		"count":    42,
		"ok":       true,
		"nested":   map[string]any{"a": []any{1, "two"}},
	}
	require.NoError(t, WriteOutput(dir, "build", values))

	got, err := ReadOutput(filepath.Join(dir, "output.build.json"))
	require.NoError(t, err)
	assert.Equal(t, "hello", got["greeting"])
	assert.Equal(t, float64(42), got["count"])
	assert.Equal(t, true, got["ok"])
	assert.Equal(t, map[string]any{"a": []any{float64(1), "two"}}, got["nested"])
}

func TestWriteOutputEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteOutput(dir, "noop", nil))

	data, err := os.ReadFile(filepath.Join(dir, OutputFileName("noop")))
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))
}

func TestWriteOutputUnserializable(t *testing.T) {
	dir := t.TempDir()
	err := WriteOutput(dir, "bad", Output{"f": math.Inf(1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutputSerialization))

	_, statErr := os.Stat(filepath.Join(dir, OutputFileName("bad")))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteOutputInterruptedLeavesPreviousVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteOutput(dir, "t", Output{"v": "old"}))

	boom := errors.New("interrupted")
	err := writeOutput(dir, "t", Output{"v": "new"}, func(string) error { return boom })
	require.ErrorIs(t, err, boom)

	got, err := ReadOutput(filepath.Join(dir, OutputFileName("t")))
	require.NoError(t, err)
	assert.Equal(t, "old", got["v"])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestWriteOutputInterruptedLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	err := writeOutput(dir, "t", Output{"v": 1}, func(string) error { return errors.New("stop") })
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, OutputFileName("t")))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDecodeOutputRejectsNonObject(t *testing.T) {
	for _, doc := range []string{"", "[]", "42", `"x"`, "null", "{"} {
		_, err := DecodeOutput([]byte(doc))
		assert.Error(t, err, "doc %q", doc)
	}
	out, err := DecodeOutput([]byte("  {}\n"))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestLinkAndLoadInputs(t *testing.T) {
	root := t.TempDir()
	producer := filepath.Join(root, "producer")
	consumer := filepath.Join(root, "consumer")
	require.NoError(t, os.MkdirAll(producer, 0o755))
	require.NoError(t, os.MkdirAll(consumer, 0o755))

	require.NoError(t, WriteOutput(producer, "producer", Output{"name": "demo", "n": 3}))
	src := filepath.Join(producer, OutputFileName("producer"))
	require.NoError(t, LinkInput(consumer, "producer", src))
	// Linking twice replaces the previous link.
	require.NoError(t, LinkInput(consumer, "producer", src))

	inputs, warnings, err := LoadInputs(consumer)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "demo", inputs[Address("producer", "name")])
	assert.Equal(t, float64(3), inputs["producer.n"])

	// A later write by the producer is visible through the link.
	require.NoError(t, WriteOutput(producer, "producer", Output{"name": "v2"}))
	inputs, _, err = LoadInputs(consumer)
	require.NoError(t, err)
	assert.Equal(t, "v2", inputs["producer.name"])
	_, stale := inputs["producer.n"]
	assert.False(t, stale)
}

func TestLoadInputsWarnsOnBrokenLink(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Symlink(filepath.Join(dir, "missing.json"), filepath.Join(dir, InputFileName("gone"))))
	require.NoError(t, os.WriteFile(filepath.Join(dir, InputFileName("junk")), []byte("not json"), 0o644))

	inputs, warnings, err := LoadInputs(dir)
	require.NoError(t, err)
	assert.Empty(t, inputs)
	require.Len(t, warnings, 2)
	assert.Equal(t, "gone", warnings[0].Dependency)
	assert.Equal(t, "junk", warnings[1].Dependency)
}

func TestClearInputs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"input.a.json", "input.b.json", "output.t.json", ".output.t.json.123", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}

	n, err := ClearInputs(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"output.t.json", ".output.t.json.123", "notes.txt"}, names)

	n, err = ClearInputs(filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFileNames(t *testing.T) {
	assert.Equal(t, "output.build.json", OutputFileName("build"))
	assert.Equal(t, "input.build.json", InputFileName("build"))
	assert.Equal(t, "build.version", Address("build", "version"))

	dep, ok := dependencyFromInput("input.x.y.json")
	assert.True(t, ok)
	assert.Equal(t, "x.y", dep)
	_, ok = dependencyFromInput("input..json")
	assert.False(t, ok)
	_, ok = dependencyFromInput("output.x.json")
	assert.False(t, ok)
}
