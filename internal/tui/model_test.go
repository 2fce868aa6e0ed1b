package tui

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/trellis/internal/events"
	"github.com/mattjoyce/trellis/internal/task"
)

func event(t *testing.T, id int64, typ string, payload any) eventMsg {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return eventMsg(events.Event{ID: id, Type: typ, At: time.Now().UTC(), Data: data})
}

// feed applies msgs in order and returns the final model and last command.
func feed(t *testing.T, m Model, msgs ...tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	var cmd tea.Cmd
	for _, msg := range msgs {
		var next tea.Model
		next, cmd = m.Update(msg)
		m = next.(Model)
	}
	return m, cmd
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestModelTracksTaskLifecycle(t *testing.T) {
	m := newModel("test", make(chan events.Event), Options{})

	m, _ = feed(t, m,
		event(t, 1, events.TypeRunStarted, events.RunStarted{InvocationID: "inv-123456789", Tasks: []string{"build", "test"}, Jobs: 2}),
		event(t, 2, events.TypeTaskStarted, events.TaskStarted{Task: "build"}),
	)
	assert.Equal(t, "running", m.tasks["build"].Status)
	assert.Equal(t, "pending", m.tasks["test"].Status)
	assert.Equal(t, 2, m.jobs)

	m, _ = feed(t, m,
		event(t, 3, events.TypeTaskFinished, events.TaskFinished{Task: "build", Status: "failed", Phase: "execute", ExitCode: 2, DurationMS: 1500, Error: "exit status 2"}),
		event(t, 4, events.TypeTaskFinished, events.TaskFinished{Task: "test", Status: "skipped"}),
	)

	rows := m.table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"∅", "build", "failed", "1.5s", "execute exit 2: exit status 2"}, []string(rows[0]))
	assert.Equal(t, "skipped", rows[1][2])

	counts := m.counts()
	assert.Equal(t, 1, counts["failed"])
	assert.Equal(t, 1, counts["skipped"])
	assert.Nil(t, m.Finished())
}

func TestModelQuitsOnFinish(t *testing.T) {
	m := newModel("test", make(chan events.Event), Options{QuitOnFinish: true})

	m, _ = feed(t, m, event(t, 1, events.TypeRunStarted, events.RunStarted{Tasks: []string{"a"}}))
	m, cmd := feed(t, m, event(t, 2, events.TypeRunFinished, events.RunFinished{Succeeded: 1}))
	assert.True(t, isQuit(cmd))
	require.NotNil(t, m.Finished())
	assert.Equal(t, 1, m.Finished().Succeeded)
	assert.False(t, m.Interrupted())
}

func TestModelKeyQuitBeforeFinishIsInterrupt(t *testing.T) {
	m := newModel("test", make(chan events.Event), Options{})

	m, cmd := feed(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	assert.True(t, isQuit(cmd))
	assert.True(t, m.Interrupted())

	done := newModel("test", make(chan events.Event), Options{})
	done, _ = feed(t, done, event(t, 1, events.TypeRunFinished, events.RunFinished{}))
	done, cmd = feed(t, done, tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.True(t, isQuit(cmd))
	assert.False(t, done.Interrupted())
}

func TestModelIgnoresReplayedEvents(t *testing.T) {
	m := newModel("test", make(chan events.Event), Options{})
	started := event(t, 5, events.TypeRunStarted, events.RunStarted{Tasks: []string{"a"}})

	m, _ = feed(t, m, started, started, event(t, 4, events.TypeTaskStarted, events.TaskStarted{Task: "a"}))
	assert.Len(t, m.eventLog, 1)
	assert.Equal(t, "pending", m.tasks["a"].Status)
	assert.Equal(t, int64(5), m.lastID)
}

func TestModelAddsTasksSeenAfterRunStart(t *testing.T) {
	m := newModel("test", make(chan events.Event), Options{})

	m, _ = feed(t, m, event(t, 7, events.TypeTaskFinished, events.TaskFinished{Task: "late", Status: "up_to_date"}))
	require.Contains(t, m.tasks, "late")
	assert.Equal(t, []string{"late"}, m.order)
	assert.Equal(t, "◌", m.table.Rows()[0][0])
}

func TestModelEventLogIsBounded(t *testing.T) {
	m := newModel("test", make(chan events.Event), Options{})
	for i := 1; i <= eventLogSize+5; i++ {
		m, _ = feed(t, m, event(t, int64(i), events.TypeTaskStarted, events.TaskStarted{Task: "a"}))
	}
	assert.Len(t, m.eventLog, eventLogSize)
	assert.Equal(t, int64(eventLogSize+5), m.eventLog[0].ID)
}

func TestModelView(t *testing.T) {
	m := newModel("trellis run", make(chan events.Event), Options{})
	assert.Equal(t, "Initializing...", m.View())

	m, _ = feed(t, m,
		tea.WindowSizeMsg{Width: 140, Height: 40},
		event(t, 1, events.TypeRunStarted, events.RunStarted{InvocationID: "0123456789abcdef", Tasks: []string{"compile"}, Jobs: 4}),
		event(t, 2, events.TypeTaskFinished, events.TaskFinished{Task: "compile", Status: "failed", Phase: "spawn", Error: "bash not found"}),
		event(t, 3, events.TypeRunFinished, events.RunFinished{Failed: 1}),
	)

	view := m.View()
	for _, want := range []string{"trellis run", "01234567", "compile", "FAILED", "jobs 4", "spawn: bash not found"} {
		assert.True(t, strings.Contains(view, want), "view misses %q:\n%s", want, view)
	}
}

func TestModelClosedSubscription(t *testing.T) {
	m := newModel("test", make(chan events.Event), Options{QuitOnFinish: true})
	_, cmd := feed(t, m, closedMsg{})
	assert.True(t, isQuit(cmd))

	m = newModel("test", make(chan events.Event), Options{})
	_, cmd = feed(t, m, closedMsg{})
	assert.Nil(t, cmd)
}

func TestModelDisconnectSchedulesReconnect(t *testing.T) {
	connected := make(chan int64, 1)
	m := newModel("test", make(chan events.Event), Options{ReconnectDelay: time.Millisecond})
	m.connect = func(lastID int64) tea.Cmd {
		return func() tea.Msg {
			connected <- lastID
			return nil
		}
	}

	m, _ = feed(t, m, event(t, 9, events.TypeTaskStarted, events.TaskStarted{Task: "a"}))
	m, cmd := feed(t, m, disconnectedMsg{})
	require.NotNil(t, cmd)
	assert.Contains(t, m.lastError, "reconnecting")

	_, cmd = feed(t, m, cmd())
	require.NotNil(t, cmd)
	cmd()
	assert.Equal(t, int64(9), <-connected)
}

func TestLocalModelFollowsHub(t *testing.T) {
	hub := events.NewHub(8)
	m, cancel := NewLocal(hub, Options{})

	hub.Publish(events.TypeTaskStarted, events.TaskStarted{Task: "a"})
	msg := m.receiveNext()()
	ev, ok := msg.(eventMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, events.TypeTaskStarted, ev.Type)

	cancel()
	assert.IsType(t, closedMsg{}, m.receiveNext()())
}

func TestPickerSelectsTargets(t *testing.T) {
	p := NewPicker([]task.Task{
		{Name: "build", Description: "compile everything", Action: task.ActionSpec{Language: task.LanguageBash}},
		{Name: "lint", Action: task.ActionSpec{Language: task.LanguagePython}},
		{Name: "test", TaskDeps: []string{"build"}, Action: task.ActionSpec{Language: task.LanguageBash}},
	})

	steps := []tea.Msg{
		tea.WindowSizeMsg{Width: 80, Height: 40},
		tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{' '}},
		tea.KeyMsg{Type: tea.KeyDown},
		tea.KeyMsg{Type: tea.KeyDown},
		tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{' '}},
	}
	for _, msg := range steps {
		p.Update(msg)
	}
	_, cmd := p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.True(t, isQuit(cmd))
	assert.Equal(t, []string{"build", "test"}, p.Targets())
	assert.False(t, p.Cancelled())
	assert.Contains(t, p.View(), "Running: build, test")
}

func TestPickerEnterRunsHighlighted(t *testing.T) {
	p := NewPicker([]task.Task{{Name: "a"}, {Name: "b"}})
	p.Update(tea.WindowSizeMsg{Width: 80, Height: 40})
	p.Update(tea.KeyMsg{Type: tea.KeyDown})
	p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, []string{"b"}, p.Targets())
}

func TestPickerCancel(t *testing.T) {
	p := NewPicker([]task.Task{{Name: "a"}})
	_, cmd := p.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.True(t, isQuit(cmd))
	assert.True(t, p.Cancelled())
	assert.Nil(t, p.Targets())
}
