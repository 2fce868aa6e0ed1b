package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/trellis/internal/events"
)

const eventLogSize = 10

// --- Messages ---

type eventMsg events.Event

// closedMsg means a local subscription ended; no more events will arrive.
type closedMsg struct{}

// disconnectedMsg means a remote stream dropped.
type disconnectedMsg struct{ err error }

type reconnectMsg struct{}

// --- State ---

type taskRow struct {
	Name     string
	Status   string
	Phase    string
	ExitCode int
	Started  time.Time
	Duration time.Duration
	Error    string
}

// Options tune how the progress view ends.
type Options struct {
	// QuitOnFinish exits the program once run.finished arrives.
	QuitOnFinish bool
	// ReconnectDelay is how long a remote view waits after a dropped stream.
	ReconnectDelay time.Duration
}

// Model is the bubbletea model for the run progress view.
type Model struct {
	title string
	opts  Options

	width  int
	height int

	events  <-chan events.Event
	connect func(lastID int64) tea.Cmd
	lastID  int64

	invocationID string
	jobs         int
	order        []string
	tasks        map[string]*taskRow
	eventLog     []events.Event
	finished     *events.RunFinished

	spinner spinner.Model
	table   table.Model
	theme   Theme

	interrupted bool
	lastError   string
}

func newModel(title string, ch <-chan events.Event, opts Options) Model {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	theme := NewDefaultTheme()

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "", Width: 2},
			{Title: "Task", Width: 24},
			{Title: "Status", Width: 12},
			{Title: "Time", Width: 10},
			{Title: "Detail", Width: 30},
		}),
		table.WithHeight(10),
	)

	return Model{
		title:   title,
		opts:    opts,
		events:  ch,
		tasks:   make(map[string]*taskRow),
		spinner: spinner.New(spinner.WithSpinner(spinner.MiniDot), spinner.WithStyle(theme.StatusRunning)),
		table:   t,
		theme:   theme,
	}
}

// NewLocal watches a run in this process. The returned func releases the
// hub subscription; call it once the program has exited.
func NewLocal(hub *events.Hub, opts Options) (Model, func()) {
	ch, cancel := hub.Subscribe()
	return newModel("trellis run", ch, opts), cancel
}

// NewRemote follows the event stream of a `trellis run --listen` server,
// reconnecting with Last-Event-ID when the connection drops.
func NewRemote(ctx context.Context, apiURL, token string, opts Options) Model {
	ch := make(chan events.Event, 256)
	m := newModel("trellis watch "+apiURL, ch, opts)
	m.connect = func(lastID int64) tea.Cmd {
		return func() tea.Msg {
			err := StreamEvents(ctx, nil, apiURL, token, lastID, ch)
			return disconnectedMsg{err: err}
		}
	}
	return m
}

// Interrupted reports whether the user quit before the run finished.
func (m Model) Interrupted() bool {
	return m.interrupted
}

// Finished returns the run summary, or nil if the run has not finished.
func (m Model) Finished() *events.RunFinished {
	return m.finished
}

// --- Update ---

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, m.receiveNext()}
	if m.connect != nil {
		cmds = append(cmds, m.connect(m.lastID))
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.finished == nil {
				m.interrupted = true
			}
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(max(msg.Width-6, 20))
		m.table.SetHeight(max(msg.Height-16, 3))
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		ev := events.Event(msg)
		if ev.ID != 0 && ev.ID <= m.lastID {
			return m, m.receiveNext()
		}
		if ev.ID != 0 {
			m.lastID = ev.ID
		}
		m.apply(ev)
		m.lastError = ""
		if m.finished != nil && m.opts.QuitOnFinish {
			return m, tea.Quit
		}
		return m, m.receiveNext()

	case closedMsg:
		if m.opts.QuitOnFinish || m.finished != nil {
			return m, tea.Quit
		}
		return m, nil

	case disconnectedMsg:
		if m.finished != nil && m.opts.QuitOnFinish {
			return m, tea.Quit
		}
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		return m, tea.Tick(m.opts.ReconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		if m.connect == nil {
			return m, nil
		}
		return m, m.connect(m.lastID)
	}

	return m, nil
}

// apply folds one event into the task table.
func (m *Model) apply(ev events.Event) {
	m.eventLog = append([]events.Event{ev}, m.eventLog...)
	if len(m.eventLog) > eventLogSize {
		m.eventLog = m.eventLog[:eventLogSize]
	}

	switch ev.Type {
	case events.TypeRunStarted:
		var data events.RunStarted
		if err := ev.Decode(&data); err != nil {
			return
		}
		m.invocationID = data.InvocationID
		m.jobs = data.Jobs
		m.finished = nil
		m.order = append([]string(nil), data.Tasks...)
		m.tasks = make(map[string]*taskRow, len(data.Tasks))
		for _, name := range data.Tasks {
			m.tasks[name] = &taskRow{Name: name, Status: "pending"}
		}

	case events.TypeTaskStarted:
		var data events.TaskStarted
		if err := ev.Decode(&data); err != nil {
			return
		}
		row := m.row(data.Task)
		row.Status = "running"
		row.Started = ev.At

	case events.TypeTaskFinished:
		var data events.TaskFinished
		if err := ev.Decode(&data); err != nil {
			return
		}
		row := m.row(data.Task)
		row.Status = data.Status
		row.Phase = data.Phase
		row.ExitCode = data.ExitCode
		row.Duration = time.Duration(data.DurationMS) * time.Millisecond
		row.Error = data.Error

	case events.TypeRunFinished:
		var data events.RunFinished
		if err := ev.Decode(&data); err != nil {
			return
		}
		m.finished = &data
	}

	m.updateTable()
}

// row returns the row for name, adding it when the run.started event was
// missed (a remote view joining late).
func (m *Model) row(name string) *taskRow {
	if row, ok := m.tasks[name]; ok {
		return row
	}
	row := &taskRow{Name: name, Status: "pending"}
	m.tasks[name] = row
	m.order = append(m.order, name)
	return row
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.order))
	for _, name := range m.order {
		rows = append(rows, m.taskToRow(m.tasks[name]))
	}
	m.table.SetRows(rows)
}

func (m Model) taskToRow(row *taskRow) table.Row {
	symbol := "○"
	switch row.Status {
	case "running":
		symbol = "◉"
	case "succeeded":
		symbol = "●"
	case "up_to_date":
		symbol = "◌"
	case "failed":
		symbol = "∅"
	case "skipped":
		symbol = "◔"
	}

	duration := "-"
	switch {
	case row.Duration > 0:
		duration = row.Duration.Round(time.Millisecond).String()
	case row.Status == "running" && !row.Started.IsZero():
		duration = time.Since(row.Started).Round(100 * time.Millisecond).String()
	}

	detail := ""
	if row.Status == "failed" {
		detail = row.Phase
		if row.ExitCode != 0 {
			detail = fmt.Sprintf("%s exit %d", row.Phase, row.ExitCode)
		}
		if row.Error != "" {
			detail += ": " + row.Error
		}
	}

	return table.Row{symbol, row.Name, row.Status, duration, detail}
}

// counts tallies the current task statuses.
func (m Model) counts() map[string]int {
	out := make(map[string]int)
	for _, row := range m.tasks {
		out[row.Status]++
	}
	return out
}

// --- Commands ---

func (m Model) receiveNext() tea.Cmd {
	ch := m.events
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}
