package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/trellis/internal/task"
)

var (
	pickerTitleStyle = lipgloss.NewStyle().MarginLeft(2)
	paginationStyle  = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle        = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
	quitTextStyle    = lipgloss.NewStyle().Margin(1, 0, 2, 4)
)

type pickerItem struct {
	name     string
	desc     string
	selected bool
}

func (i pickerItem) Title() string {
	check := "[ ]"
	if i.selected {
		check = "[x]"
	}
	return fmt.Sprintf("%s %s", check, i.name)
}
func (i pickerItem) Description() string { return i.desc }
func (i pickerItem) FilterValue() string { return i.name }

// Picker lets the user choose run targets interactively.
type Picker struct {
	list     list.Model
	quitting bool
	done     bool
	targets  []string
}

// NewPicker lists tasks in the given order.
func NewPicker(tasks []task.Task) *Picker {
	items := make([]list.Item, 0, len(tasks))
	for _, t := range tasks {
		desc := t.Description
		if desc == "" {
			desc = fmt.Sprintf("%s task", t.Action.Language)
			if len(t.TaskDeps) > 0 {
				desc += ", after " + strings.Join(t.TaskDeps, ", ")
			}
		}
		items = append(items, pickerItem{name: t.Name, desc: desc})
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Select tasks (Space to toggle, Enter to run)"
	l.Styles.Title = pickerTitleStyle
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle

	return &Picker{list: l}
}

func (p *Picker) Init() tea.Cmd {
	return nil
}

func (p *Picker) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		p.list.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		if p.list.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			p.quitting = true
			return p, tea.Quit

		case " ", "space":
			if it, ok := p.list.SelectedItem().(pickerItem); ok {
				it.selected = !it.selected
				cmd := p.list.SetItem(p.list.Index(), it)
				return p, cmd
			}
			return p, nil

		case "enter":
			p.done = true
			p.targets = p.selected()
			// Enter with nothing toggled runs the highlighted task.
			if len(p.targets) == 0 {
				if it, ok := p.list.SelectedItem().(pickerItem); ok {
					p.targets = []string{it.name}
				}
			}
			return p, tea.Quit
		}
	}

	var cmd tea.Cmd
	p.list, cmd = p.list.Update(msg)
	return p, cmd
}

func (p *Picker) View() string {
	if p.quitting {
		return quitTextStyle.Render("Cancelled.")
	}
	if p.done {
		return quitTextStyle.Render(fmt.Sprintf("Running: %s", strings.Join(p.targets, ", ")))
	}
	return "\n" + p.list.View()
}

func (p *Picker) selected() []string {
	var out []string
	for _, li := range p.list.Items() {
		if it, ok := li.(pickerItem); ok && it.selected {
			out = append(out, it.name)
		}
	}
	return out
}

// Targets returns the chosen task names, or nil if the user cancelled.
func (p *Picker) Targets() []string {
	if p.quitting {
		return nil
	}
	return p.targets
}

// Cancelled reports whether the user left without choosing.
func (p *Picker) Cancelled() bool {
	return p.quitting
}
