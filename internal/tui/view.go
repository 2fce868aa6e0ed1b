package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/trellis/internal/events"
)

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	parts := []string{
		m.renderHeader(),
		m.theme.Border.Width(m.width - 4).Render(
			lipgloss.JoinVertical(lipgloss.Left,
				m.theme.Title.Render("Tasks"),
				m.table.View(),
			),
		),
		m.theme.Border.Width(m.width - 4).Render(
			lipgloss.JoinVertical(lipgloss.Left,
				m.theme.Title.Render("Events"),
				m.renderEvents(),
			),
		),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Scroll"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader() string {
	counts := m.counts()
	done := counts["succeeded"] + counts["up_to_date"] + counts["failed"] + counts["skipped"]

	var state string
	switch {
	case m.finished != nil && m.finished.Cancelled:
		state = m.theme.StatusFailed.Render("CANCELLED")
	case m.finished != nil && m.finished.Failed > 0:
		state = m.theme.StatusFailed.Render("FAILED")
	case m.finished != nil:
		state = m.theme.StatusOK.Render("DONE")
	case len(m.tasks) == 0:
		state = m.theme.StatusQueued.Render("WAITING")
	default:
		state = m.spinner.View() + " " + m.theme.StatusRunning.Render("RUNNING")
	}

	title := m.theme.Title.Render(m.title)
	if m.invocationID != "" {
		title += m.theme.Dim.Render(" " + shortID(m.invocationID))
	}

	stats := []string{
		fmt.Sprintf("%s %d/%d", state, done, len(m.tasks)),
		fmt.Sprintf("jobs %d", m.jobs),
		m.theme.StatusOK.Render(fmt.Sprintf("ok %d", counts["succeeded"]+counts["up_to_date"])),
		m.theme.StatusFailed.Render(fmt.Sprintf("failed %d", counts["failed"])),
		m.theme.StatusSkipped.Render(fmt.Sprintf("skipped %d", counts["skipped"])),
	}

	return m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, " "+strings.Join(stats, "  ")),
	)
}

func (m Model) renderEvents() string {
	if len(m.eventLog) == 0 {
		return m.theme.Dim.Render("  Waiting for events...")
	}
	lines := make([]string, 0, len(m.eventLog))
	for _, ev := range m.eventLog {
		lines = append(lines, m.formatEvent(ev))
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func (m Model) formatEvent(ev events.Event) string {
	ts := m.theme.Dim.Render(ev.At.Local().Format("15:04:05"))

	desc := ""
	style := m.theme.Dim
	switch ev.Type {
	case events.TypeTaskStarted:
		var data events.TaskStarted
		_ = ev.Decode(&data)
		desc = data.Task
		style = m.theme.StatusRunning
	case events.TypeTaskFinished:
		var data events.TaskFinished
		_ = ev.Decode(&data)
		desc = data.Task + " " + data.Status
		style = m.theme.Style(data.Status)
	case events.TypeRunStarted:
		var data events.RunStarted
		_ = ev.Decode(&data)
		desc = fmt.Sprintf("%d tasks", len(data.Tasks))
		style = m.theme.Highlight
	case events.TypeRunFinished:
		var data events.RunFinished
		_ = ev.Decode(&data)
		desc = fmt.Sprintf("%d succeeded, %d failed", data.Succeeded+data.UpToDate, data.Failed)
		style = m.theme.Highlight
	}

	return fmt.Sprintf("%s %s %s", ts, style.Render(fmt.Sprintf("%-14s", ev.Type)), desc)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
