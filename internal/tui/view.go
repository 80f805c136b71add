package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/imkarma/tasktree/internal/task"
)

// --- Color palette ---
var (
	clrSubtle    = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#666666"}
	clrHighlight = lipgloss.AdaptiveColor{Light: "#0F766E", Dark: "#2DD4BF"}
	clrGreen     = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	clrYellow    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#F59E0B"}
	clrRed       = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	clrBlue      = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	clrCyan      = lipgloss.AdaptiveColor{Light: "#0E7490", Dark: "#22D3EE"}
	clrDim       = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#555555"}
)

// --- Styles ---
var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	dimStyle   = lipgloss.NewStyle().Foreground(clrDim)

	popupStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrHighlight).
			Padding(1, 2).
			Width(60)

	statusStyle = lipgloss.NewStyle().Foreground(clrGreen).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(clrRed).Bold(true)

	footerKeyStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	footerDescStyle = lipgloss.NewStyle().Foreground(clrSubtle)
)

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.screen {
	case screenTree:
		content = m.viewTree()
	case screenDetail:
		content = m.viewDetail()
	}

	// Overlay popup if active.
	if m.popup != popupNone {
		content = m.overlayPopup(content)
	}
	return content
}

// ════════════════════════════════════════════════
// TREE VIEW
// ════════════════════════════════════════════════

func (m Model) viewTree() string {
	var b strings.Builder

	header := titleStyle.Render("tasktree " + m.project)
	header += dimStyle.Render(fmt.Sprintf(" (%d tasks)", len(m.tasks)))
	b.WriteString(header + "\n\n")

	if len(m.tasks) == 0 {
		b.WriteString(dimStyle.Render("  No tasks yet. Press n to create one.") + "\n")
	}

	// Keep the cursor visible on short terminals.
	start, end := 0, len(m.tasks)
	if m.height > 8 {
		rows := m.height - 6
		if m.cursor >= rows {
			start = m.cursor - rows + 1
		}
		if start+rows < end {
			end = start + rows
		}
	}
	for i := start; i < end; i++ {
		b.WriteString(m.renderTaskLine(m.tasks[i], i == m.cursor) + "\n")
	}

	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString(renderFooter([]struct{ key, desc string }{
		{"j/k", "move"},
		{"J/K", "reorder"},
		{"n", "new"},
		{"a", "subtask"},
		{"s", "status"},
		{"p", "priority"},
		{"d", "delete"},
		{"enter", "details"},
		{"q", "quit"},
	}))
	return b.String()
}

func (m Model) renderTaskLine(t task.Task, selected bool) string {
	// Status dot.
	var dot string
	switch t.Status {
	case task.StatusCompleted:
		dot = lipgloss.NewStyle().Foreground(clrGreen).Render("●")
	case task.StatusInProgress:
		dot = lipgloss.NewStyle().Foreground(clrBlue).Render("◉")
	default:
		dot = dimStyle.Render("○")
	}

	id := lipgloss.NewStyle().Foreground(clrCyan).Render(shortID(t.ID))
	indent := strings.Repeat("  ", t.Depth)
	title := truncate(fmt.Sprintf("%d. %s", t.SortOrder, t.Title), 50-2*t.Depth)

	cursor := "  "
	if selected {
		cursor = lipgloss.NewStyle().Foreground(clrHighlight).Render("▸ ")
		title = lipgloss.NewStyle().Bold(true).Render(title)
	}

	return fmt.Sprintf("%s%s %s %s%s %s", cursor, id, dot, indent, title, priorityLabel(t.Priority))
}

func priorityLabel(p task.Priority) string {
	var c lipgloss.AdaptiveColor
	switch p {
	case task.PriorityHigh:
		c = clrRed
	case task.PriorityMedium:
		c = clrYellow
	default:
		c = clrSubtle
	}
	return lipgloss.NewStyle().Foreground(c).Render("[" + p.String() + "]")
}

func (m Model) statusLine() string {
	if m.statusMsg == "" {
		return ""
	}
	if m.statusErr {
		return "  " + errorStyle.Render(m.statusMsg) + "\n"
	}
	return "  " + statusStyle.Render(m.statusMsg) + "\n"
}

// ════════════════════════════════════════════════
// DETAIL VIEW
// ════════════════════════════════════════════════

func (m Model) viewDetail() string {
	t := m.detail
	if t == nil {
		return ""
	}
	var b strings.Builder

	b.WriteString(titleStyle.Render(t.Title) + "\n")
	b.WriteString(dimStyle.Render(t.ID) + "\n\n")

	row := func(label, value string) {
		b.WriteString(fmt.Sprintf("  %-12s %s\n", label, value))
	}
	row("Status", string(t.Status))
	row("Priority", priorityLabel(t.Priority))
	row("Position", fmt.Sprintf("%d (depth %d)", t.SortOrder, t.Depth))
	row("Completion", fmt.Sprintf("%.2f%%", m.completion))
	if t.DueDate != nil {
		row("Due", t.DueDate.Format("2006-01-02"))
	}
	if t.MoveCount > 0 {
		row("Moves", fmt.Sprintf("%d", t.MoveCount))
	}
	if t.Description != "" {
		b.WriteString("\n" + t.Description + "\n")
	}

	b.WriteString("\n" + titleStyle.Render("Events") + "\n")
	if len(m.events) == 0 {
		b.WriteString(dimStyle.Render("  none") + "\n")
	}
	for _, e := range m.events {
		b.WriteString(fmt.Sprintf("  %s %s %s\n",
			dimStyle.Render(e.Timestamp.Format("01-02 15:04")), e.Type, e.Content))
	}

	b.WriteString("\n")
	b.WriteString(renderFooter([]struct{ key, desc string }{
		{"esc", "back"},
	}))
	return b.String()
}

// ════════════════════════════════════════════════
// POPUPS
// ════════════════════════════════════════════════

func (m Model) overlayPopup(bg string) string {
	var popup string

	switch m.popup {
	case popupCreate:
		popup = m.viewCreatePopup()
	case popupConfirmReorder:
		popup = m.viewConfirmReorderPopup()
	case popupConfirmDelete:
		popup = m.viewConfirmDeletePopup()
	default:
		return bg
	}

	// Place popup in center of screen.
	if m.width > 0 && m.height > 0 {
		return lipgloss.Place(m.width, m.height,
			lipgloss.Center, lipgloss.Center,
			popup,
			lipgloss.WithWhitespaceChars(" "),
		)
	}
	return popup
}

func (m Model) viewCreatePopup() string {
	var b strings.Builder

	label := "New task"
	if m.createParentID != "" {
		label = "New subtask of " + shortID(m.createParentID)
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(clrHighlight).Render(label) + "\n\n")
	b.WriteString(m.textInput.View() + "\n\n")
	b.WriteString(footerKeyStyle.Render("enter") + footerDescStyle.Render(" create  ") +
		footerKeyStyle.Render("esc") + footerDescStyle.Render(" cancel"))

	return m.popupBoxStyle().Render(b.String())
}

func (m Model) viewConfirmReorderPopup() string {
	var b strings.Builder

	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(clrYellow).Render("Priority change") + "\n\n")
	if c := m.confirmation; c != nil {
		b.WriteString(c.Message + "\n\n")
		b.WriteString(fmt.Sprintf("%s -> %s\n\n", priorityLabel(c.TaskPriority), priorityLabel(c.NewPriority)))
	}
	b.WriteString(footerKeyStyle.Render("y") + footerDescStyle.Render(" move and change priority  ") +
		footerKeyStyle.Render("n") + footerDescStyle.Render(" cancel"))

	return m.popupBoxStyle().Render(b.String())
}

func (m Model) viewConfirmDeletePopup() string {
	var b strings.Builder

	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(clrRed).Render("Delete task") + "\n\n")
	if t := m.selected(); t != nil {
		b.WriteString(t.Title + "\n")
		b.WriteString("Its subtasks are deleted too.\n\n")
	}
	b.WriteString(footerKeyStyle.Render("y") + footerDescStyle.Render(" delete  ") +
		footerKeyStyle.Render("n") + footerDescStyle.Render(" cancel"))

	return m.popupBoxStyle().Render(b.String())
}

func (m Model) popupBoxStyle() lipgloss.Style {
	w := 60
	if m.width > 0 {
		w = m.width - 12
		if w < 42 {
			w = 42
		}
		if w > 84 {
			w = 84
		}
	}
	return popupStyle.Width(w)
}

// ════════════════════════════════════════════════
// SHARED HELPERS
// ════════════════════════════════════════════════

func renderFooter(keys []struct{ key, desc string }) string {
	var parts []string
	for _, k := range keys {
		key := footerKeyStyle.Render(k.key)
		desc := footerDescStyle.Render(k.desc)
		parts = append(parts, key+" "+desc)
	}
	return "  " + strings.Join(parts, "  ")
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

func truncate(s string, maxLen int) string {
	if maxLen < 4 {
		maxLen = 4
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
