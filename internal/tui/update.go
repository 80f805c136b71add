package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/imkarma/tasktree/internal/task"
	"github.com/imkarma/tasktree/internal/tree"
)

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		// If popup is active, handle popup keys first.
		if m.popup != popupNone {
			return m.handlePopupKey(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tasksLoadedMsg:
		if msg.err != nil {
			m.setStatus("Failed to load tasks: "+msg.err.Error(), true)
			return m, nil
		}
		m.tasks = msg.tasks
		if m.focusID != "" {
			for i, t := range m.tasks {
				if t.ID == m.focusID {
					m.cursor = i
					break
				}
			}
			m.focusID = ""
		}
		m.clampCursor()
		return m, nil

	case opDoneMsg:
		if msg.err != nil {
			m.setStatus(msg.err.Error(), true)
		} else if msg.status != "" {
			m.setStatus(msg.status, false)
		}
		m.focusID = msg.focusID
		return m, m.loadTasks()

	case reorderConfirmMsg:
		req := msg.req
		m.pendingReorder = &req
		m.confirmation = msg.confirmation
		m.popup = popupConfirmReorder
		return m, nil

	case detailLoadedMsg:
		if msg.err != nil {
			m.setStatus("Failed to load task: "+msg.err.Error(), true)
			return m, nil
		}
		t := msg.task
		m.detail = &t
		m.events = msg.events
		m.completion = msg.completion
		m.screen = screenDetail
		return m, nil

	case tickMsg:
		// Clear old status messages.
		if m.statusMsg != "" && time.Since(m.statusTime) > 5*time.Second {
			m.statusMsg = ""
		}
		return m, tea.Batch(tickCmd(), m.loadTasks())
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.screen == screenTree {
			m.quitting = true
			return m, tea.Quit
		}
		return m.goBack()

	case "esc":
		return m.goBack()
	}

	switch m.screen {
	case screenTree:
		return m.handleTreeKey(msg)
	case screenDetail:
		return m, nil
	}
	return m, nil
}

func (m Model) goBack() (tea.Model, tea.Cmd) {
	if m.screen == screenDetail {
		m.screen = screenTree
		m.detail = nil
		m.events = nil
		return m, m.loadTasks()
	}
	return m, nil
}

// --- Tree screen keys ---

func (m Model) handleTreeKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	// Navigation.
	case "j", "down":
		m.cursor++
		m.clampCursor()
		return m, nil
	case "k", "up":
		m.cursor--
		m.clampCursor()
		return m, nil
	case "g", "home":
		m.cursor = 0
		return m, nil
	case "G", "end":
		m.cursor = len(m.tasks) - 1
		m.clampCursor()
		return m, nil

	case "r":
		return m, m.loadTasks()

	case "enter":
		if t := m.selected(); t != nil {
			return m, m.loadDetail(*t)
		}
		return m, nil

	// Create.
	case "n":
		return m.openCreate("")
	case "a":
		if t := m.selected(); t != nil {
			return m.openCreate(t.ID)
		}
		return m, nil

	// Reorder among siblings.
	case "K", "shift+up":
		return m.moveSelected(-1)
	case "J", "shift+down":
		return m.moveSelected(+1)

	case "s":
		t := m.selected()
		if t == nil {
			return m, nil
		}
		if m.hasChildren(t) {
			m.setStatus("Status of a task with subtasks follows its subtasks", true)
			return m, nil
		}
		return m, m.doStatus(t.ID, nextStatus(t.Status))

	case "p":
		if t := m.selected(); t != nil {
			return m, m.doPriority(t.ID, nextPriority(t.Priority))
		}
		return m, nil

	case "d", "delete":
		if m.selected() != nil {
			m.popup = popupConfirmDelete
		}
		return m, nil
	}
	return m, nil
}

func (m Model) openCreate(parentID string) (tea.Model, tea.Cmd) {
	m.createParentID = parentID
	m.textInput.Reset()
	m.textInput.Focus()
	m.popup = popupCreate
	return m, textinput.Blink
}

// moveSelected shifts the selected task one place among its siblings.
func (m Model) moveSelected(delta int) (tea.Model, tea.Cmd) {
	t := m.selected()
	if t == nil {
		return m, nil
	}
	pos := t.SortOrder + delta
	if pos < 1 || pos > m.siblingCount(t) {
		return m, nil
	}
	scope := tree.ScopeTopLevel
	if t.ParentID != "" {
		scope = tree.ScopeSubtasks
	}
	req := tree.ReorderRequest{
		TaskID:      t.ID,
		ProjectID:   m.project,
		NewPosition: pos,
		Context:     scope,
	}
	return m, m.doReorder(req)
}

func nextStatus(s task.Status) task.Status {
	switch s {
	case task.StatusPending:
		return task.StatusInProgress
	case task.StatusInProgress:
		return task.StatusCompleted
	default:
		return task.StatusPending
	}
}

func nextPriority(p task.Priority) task.Priority {
	switch p {
	case task.PriorityLow:
		return task.PriorityMedium
	case task.PriorityMedium:
		return task.PriorityHigh
	default:
		return task.PriorityLow
	}
}

// --- Popups ---

func (m Model) handlePopupKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.popup {
	case popupCreate:
		return m.handleCreatePopup(msg)
	case popupConfirmReorder:
		return m.handleConfirmReorderPopup(msg)
	case popupConfirmDelete:
		return m.handleConfirmDeletePopup(msg)
	}
	return m, nil
}

func (m Model) handleCreatePopup(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.popup = popupNone
		m.textInput.Blur()
		return m, nil
	case "enter":
		title := m.textInput.Value()
		if title == "" {
			m.setStatus("Title cannot be empty", true)
			return m, nil
		}
		m.popup = popupNone
		m.textInput.Blur()
		return m, m.doCreate(title, m.createParentID)
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m Model) handleConfirmReorderPopup(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "enter":
		req := *m.pendingReorder
		req.Confirmed = true
		if m.confirmation != nil {
			req.ExpectedPriority = m.confirmation.NewPriority
		}
		m.popup = popupNone
		m.pendingReorder, m.confirmation = nil, nil
		return m, m.doReorder(req)
	case "n", "esc":
		m.popup = popupNone
		m.pendingReorder, m.confirmation = nil, nil
		m.setStatus("Reorder cancelled", false)
		return m, nil
	}
	return m, nil
}

func (m Model) handleConfirmDeletePopup(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "enter":
		m.popup = popupNone
		if t := m.selected(); t != nil {
			return m, m.doDelete(t.ID)
		}
		return m, nil
	case "n", "esc":
		m.popup = popupNone
		return m, nil
	}
	return m, nil
}

// --- Engine commands ---

func failureErr(f *tree.Failure) error {
	return errors.New(f.Message)
}

func (m Model) doCreate(title, parentID string) tea.Cmd {
	return func() tea.Msg {
		res, err := m.engine.CreateTask(context.Background(), tree.CreateInput{
			ProjectID: m.project,
			ParentID:  parentID,
			Title:     title,
		})
		if err != nil {
			return opDoneMsg{err: err}
		}
		if res.Failure != nil {
			return opDoneMsg{err: failureErr(res.Failure)}
		}
		return opDoneMsg{status: "Created " + title, focusID: res.Task.ID}
	}
}

func (m Model) doStatus(id string, status task.Status) tea.Cmd {
	return func() tea.Msg {
		res, err := m.engine.UpdateStatus(context.Background(), m.project, id, string(status))
		if err != nil {
			return opDoneMsg{err: err}
		}
		if res.Failure != nil {
			return opDoneMsg{err: failureErr(res.Failure), focusID: id}
		}
		return opDoneMsg{status: "Status: " + string(status), focusID: id}
	}
}

func (m Model) doPriority(id string, p task.Priority) tea.Cmd {
	return func() tea.Msg {
		res, err := m.engine.SetPriority(context.Background(), m.project, id, p.String())
		if err != nil {
			return opDoneMsg{err: err}
		}
		if res.Failure != nil {
			return opDoneMsg{err: failureErr(res.Failure), focusID: id}
		}
		status := "Priority: " + p.String()
		if n := len(res.RaisedDescendants); n > 0 {
			status += fmt.Sprintf(" (raised %d subtask(s))", n)
		}
		return opDoneMsg{status: status, focusID: id}
	}
}

func (m Model) doReorder(req tree.ReorderRequest) tea.Cmd {
	return func() tea.Msg {
		res, err := m.engine.Reorder(context.Background(), m.project, req)
		if err != nil {
			return opDoneMsg{err: err, focusID: req.TaskID}
		}
		if res.RequiresConfirmation {
			return reorderConfirmMsg{req: req, confirmation: res.Confirmation}
		}
		if res.Failure != nil {
			return opDoneMsg{err: failureErr(res.Failure), focusID: req.TaskID}
		}
		status := "Moved to position " + strconv.Itoa(res.NewPosition)
		if res.PriorityChanged {
			status += fmt.Sprintf(", priority %s -> %s", res.OldPriority, res.NewPriority)
		}
		return opDoneMsg{status: status, focusID: req.TaskID}
	}
}

func (m Model) doDelete(id string) tea.Cmd {
	return func() tea.Msg {
		res, err := m.engine.DeleteTask(context.Background(), m.project, id)
		if err != nil {
			return opDoneMsg{err: err}
		}
		return opDoneMsg{status: fmt.Sprintf("Deleted %d task(s)", res.Deleted), focusID: res.ParentID}
	}
}
