// Package tui is the interactive tree browser.
package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/imkarma/tasktree/internal/task"
	"github.com/imkarma/tasktree/internal/tree"
)

// Engine is the part of the tree engine the browser drives.
type Engine interface {
	ListProject(ctx context.Context, projectID string) ([]task.Task, error)
	CreateTask(ctx context.Context, in tree.CreateInput) (tree.CreateResult, error)
	UpdateStatus(ctx context.Context, projectID, id, status string) (tree.StatusResult, error)
	SetPriority(ctx context.Context, projectID, id, priority string) (tree.PriorityResult, error)
	Reorder(ctx context.Context, projectID string, req tree.ReorderRequest) (tree.ReorderResult, error)
	DeleteTask(ctx context.Context, projectID, id string) (tree.DeleteResult, error)
	Events(ctx context.Context, projectID, id string) ([]task.Event, error)
	Completion(ctx context.Context, projectID, id string) (float64, error)
}

// screen is the top-level view.
type screen int

const (
	screenTree   screen = iota // Task tree (main)
	screenDetail               // Selected task with its events
)

// popupKind identifies the modal on top of the screen.
type popupKind int

const (
	popupNone popupKind = iota
	popupCreate
	popupConfirmReorder
	popupConfirmDelete
)

// Model is the top-level bubbletea model.
type Model struct {
	engine  Engine
	project string
	width   int
	height  int

	screen screen
	popup  popupKind

	// Tasks in depth-first display order.
	tasks  []task.Task
	cursor int

	// focusID keeps the cursor on a task across reloads.
	focusID string

	// Create popup.
	textInput      textinput.Model
	createParentID string

	// Reorder waiting for confirmation.
	pendingReorder *tree.ReorderRequest
	confirmation   *tree.Confirmation

	// Detail screen.
	detail     *task.Task
	events     []task.Event
	completion float64

	statusMsg  string
	statusTime time.Time
	statusErr  bool

	quitting bool
}

// New creates a browser for one project.
func New(e Engine, project string) Model {
	ti := textinput.New()
	ti.Placeholder = "Task title..."
	ti.CharLimit = 200
	ti.Width = 50

	return Model{
		engine:    e,
		project:   project,
		screen:    screenTree,
		textInput: ti,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadTasks(), tickCmd())
}

type tasksLoadedMsg struct {
	tasks []task.Task
	err   error
}

// opDoneMsg reports the outcome of a mutation. focusID, when set, is the
// task the cursor should land on after the reload.
type opDoneMsg struct {
	status  string
	err     error
	focusID string
}

type reorderConfirmMsg struct {
	req          tree.ReorderRequest
	confirmation *tree.Confirmation
}

type detailLoadedMsg struct {
	task       task.Task
	events     []task.Event
	completion float64
	err        error
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) loadTasks() tea.Cmd {
	return func() tea.Msg {
		tasks, err := m.engine.ListProject(context.Background(), m.project)
		return tasksLoadedMsg{tasks: tree.DepthFirst(tasks), err: err}
	}
}

func (m Model) loadDetail(t task.Task) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		events, err := m.engine.Events(ctx, m.project, t.ID)
		if err != nil {
			return detailLoadedMsg{err: err}
		}
		pct, err := m.engine.Completion(ctx, m.project, t.ID)
		return detailLoadedMsg{task: t, events: events, completion: pct, err: err}
	}
}

func (m *Model) setStatus(msg string, isErr bool) {
	m.statusMsg = msg
	m.statusTime = time.Now()
	m.statusErr = isErr
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.tasks) {
		m.cursor = len(m.tasks) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) selected() *task.Task {
	if m.cursor < len(m.tasks) {
		t := m.tasks[m.cursor]
		return &t
	}
	return nil
}

// siblingCount returns how many tasks share t's parent.
func (m *Model) siblingCount(t *task.Task) int {
	n := 0
	for _, o := range m.tasks {
		if o.ParentID == t.ParentID {
			n++
		}
	}
	return n
}

// hasChildren reports whether any loaded task has t as its parent.
func (m *Model) hasChildren(t *task.Task) bool {
	for _, o := range m.tasks {
		if o.ParentID == t.ID {
			return true
		}
	}
	return false
}
