// Package task defines the task tree record and the storage contract the
// hierarchy engine runs against.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a task does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrConflict is returned when a concurrent write invalidated the
	// transaction. The caller should retry from a fresh read.
	ErrConflict = errors.New("concurrent modification")
)

// Status is the workflow state of a task. For tasks with children it is a
// rollup of the children's statuses.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q (want pending, in_progress or completed)", s)
}

// Task is a node in a project's task tree.
//
// ParentID is empty for top-level tasks. Depth and Path are derived from the
// parent chain and are maintained by the tree package, never set by hand.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	ParentID    string     `json:"parent_id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	Depth       int        `json:"depth"`
	Path        string     `json:"path"`
	SortOrder   int        `json:"sort_order"`
	DueDate     *time.Time `json:"due_date,omitempty"`

	// Reorder bookkeeping. See EnsureOrderTracking.
	InitialOrderIndex *int       `json:"initial_order_index,omitempty"`
	CurrentOrderIndex *int       `json:"current_order_index,omitempty"`
	MoveCount         int        `json:"move_count"`
	LastMovedAt       *time.Time `json:"last_moved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTopLevel reports whether the task has no parent.
func (t *Task) IsTopLevel() bool {
	return t.ParentID == ""
}

// EnsureOrderTracking initialises the reorder bookkeeping on first touch:
// both order indexes start at the current sort order. It reports whether
// anything was initialised.
func (t *Task) EnsureOrderTracking() bool {
	changed := false
	if t.InitialOrderIndex == nil {
		v := t.SortOrder
		t.InitialOrderIndex = &v
		changed = true
	}
	if t.CurrentOrderIndex == nil {
		v := t.SortOrder
		t.CurrentOrderIndex = &v
		changed = true
	}
	return changed
}

// NewID returns a fresh, time-ordered task ID.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Event is an audit record of a mutation on a task.
type Event struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	ProjectID string    `json:"project_id"`
	Type      string    `json:"event_type"` // created, status_changed, status_rolled_up, priority_changed, reordered, moved, deleted, hierarchy_rebuilt
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Records is the transaction-scoped view of the task table. Every method
// runs inside the transaction that produced the Records value.
type Records interface {
	// Get returns a task by ID, wrapping ErrNotFound if it does not exist.
	Get(ctx context.Context, id string) (*Task, error)

	// Children returns the direct children of parentID in a project ordered
	// by sort order. An empty parentID selects the top-level tasks.
	Children(ctx context.Context, projectID, parentID string) ([]Task, error)

	// Descendants returns every task whose path lies strictly below the
	// given path, ordered by depth then sort order.
	Descendants(ctx context.Context, projectID, path string) ([]Task, error)

	// Project returns every task of a project ordered by depth then sort order.
	Project(ctx context.Context, projectID string) ([]Task, error)

	// MaxSortOrder returns the highest sort order among the children of
	// parentID, or 0 when there are none.
	MaxSortOrder(ctx context.Context, projectID, parentID string) (int, error)

	Insert(ctx context.Context, t *Task) error

	// Save writes every mutable attribute of t.
	Save(ctx context.Context, t *Task) error

	// SaveSortOrders writes only the sort order of each task.
	SaveSortOrders(ctx context.Context, tasks []Task) error

	// DeleteSubtree removes the task at path and everything below it and
	// returns the number of rows removed.
	DeleteSubtree(ctx context.Context, projectID, id, path string) (int, error)

	AddEvent(ctx context.Context, e Event) error
	Events(ctx context.Context, taskID string) ([]Event, error)

	// Projects lists the IDs of projects that own at least one task.
	Projects(ctx context.Context) ([]string, error)
}

// Store opens transactions over the task table.
type Store interface {
	// Update runs fn in a read-write transaction. If fn returns an error the
	// transaction is rolled back and nothing is persisted.
	Update(ctx context.Context, fn func(Records) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Records) error) error

	Close() error
}
