package tree

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/imkarma/tasktree/internal/task"
)

// Options configures an Engine. Zero values fall back to sensible defaults.
type Options struct {
	Logger          *slog.Logger
	Now             func() time.Time
	DefaultPriority task.Priority
}

// Engine runs tree operations against a store. Every mutation is one store
// transaction, and mutations within a project are serialized.
type Engine struct {
	store           task.Store
	log             *slog.Logger
	now             func() time.Time
	defaultPriority task.Priority

	mu    sync.Mutex
	locks map[string]*projectLock
}

// New creates an Engine over s.
func New(s task.Store, opts Options) *Engine {
	e := &Engine{
		store:           s,
		log:             opts.Logger,
		now:             opts.Now,
		defaultPriority: opts.DefaultPriority,
		locks:           make(map[string]*projectLock),
	}
	if e.log == nil {
		e.log = slog.New(slog.DiscardHandler)
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if !e.defaultPriority.Valid() {
		e.defaultPriority = task.PriorityMedium
	}
	return e
}

// projectLock serialises writes to one project. refs counts holders and
// waiters; the entry is dropped when it reaches zero.
type projectLock struct {
	mu   sync.Mutex
	refs int
}

func (e *Engine) lockProject(projectID string) func() {
	e.mu.Lock()
	l, ok := e.locks[projectID]
	if !ok {
		l = &projectLock{}
		e.locks[projectID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(e.locks, projectID)
		}
		e.mu.Unlock()
	}
}

// update runs fn in a write transaction while holding the project's lock.
func (e *Engine) update(ctx context.Context, op, projectID string, fn func(task.Records) error) error {
	unlock := e.lockProject(projectID)
	defer unlock()
	return e.report(op, projectID, e.store.Update(ctx, fn))
}

func (e *Engine) view(ctx context.Context, op, projectID string, fn func(task.Records) error) error {
	return e.report(op, projectID, e.store.View(ctx, fn))
}

func (e *Engine) report(op, projectID string, err error) error {
	var ie *IntegrityError
	switch {
	case err == nil:
	case errors.As(err, &ie):
		e.log.Error("tree integrity error", "op", op, "project", projectID, "task", ie.TaskID, "reason", ie.Reason)
	case errors.Is(err, task.ErrConflict):
		e.log.Warn("concurrent modification", "op", op, "project", projectID, "err", err)
	}
	return err
}

// load fetches id and checks that it belongs to projectID. A task from
// another project reports ErrNotFound.
func load(ctx context.Context, r task.Records, projectID, id string) (*task.Task, error) {
	t, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.ProjectID != projectID {
		return nil, fmt.Errorf("task %s in project %s: %w", id, projectID, task.ErrNotFound)
	}
	return t, nil
}

func (e *Engine) event(ctx context.Context, r task.Records, t *task.Task, typ, format string, args ...any) error {
	return r.AddEvent(ctx, task.Event{
		TaskID:    t.ID,
		ProjectID: t.ProjectID,
		Type:      typ,
		Content:   fmt.Sprintf(format, args...),
		Timestamp: e.now(),
	})
}

// statusEvents records one event per status change. The change on origin is
// a direct change; everything else was rolled up.
func (e *Engine) statusEvents(ctx context.Context, r task.Records, projectID, origin string, changes []StatusChange) error {
	for _, c := range changes {
		typ := "status_rolled_up"
		if c.TaskID == origin {
			typ = "status_changed"
		}
		t := &task.Task{ID: c.TaskID, ProjectID: projectID}
		if err := e.event(ctx, r, t, typ, "%s -> %s", c.From, c.To); err != nil {
			return err
		}
	}
	return nil
}

// CreateInput describes a new task. A zero Priority selects the default.
type CreateInput struct {
	ProjectID   string        `json:"project_id"`
	ParentID    string        `json:"parent_id,omitempty"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Priority    task.Priority `json:"priority,omitempty"`
	DueDate     *time.Time    `json:"due_date,omitempty"`
}

// CreateResult is the outcome of CreateTask.
type CreateResult struct {
	Task    *task.Task     `json:"task,omitempty"`
	Failure *Failure       `json:"error,omitempty"`
	Changes []StatusChange `json:"status_changes,omitempty"`
}

// CreateTask appends a new pending task to the end of its sibling list.
func (e *Engine) CreateTask(ctx context.Context, in CreateInput) (CreateResult, error) {
	in.Title = strings.TrimSpace(in.Title)
	switch {
	case in.ProjectID == "":
		return CreateResult{Failure: failf(CodeInvalidInput, "project is required")}, nil
	case in.Title == "":
		return CreateResult{Failure: failf(CodeInvalidInput, "title is required")}, nil
	case in.Priority != 0 && !in.Priority.Valid():
		return CreateResult{Failure: failf(CodeInvalidPriority, "unknown priority %d", int(in.Priority))}, nil
	}

	var res CreateResult
	err := e.update(ctx, "create", in.ProjectID, func(r task.Records) error {
		now := e.now()
		t := &task.Task{
			ID:          task.NewID(),
			ProjectID:   in.ProjectID,
			ParentID:    in.ParentID,
			Title:       in.Title,
			Description: in.Description,
			Status:      task.StatusPending,
			Priority:    in.Priority,
			DueDate:     in.DueDate,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		var chain []task.Task
		if in.ParentID != "" {
			parent, err := r.Get(ctx, in.ParentID)
			if errors.Is(err, task.ErrNotFound) {
				res.Failure = failf(CodeParentNotFound, "parent %s does not exist", in.ParentID)
				return nil
			}
			if err != nil {
				return err
			}
			if parent.ProjectID != in.ProjectID {
				res.Failure = failf(CodeCrossProjectParent, "parent %s belongs to another project", in.ParentID)
				return nil
			}
			if t.Priority != 0 {
				if check := checkAgainst(parent, t.Priority); !check.Valid {
					res.Failure = failf(CodePriorityConstraint, "priority %s is below parent priority %s", t.Priority, parent.Priority)
					res.Failure.Priority = &check
					return nil
				}
			}
			up, err := Ancestors(ctx, r, parent)
			if err != nil {
				return err
			}
			chain = append([]task.Task{*parent}, up...)
		}
		if t.Priority == 0 {
			t.Priority = e.defaultPriority
			if len(chain) > 0 {
				t.Priority = clampToParent(&chain[0], t.Priority)
			}
		}
		t.Depth, t.Path = hierarchyOf(t.ID, chain)

		maxOrder, err := r.MaxSortOrder(ctx, t.ProjectID, t.ParentID)
		if err != nil {
			return err
		}
		t.SortOrder = maxOrder + 1

		if err := r.Insert(ctx, t); err != nil {
			return err
		}
		if err := e.event(ctx, r, t, "created", "%s (priority %s, position %d)", t.Title, t.Priority, t.SortOrder); err != nil {
			return err
		}
		if t.ParentID != "" {
			up, err := RollUp(ctx, r, t.ParentID, now)
			if err != nil {
				return err
			}
			if err := e.statusEvents(ctx, r, t.ProjectID, "", up); err != nil {
				return err
			}
			res.Changes = up
		}
		res.Task = t
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}
	if res.Task != nil {
		e.log.Debug("task created", "project", in.ProjectID, "task", res.Task.ID, "parent", in.ParentID)
	}
	return res, nil
}

// GetTask returns a task of a project.
func (e *Engine) GetTask(ctx context.Context, projectID, id string) (*task.Task, error) {
	var t *task.Task
	err := e.view(ctx, "get", projectID, func(r task.Records) error {
		var err error
		t, err = load(ctx, r, projectID, id)
		return err
	})
	return t, err
}

// ProjectOf returns the project that owns a task, for callers that only
// know the task ID.
func (e *Engine) ProjectOf(ctx context.Context, id string) (string, error) {
	var projectID string
	err := e.view(ctx, "project_of", "", func(r task.Records) error {
		t, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		projectID = t.ProjectID
		return nil
	})
	return projectID, err
}

// ListProject returns every task of a project ordered by depth then sort order.
func (e *Engine) ListProject(ctx context.Context, projectID string) ([]task.Task, error) {
	var tasks []task.Task
	err := e.view(ctx, "list", projectID, func(r task.Records) error {
		var err error
		tasks, err = r.Project(ctx, projectID)
		return err
	})
	return tasks, err
}

// Children returns the direct children of parentID, or the top-level tasks
// when parentID is empty.
func (e *Engine) Children(ctx context.Context, projectID, parentID string) ([]task.Task, error) {
	var tasks []task.Task
	err := e.view(ctx, "children", projectID, func(r task.Records) error {
		if parentID != "" {
			if _, err := load(ctx, r, projectID, parentID); err != nil {
				return err
			}
		}
		var err error
		tasks, err = r.Children(ctx, projectID, parentID)
		return err
	})
	return tasks, err
}

// Ancestors returns the parent chain of a task, nearest first.
func (e *Engine) Ancestors(ctx context.Context, projectID, id string) ([]task.Task, error) {
	var chain []task.Task
	err := e.view(ctx, "ancestors", projectID, func(r task.Records) error {
		t, err := load(ctx, r, projectID, id)
		if err != nil {
			return err
		}
		chain, err = Ancestors(ctx, r, t)
		return err
	})
	return chain, err
}

// Descendants returns every task below a task.
func (e *Engine) Descendants(ctx context.Context, projectID, id string) ([]task.Task, error) {
	var desc []task.Task
	err := e.view(ctx, "descendants", projectID, func(r task.Records) error {
		t, err := load(ctx, r, projectID, id)
		if err != nil {
			return err
		}
		desc, err = Descendants(ctx, r, t)
		return err
	})
	return desc, err
}

// Root returns the top-level ancestor of a task.
func (e *Engine) Root(ctx context.Context, projectID, id string) (*task.Task, error) {
	var root *task.Task
	err := e.view(ctx, "root", projectID, func(r task.Records) error {
		t, err := load(ctx, r, projectID, id)
		if err != nil {
			return err
		}
		root, err = Root(ctx, r, t)
		return err
	})
	return root, err
}

// Completion returns the completion percentage of a task.
func (e *Engine) Completion(ctx context.Context, projectID, id string) (float64, error) {
	var pct float64
	err := e.view(ctx, "completion", projectID, func(r task.Records) error {
		t, err := load(ctx, r, projectID, id)
		if err != nil {
			return err
		}
		pct, err = CompletionPercentage(ctx, r, t)
		return err
	})
	return pct, err
}

// Events returns the audit log of a task, oldest first.
func (e *Engine) Events(ctx context.Context, projectID, id string) ([]task.Event, error) {
	var events []task.Event
	err := e.view(ctx, "events", projectID, func(r task.Records) error {
		if _, err := load(ctx, r, projectID, id); err != nil {
			return err
		}
		var err error
		events, err = r.Events(ctx, id)
		return err
	})
	return events, err
}

// Projects lists the projects that own at least one task.
func (e *Engine) Projects(ctx context.Context) ([]string, error) {
	var ids []string
	err := e.view(ctx, "projects", "", func(r task.Records) error {
		var err error
		ids, err = r.Projects(ctx)
		return err
	})
	return ids, err
}

// StatusResult is the outcome of UpdateStatus.
type StatusResult struct {
	Task    *task.Task     `json:"task,omitempty"`
	Failure *Failure       `json:"error,omitempty"`
	Changes []StatusChange `json:"status_changes,omitempty"`
}

// UpdateStatus sets the status of a leaf task and rolls it up the ancestor
// chain. Completing a task that has children is refused.
func (e *Engine) UpdateStatus(ctx context.Context, projectID, id, status string) (StatusResult, error) {
	st, err := task.ParseStatus(status)
	if err != nil {
		return StatusResult{Failure: failf(CodeInvalidStatus, "%v", err)}, nil
	}

	var res StatusResult
	err = e.update(ctx, "status", projectID, func(r task.Records) error {
		t, err := load(ctx, r, projectID, id)
		if err != nil {
			return err
		}
		failure, changes, err := SetStatus(ctx, r, t, st, e.now())
		if err != nil {
			return err
		}
		if failure != nil {
			res.Failure = failure
			return nil
		}
		if err := e.statusEvents(ctx, r, projectID, t.ID, changes); err != nil {
			return err
		}
		res.Task, res.Changes = t, changes
		return nil
	})
	if err != nil {
		return StatusResult{}, err
	}
	return res, nil
}

// PriorityResult is the outcome of SetPriority and ValidatePriority.
type PriorityResult struct {
	Task              *task.Task     `json:"task,omitempty"`
	Failure           *Failure       `json:"error,omitempty"`
	Check             *PriorityCheck `json:"check,omitempty"`
	Changed           bool           `json:"changed"`
	RaisedDescendants []string       `json:"raised_descendants,omitempty"`
}

// SetPriority changes a task's priority. A priority below the parent's is
// refused; raising a task lifts descendants that would fall below it.
func (e *Engine) SetPriority(ctx context.Context, projectID, id, priority string) (PriorityResult, error) {
	p, err := task.ParsePriority(priority)
	if err != nil {
		return PriorityResult{Failure: failf(CodeInvalidPriority, "%v", err)}, nil
	}

	var res PriorityResult
	err = e.update(ctx, "priority", projectID, func(r task.Records) error {
		t, err := load(ctx, r, projectID, id)
		if err != nil {
			return err
		}
		check, err := ValidateParentPriority(ctx, r, t, p)
		if err != nil {
			return err
		}
		res.Check = &check
		if !check.Valid {
			res.Failure = failf(CodePriorityConstraint, "priority %s is below parent priority %s", p, check.ParentPriority)
			res.Failure.Priority = &check
			return nil
		}
		res.Task = t
		if t.Priority == p {
			return nil
		}

		now := e.now()
		old := t.Priority
		t.Priority = p
		t.UpdatedAt = now
		if err := r.Save(ctx, t); err != nil {
			return err
		}
		res.Changed = true
		if err := e.event(ctx, r, t, "priority_changed", "%s -> %s", old, p); err != nil {
			return err
		}
		if p > old {
			raised, err := RaiseDescendants(ctx, r, t, now)
			if err != nil {
				return err
			}
			for _, rid := range raised {
				if err := e.event(ctx, r, &task.Task{ID: rid, ProjectID: projectID}, "priority_changed", "raised to %s with ancestor %s", p, t.ID); err != nil {
					return err
				}
			}
			res.RaisedDescendants = raised
		}
		return nil
	})
	if err != nil {
		return PriorityResult{}, err
	}
	return res, nil
}

// ValidatePriority checks a candidate priority against the task's parent
// without changing anything.
func (e *Engine) ValidatePriority(ctx context.Context, projectID, id, priority string) (PriorityResult, error) {
	p, err := task.ParsePriority(priority)
	if err != nil {
		return PriorityResult{Failure: failf(CodeInvalidPriority, "%v", err)}, nil
	}
	var res PriorityResult
	err = e.view(ctx, "validate_priority", projectID, func(r task.Records) error {
		t, err := load(ctx, r, projectID, id)
		if err != nil {
			return err
		}
		check, err := ValidateParentPriority(ctx, r, t, p)
		if err != nil {
			return err
		}
		res.Task, res.Check = t, &check
		return nil
	})
	if err != nil {
		return PriorityResult{}, err
	}
	return res, nil
}

// Reorder moves a task within its sibling list. When the move would change
// the task's priority and req.Confirmed is false, nothing is written and the
// result asks for confirmation.
func (e *Engine) Reorder(ctx context.Context, projectID string, req ReorderRequest) (ReorderResult, error) {
	if _, err := ParseScope(string(req.Context)); err != nil {
		return ReorderResult{Failure: failf(CodeInvalidContext, "%v", err)}, nil
	}

	var res ReorderResult
	err := e.update(ctx, "reorder", projectID, func(r task.Records) error {
		t, err := load(ctx, r, projectID, req.TaskID)
		if err != nil {
			return err
		}
		res, err = Reorder(ctx, r, t, req, e.now())
		if err != nil || !res.Success || res.OldPosition == res.NewPosition {
			return err
		}
		if err := e.event(ctx, r, t, "reordered", "position %d -> %d", res.OldPosition, res.NewPosition); err != nil {
			return err
		}
		if res.PriorityChanged {
			if err := e.event(ctx, r, t, "priority_changed", "%s -> %s after reorder", res.OldPriority, res.NewPriority); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ReorderResult{}, err
	}
	if res.Success {
		e.log.Debug("task reordered", "project", projectID, "task", req.TaskID, "from", res.OldPosition, "to", res.NewPosition)
	}
	return res, nil
}

// MoveInput reparents a task. An empty ParentID makes it top-level.
type MoveInput struct {
	TaskID   string `json:"task_id"`
	ParentID string `json:"parent_id"`
}

// MoveResult is the outcome of MoveTask.
type MoveResult struct {
	Task              *task.Task     `json:"task,omitempty"`
	Failure           *Failure       `json:"error,omitempty"`
	OldParentID       string         `json:"old_parent_id,omitempty"`
	PriorityChanged   bool           `json:"priority_changed"`
	OldPriority       task.Priority  `json:"old_priority,omitempty"`
	NewPriority       task.Priority  `json:"new_priority,omitempty"`
	RaisedDescendants []string       `json:"raised_descendants,omitempty"`
	Rebuilt           int            `json:"rebuilt"`
	Changes           []StatusChange `json:"status_changes,omitempty"`
}

// MoveTask attaches a task to a new parent within the same project. The task
// goes to the end of its new sibling list and its whole subtree gets new
// depth and path values.
func (e *Engine) MoveTask(ctx context.Context, projectID string, in MoveInput) (MoveResult, error) {
	var res MoveResult
	err := e.update(ctx, "move", projectID, func(r task.Records) error {
		t, err := load(ctx, r, projectID, in.TaskID)
		if err != nil {
			return err
		}
		res.Task, res.OldParentID = t, t.ParentID
		if in.ParentID == t.ParentID {
			return nil
		}

		var parent *task.Task
		if in.ParentID != "" {
			if in.ParentID == t.ID {
				res.Failure = failf(CodeCycle, "task %s cannot be its own parent", t.ID)
				return nil
			}
			parent, err = r.Get(ctx, in.ParentID)
			if errors.Is(err, task.ErrNotFound) {
				res.Failure = failf(CodeParentNotFound, "parent %s does not exist", in.ParentID)
				return nil
			}
			if err != nil {
				return err
			}
			if parent.ProjectID != t.ProjectID {
				res.Failure = failf(CodeCrossProjectParent, "parent %s belongs to another project", in.ParentID)
				return nil
			}
			chain, err := Ancestors(ctx, r, parent)
			if err != nil {
				return err
			}
			for _, a := range chain {
				if a.ID == t.ID {
					res.Failure = failf(CodeCycle, "task %s is an ancestor of %s", t.ID, parent.ID)
					return nil
				}
			}
		}

		now := e.now()
		oldParent, oldPath, oldPriority := t.ParentID, t.Path, t.Priority
		maxOrder, err := r.MaxSortOrder(ctx, projectID, in.ParentID)
		if err != nil {
			return err
		}
		t.ParentID = in.ParentID
		t.SortOrder = maxOrder + 1
		pos := t.SortOrder
		t.CurrentOrderIndex = &pos
		t.Priority = clampToParent(parent, t.Priority)
		t.UpdatedAt = now
		if err := r.Save(ctx, t); err != nil {
			return err
		}
		if err := compactSiblings(ctx, r, projectID, oldParent, now); err != nil {
			return err
		}
		n, err := RebuildSubtree(ctx, r, t, oldPath, now)
		if err != nil {
			return err
		}
		res.Rebuilt = n

		if t.Priority != oldPriority {
			res.PriorityChanged, res.OldPriority, res.NewPriority = true, oldPriority, t.Priority
			raised, err := RaiseDescendants(ctx, r, t, now)
			if err != nil {
				return err
			}
			res.RaisedDescendants = raised
		}

		for _, pid := range []string{oldParent, t.ParentID} {
			if pid == "" {
				continue
			}
			up, err := RollUp(ctx, r, pid, now)
			if err != nil {
				return err
			}
			res.Changes = append(res.Changes, up...)
		}

		if err := e.event(ctx, r, t, "moved", "parent %q -> %q", oldParent, t.ParentID); err != nil {
			return err
		}
		if res.PriorityChanged {
			if err := e.event(ctx, r, t, "priority_changed", "%s -> %s after move", oldPriority, t.Priority); err != nil {
				return err
			}
		}
		return e.statusEvents(ctx, r, projectID, "", res.Changes)
	})
	if err != nil {
		return MoveResult{}, err
	}
	return res, nil
}

// DeleteResult is the outcome of DeleteTask.
type DeleteResult struct {
	Deleted  int            `json:"deleted"`
	ParentID string         `json:"parent_id,omitempty"`
	Changes  []StatusChange `json:"status_changes,omitempty"`
}

// DeleteTask removes a task together with its whole subtree.
func (e *Engine) DeleteTask(ctx context.Context, projectID, id string) (DeleteResult, error) {
	var res DeleteResult
	err := e.update(ctx, "delete", projectID, func(r task.Records) error {
		t, err := load(ctx, r, projectID, id)
		if err != nil {
			return err
		}
		n, err := r.DeleteSubtree(ctx, projectID, t.ID, t.Path)
		if err != nil {
			return err
		}
		res.Deleted, res.ParentID = n, t.ParentID

		now := e.now()
		if err := compactSiblings(ctx, r, projectID, t.ParentID, now); err != nil {
			return err
		}
		if t.ParentID != "" {
			up, err := RollUp(ctx, r, t.ParentID, now)
			if err != nil {
				return err
			}
			res.Changes = up
		}
		if err := e.event(ctx, r, t, "deleted", "%s and %d descendants", t.Title, n-1); err != nil {
			return err
		}
		return e.statusEvents(ctx, r, projectID, "", res.Changes)
	})
	if err != nil {
		return DeleteResult{}, err
	}
	e.log.Debug("task deleted", "project", projectID, "task", id, "rows", res.Deleted)
	return res, nil
}

// RebuildReport counts what RebuildProject repaired.
type RebuildReport struct {
	ProjectID        string `json:"project_id"`
	Tasks            int    `json:"tasks"`
	PathsFixed       int    `json:"paths_fixed"`
	OrdersFixed      int    `json:"orders_fixed"`
	PrioritiesRaised int    `json:"priorities_raised"`
	StatusesFixed    int    `json:"statuses_fixed"`
}

// Changed reports whether the rebuild repaired anything.
func (rep RebuildReport) Changed() bool {
	return rep.PathsFixed+rep.OrdersFixed+rep.PrioritiesRaised+rep.StatusesFixed > 0
}

// RebuildProject recomputes depth, path, sibling order, priority clamping and
// rolled-up status for every task of a project from the parent links alone.
// A dangling or looping parent link aborts the rebuild with an
// IntegrityError.
func (e *Engine) RebuildProject(ctx context.Context, projectID string) (RebuildReport, error) {
	rep := RebuildReport{ProjectID: projectID}
	err := e.update(ctx, "rebuild", projectID, func(r task.Records) error {
		all, err := r.Project(ctx, projectID)
		if err != nil {
			return err
		}
		rep.Tasks = len(all)

		byID := make(map[string]*task.Task, len(all))
		kids := make(map[string][]*task.Task)
		for i := range all {
			t := &all[i]
			byID[t.ID] = t
		}
		for _, t := range byID {
			if t.ParentID != "" && byID[t.ParentID] == nil {
				return &IntegrityError{TaskID: t.ID, Reason: fmt.Sprintf("parent %s does not exist in project %s", t.ParentID, projectID)}
			}
			kids[t.ParentID] = append(kids[t.ParentID], t)
		}
		for _, list := range kids {
			slices.SortFunc(list, func(a, b *task.Task) int {
				return cmp.Or(
					cmp.Compare(a.SortOrder, b.SortOrder),
					a.CreatedAt.Compare(b.CreatedAt),
					cmp.Compare(a.ID, b.ID),
				)
			})
		}

		now := e.now()
		dirty := map[string]bool{}
		var order []*task.Task
		queue := []*task.Task{nil}
		for len(queue) > 0 {
			parent := queue[0]
			queue = queue[1:]
			pid := ""
			if parent != nil {
				pid = parent.ID
			}
			for i, t := range kids[pid] {
				depth, path := 0, t.ID
				if parent != nil {
					depth, path = parent.Depth+1, parent.Path+"/"+t.ID
				}
				if t.Depth != depth || t.Path != path {
					t.Depth, t.Path = depth, path
					rep.PathsFixed++
					dirty[t.ID] = true
				}
				if t.SortOrder != i+1 {
					t.SortOrder = i + 1
					rep.OrdersFixed++
					dirty[t.ID] = true
				}
				if parent != nil && t.Priority < parent.Priority {
					t.Priority = parent.Priority
					rep.PrioritiesRaised++
					dirty[t.ID] = true
				}
				order = append(order, t)
				queue = append(queue, t)
			}
		}
		if len(order) != len(all) {
			for _, t := range byID {
				if !slices.Contains(order, t) {
					return &IntegrityError{TaskID: t.ID, Reason: "parent chain loops and never reaches a top-level task"}
				}
			}
		}

		// Deepest first so every parent sees its children's final status.
		for i := len(order) - 1; i >= 0; i-- {
			t := order[i]
			children := kids[t.ID]
			if len(children) == 0 {
				continue
			}
			list := make([]task.Task, len(children))
			for j, c := range children {
				list[j] = *c
			}
			if st := RollupStatus(list); st != t.Status {
				t.Status = st
				rep.StatusesFixed++
				dirty[t.ID] = true
			}
		}

		for _, t := range order {
			if !dirty[t.ID] {
				continue
			}
			t.UpdatedAt = now
			if err := r.Save(ctx, t); err != nil {
				return err
			}
			if err := e.event(ctx, r, t, "hierarchy_rebuilt", "depth %d, path %s, position %d, priority %s, status %s",
				t.Depth, t.Path, t.SortOrder, t.Priority, t.Status); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return RebuildReport{}, err
	}
	if rep.Changed() {
		e.log.Info("project rebuilt", "project", projectID, "paths", rep.PathsFixed, "orders", rep.OrdersFixed,
			"priorities", rep.PrioritiesRaised, "statuses", rep.StatusesFixed)
	}
	return rep, nil
}
