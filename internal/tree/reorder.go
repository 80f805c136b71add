package tree

import (
	"context"
	"fmt"
	"time"

	"github.com/imkarma/tasktree/internal/task"
)

// Scope names the list a reorder request was issued from.
type Scope string

const (
	ScopeTopLevel Scope = "top-level"
	ScopeSubtasks Scope = "subtasks"
	ScopeAll      Scope = "all"
)

// ParseScope validates a scope string. An empty string means ScopeAll.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "":
		return ScopeAll, nil
	case ScopeTopLevel, ScopeSubtasks, ScopeAll:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown context %q (want top-level, subtasks or all)", s)
}

// Confirmation types.
const (
	MovingToHigherPriority = "moving_to_higher_priority"
	MovingToLowerPriority  = "moving_to_lower_priority"
)

// ReorderRequest moves a task to a 1-based position among its siblings.
type ReorderRequest struct {
	TaskID      string `json:"task_id,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	NewPosition int    `json:"new_position"`
	Confirmed   bool   `json:"confirmed"`
	Context     Scope  `json:"context,omitempty"`

	// ExpectedPriority is the new priority the caller agreed to. When set on
	// a confirmed request and the move now resolves to another priority,
	// the request is answered with a fresh confirmation instead.
	ExpectedPriority task.Priority `json:"expected_priority,omitempty"`
}

// Confirmation describes the priority change a reorder would cause.
type Confirmation struct {
	Type               string          `json:"type"`
	TaskPriority       task.Priority   `json:"task_priority"`
	NewPriority        task.Priority   `json:"new_priority"`
	NeighborPriorities []task.Priority `json:"neighbor_priorities"`
	Message            string          `json:"message"`
}

// ReorderResult is the outcome of a reorder. Exactly one of Success,
// RequiresConfirmation or a non-nil Failure holds.
type ReorderResult struct {
	Success              bool          `json:"success"`
	RequiresConfirmation bool          `json:"requires_confirmation,omitempty"`
	Confirmation         *Confirmation `json:"confirmation,omitempty"`
	Failure              *Failure      `json:"error,omitempty"`

	OldPosition       int           `json:"old_position,omitempty"`
	NewPosition       int           `json:"new_position,omitempty"`
	PriorityChanged   bool          `json:"priority_changed"`
	OldPriority       task.Priority `json:"old_priority,omitempty"`
	NewPriority       task.Priority `json:"new_priority,omitempty"`
	MoveCount         int           `json:"move_count"`
	RaisedDescendants []string      `json:"raised_descendants,omitempty"`
}

// Plan is what a reorder would do, computed without touching storage.
type Plan struct {
	Task        task.Task
	Siblings    []task.Task // current order, including Task
	OldPosition int
	NewPosition int
	Neighbors   []task.Task // tasks adjacent to Task after the move

	// NoOp is set when the task is already at the requested position.
	NoOp bool

	ResolvedPriority task.Priority
	Confirmation     *Confirmation // non-nil when the move changes priority
	Failure          *Failure
}

// PriorityChanges reports whether applying the plan changes the task's priority.
func (p *Plan) PriorityChanges() bool {
	return p.ResolvedPriority != p.Task.Priority
}

// PlanReorder validates req against t's current siblings and works out the
// neighbours and priority at the destination. siblings must be t's sibling
// set in sort order including t; parent is nil for top-level tasks.
func PlanReorder(t task.Task, siblings []task.Task, parent *task.Task, req ReorderRequest) Plan {
	plan := Plan{Task: t, Siblings: siblings, NewPosition: req.NewPosition}

	scope := req.Context
	if scope == "" {
		scope = ScopeAll
	}
	switch {
	case scope == ScopeTopLevel && !t.IsTopLevel():
		plan.Failure = failf(CodeInvalidContext, "task %s is a subtask and cannot be reordered within the top-level list", t.ID)
		return plan
	case scope == ScopeSubtasks && t.IsTopLevel():
		plan.Failure = failf(CodeInvalidContext, "task %s is a top-level task and cannot be reordered within a subtask list", t.ID)
		return plan
	}

	for i := range siblings {
		s := siblings[i]
		if s.ID == t.ID && s.ParentID == t.ParentID && s.ProjectID == t.ProjectID {
			plan.OldPosition = i + 1
			break
		}
	}
	if plan.OldPosition == 0 {
		// The caller handed us a sibling set that does not contain t.
		plan.Failure = failf(CodeInvalidInput, "task %s is not among its siblings", t.ID)
		return plan
	}

	if req.NewPosition < 1 || req.NewPosition > len(siblings) {
		plan.Failure = failf(CodeOutOfRange, "position %d is out of range; valid positions are 1 to %d", req.NewPosition, len(siblings))
		plan.Failure.Range = &PositionRange{Attempted: req.NewPosition, Min: 1, Max: len(siblings)}
		return plan
	}

	plan.ResolvedPriority = t.Priority
	if req.NewPosition == plan.OldPosition {
		plan.NoOp = true
		return plan
	}

	others := without(siblings, t.ID)
	idx := req.NewPosition - 1
	if idx > 0 {
		plan.Neighbors = append(plan.Neighbors, others[idx-1])
	}
	if idx < len(others) {
		plan.Neighbors = append(plan.Neighbors, others[idx])
	}

	plan.ResolvedPriority = clampToParent(parent, neighborPriority(t.Priority, plan.Neighbors))
	if plan.PriorityChanges() {
		plan.Confirmation = confirmationFor(t, plan.ResolvedPriority, plan.Neighbors)
	}
	return plan
}

// neighborPriority is the highest priority among the neighbours, or current
// when there are none.
func neighborPriority(current task.Priority, neighbors []task.Task) task.Priority {
	if len(neighbors) == 0 {
		return current
	}
	var best task.Priority
	for _, n := range neighbors {
		best = task.MaxPriority(best, n.Priority)
	}
	return best
}

func confirmationFor(t task.Task, resolved task.Priority, neighbors []task.Task) *Confirmation {
	c := &Confirmation{
		Type:         MovingToLowerPriority,
		TaskPriority: t.Priority,
		NewPriority:  resolved,
	}
	if resolved > t.Priority {
		c.Type = MovingToHigherPriority
	}
	for _, n := range neighbors {
		c.NeighborPriorities = append(c.NeighborPriorities, n.Priority)
	}
	c.Message = fmt.Sprintf("Moving %q here changes its priority from %s to %s.", t.Title, t.Priority, resolved)
	return c
}

// ApplyReorder carries out a plan that needs no further confirmation. It
// renumbers the whole sibling list, updates the task's bookkeeping and
// priority, and raises descendants that would fall below the new priority.
// All writes go through r, so they commit or roll back together.
func ApplyReorder(ctx context.Context, r task.Records, plan Plan, now time.Time) (ReorderResult, error) {
	t := plan.Task
	res := ReorderResult{
		Success:     true,
		OldPosition: plan.OldPosition,
		NewPosition: plan.NewPosition,
		MoveCount:   t.MoveCount,
	}
	if plan.NoOp {
		return res, nil
	}

	t.EnsureOrderTracking()

	others := without(plan.Siblings, t.ID)
	idx := plan.NewPosition - 1
	order := make([]task.Task, 0, len(plan.Siblings))
	order = append(order, others[:idx]...)
	order = append(order, t)
	order = append(order, others[idx:]...)

	var changed []task.Task
	for i := range order {
		if order[i].ID == t.ID {
			continue
		}
		if order[i].SortOrder != i+1 {
			order[i].SortOrder = i + 1
			order[i].UpdatedAt = now
			changed = append(changed, order[i])
		}
	}
	if err := r.SaveSortOrders(ctx, changed); err != nil {
		return ReorderResult{}, err
	}

	pos := plan.NewPosition
	t.SortOrder = pos
	t.CurrentOrderIndex = &pos
	t.MoveCount++
	moved := now
	t.LastMovedAt = &moved
	t.UpdatedAt = now

	oldPriority := t.Priority
	if plan.PriorityChanges() {
		t.Priority = plan.ResolvedPriority
		res.PriorityChanged = true
		res.OldPriority = oldPriority
		res.NewPriority = t.Priority
	}
	if err := r.Save(ctx, &t); err != nil {
		return ReorderResult{}, err
	}

	if t.Priority > oldPriority {
		raised, err := RaiseDescendants(ctx, r, &t, now)
		if err != nil {
			return ReorderResult{}, err
		}
		res.RaisedDescendants = raised
	}

	res.MoveCount = t.MoveCount
	return res, nil
}

// Reorder plans and, unless confirmation is outstanding or the request is
// invalid, applies a reorder inside r.
func Reorder(ctx context.Context, r task.Records, t *task.Task, req ReorderRequest, now time.Time) (ReorderResult, error) {
	parent, err := getParent(ctx, r, t)
	if err != nil {
		return ReorderResult{}, err
	}
	siblings, err := r.Children(ctx, t.ProjectID, t.ParentID)
	if err != nil {
		return ReorderResult{}, err
	}

	plan := PlanReorder(*t, siblings, parent, req)
	switch {
	case plan.Failure != nil:
		return ReorderResult{Failure: plan.Failure}, nil
	case plan.Confirmation != nil && (!req.Confirmed || stale(req, plan)):
		return ReorderResult{
			RequiresConfirmation: true,
			Confirmation:         plan.Confirmation,
			OldPosition:          plan.OldPosition,
			NewPosition:          plan.NewPosition,
			MoveCount:            t.MoveCount,
		}, nil
	}
	return ApplyReorder(ctx, r, plan, now)
}

// stale reports whether a confirmed request agreed to a priority other than
// the one the move resolves to now.
func stale(req ReorderRequest, plan Plan) bool {
	return req.ExpectedPriority != 0 && req.ExpectedPriority != plan.ResolvedPriority
}

func without(tasks []task.Task, id string) []task.Task {
	out := make([]task.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}
