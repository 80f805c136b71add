package tree

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/imkarma/tasktree/internal/task"
)

// PriorityCheck is the outcome of validating a candidate priority against
// the task's parent.
type PriorityCheck struct {
	Valid                  bool          `json:"valid"`
	ParentPriority         task.Priority `json:"parent_priority,omitempty"`
	AttemptedPriority      task.Priority `json:"attempted_priority"`
	MinimumAllowedPriority task.Priority `json:"minimum_allowed_priority,omitempty"`
}

// ValidateParentPriority checks that candidate is at least the priority of
// t's parent. Only the immediate parent is consulted: it already satisfies
// the constraint against its own parent.
func ValidateParentPriority(ctx context.Context, r task.Records, t *task.Task, candidate task.Priority) (PriorityCheck, error) {
	check := PriorityCheck{Valid: true, AttemptedPriority: candidate}
	if t.ParentID == "" {
		return check, nil
	}
	parent, err := getParent(ctx, r, t)
	if err != nil {
		return PriorityCheck{}, err
	}
	return checkAgainst(parent, candidate), nil
}

func checkAgainst(parent *task.Task, candidate task.Priority) PriorityCheck {
	return PriorityCheck{
		Valid:                  candidate >= parent.Priority,
		ParentPriority:         parent.Priority,
		AttemptedPriority:      candidate,
		MinimumAllowedPriority: parent.Priority,
	}
}

// clampToParent raises p to the parent's priority when it is lower.
func clampToParent(parent *task.Task, p task.Priority) task.Priority {
	if parent == nil {
		return p
	}
	return task.MaxPriority(p, parent.Priority)
}

// RaiseDescendants lifts every task below t whose priority is lower than its
// parent's, top-down, and returns the IDs it changed. Subtrees whose root
// already satisfies the constraint are left alone.
func RaiseDescendants(ctx context.Context, r task.Records, t *task.Task, now time.Time) ([]string, error) {
	var raised []string
	queue := []task.Task{*t}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		kids, err := r.Children(ctx, parent.ProjectID, parent.ID)
		if err != nil {
			return nil, err
		}
		for i := range kids {
			kid := &kids[i]
			if kid.Priority >= parent.Priority {
				continue
			}
			kid.Priority = parent.Priority
			kid.UpdatedAt = now
			if err := r.Save(ctx, kid); err != nil {
				return nil, err
			}
			raised = append(raised, kid.ID)
			queue = append(queue, *kid)
		}
	}
	return raised, nil
}

// getParent loads t's parent and checks that it belongs to the same project.
func getParent(ctx context.Context, r task.Records, t *task.Task) (*task.Task, error) {
	if t.ParentID == "" {
		return nil, nil
	}
	parent, err := r.Get(ctx, t.ParentID)
	if errors.Is(err, task.ErrNotFound) {
		return nil, &IntegrityError{TaskID: t.ID, Reason: fmt.Sprintf("parent %s does not exist", t.ParentID)}
	}
	if err != nil {
		return nil, err
	}
	if parent.ProjectID != t.ProjectID {
		return nil, &IntegrityError{TaskID: t.ID, Reason: fmt.Sprintf("parent %s belongs to project %s", parent.ID, parent.ProjectID)}
	}
	return parent, nil
}
