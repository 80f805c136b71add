package tree

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/imkarma/tasktree/internal/task"
)

// StatusChange records one status transition caused by an operation.
type StatusChange struct {
	TaskID string      `json:"task_id"`
	From   task.Status `json:"from"`
	To     task.Status `json:"to"`
}

// RollupStatus derives a parent's status from its direct children: completed
// when all are completed, pending when all are pending, in_progress
// otherwise. It returns "" for an empty slice.
func RollupStatus(children []task.Task) task.Status {
	if len(children) == 0 {
		return ""
	}
	completed, pending := 0, 0
	for _, c := range children {
		switch c.Status {
		case task.StatusCompleted:
			completed++
		case task.StatusPending:
			pending++
		}
	}
	switch {
	case completed == len(children):
		return task.StatusCompleted
	case pending == len(children):
		return task.StatusPending
	default:
		return task.StatusInProgress
	}
}

// SetStatus applies newStatus to t and rolls the change up the ancestor
// chain. A task with children cannot be completed directly; for such a task
// the stored status is re-derived from its children instead, so the request
// only has an effect on leaves. The returned changes include t.
func SetStatus(ctx context.Context, r task.Records, t *task.Task, newStatus task.Status, now time.Time) (*Failure, []StatusChange, error) {
	leaf, err := IsLeaf(ctx, r, t)
	if err != nil {
		return nil, nil, err
	}
	if !leaf {
		if newStatus == task.StatusCompleted {
			return failf(CodeDirectCompletionOfParent,
				"task %s has subtasks; it is completed by completing all of them", t.ID), nil, nil
		}
		changes, err := RollUp(ctx, r, t.ID, now)
		if err != nil {
			return nil, nil, err
		}
		// Keep the caller's copy in step with what was persisted.
		if len(changes) > 0 && changes[0].TaskID == t.ID {
			t.Status = changes[0].To
			t.UpdatedAt = now
		}
		return nil, changes, nil
	}

	var changes []StatusChange
	if t.Status != newStatus {
		changes = append(changes, StatusChange{TaskID: t.ID, From: t.Status, To: newStatus})
		t.Status = newStatus
		t.UpdatedAt = now
		if err := r.Save(ctx, t); err != nil {
			return nil, nil, err
		}
	}
	if t.ParentID == "" {
		return nil, changes, nil
	}
	up, err := RollUp(ctx, r, t.ParentID, now)
	if err != nil {
		return nil, nil, err
	}
	return nil, append(changes, up...), nil
}

// RollUp recomputes the status of taskID from its children and walks towards
// the root, stopping at a top-level task, at a task without children, or at
// the first level whose status did not change. Each level is derived from
// scratch, so calling it redundantly is harmless.
func RollUp(ctx context.Context, r task.Records, taskID string, now time.Time) ([]StatusChange, error) {
	var changes []StatusChange
	seen := map[string]bool{}
	for id := taskID; id != ""; {
		if seen[id] {
			return nil, &IntegrityError{TaskID: taskID, Reason: fmt.Sprintf("parent chain loops through %s", id)}
		}
		seen[id] = true

		cur, err := r.Get(ctx, id)
		if errors.Is(err, task.ErrNotFound) {
			return nil, &IntegrityError{TaskID: taskID, Reason: fmt.Sprintf("ancestor %s does not exist", id)}
		}
		if err != nil {
			return nil, err
		}
		kids, err := r.Children(ctx, cur.ProjectID, cur.ID)
		if err != nil {
			return nil, err
		}
		next := RollupStatus(kids)
		if next == "" || next == cur.Status {
			break
		}
		changes = append(changes, StatusChange{TaskID: cur.ID, From: cur.Status, To: next})
		cur.Status = next
		cur.UpdatedAt = now
		if err := r.Save(ctx, cur); err != nil {
			return nil, err
		}
		id = cur.ParentID
	}
	return changes, nil
}
