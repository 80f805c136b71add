package tree

import (
	"testing"

	"github.com/imkarma/tasktree/internal/task"
)

func siblings(parentID string, ps ...task.Priority) []task.Task {
	out := make([]task.Task, len(ps))
	for i, p := range ps {
		out[i] = task.Task{
			ID:        string(rune('a' + i)),
			ProjectID: "proj",
			ParentID:  parentID,
			Title:     string(rune('A' + i)),
			Priority:  p,
			SortOrder: i + 1,
		}
	}
	return out
}

func TestPlanReorder(t *testing.T) {
	low, med, high := task.PriorityLow, task.PriorityMedium, task.PriorityHigh

	tests := []struct {
		name      string
		sibs      []task.Task
		move      int // index of the moved task
		pos       int
		parent    *task.Task
		resolved  task.Priority
		confirm   string // expected confirmation type, "" for none
		neighbors int
		noop      bool
	}{
		{"to end next to high", siblings("", low, high, high), 0, 3, nil, high, MovingToHigherPriority, 1, false},
		{"to front next to low", siblings("", low, low, high), 2, 1, nil, low, MovingToLowerPriority, 1, false},
		{"between mixed takes highest", siblings("", med, low, high, low), 1, 3, nil, high, MovingToHigherPriority, 2, false},
		{"same neighbours no boundary", siblings("", med, med, med), 0, 2, nil, med, "", 2, false},
		{"same position", siblings("", low, high), 0, 1, nil, low, "", 0, true},
		{"sole sibling", siblings("", med), 0, 1, nil, med, "", 0, true},
		{
			"neighbour below parent is clamped",
			siblings("p", high, low, low), 0, 3,
			&task.Task{ID: "p", ProjectID: "proj", Priority: med},
			med, MovingToLowerPriority, 1, false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := tt.sibs[tt.move]
			plan := PlanReorder(tk, tt.sibs, tt.parent, ReorderRequest{NewPosition: tt.pos})
			if plan.Failure != nil {
				t.Fatalf("failure = %+v", plan.Failure)
			}
			if plan.OldPosition != tt.move+1 {
				t.Errorf("old position = %d, want %d", plan.OldPosition, tt.move+1)
			}
			if plan.NoOp != tt.noop {
				t.Errorf("no-op = %v, want %v", plan.NoOp, tt.noop)
			}
			if plan.ResolvedPriority != tt.resolved {
				t.Errorf("resolved = %s, want %s", plan.ResolvedPriority, tt.resolved)
			}
			if len(plan.Neighbors) != tt.neighbors {
				t.Errorf("neighbours = %d, want %d", len(plan.Neighbors), tt.neighbors)
			}
			switch {
			case tt.confirm == "" && plan.Confirmation != nil:
				t.Errorf("unexpected confirmation %+v", plan.Confirmation)
			case tt.confirm != "" && (plan.Confirmation == nil || plan.Confirmation.Type != tt.confirm):
				t.Errorf("confirmation = %+v, want %s", plan.Confirmation, tt.confirm)
			}
		})
	}
}

func TestPlanReorder_Failures(t *testing.T) {
	top := siblings("", task.PriorityLow, task.PriorityLow)
	sub := siblings("p", task.PriorityLow, task.PriorityLow)
	other := siblings("", task.PriorityLow)
	other[0].ProjectID = "elsewhere"

	tests := []struct {
		name string
		tk   task.Task
		sibs []task.Task
		req  ReorderRequest
		code Code
	}{
		{"zero", top[0], top, ReorderRequest{NewPosition: 0}, CodeOutOfRange},
		{"past end", top[0], top, ReorderRequest{NewPosition: 3}, CodeOutOfRange},
		{"subtask as top-level", sub[0], sub, ReorderRequest{NewPosition: 2, Context: ScopeTopLevel}, CodeInvalidContext},
		{"top-level as subtask", top[0], top, ReorderRequest{NewPosition: 2, Context: ScopeSubtasks}, CodeInvalidContext},
		{"not among siblings", top[0], sub, ReorderRequest{NewPosition: 1}, CodeInvalidInput},
		{"sibling set of another project", other[0], top, ReorderRequest{NewPosition: 1}, CodeInvalidInput},
		{"empty sibling set", top[0], nil, ReorderRequest{NewPosition: 1}, CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := PlanReorder(tt.tk, tt.sibs, nil, tt.req)
			if plan.Failure == nil || plan.Failure.Code != tt.code {
				t.Errorf("failure = %+v, want %s", plan.Failure, tt.code)
			}
		})
	}
}

func TestRollupStatus(t *testing.T) {
	p, ip, c := task.StatusPending, task.StatusInProgress, task.StatusCompleted
	tests := []struct {
		in   []task.Status
		want task.Status
	}{
		{nil, ""},
		{[]task.Status{c, c}, c},
		{[]task.Status{p, p}, p},
		{[]task.Status{p, c}, ip},
		{[]task.Status{ip, c}, ip},
		{[]task.Status{p, ip}, ip},
	}
	for _, tt := range tests {
		var kids []task.Task
		for _, s := range tt.in {
			kids = append(kids, task.Task{Status: s})
		}
		if got := RollupStatus(kids); got != tt.want {
			t.Errorf("RollupStatus(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
