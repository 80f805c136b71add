package tree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/imkarma/tasktree/internal/store"
	"github.com/imkarma/tasktree/internal/task"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testEngine creates an engine over a temporary SQLite store.
func testEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	e := New(s, Options{Now: func() time.Time { return testNow }})
	return e, s
}

func mustCreate(t *testing.T, e *Engine, project string, parent *task.Task, title string, p task.Priority) *task.Task {
	t.Helper()
	in := CreateInput{ProjectID: project, Title: title, Priority: p}
	if parent != nil {
		in.ParentID = parent.ID
	}
	res, err := e.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("create %s: %v", title, err)
	}
	if res.Failure != nil {
		t.Fatalf("create %s: %s: %s", title, res.Failure.Code, res.Failure.Message)
	}
	return res.Task
}

func mustGet(t *testing.T, e *Engine, project, id string) *task.Task {
	t.Helper()
	tk, err := e.GetTask(context.Background(), project, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return tk
}

func mustStatus(t *testing.T, e *Engine, project, id string, st task.Status) StatusResult {
	t.Helper()
	res, err := e.UpdateStatus(context.Background(), project, id, string(st))
	if err != nil {
		t.Fatalf("status %s: %v", id, err)
	}
	return res
}

func titles(tasks []task.Task) []string {
	out := make([]string, len(tasks))
	for i, tk := range tasks {
		out[i] = tk.Title
	}
	return out
}

// checkInvariants verifies the structural properties of every task in a
// project: contiguous sibling order, depth and path derived from the parent
// chain, child priority >= parent priority, and rolled-up parent status.
func checkInvariants(t *testing.T, e *Engine, project string) {
	t.Helper()
	all, err := e.ListProject(context.Background(), project)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	byID := map[string]task.Task{}
	kids := map[string][]task.Task{}
	for _, tk := range all {
		byID[tk.ID] = tk
		kids[tk.ParentID] = append(kids[tk.ParentID], tk)
	}
	for pid, list := range kids {
		slices.SortFunc(list, func(a, b task.Task) int { return a.SortOrder - b.SortOrder })
		for i, tk := range list {
			if tk.SortOrder != i+1 {
				t.Errorf("children of %q: sort orders not 1..N: %s has %d at index %d", pid, tk.Title, tk.SortOrder, i)
			}
		}
		if pid == "" {
			continue
		}
		parent := byID[pid]
		if want := RollupStatus(list); parent.Status != want {
			t.Errorf("%s status = %s, want %s from children", parent.Title, parent.Status, want)
		}
	}
	for _, tk := range all {
		if tk.ParentID == "" {
			if tk.Depth != 0 || tk.Path != tk.ID {
				t.Errorf("%s: depth %d path %s, want 0 %s", tk.Title, tk.Depth, tk.Path, tk.ID)
			}
			continue
		}
		parent := byID[tk.ParentID]
		if tk.Depth != parent.Depth+1 || tk.Path != parent.Path+"/"+tk.ID {
			t.Errorf("%s: depth %d path %s does not follow parent %s", tk.Title, tk.Depth, tk.Path, parent.Title)
		}
		if tk.Priority < parent.Priority {
			t.Errorf("%s priority %s below parent %s priority %s", tk.Title, tk.Priority, parent.Title, parent.Priority)
		}
	}
}

func TestCreateTask_AppendsAndMaterializesPath(t *testing.T) {
	e, _ := testEngine(t)
	p := mustCreate(t, e, "proj", nil, "Parent", task.PriorityMedium)
	a := mustCreate(t, e, "proj", p, "A", 0)
	b := mustCreate(t, e, "proj", p, "B", task.PriorityHigh)
	g := mustCreate(t, e, "proj", b, "G", 0)

	if p.Depth != 0 || p.Path != p.ID || p.SortOrder != 1 {
		t.Errorf("parent = depth %d path %s order %d", p.Depth, p.Path, p.SortOrder)
	}
	if a.SortOrder != 1 || b.SortOrder != 2 {
		t.Errorf("sort orders = %d, %d, want 1, 2", a.SortOrder, b.SortOrder)
	}
	if g.Depth != 2 || g.Path != p.ID+"/"+b.ID+"/"+g.ID {
		t.Errorf("grandchild depth %d path %s", g.Depth, g.Path)
	}
	if a.Priority != task.PriorityMedium {
		t.Errorf("default priority = %s, want medium", a.Priority)
	}
	if g.Priority != task.PriorityHigh {
		t.Errorf("default priority under high parent = %s, want high", g.Priority)
	}
	checkInvariants(t, e, "proj")
}

func TestCreateTask_Failures(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	high := mustCreate(t, e, "proj", nil, "High", task.PriorityHigh)
	other := mustCreate(t, e, "other", nil, "Other", task.PriorityLow)

	tests := []struct {
		name string
		in   CreateInput
		code Code
	}{
		{"empty title", CreateInput{ProjectID: "proj", Title: "  "}, CodeInvalidInput},
		{"no project", CreateInput{Title: "x"}, CodeInvalidInput},
		{"bad priority", CreateInput{ProjectID: "proj", Title: "x", Priority: 7}, CodeInvalidPriority},
		{"missing parent", CreateInput{ProjectID: "proj", Title: "x", ParentID: "nope"}, CodeParentNotFound},
		{"cross project", CreateInput{ProjectID: "proj", Title: "x", ParentID: other.ID}, CodeCrossProjectParent},
		{"below parent", CreateInput{ProjectID: "proj", Title: "x", ParentID: high.ID, Priority: task.PriorityLow}, CodePriorityConstraint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.CreateTask(ctx, tt.in)
			if err != nil {
				t.Fatalf("CreateTask: %v", err)
			}
			if res.Failure == nil || res.Failure.Code != tt.code {
				t.Fatalf("failure = %+v, want code %s", res.Failure, tt.code)
			}
		})
	}

	kids, err := e.Children(ctx, "proj", high.ID)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(kids) != 0 {
		t.Errorf("failed creates left %d children behind", len(kids))
	}
}

func TestCreateTask_BelowParentReportsCheck(t *testing.T) {
	e, _ := testEngine(t)
	high := mustCreate(t, e, "proj", nil, "High", task.PriorityHigh)
	res, err := e.CreateTask(context.Background(), CreateInput{ProjectID: "proj", ParentID: high.ID, Title: "x", Priority: task.PriorityMedium})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if res.Failure == nil || res.Failure.Priority == nil {
		t.Fatalf("failure = %+v, want priority check", res.Failure)
	}
	if got := res.Failure.Priority.MinimumAllowedPriority; got != task.PriorityHigh {
		t.Errorf("minimum allowed = %s, want high", got)
	}
}

func TestCreateTask_RollsUpParent(t *testing.T) {
	e, _ := testEngine(t)
	p := mustCreate(t, e, "proj", nil, "P", 0)
	a := mustCreate(t, e, "proj", p, "A", 0)
	mustStatus(t, e, "proj", a.ID, task.StatusCompleted)
	if got := mustGet(t, e, "proj", p.ID).Status; got != task.StatusCompleted {
		t.Fatalf("P status = %s, want completed", got)
	}

	mustCreate(t, e, "proj", p, "B", 0)
	if got := mustGet(t, e, "proj", p.ID).Status; got != task.StatusInProgress {
		t.Errorf("P status after new pending child = %s, want in_progress", got)
	}
	checkInvariants(t, e, "proj")
}

func TestGetTask_ScopedToProject(t *testing.T) {
	e, _ := testEngine(t)
	a := mustCreate(t, e, "proj", nil, "A", 0)
	_, err := e.GetTask(context.Background(), "other", a.ID)
	if !errors.Is(err, task.ErrNotFound) {
		t.Errorf("GetTask from other project: err = %v, want ErrNotFound", err)
	}
}

// Scenario: reordering [low, high, high] low from 1 to 3 with confirmation.
func TestReorder_ConfirmedRaisesPriority(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e, "proj", nil, "A", task.PriorityLow)
	mustCreate(t, e, "proj", nil, "B", task.PriorityHigh)
	mustCreate(t, e, "proj", nil, "C", task.PriorityHigh)

	res, err := e.Reorder(ctx, "proj", ReorderRequest{TaskID: a.ID, NewPosition: 3, Confirmed: true})
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if res.OldPosition != 1 || res.NewPosition != 3 || res.MoveCount != 1 {
		t.Errorf("positions = %d -> %d, move count %d", res.OldPosition, res.NewPosition, res.MoveCount)
	}
	if !res.PriorityChanged || res.OldPriority != task.PriorityLow || res.NewPriority != task.PriorityHigh {
		t.Errorf("priority change = %v %s -> %s", res.PriorityChanged, res.OldPriority, res.NewPriority)
	}

	top, err := e.Children(ctx, "proj", "")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if got := titles(top); !reflect.DeepEqual(got, []string{"B", "C", "A"}) {
		t.Fatalf("order = %v, want [B C A]", got)
	}
	for i, tk := range top {
		if tk.SortOrder != i+1 {
			t.Errorf("%s sort order = %d, want %d", tk.Title, tk.SortOrder, i+1)
		}
	}

	moved := top[2]
	if moved.Priority != task.PriorityHigh {
		t.Errorf("priority = %s, want high", moved.Priority)
	}
	if moved.InitialOrderIndex == nil || *moved.InitialOrderIndex != 1 {
		t.Errorf("initial order index = %v, want 1", moved.InitialOrderIndex)
	}
	if moved.CurrentOrderIndex == nil || *moved.CurrentOrderIndex != 3 {
		t.Errorf("current order index = %v, want 3", moved.CurrentOrderIndex)
	}
	if moved.MoveCount != 1 {
		t.Errorf("move count = %d, want 1", moved.MoveCount)
	}
	if moved.LastMovedAt == nil || !moved.LastMovedAt.Equal(testNow) {
		t.Errorf("last moved at = %v, want %v", moved.LastMovedAt, testNow)
	}
	checkInvariants(t, e, "proj")
}

// Scenario: same setup, unconfirmed: nothing changes.
func TestReorder_UnconfirmedMutatesNothing(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e, "proj", nil, "A", task.PriorityLow)
	mustCreate(t, e, "proj", nil, "B", task.PriorityHigh)
	mustCreate(t, e, "proj", nil, "C", task.PriorityHigh)

	before, err := e.ListProject(ctx, "proj")
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	res, err := e.Reorder(ctx, "proj", ReorderRequest{TaskID: a.ID, NewPosition: 3})
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if res.Success || !res.RequiresConfirmation {
		t.Fatalf("result = %+v, want requires_confirmation", res)
	}
	if res.Confirmation == nil || res.Confirmation.Type != MovingToHigherPriority {
		t.Fatalf("confirmation = %+v, want %s", res.Confirmation, MovingToHigherPriority)
	}
	if res.Confirmation.TaskPriority != task.PriorityLow {
		t.Errorf("task priority = %s, want low", res.Confirmation.TaskPriority)
	}
	if !reflect.DeepEqual(res.Confirmation.NeighborPriorities, []task.Priority{task.PriorityHigh}) {
		t.Errorf("neighbour priorities = %v, want [high]", res.Confirmation.NeighborPriorities)
	}

	after, err := e.ListProject(ctx, "proj")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("unconfirmed reorder changed tasks:\nbefore %+v\nafter  %+v", before, after)
	}
	events, err := e.Events(ctx, "proj", a.ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "created" {
		t.Errorf("events = %+v, want only created", events)
	}
}

func TestReorder_MovingToLowerPriority(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e, "proj", nil, "A", task.PriorityHigh)
	mustCreate(t, e, "proj", nil, "B", task.PriorityLow)
	mustCreate(t, e, "proj", nil, "C", task.PriorityLow)

	res, err := e.Reorder(ctx, "proj", ReorderRequest{TaskID: a.ID, NewPosition: 3})
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if res.Confirmation == nil || res.Confirmation.Type != MovingToLowerPriority {
		t.Fatalf("confirmation = %+v, want %s", res.Confirmation, MovingToLowerPriority)
	}

	res, err = e.Reorder(ctx, "proj", ReorderRequest{TaskID: a.ID, NewPosition: 3, Confirmed: true})
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if !res.Success || res.NewPriority != task.PriorityLow {
		t.Errorf("result = %+v, want success with low priority", res)
	}
	checkInvariants(t, e, "proj")
}

func TestReorder_ConfirmedStaleExpectationAsksAgain(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e, "proj", nil, "A", task.PriorityLow)
	mustCreate(t, e, "proj", nil, "B", task.PriorityMedium)
	mustCreate(t, e, "proj", nil, "C", task.PriorityMedium)

	req := ReorderRequest{TaskID: a.ID, NewPosition: 3}
	res, err := e.Reorder(ctx, "proj", req)
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if res.Confirmation == nil || res.Confirmation.NewPriority != task.PriorityMedium {
		t.Fatalf("confirmation = %+v, want new priority medium", res.Confirmation)
	}

	// Position 3 now lands between C (medium) and D (high).
	mustCreate(t, e, "proj", nil, "D", task.PriorityHigh)

	req.Confirmed, req.ExpectedPriority = true, res.Confirmation.NewPriority
	res, err = e.Reorder(ctx, "proj", req)
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if res.Success || !res.RequiresConfirmation {
		t.Fatalf("result = %+v, want a fresh confirmation", res)
	}
	if res.Confirmation == nil || res.Confirmation.NewPriority != task.PriorityHigh {
		t.Fatalf("confirmation = %+v, want new priority high", res.Confirmation)
	}
	got := mustGet(t, e, "proj", a.ID)
	if got.SortOrder != 1 || got.Priority != task.PriorityLow || got.MoveCount != 0 {
		t.Errorf("task changed: order %d priority %s moves %d", got.SortOrder, got.Priority, got.MoveCount)
	}

	req.ExpectedPriority = res.Confirmation.NewPriority
	res, err = e.Reorder(ctx, "proj", req)
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if !res.Success || res.NewPriority != task.PriorityHigh {
		t.Errorf("result = %+v, want success with high priority", res)
	}
	checkInvariants(t, e, "proj")
}

func TestReorder_MixedNeighboursTakeHighest(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	mustCreate(t, e, "proj", nil, "X", task.PriorityMedium)
	tk := mustCreate(t, e, "proj", nil, "T", task.PriorityLow)
	mustCreate(t, e, "proj", nil, "Y", task.PriorityHigh)
	mustCreate(t, e, "proj", nil, "Z", task.PriorityLow)

	// T lands between Y (high) and Z (low).
	res, err := e.Reorder(ctx, "proj", ReorderRequest{TaskID: tk.ID, NewPosition: 3, Confirmed: true})
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if res.NewPriority != task.PriorityHigh {
		t.Errorf("new priority = %s, want high", res.NewPriority)
	}
	top, _ := e.Children(ctx, "proj", "")
	if got := titles(top); !reflect.DeepEqual(got, []string{"X", "Y", "T", "Z"}) {
		t.Errorf("order = %v, want [X Y T Z]", got)
	}
}

func TestReorder_ConfirmedWithoutBoundaryProceeds(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e, "proj", nil, "A", task.PriorityMedium)
	mustCreate(t, e, "proj", nil, "B", task.PriorityMedium)
	mustCreate(t, e, "proj", nil, "C", task.PriorityMedium)

	for _, confirmed := range []bool{true, false} {
		res, err := e.Reorder(ctx, "proj", ReorderRequest{TaskID: a.ID, NewPosition: 2, Confirmed: confirmed})
		if err != nil {
			t.Fatalf("Reorder: %v", err)
		}
		if !res.Success || res.PriorityChanged {
			t.Errorf("confirmed=%v: result = %+v, want success without priority change", confirmed, res)
		}
		// Put it back for the next round.
		if _, err := e.Reorder(ctx, "proj", ReorderRequest{TaskID: a.ID, NewPosition: 1}); err != nil {
			t.Fatalf("Reorder back: %v", err)
		}
	}
	checkInvariants(t, e, "proj")
}

func TestReorder_SamePositionIsNoOp(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	mustCreate(t, e, "proj", nil, "A", task.PriorityLow)
	b := mustCreate(t, e, "proj", nil, "B", task.PriorityHigh)

	res, err := e.Reorder(ctx, "proj", ReorderRequest{TaskID: b.ID, NewPosition: 2})
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if !res.Success || res.MoveCount != 0 || res.PriorityChanged {
		t.Errorf("result = %+v, want no-op success", res)
	}
	got := mustGet(t, e, "proj", b.ID)
	if got.MoveCount != 0 || got.LastMovedAt != nil {
		t.Errorf("bookkeeping changed: move count %d, last moved %v", got.MoveCount, got.LastMovedAt)
	}
}

func TestReorder_OutOfRange(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e, "proj", nil, "A", 0)
	mustCreate(t, e, "proj", nil, "B", 0)
	mustCreate(t, e, "proj", nil, "C", 0)

	for _, pos := range []int{0, -1, 4} {
		res, err := e.Reorder(ctx, "proj", ReorderRequest{TaskID: a.ID, NewPosition: pos})
		if err != nil {
			t.Fatalf("Reorder: %v", err)
		}
		if res.Failure == nil || res.Failure.Code != CodeOutOfRange {
			t.Fatalf("position %d: failure = %+v, want out_of_range", pos, res.Failure)
		}
		want := PositionRange{Attempted: pos, Min: 1, Max: 3}
		if res.Failure.Range == nil || *res.Failure.Range != want {
			t.Errorf("position %d: range = %+v, want %+v", pos, res.Failure.Range, want)
		}
	}
}

func TestReorder_SoleSibling(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	p := mustCreate(t, e, "proj", nil, "P", 0)
	c := mustCreate(t, e, "proj", p, "C", 0)

	res, err := e.Reorder(ctx, "proj", ReorderRequest{TaskID: c.ID, NewPosition: 1})
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if !res.Success {
		t.Errorf("position 1: result = %+v, want success", res)
	}
	res, err = e.Reorder(ctx, "proj", ReorderRequest{TaskID: c.ID, NewPosition: 2})
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if res.Failure == nil || res.Failure.Code != CodeOutOfRange {
		t.Errorf("position 2: failure = %+v, want out_of_range", res.Failure)
	}
}

func TestReorder_ContextValidation(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	p := mustCreate(t, e, "proj", nil, "P", 0)
	c := mustCreate(t, e, "proj", p, "C", 0)
	mustCreate(t, e, "proj", p, "D", 0)

	tests := []struct {
		name  string
		id    string
		scope Scope
		code  Code
	}{
		{"subtask in top-level list", c.ID, ScopeTopLevel, CodeInvalidContext},
		{"top-level in subtask list", p.ID, ScopeSubtasks, CodeInvalidContext},
		{"unknown scope", c.ID, "sideways", CodeInvalidContext},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Reorder(ctx, "proj", ReorderRequest{TaskID: tt.id, NewPosition: 1, Context: tt.scope})
			if err != nil {
				t.Fatalf("Reorder: %v", err)
			}
			if res.Failure == nil || res.Failure.Code != tt.code {
				t.Errorf("failure = %+v, want %s", res.Failure, tt.code)
			}
		})
	}

	res, err := e.Reorder(ctx, "proj", ReorderRequest{TaskID: c.ID, NewPosition: 2, Context: ScopeSubtasks})
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if !res.Success {
		t.Errorf("subtask within subtasks: result = %+v, want success", res)
	}
}

func TestReorder_RaiseCascadesToDescendants(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e, "proj", nil, "A", task.PriorityLow)
	child := mustCreate(t, e, "proj", a, "A1", task.PriorityLow)
	grand := mustCreate(t, e, "proj", child, "A1a", task.PriorityMedium)
	mustCreate(t, e, "proj", nil, "B", task.PriorityHigh)

	res, err := e.Reorder(ctx, "proj", ReorderRequest{TaskID: a.ID, NewPosition: 2, Confirmed: true})
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if !res.Success || res.NewPriority != task.PriorityHigh {
		t.Fatalf("result = %+v", res)
	}
	slices.Sort(res.RaisedDescendants)
	want := []string{child.ID, grand.ID}
	slices.Sort(want)
	if !reflect.DeepEqual(res.RaisedDescendants, want) {
		t.Errorf("raised = %v, want %v", res.RaisedDescendants, want)
	}
	checkInvariants(t, e, "proj")
}

func TestReorder_ConcurrentWithinProject(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	var ids []string
	for i := range 6 {
		ids = append(ids, mustCreate(t, e, "proj", nil, fmt.Sprintf("T%d", i), task.PriorityMedium).ID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 24)
	for round := range 4 {
		for i, id := range ids {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pos := (i+round)%len(ids) + 1
				if _, err := e.Reorder(ctx, "proj", ReorderRequest{TaskID: id, NewPosition: pos}); err != nil {
					errs <- err
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Reorder: %v", err)
	}
	checkInvariants(t, e, "proj")
}

func TestEngine_ReleasesProjectLocks(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			project := fmt.Sprintf("p%d", i%5)
			res, err := e.CreateTask(ctx, CreateInput{ProjectID: project, Title: fmt.Sprintf("T%d", i)})
			if err != nil || res.Failure != nil {
				t.Errorf("create in %s: %v %+v", project, err, res.Failure)
				return
			}
			if _, err := e.Reorder(ctx, project, ReorderRequest{TaskID: res.Task.ID, NewPosition: 1}); err != nil {
				t.Errorf("Reorder: %v", err)
			}
		}()
	}
	wg.Wait()

	// Failed writes release their lock as well.
	if _, err := e.Reorder(ctx, "p0", ReorderRequest{TaskID: "missing", NewPosition: 1}); err == nil {
		t.Error("reorder of a missing task succeeded")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.locks) != 0 {
		t.Errorf("%d project locks retained, want 0", len(e.locks))
	}
}

// Scenario: parent high, child high, validating medium for the child.
func TestValidatePriority_BelowParent(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	p := mustCreate(t, e, "proj", nil, "P", task.PriorityHigh)
	c := mustCreate(t, e, "proj", p, "C", task.PriorityHigh)

	res, err := e.ValidatePriority(ctx, "proj", c.ID, "medium")
	if err != nil {
		t.Fatalf("ValidatePriority: %v", err)
	}
	want := PriorityCheck{
		Valid:                  false,
		ParentPriority:         task.PriorityHigh,
		AttemptedPriority:      task.PriorityMedium,
		MinimumAllowedPriority: task.PriorityHigh,
	}
	if res.Check == nil || *res.Check != want {
		t.Errorf("check = %+v, want %+v", res.Check, want)
	}

	res, err = e.ValidatePriority(ctx, "proj", p.ID, "low")
	if err != nil {
		t.Fatalf("ValidatePriority: %v", err)
	}
	if !res.Check.Valid {
		t.Errorf("top-level task: check = %+v, want valid", res.Check)
	}
}

func TestSetPriority(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	p := mustCreate(t, e, "proj", nil, "P", task.PriorityLow)
	c := mustCreate(t, e, "proj", p, "C", task.PriorityLow)
	g := mustCreate(t, e, "proj", c, "G", task.PriorityLow)

	res, err := e.SetPriority(ctx, "proj", p.ID, "high")
	if err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	if res.Failure != nil || !res.Changed {
		t.Fatalf("result = %+v, want change", res)
	}
	if len(res.RaisedDescendants) != 2 {
		t.Errorf("raised = %v, want C and G", res.RaisedDescendants)
	}
	if got := mustGet(t, e, "proj", g.ID).Priority; got != task.PriorityHigh {
		t.Errorf("grandchild priority = %s, want high", got)
	}

	res, err = e.SetPriority(ctx, "proj", c.ID, "medium")
	if err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	if res.Failure == nil || res.Failure.Code != CodePriorityConstraint {
		t.Errorf("failure = %+v, want priority_constraint", res.Failure)
	}

	res, err = e.SetPriority(ctx, "proj", c.ID, "urgent")
	if err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	if res.Failure == nil || res.Failure.Code != CodeInvalidPriority {
		t.Errorf("failure = %+v, want invalid_priority", res.Failure)
	}

	// Lowering the parent leaves children alone.
	if _, err := e.SetPriority(ctx, "proj", p.ID, "low"); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	if got := mustGet(t, e, "proj", c.ID).Priority; got != task.PriorityHigh {
		t.Errorf("child priority after lowering parent = %s, want high", got)
	}
	checkInvariants(t, e, "proj")
}

// Scenario: completing children one by one.
func TestUpdateStatus_RollsUp(t *testing.T) {
	e, _ := testEngine(t)
	p := mustCreate(t, e, "proj", nil, "P", 0)
	a := mustCreate(t, e, "proj", p, "A", 0)
	b := mustCreate(t, e, "proj", p, "B", 0)

	res := mustStatus(t, e, "proj", a.ID, task.StatusCompleted)
	if res.Failure != nil {
		t.Fatalf("failure = %+v", res.Failure)
	}
	if got := mustGet(t, e, "proj", p.ID).Status; got != task.StatusInProgress {
		t.Errorf("P after A completed = %s, want in_progress", got)
	}

	res = mustStatus(t, e, "proj", b.ID, task.StatusCompleted)
	if got := mustGet(t, e, "proj", p.ID).Status; got != task.StatusCompleted {
		t.Errorf("P after B completed = %s, want completed", got)
	}
	want := []StatusChange{
		{TaskID: b.ID, From: task.StatusPending, To: task.StatusCompleted},
		{TaskID: p.ID, From: task.StatusInProgress, To: task.StatusCompleted},
	}
	if !reflect.DeepEqual(res.Changes, want) {
		t.Errorf("changes = %+v, want %+v", res.Changes, want)
	}
	checkInvariants(t, e, "proj")
}

func TestUpdateStatus_MultiLevelRollup(t *testing.T) {
	e, _ := testEngine(t)
	p := mustCreate(t, e, "proj", nil, "P", 0)
	c := mustCreate(t, e, "proj", p, "C", 0)
	g := mustCreate(t, e, "proj", c, "G", 0)

	mustStatus(t, e, "proj", g.ID, task.StatusInProgress)
	for _, id := range []string{c.ID, p.ID} {
		if got := mustGet(t, e, "proj", id).Status; got != task.StatusInProgress {
			t.Errorf("%s = %s, want in_progress", id, got)
		}
	}
	mustStatus(t, e, "proj", g.ID, task.StatusCompleted)
	if got := mustGet(t, e, "proj", p.ID).Status; got != task.StatusCompleted {
		t.Errorf("P = %s, want completed", got)
	}
	mustStatus(t, e, "proj", g.ID, task.StatusPending)
	if got := mustGet(t, e, "proj", p.ID).Status; got != task.StatusPending {
		t.Errorf("P = %s, want pending", got)
	}
	checkInvariants(t, e, "proj")
}

// Scenario: completing a parent directly is refused.
func TestUpdateStatus_RejectsDirectParentCompletion(t *testing.T) {
	e, _ := testEngine(t)
	p := mustCreate(t, e, "proj", nil, "P", 0)
	mustCreate(t, e, "proj", p, "A", 0)

	res := mustStatus(t, e, "proj", p.ID, task.StatusCompleted)
	if res.Failure == nil || res.Failure.Code != CodeDirectCompletionOfParent {
		t.Fatalf("failure = %+v, want direct_completion_of_parent", res.Failure)
	}
	if got := mustGet(t, e, "proj", p.ID).Status; got != task.StatusPending {
		t.Errorf("P = %s, want pending", got)
	}

	// Other statuses on a parent are re-derived from its children.
	mustStatus(t, e, "proj", p.ID, task.StatusInProgress)
	if got := mustGet(t, e, "proj", p.ID).Status; got != task.StatusPending {
		t.Errorf("P = %s, want pending", got)
	}
}

func TestUpdateStatus_InvalidStatus(t *testing.T) {
	e, _ := testEngine(t)
	a := mustCreate(t, e, "proj", nil, "A", 0)
	res, err := e.UpdateStatus(context.Background(), "proj", a.ID, "done")
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if res.Failure == nil || res.Failure.Code != CodeInvalidStatus {
		t.Errorf("failure = %+v, want invalid_status", res.Failure)
	}
}

// Scenario: deleting a parent removes the whole subtree.
func TestDeleteTask_Cascades(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	p := mustCreate(t, e, "proj", nil, "P", 0)
	c := mustCreate(t, e, "proj", p, "C", 0)
	g := mustCreate(t, e, "proj", c, "G", 0)
	keep := mustCreate(t, e, "proj", nil, "Keep", 0)

	res, err := e.DeleteTask(ctx, "proj", p.ID)
	if err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if res.Deleted != 3 {
		t.Errorf("deleted = %d, want 3", res.Deleted)
	}
	for _, id := range []string{p.ID, c.ID, g.ID} {
		if _, err := e.GetTask(ctx, "proj", id); !errors.Is(err, task.ErrNotFound) {
			t.Errorf("task %s still present: %v", id, err)
		}
	}
	if got := mustGet(t, e, "proj", keep.ID).SortOrder; got != 1 {
		t.Errorf("remaining sibling sort order = %d, want 1", got)
	}
	checkInvariants(t, e, "proj")
}

func TestDeleteTask_RollsUpParent(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	p := mustCreate(t, e, "proj", nil, "P", 0)
	a := mustCreate(t, e, "proj", p, "A", 0)
	b := mustCreate(t, e, "proj", p, "B", 0)
	mustStatus(t, e, "proj", b.ID, task.StatusCompleted)

	if _, err := e.DeleteTask(ctx, "proj", a.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if got := mustGet(t, e, "proj", p.ID).Status; got != task.StatusCompleted {
		t.Errorf("P = %s, want completed", got)
	}
	checkInvariants(t, e, "proj")
}

func TestMoveTask(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	p1 := mustCreate(t, e, "proj", nil, "P1", task.PriorityLow)
	p2 := mustCreate(t, e, "proj", nil, "P2", task.PriorityHigh)
	a := mustCreate(t, e, "proj", p1, "A", task.PriorityLow)
	b := mustCreate(t, e, "proj", p1, "B", task.PriorityLow)
	bb := mustCreate(t, e, "proj", b, "BB", task.PriorityLow)
	mustCreate(t, e, "proj", p2, "X", task.PriorityHigh)
	mustStatus(t, e, "proj", bb.ID, task.StatusCompleted)

	res, err := e.MoveTask(ctx, "proj", MoveInput{TaskID: a.ID, ParentID: p2.ID})
	if err != nil {
		t.Fatalf("MoveTask: %v", err)
	}
	if res.Failure != nil {
		t.Fatalf("failure = %+v", res.Failure)
	}
	if !res.PriorityChanged || res.NewPriority != task.PriorityHigh {
		t.Errorf("priority change = %v %s", res.PriorityChanged, res.NewPriority)
	}
	moved := mustGet(t, e, "proj", a.ID)
	if moved.SortOrder != 2 || moved.Path != p2.ID+"/"+a.ID {
		t.Errorf("moved task order %d path %s", moved.SortOrder, moved.Path)
	}
	if got := mustGet(t, e, "proj", b.ID).SortOrder; got != 1 {
		t.Errorf("old sibling compacted to %d, want 1", got)
	}
	// P1 now only has B, which is completed through BB.
	if got := mustGet(t, e, "proj", p1.ID).Status; got != task.StatusCompleted {
		t.Errorf("P1 = %s, want completed", got)
	}

	// Moving a subtree rewrites the paths below it.
	if _, err := e.MoveTask(ctx, "proj", MoveInput{TaskID: b.ID, ParentID: a.ID}); err != nil {
		t.Fatalf("MoveTask: %v", err)
	}
	got := mustGet(t, e, "proj", bb.ID)
	if got.Depth != 3 || got.Path != strings.Join([]string{p2.ID, a.ID, b.ID, bb.ID}, "/") {
		t.Errorf("grandchild depth %d path %s", got.Depth, got.Path)
	}
	if got.Priority != task.PriorityHigh {
		t.Errorf("grandchild priority = %s, want high", got.Priority)
	}

	// Back to top level.
	if _, err := e.MoveTask(ctx, "proj", MoveInput{TaskID: b.ID}); err != nil {
		t.Fatalf("MoveTask: %v", err)
	}
	top, _ := e.Children(ctx, "proj", "")
	if got := titles(top); !reflect.DeepEqual(got, []string{"P1", "P2", "B"}) {
		t.Errorf("top level = %v", got)
	}
	checkInvariants(t, e, "proj")
}

func TestMoveTask_Failures(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	p := mustCreate(t, e, "proj", nil, "P", 0)
	c := mustCreate(t, e, "proj", p, "C", 0)
	g := mustCreate(t, e, "proj", c, "G", 0)
	other := mustCreate(t, e, "other", nil, "O", 0)

	tests := []struct {
		name   string
		id     string
		parent string
		code   Code
	}{
		{"self", p.ID, p.ID, CodeCycle},
		{"under grandchild", p.ID, g.ID, CodeCycle},
		{"under child", c.ID, g.ID, CodeCycle},
		{"cross project", c.ID, other.ID, CodeCrossProjectParent},
		{"missing parent", c.ID, "nope", CodeParentNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.MoveTask(ctx, "proj", MoveInput{TaskID: tt.id, ParentID: tt.parent})
			if err != nil {
				t.Fatalf("MoveTask: %v", err)
			}
			if res.Failure == nil || res.Failure.Code != tt.code {
				t.Errorf("failure = %+v, want %s", res.Failure, tt.code)
			}
		})
	}
	checkInvariants(t, e, "proj")
}

func TestCompletion(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	p := mustCreate(t, e, "proj", nil, "P", 0)
	a := mustCreate(t, e, "proj", p, "A", 0)
	b := mustCreate(t, e, "proj", p, "B", 0)
	b1 := mustCreate(t, e, "proj", b, "B1", 0)
	mustCreate(t, e, "proj", b, "B2", 0)
	mustStatus(t, e, "proj", a.ID, task.StatusCompleted)
	mustStatus(t, e, "proj", b1.ID, task.StatusCompleted)

	tests := []struct {
		id   string
		want float64
	}{
		{p.ID, 66.67},
		{b.ID, 50},
		{a.ID, 100},
		{b1.ID, 100},
	}
	for _, tt := range tests {
		got, err := e.Completion(ctx, "proj", tt.id)
		if err != nil {
			t.Fatalf("Completion: %v", err)
		}
		if got != tt.want {
			t.Errorf("completion(%s) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestAncestorsRootDescendants(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	p := mustCreate(t, e, "proj", nil, "P", 0)
	c := mustCreate(t, e, "proj", p, "C", 0)
	g := mustCreate(t, e, "proj", c, "G", 0)

	chain, err := e.Ancestors(ctx, "proj", g.ID)
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if got := titles(chain); !reflect.DeepEqual(got, []string{"C", "P"}) {
		t.Errorf("ancestors = %v, want [C P]", got)
	}
	root, err := e.Root(ctx, "proj", g.ID)
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if root.ID != p.ID {
		t.Errorf("root = %s, want P", root.Title)
	}
	self, _ := e.Root(ctx, "proj", p.ID)
	if self.ID != p.ID {
		t.Errorf("root of top-level = %s, want itself", self.Title)
	}
	desc, err := e.Descendants(ctx, "proj", p.ID)
	if err != nil {
		t.Fatalf("Descendants: %v", err)
	}
	if got := titles(desc); !reflect.DeepEqual(got, []string{"C", "G"}) {
		t.Errorf("descendants = %v, want [C G]", got)
	}
}

func TestUpdateHierarchyPath_Idempotent(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	p := mustCreate(t, e, "proj", nil, "P", 0)
	c := mustCreate(t, e, "proj", p, "C", 0)

	for i, want := range []bool{false, false} {
		err := s.Update(ctx, func(r task.Records) error {
			tk, err := r.Get(ctx, c.ID)
			if err != nil {
				return err
			}
			changed, err := UpdateHierarchyPath(ctx, r, tk, testNow)
			if err != nil {
				return err
			}
			if changed != want {
				t.Errorf("call %d: changed = %v, want %v", i, changed, want)
			}
			if tk.Depth != 1 || tk.Path != p.ID+"/"+c.ID {
				t.Errorf("call %d: depth %d path %s", i, tk.Depth, tk.Path)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
}

func TestIntegrityError_DanglingParent(t *testing.T) {
	var logs bytes.Buffer
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer s.Close()
	e := New(s, Options{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	ctx := context.Background()

	orphan := &task.Task{
		ID: task.NewID(), ProjectID: "proj", ParentID: "gone", Title: "Orphan",
		Status: task.StatusPending, Priority: task.PriorityLow, Depth: 1,
		SortOrder: 1, CreatedAt: testNow, UpdatedAt: testNow,
	}
	orphan.Path = "gone/" + orphan.ID
	if err := s.Update(ctx, func(r task.Records) error { return r.Insert(ctx, orphan) }); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err = e.Ancestors(ctx, "proj", orphan.ID)
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want IntegrityError", err)
	}
	if ie.TaskID != orphan.ID {
		t.Errorf("integrity error task = %s, want %s", ie.TaskID, orphan.ID)
	}
	if !strings.Contains(logs.String(), "tree integrity error") {
		t.Errorf("integrity error not logged: %q", logs.String())
	}

	if _, err := e.Reorder(ctx, "proj", ReorderRequest{TaskID: orphan.ID, NewPosition: 1}); !errors.As(err, &ie) {
		t.Errorf("reorder err = %v, want IntegrityError", err)
	}
	if _, err := e.RebuildProject(ctx, "proj"); !errors.As(err, &ie) {
		t.Errorf("rebuild err = %v, want IntegrityError", err)
	}
}

func TestRebuildProject_RepairsDrift(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	p := mustCreate(t, e, "proj", nil, "P", task.PriorityHigh)
	a := mustCreate(t, e, "proj", p, "A", 0)
	b := mustCreate(t, e, "proj", p, "B", 0)
	mustStatus(t, e, "proj", a.ID, task.StatusCompleted)

	// Break every derived attribute behind the engine's back.
	err := s.Update(ctx, func(r task.Records) error {
		for _, id := range []string{a.ID, b.ID} {
			tk, err := r.Get(ctx, id)
			if err != nil {
				return err
			}
			tk.Depth, tk.Path = 5, "stale/"+tk.ID
			tk.SortOrder *= 10
			tk.Priority = task.PriorityLow
			if err := r.Save(ctx, tk); err != nil {
				return err
			}
		}
		tk, err := r.Get(ctx, p.ID)
		if err != nil {
			return err
		}
		tk.Status = task.StatusCompleted
		return r.Save(ctx, tk)
	})
	if err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	rep, err := e.RebuildProject(ctx, "proj")
	if err != nil {
		t.Fatalf("RebuildProject: %v", err)
	}
	want := RebuildReport{ProjectID: "proj", Tasks: 3, PathsFixed: 2, OrdersFixed: 2, PrioritiesRaised: 2, StatusesFixed: 1}
	if rep != want {
		t.Errorf("report = %+v, want %+v", rep, want)
	}
	checkInvariants(t, e, "proj")

	rep, err = e.RebuildProject(ctx, "proj")
	if err != nil {
		t.Fatalf("RebuildProject: %v", err)
	}
	if rep.Changed() {
		t.Errorf("second rebuild changed %+v", rep)
	}
}

func TestRebuildProject_DetectsLoop(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	mustCreate(t, e, "proj", nil, "Fine", 0)
	x, y := task.NewID(), task.NewID()
	err := s.Update(ctx, func(r task.Records) error {
		for _, pair := range [][2]string{{x, y}, {y, x}} {
			tk := &task.Task{
				ID: pair[0], ProjectID: "proj", ParentID: pair[1], Title: pair[0],
				Status: task.StatusPending, Priority: task.PriorityLow, Path: pair[0],
				SortOrder: 1, CreatedAt: testNow, UpdatedAt: testNow,
			}
			if err := r.Insert(ctx, tk); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err = e.RebuildProject(ctx, "proj")
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want IntegrityError", err)
	}
	if _, err := e.Ancestors(ctx, "proj", x); !errors.As(err, &ie) {
		t.Errorf("ancestors err = %v, want IntegrityError", err)
	}
}

func TestProjectsAndEvents(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e, "beta", nil, "A", task.PriorityLow)
	mustCreate(t, e, "alpha", nil, "B", 0)
	mustCreate(t, e, "beta", nil, "C", task.PriorityHigh)

	ids, err := e.Projects(ctx)
	if err != nil {
		t.Fatalf("Projects: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"alpha", "beta"}) {
		t.Errorf("projects = %v", ids)
	}

	if _, err := e.Reorder(ctx, "beta", ReorderRequest{TaskID: a.ID, NewPosition: 2, Confirmed: true}); err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	events, err := e.Events(ctx, "beta", a.ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	if !reflect.DeepEqual(types, []string{"created", "reordered", "priority_changed"}) {
		t.Errorf("event types = %v", types)
	}
}
