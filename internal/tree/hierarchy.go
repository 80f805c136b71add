// Package tree maintains the task hierarchy of a project: materialized
// depth and path, status rollup, the parent/child priority constraint and
// confirmation-gated sibling reordering.
//
// The free functions operate on a task.Records value and therefore run
// inside whatever transaction the caller opened. Engine wraps them in one
// transaction per operation.
package tree

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/imkarma/tasktree/internal/task"
)

// Ancestors returns the parent chain of t, nearest first.
func Ancestors(ctx context.Context, r task.Records, t *task.Task) ([]task.Task, error) {
	var chain []task.Task
	seen := map[string]bool{t.ID: true}
	cur := t
	for cur.ParentID != "" {
		if seen[cur.ParentID] {
			return nil, &IntegrityError{TaskID: t.ID, Reason: fmt.Sprintf("parent chain loops through %s", cur.ParentID)}
		}
		parent, err := r.Get(ctx, cur.ParentID)
		if errors.Is(err, task.ErrNotFound) {
			return nil, &IntegrityError{TaskID: cur.ID, Reason: fmt.Sprintf("parent %s does not exist", cur.ParentID)}
		}
		if err != nil {
			return nil, err
		}
		if parent.ProjectID != t.ProjectID {
			return nil, &IntegrityError{TaskID: cur.ID, Reason: fmt.Sprintf("parent %s belongs to project %s", parent.ID, parent.ProjectID)}
		}
		seen[parent.ID] = true
		chain = append(chain, *parent)
		cur = parent
	}
	return chain, nil
}

// Root returns the top-level ancestor of t, or t itself.
func Root(ctx context.Context, r task.Records, t *task.Task) (*task.Task, error) {
	chain, err := Ancestors(ctx, r, t)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return t, nil
	}
	return &chain[len(chain)-1], nil
}

// Descendants returns every task below t at any depth.
func Descendants(ctx context.Context, r task.Records, t *task.Task) ([]task.Task, error) {
	return r.Descendants(ctx, t.ProjectID, t.Path)
}

// IsTopLevel reports whether t has no parent.
func IsTopLevel(t *task.Task) bool {
	return t.IsTopLevel()
}

// IsLeaf reports whether t has no children.
func IsLeaf(ctx context.Context, r task.Records, t *task.Task) (bool, error) {
	kids, err := r.Children(ctx, t.ProjectID, t.ID)
	if err != nil {
		return false, err
	}
	return len(kids) == 0, nil
}

// CompletionPercentage is 100 or 0 for a leaf, and for a parent the share of
// completed leaves among all leaves below it, rounded to two decimals.
func CompletionPercentage(ctx context.Context, r task.Records, t *task.Task) (float64, error) {
	desc, err := Descendants(ctx, r, t)
	if err != nil {
		return 0, err
	}
	if len(desc) == 0 {
		kids, err := r.Children(ctx, t.ProjectID, t.ID)
		if err != nil {
			return 0, err
		}
		if len(kids) > 0 {
			// Children exist but the path index does not see them.
			return 0, &IntegrityError{TaskID: t.ID, Reason: "children are not under the task's path"}
		}
		if t.Status == task.StatusCompleted {
			return 100, nil
		}
		return 0, nil
	}

	parents := make(map[string]bool, len(desc))
	for _, d := range desc {
		parents[d.ParentID] = true
	}
	var leaves, done int
	for _, d := range desc {
		if parents[d.ID] {
			continue
		}
		leaves++
		if d.Status == task.StatusCompleted {
			done++
		}
	}
	if leaves == 0 {
		return 0, nil
	}
	return math.Round(float64(done)*100/float64(leaves)*100) / 100, nil
}

// UpdateHierarchyPath recomputes depth and path of t from its parent chain
// and persists them when they changed. It reports whether t changed.
func UpdateHierarchyPath(ctx context.Context, r task.Records, t *task.Task, now time.Time) (bool, error) {
	chain, err := Ancestors(ctx, r, t)
	if err != nil {
		return false, err
	}
	depth, path := hierarchyOf(t.ID, chain)
	if depth == t.Depth && path == t.Path {
		return false, nil
	}
	t.Depth = depth
	t.Path = path
	t.UpdatedAt = now
	if err := r.Save(ctx, t); err != nil {
		return false, err
	}
	return true, nil
}

// hierarchyOf builds depth and path for id from its ancestors, nearest first.
func hierarchyOf(id string, chain []task.Task) (int, string) {
	ids := make([]string, 0, len(chain)+1)
	for i := len(chain) - 1; i >= 0; i-- {
		ids = append(ids, chain[i].ID)
	}
	ids = append(ids, id)
	return len(chain), strings.Join(ids, "/")
}

// RebuildSubtree updates t's depth and path and then rewrites every task
// that lived under oldPath so that it hangs off t's new path. It returns the
// number of tasks whose hierarchy changed.
func RebuildSubtree(ctx context.Context, r task.Records, t *task.Task, oldPath string, now time.Time) (int, error) {
	changed := 0
	ok, err := UpdateHierarchyPath(ctx, r, t, now)
	if err != nil {
		return 0, err
	}
	if ok {
		changed++
	}

	desc, err := r.Descendants(ctx, t.ProjectID, oldPath)
	if err != nil {
		return 0, err
	}
	paths := map[string]string{t.ID: t.Path}
	depths := map[string]int{t.ID: t.Depth}
	// Descendants come ordered by depth, so parents are always resolved first.
	for i := range desc {
		d := &desc[i]
		parentPath, ok := paths[d.ParentID]
		if !ok {
			return 0, &IntegrityError{TaskID: d.ID, Reason: fmt.Sprintf("path %s does not match parent %s", d.Path, d.ParentID)}
		}
		path := parentPath + "/" + d.ID
		depth := depths[d.ParentID] + 1
		paths[d.ID], depths[d.ID] = path, depth
		if d.Path == path && d.Depth == depth {
			continue
		}
		d.Path, d.Depth, d.UpdatedAt = path, depth, now
		if err := r.Save(ctx, d); err != nil {
			return 0, err
		}
		changed++
	}
	return changed, nil
}

// compactSiblings renumbers the children of parentID to 1..N in their
// current order and persists those that moved.
func compactSiblings(ctx context.Context, r task.Records, projectID, parentID string, now time.Time) error {
	siblings, err := r.Children(ctx, projectID, parentID)
	if err != nil {
		return err
	}
	return r.SaveSortOrders(ctx, renumber(siblings, now))
}

// renumber assigns sort orders 1..N to tasks in slice order and returns the
// tasks whose sort order changed.
func renumber(tasks []task.Task, now time.Time) []task.Task {
	var changed []task.Task
	for i := range tasks {
		want := i + 1
		if tasks[i].SortOrder == want {
			continue
		}
		tasks[i].SortOrder = want
		tasks[i].UpdatedAt = now
		changed = append(changed, tasks[i])
	}
	return changed
}

// DepthFirst returns tasks in display order: each task is followed by its
// subtree, and siblings are ordered by sort order. Tasks whose parent is not
// in the slice are dropped.
func DepthFirst(tasks []task.Task) []task.Task {
	children := map[string][]task.Task{}
	for _, t := range tasks {
		children[t.ParentID] = append(children[t.ParentID], t)
	}
	for _, kids := range children {
		sort.SliceStable(kids, func(i, j int) bool { return kids[i].SortOrder < kids[j].SortOrder })
	}

	out := make([]task.Task, 0, len(tasks))
	var walk func(parentID string)
	walk = func(parentID string) {
		for _, t := range children[parentID] {
			out = append(out, t)
			walk(t.ID)
		}
	}
	walk("")
	return out
}
