package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/imkarma/tasktree/internal/task"
	"github.com/jackc/pgx/v5/pgconn"
)

// testStore connects to the database named by TASKTREE_TEST_PG. Each test
// works in its own project so runs never interfere.
func testStore(t *testing.T) (*PgStore, string) {
	t.Helper()
	dsn := os.Getenv("TASKTREE_TEST_PG")
	if dsn == "" {
		t.Skip("TASKTREE_TEST_PG not set")
	}
	ctx := context.Background()
	s, err := Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	project := "test-" + task.NewID()
	t.Cleanup(func() {
		_, _ = s.pool.Exec(ctx, `DELETE FROM tasks WHERE project_id = $1`, project)
		_, _ = s.pool.Exec(ctx, `DELETE FROM task_events WHERE project_id = $1`, project)
		s.Close()
	})
	return s, project
}

func TestClassify_SerializationFailure(t *testing.T) {
	err := classify(fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001", Message: "could not serialize access"}))
	if !errors.Is(err, task.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	plain := errors.New("boom")
	if classify(plain) != plain {
		t.Error("non-postgres errors should pass through unchanged")
	}
}

func TestInsertChildrenDelete(t *testing.T) {
	s, project := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	parent := &task.Task{ID: task.NewID(), ProjectID: project, Title: "P", Status: task.StatusPending,
		Priority: task.PriorityHigh, SortOrder: 1, CreatedAt: now, UpdatedAt: now}
	parent.Path = parent.ID
	child := &task.Task{ID: task.NewID(), ProjectID: project, ParentID: parent.ID, Title: "C",
		Status: task.StatusPending, Priority: task.PriorityHigh, Depth: 1, SortOrder: 1, CreatedAt: now, UpdatedAt: now}
	child.Path = parent.Path + "/" + child.ID

	err := s.Update(ctx, func(r task.Records) error {
		if err := r.Insert(ctx, parent); err != nil {
			return err
		}
		return r.Insert(ctx, child)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = s.View(ctx, func(r task.Records) error {
		kids, err := r.Children(ctx, project, parent.ID)
		if err != nil {
			return err
		}
		if len(kids) != 1 || kids[0].ID != child.ID {
			t.Errorf("expected child, got %+v", kids)
		}
		desc, err := r.Descendants(ctx, project, parent.Path)
		if err != nil {
			return err
		}
		if len(desc) != 1 {
			t.Errorf("expected 1 descendant, got %d", len(desc))
		}
		top, err := r.MaxSortOrder(ctx, project, "")
		if err != nil {
			return err
		}
		if top != 1 {
			t.Errorf("expected top-level max 1, got %d", top)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	var removed int
	err = s.Update(ctx, func(r task.Records) error {
		var err error
		removed, err = r.DeleteSubtree(ctx, project, parent.ID, parent.Path)
		return err
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 rows removed, got %d", removed)
	}
}
