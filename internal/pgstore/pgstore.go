// Package pgstore is the PostgreSQL-backed task tree store.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/imkarma/tasktree/internal/task"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL task store. Every Update runs as a serializable
// transaction; serialization failures are reported as task.ErrConflict.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ task.Store = (*PgStore)(nil)

// Connect opens a pool for dsn and ensures the schema exists.
func Connect(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(pool)
	if err := s.EnsureTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Close releases the pool.
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

// EnsureTables creates the tasks and events tables if they don't exist.
func (s *PgStore) EnsureTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id                  TEXT PRIMARY KEY,
			project_id          TEXT NOT NULL,
			parent_id           TEXT,
			title               TEXT NOT NULL,
			description         TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL DEFAULT 'pending',
			priority            TEXT NOT NULL DEFAULT 'medium',
			depth               INTEGER NOT NULL DEFAULT 0,
			path                TEXT NOT NULL DEFAULT '',
			sort_order          INTEGER NOT NULL DEFAULT 0,
			due_date            TIMESTAMPTZ,
			initial_order_index INTEGER,
			current_order_index INTEGER,
			move_count          INTEGER NOT NULL DEFAULT 0,
			last_moved_at       TIMESTAMPTZ,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_siblings ON tasks(project_id, parent_id, sort_order)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_path ON tasks(project_id, path text_pattern_ops)`,
		`CREATE TABLE IF NOT EXISTS task_events (
			id          BIGSERIAL PRIMARY KEY,
			task_id     TEXT NOT NULL,
			project_id  TEXT NOT NULL DEFAULT '',
			event_type  TEXT NOT NULL,
			content     TEXT NOT NULL DEFAULT '',
			timestamp   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, timestamp)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}
	return nil
}

// Update runs fn in a serializable read-write transaction.
func (s *PgStore) Update(ctx context.Context, fn func(task.Records) error) error {
	return s.inTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, true, fn)
}

// View runs fn in a read-only transaction.
func (s *PgStore) View(ctx context.Context, fn func(task.Records) error) error {
	return s.inTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, false, fn)
}

func (s *PgStore) inTx(ctx context.Context, opts pgx.TxOptions, commit bool, fn func(task.Records) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&records{tx: tx}); err != nil {
		return classify(err)
	}
	if !commit {
		return nil
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classify maps serialization failures and deadlocks to task.ErrConflict.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", task.ErrConflict, pgErr.Message)
	}
	return err
}

type records struct {
	tx pgx.Tx
}

const taskColumns = `id, project_id, parent_id, title, description, status, priority, depth, path, sort_order, due_date, initial_order_index, current_order_index, move_count, last_moved_at, created_at, updated_at`

func (r *records) Get(ctx context.Context, id string) (*task.Task, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get task %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (r *records) Children(ctx context.Context, projectID, parentID string) ([]task.Task, error) {
	if parentID == "" {
		return r.queryTasks(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 AND parent_id IS NULL ORDER BY sort_order, created_at, id`,
			projectID)
	}
	return r.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 AND parent_id = $2 ORDER BY sort_order, created_at, id`,
		projectID, parentID)
}

func (r *records) Descendants(ctx context.Context, projectID, path string) ([]task.Task, error) {
	return r.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE project_id = $1 AND starts_with(path, $2)
		 ORDER BY depth, sort_order, id`,
		projectID, path+"/")
}

func (r *records) Project(ctx context.Context, projectID string) ([]task.Task, error) {
	return r.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 ORDER BY depth, sort_order, id`,
		projectID)
}

func (r *records) MaxSortOrder(ctx context.Context, projectID, parentID string) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sort_order), 0) FROM tasks
		 WHERE project_id = $1 AND parent_id IS NOT DISTINCT FROM $2`,
		projectID, nullString(parentID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("max sort order: %w", err)
	}
	return n, nil
}

func (r *records) Insert(ctx context.Context, t *task.Task) error {
	_, err := r.tx.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		t.ID, t.ProjectID, nullString(t.ParentID), t.Title, t.Description,
		string(t.Status), t.Priority.String(), t.Depth, t.Path, t.SortOrder,
		t.DueDate, t.InitialOrderIndex, t.CurrentOrderIndex,
		t.MoveCount, t.LastMovedAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *records) Save(ctx context.Context, t *task.Task) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE tasks SET parent_id = $1, title = $2, description = $3, status = $4, priority = $5,
		 depth = $6, path = $7, sort_order = $8, due_date = $9, initial_order_index = $10,
		 current_order_index = $11, move_count = $12, last_moved_at = $13, updated_at = $14
		 WHERE id = $15`,
		nullString(t.ParentID), t.Title, t.Description, string(t.Status), t.Priority.String(),
		t.Depth, t.Path, t.SortOrder, t.DueDate, t.InitialOrderIndex,
		t.CurrentOrderIndex, t.MoveCount, t.LastMovedAt, t.UpdatedAt,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save task %s: %w", t.ID, task.ErrNotFound)
	}
	return nil
}

func (r *records) SaveSortOrders(ctx context.Context, tasks []task.Task) error {
	batch := &pgx.Batch{}
	for _, t := range tasks {
		batch.Queue(`UPDATE tasks SET sort_order = $1, updated_at = $2 WHERE id = $3`, t.SortOrder, t.UpdatedAt, t.ID)
	}
	if err := r.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("update sort orders: %w", err)
	}
	return nil
}

func (r *records) DeleteSubtree(ctx context.Context, projectID, id, path string) (int, error) {
	tag, err := r.tx.Exec(ctx,
		`DELETE FROM tasks WHERE project_id = $1 AND (id = $2 OR starts_with(path, $3))`,
		projectID, id, path+"/")
	if err != nil {
		return 0, fmt.Errorf("delete subtree %s: %w", id, err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *records) AddEvent(ctx context.Context, e task.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := r.tx.Exec(ctx,
		`INSERT INTO task_events (task_id, project_id, event_type, content, timestamp) VALUES ($1, $2, $3, $4, $5)`,
		e.TaskID, e.ProjectID, e.Type, e.Content, e.Timestamp)
	if err != nil {
		return fmt.Errorf("add event: %w", err)
	}
	return nil
}

func (r *records) Events(ctx context.Context, taskID string) ([]task.Event, error) {
	rows, err := r.tx.Query(ctx,
		`SELECT id, task_id, project_id, event_type, content, timestamp FROM task_events WHERE task_id = $1 ORDER BY timestamp, id`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []task.Event
	for rows.Next() {
		var e task.Event
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ProjectID, &e.Type, &e.Content, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *records) Projects(ctx context.Context) ([]string, error) {
	rows, err := r.tx.Query(ctx, `SELECT DISTINCT project_id FROM tasks ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	projects, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan projects: %w", err)
	}
	return projects, nil
}

func (r *records) queryTasks(ctx context.Context, query string, args ...any) ([]task.Task, error) {
	rows, err := r.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	var (
		parentID               *string
		status, priority       string
		initialIdx, currentIdx *int32
	)
	err := row.Scan(
		&t.ID, &t.ProjectID, &parentID, &t.Title, &t.Description, &status, &priority,
		&t.Depth, &t.Path, &t.SortOrder, &t.DueDate, &initialIdx, &currentIdx,
		&t.MoveCount, &t.LastMovedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if parentID != nil {
		t.ParentID = *parentID
	}
	t.Status = task.Status(status)
	if t.Priority, err = task.ParsePriority(priority); err != nil {
		return nil, fmt.Errorf("task %s: %w", t.ID, err)
	}
	if initialIdx != nil {
		v := int(*initialIdx)
		t.InitialOrderIndex = &v
	}
	if currentIdx != nil {
		v := int(*currentIdx)
		t.CurrentOrderIndex = &v
	}
	// Untracked rows read as tracked from their current position; the
	// next Save persists it.
	t.EnsureOrderTracking()
	return &t, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
