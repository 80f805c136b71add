// Package store is the SQLite-backed task tree store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/imkarma/tasktree/internal/task"
	_ "modernc.org/sqlite"
)

// Store provides transactional access to the task tree database.
type Store struct {
	db *sql.DB
}

var _ task.Store = (*Store)(nil)

// New opens (or creates) the SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: every transaction holds the whole database, which is
	// what serializes sibling renumbering across concurrent callers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL,
		parent_id    TEXT,
		title        TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'pending',
		priority     TEXT NOT NULL DEFAULT 'medium',
		depth        INTEGER NOT NULL DEFAULT 0,
		path         TEXT NOT NULL DEFAULT '',
		sort_order   INTEGER NOT NULL DEFAULT 0,
		due_date     DATETIME,
		created_at   DATETIME NOT NULL,
		updated_at   DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_siblings ON tasks(project_id, parent_id, sort_order);
	CREATE INDEX IF NOT EXISTS idx_tasks_path ON tasks(project_id, path);

	CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id     TEXT NOT NULL,
		project_id  TEXT NOT NULL DEFAULT '',
		event_type  TEXT NOT NULL,
		content     TEXT DEFAULT '',
		timestamp   DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, timestamp);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Reorder bookkeeping columns were added after the first schema.
	for _, col := range []struct{ name, def string }{
		{"initial_order_index", "INTEGER"},
		{"current_order_index", "INTEGER"},
		{"move_count", "INTEGER NOT NULL DEFAULT 0"},
		{"last_moved_at", "DATETIME"},
	} {
		if err := s.addColumnIfMissing("tasks", col.name, col.def); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
	}
	return nil
}

// addColumnIfMissing adds a column to a table if it doesn't exist yet.
func (s *Store) addColumnIfMissing(table, column, colDef string) error {
	rows, err := s.db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return err
	}

	found := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue *string
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			rows.Close()
			return err
		}
		if name == column {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if found {
		return nil
	}
	_, err = s.db.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + colDef)
	return err
}

// Update runs fn inside a read-write transaction.
func (s *Store) Update(ctx context.Context, fn func(task.Records) error) error {
	return s.inTx(ctx, true, fn)
}

// View runs fn inside a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(task.Records) error) error {
	return s.inTx(ctx, false, fn)
}

func (s *Store) inTx(ctx context.Context, commit bool, fn func(task.Records) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&records{tx: sqlTx}); err != nil {
		return err
	}
	if !commit {
		return nil
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// records implements task.Records over a single transaction.
type records struct {
	tx *sql.Tx
}

// taskColumns is the standard column list for task queries.
const taskColumns = `id, project_id, parent_id, title, description, status, priority, depth, path, sort_order, due_date, initial_order_index, current_order_index, move_count, last_moved_at, created_at, updated_at`

func (r *records) Get(ctx context.Context, id string) (*task.Task, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
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
			`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND parent_id IS NULL ORDER BY sort_order, created_at, id`,
			projectID)
	}
	return r.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND parent_id = ? ORDER BY sort_order, created_at, id`,
		projectID, parentID)
}

func (r *records) Descendants(ctx context.Context, projectID, path string) ([]task.Task, error) {
	prefix := path + "/"
	return r.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE project_id = ? AND substr(path, 1, length(?)) = ?
		 ORDER BY depth, sort_order, id`,
		projectID, prefix, prefix)
}

func (r *records) Project(ctx context.Context, projectID string) ([]task.Task, error) {
	return r.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY depth, sort_order, id`,
		projectID)
}

func (r *records) MaxSortOrder(ctx context.Context, projectID, parentID string) (int, error) {
	var maxOrder sql.NullInt64
	var err error
	if parentID == "" {
		err = r.tx.QueryRowContext(ctx,
			`SELECT MAX(sort_order) FROM tasks WHERE project_id = ? AND parent_id IS NULL`,
			projectID).Scan(&maxOrder)
	} else {
		err = r.tx.QueryRowContext(ctx,
			`SELECT MAX(sort_order) FROM tasks WHERE project_id = ? AND parent_id = ?`,
			projectID, parentID).Scan(&maxOrder)
	}
	if err != nil {
		return 0, fmt.Errorf("max sort order: %w", err)
	}
	return int(maxOrder.Int64), nil
}

func (r *records) Insert(ctx context.Context, t *task.Task) error {
	_, err := r.tx.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, nullString(t.ParentID), t.Title, t.Description,
		string(t.Status), t.Priority.String(), t.Depth, t.Path, t.SortOrder,
		nullTime(t.DueDate), nullInt(t.InitialOrderIndex), nullInt(t.CurrentOrderIndex),
		t.MoveCount, nullTime(t.LastMovedAt), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *records) Save(ctx context.Context, t *task.Task) error {
	res, err := r.tx.ExecContext(ctx,
		`UPDATE tasks SET parent_id = ?, title = ?, description = ?, status = ?, priority = ?,
		 depth = ?, path = ?, sort_order = ?, due_date = ?, initial_order_index = ?,
		 current_order_index = ?, move_count = ?, last_moved_at = ?, updated_at = ?
		 WHERE id = ?`,
		nullString(t.ParentID), t.Title, t.Description, string(t.Status), t.Priority.String(),
		t.Depth, t.Path, t.SortOrder, nullTime(t.DueDate), nullInt(t.InitialOrderIndex),
		nullInt(t.CurrentOrderIndex), t.MoveCount, nullTime(t.LastMovedAt), t.UpdatedAt,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save task %s: %w", t.ID, task.ErrNotFound)
	}
	return nil
}

func (r *records) SaveSortOrders(ctx context.Context, tasks []task.Task) error {
	stmt, err := r.tx.PrepareContext(ctx, `UPDATE tasks SET sort_order = ?, updated_at = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare sort order update: %w", err)
	}
	defer stmt.Close()

	for _, t := range tasks {
		if _, err := stmt.ExecContext(ctx, t.SortOrder, t.UpdatedAt, t.ID); err != nil {
			return fmt.Errorf("update sort order of %s: %w", t.ID, err)
		}
	}
	return nil
}

func (r *records) DeleteSubtree(ctx context.Context, projectID, id, path string) (int, error) {
	prefix := path + "/"
	res, err := r.tx.ExecContext(ctx,
		`DELETE FROM tasks WHERE project_id = ? AND (id = ? OR substr(path, 1, length(?)) = ?)`,
		projectID, id, prefix, prefix)
	if err != nil {
		return 0, fmt.Errorf("delete subtree %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *records) AddEvent(ctx context.Context, e task.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := r.tx.ExecContext(ctx,
		`INSERT INTO events (task_id, project_id, event_type, content, timestamp) VALUES (?, ?, ?, ?, ?)`,
		e.TaskID, e.ProjectID, e.Type, e.Content, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("add event: %w", err)
	}
	return nil
}

func (r *records) Events(ctx context.Context, taskID string) ([]task.Event, error) {
	rows, err := r.tx.QueryContext(ctx,
		`SELECT id, task_id, project_id, event_type, content, timestamp FROM events WHERE task_id = ? ORDER BY timestamp, id`,
		taskID,
	)
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
	rows, err := r.tx.QueryContext(ctx, `SELECT DISTINCT project_id FROM tasks ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// queryTasks is a shared helper for running task-list queries.
func (r *records) queryTasks(ctx context.Context, query string, args ...any) ([]task.Task, error) {
	rows, err := r.tx.QueryContext(ctx, query, args...)
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
	return tasks, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var t task.Task
	var (
		parentID               sql.NullString
		status, priority       string
		dueDate, lastMovedAt   sql.NullTime
		initialIdx, currentIdx sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &t.ProjectID, &parentID, &t.Title, &t.Description, &status, &priority,
		&t.Depth, &t.Path, &t.SortOrder, &dueDate, &initialIdx, &currentIdx,
		&t.MoveCount, &lastMovedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ParentID = parentID.String
	t.Status = task.Status(status)
	if t.Priority, err = task.ParsePriority(priority); err != nil {
		return nil, fmt.Errorf("task %s: %w", t.ID, err)
	}
	if dueDate.Valid {
		t.DueDate = &dueDate.Time
	}
	if lastMovedAt.Valid {
		t.LastMovedAt = &lastMovedAt.Time
	}
	if initialIdx.Valid {
		v := int(initialIdx.Int64)
		t.InitialOrderIndex = &v
	}
	if currentIdx.Valid {
		v := int(currentIdx.Int64)
		t.CurrentOrderIndex = &v
	}
	// Untracked rows read as tracked from their current position; the
	// next Save persists it.
	t.EnsureOrderTracking()
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
