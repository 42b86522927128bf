package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskpulse/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrInvalidTransition marks an attempted illegal status edge. It signals a
// sequencing bug in the caller, not an external fault, and is never swallowed.
var ErrInvalidTransition = errors.New("invalid status transition")

const taskColumns = `id,title,description,status,priority,due_date,due_time,source,created_at,updated_at,completed_at`

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (domain.Task, error) {
	var t domain.Task
	var dueDate, dueTime, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &dueDate, &dueTime, &t.Source, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if dueDate.Valid {
		t.DueDate = &dueDate.String
	}
	if dueTime.Valid {
		t.DueTime = &dueTime.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, t.Status, t.Priority, nullableStringPtr(t.DueDate), nullableStringPtr(t.DueTime),
		t.Source, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, priority=?, due_date=?, due_time=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Title, t.Description, t.Status, t.Priority, nullableStringPtr(t.DueDate), nullableStringPtr(t.DueTime),
		t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	Status  string
	DueOnly bool
	Limit   int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.DueOnly {
		clauses = append(clauses, "due_date IS NOT NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListRemindableTasks returns non-terminal tasks that carry a due date, the
// stage engine's input snapshot. Soonest deadline first so the new-event cap
// spends its budget on the most urgent tasks.
func (r Repo) ListRemindableTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
WHERE due_date IS NOT NULL AND status NOT IN ('done','canceled')
ORDER BY due_date ASC, id ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list remindable tasks: %w", err)
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TaskSnapshot aggregates counts for a followup digest.
type TaskSnapshot struct {
	Active         int `json:"active"`
	Doing          int `json:"doing"`
	DueToday       int `json:"due_today"`
	Overdue        int `json:"overdue"`
	CompletedSince int `json:"completed_since"`
}

// SnapshotTasks computes the digest counts for today against the previous
// slot boundary.
func (r Repo) SnapshotTasks(ctx context.Context, today, since string) (TaskSnapshot, error) {
	var s TaskSnapshot
	queries := []struct {
		dest  *int
		query string
		args  []any
	}{
		{&s.Active, `SELECT count(*) FROM tasks WHERE status NOT IN ('done','canceled')`, nil},
		{&s.Doing, `SELECT count(*) FROM tasks WHERE status='doing'`, nil},
		{&s.DueToday, `SELECT count(*) FROM tasks WHERE due_date=? AND status NOT IN ('done','canceled')`, []any{today}},
		{&s.Overdue, `SELECT count(*) FROM tasks WHERE due_date IS NOT NULL AND due_date<? AND status NOT IN ('done','canceled')`, []any{today}},
		{&s.CompletedSince, `SELECT count(*) FROM tasks WHERE status='done' AND completed_at IS NOT NULL AND completed_at>=?`, []any{since}},
	}
	for _, q := range queries {
		if err := r.DB.QueryRowContext(ctx, q.query, q.args...).Scan(q.dest); err != nil {
			return s, fmt.Errorf("snapshot tasks: %w", err)
		}
	}
	return s, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
