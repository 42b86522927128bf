package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"taskpulse/internal/domain"
)

const eventColumns = `id,kind,task_id,stage,payload_json,status,rendered_text,fail_reason,attempts,created_at,rendered_at`

func scanEvent(row taskScanner) (domain.NotificationEvent, error) {
	var ev domain.NotificationEvent
	var renderedText, failReason, renderedAt sql.NullString
	err := row.Scan(&ev.ID, &ev.Kind, &ev.TaskID, &ev.Stage, &ev.PayloadJSON, &ev.Status, &renderedText, &failReason, &ev.Attempts, &ev.CreatedAt, &renderedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	if renderedText.Valid {
		ev.RenderedText = &renderedText.String
	}
	if failReason.Valid {
		ev.FailReason = &failReason.String
	}
	if renderedAt.Valid {
		ev.RenderedAt = &renderedAt.String
	}
	return ev, nil
}

// TryCreateEvent inserts a pending event unless one already exists for the
// (task_id, stage) key. The unique index resolves concurrent callers: the
// loser observes created=false and must do nothing further for this key.
func (r Repo) TryCreateEvent(ctx context.Context, ev domain.NotificationEvent) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO notification_events(id,kind,task_id,stage,payload_json,status,attempts,created_at)
VALUES (?,?,?,?,?,?,0,?)
ON CONFLICT(task_id,stage) DO NOTHING`,
		ev.ID, ev.Kind, ev.TaskID, ev.Stage, ev.PayloadJSON, domain.EventPending, ev.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("try create event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetEvent(ctx context.Context, id string) (domain.NotificationEvent, error) {
	return scanEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM notification_events WHERE id=?`, id))
}

func (r Repo) GetEventByKey(ctx context.Context, taskID string, stage domain.Stage) (domain.NotificationEvent, error) {
	return scanEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM notification_events WHERE task_id=? AND stage=?`, taskID, string(stage)))
}

// ListPendingEvents returns pending events oldest first, bounded by limit.
func (r Repo) ListPendingEvents(ctx context.Context, limit int) ([]domain.NotificationEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM notification_events WHERE status=? ORDER BY created_at ASC, id ASC`
	args := []any{domain.EventPending}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()
	var res []domain.NotificationEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

type EventFilters struct {
	Status string
	TaskID string
	Limit  int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.NotificationEvent, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + eventColumns + ` FROM notification_events ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NotificationEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// transitionEvent applies one guarded status edge. The WHERE clause only
// matches rows in a state that allows the edge; zero affected rows means the
// event is missing or the edge is illegal, and both surface as errors.
func (r Repo) transitionEvent(ctx context.Context, q execer, id, to, set string, args ...any) error {
	var allowedFrom []string
	for _, from := range []string{domain.EventPending, domain.EventRendered} {
		if domain.AllowedEventTransition(from, to) {
			allowedFrom = append(allowedFrom, from)
		}
	}
	if len(allowedFrom) == 0 {
		return fmt.Errorf("%w: no state allows %s", ErrInvalidTransition, to)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(allowedFrom)), ",")
	query := fmt.Sprintf(`UPDATE notification_events SET status=?%s WHERE id=? AND status IN (%s)`, set, placeholders)
	qargs := append([]any{to}, args...)
	qargs = append(qargs, id)
	for _, from := range allowedFrom {
		qargs = append(qargs, from)
	}
	res, err := q.ExecContext(ctx, query, qargs...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// Read through the same executor so an open transaction sees its own
	// state and never blocks on itself.
	var current string
	err = q.QueryRowContext(ctx, `SELECT status FROM notification_events WHERE id=?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: event %s is %s, cannot move to %s", ErrInvalidTransition, id, current, to)
}

// MarkEventRendered moves pending -> rendered and records the text.
func (r Repo) MarkEventRendered(ctx context.Context, tx *sql.Tx, id, text, renderedAt string) error {
	return r.transitionEvent(ctx, tx, id, domain.EventRendered,
		", rendered_text=?, rendered_at=?, attempts=attempts+1", text, renderedAt)
}

// MarkEventDelivered moves rendered -> delivered.
func (r Repo) MarkEventDelivered(ctx context.Context, tx *sql.Tx, id string) error {
	return r.transitionEvent(ctx, tx, id, domain.EventDelivered, "")
}

// MarkEventFailed moves pending|rendered -> failed with a reason; the row is
// kept as evidence that the stage fired.
func (r Repo) MarkEventFailed(ctx context.Context, id, reason string) error {
	return r.transitionEvent(ctx, r.DB, id, domain.EventFailed,
		", fail_reason=?, attempts=attempts+1", reason)
}
