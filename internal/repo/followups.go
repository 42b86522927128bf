package repo

import (
	"context"
	"database/sql"
	"fmt"

	"taskpulse/internal/domain"
)

const followupColumns = `id,slot,run_date,stats_json,status,summary_text,fail_reason,created_at,rendered_at`

func scanFollowup(row taskScanner) (domain.FollowupRun, error) {
	var fr domain.FollowupRun
	var summary, failReason, renderedAt sql.NullString
	err := row.Scan(&fr.ID, &fr.Slot, &fr.RunDate, &fr.StatsJSON, &fr.Status, &summary, &failReason, &fr.CreatedAt, &renderedAt)
	if err == sql.ErrNoRows {
		return fr, ErrNotFound
	}
	if err != nil {
		return fr, err
	}
	if summary.Valid {
		fr.SummaryText = &summary.String
	}
	if failReason.Valid {
		fr.FailReason = &failReason.String
	}
	if renderedAt.Valid {
		fr.RenderedAt = &renderedAt.String
	}
	return fr, nil
}

// TryCreateFollowupRun inserts a pending run unless one already exists for
// the (slot, run_date) key; redundant triggers are no-ops.
func (r Repo) TryCreateFollowupRun(ctx context.Context, fr domain.FollowupRun) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO followup_runs(id,slot,run_date,stats_json,status,created_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(slot,run_date) DO NOTHING`,
		fr.ID, fr.Slot, fr.RunDate, fr.StatsJSON, domain.EventPending, fr.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("try create followup run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetFollowupRun(ctx context.Context, slot domain.Slot, runDate string) (domain.FollowupRun, error) {
	return scanFollowup(r.DB.QueryRowContext(ctx,
		`SELECT `+followupColumns+` FROM followup_runs WHERE slot=? AND run_date=?`, string(slot), runDate))
}

func (r Repo) ListFollowupRuns(ctx context.Context, limit int) ([]domain.FollowupRun, error) {
	query := `SELECT ` + followupColumns + ` FROM followup_runs ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FollowupRun
	for rows.Next() {
		fr, err := scanFollowup(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, fr)
	}
	return res, rows.Err()
}

// transitionFollowup guards the run state machine the same way
// transitionEvent does for notifications: pending -> rendered|failed only.
func (r Repo) transitionFollowup(ctx context.Context, q execer, id, to, set string, args ...any) error {
	if to != domain.EventRendered && to != domain.EventFailed {
		return fmt.Errorf("%w: followup run cannot move to %s", ErrInvalidTransition, to)
	}
	query := `UPDATE followup_runs SET status=?` + set + ` WHERE id=? AND status=?`
	qargs := append([]any{to}, args...)
	qargs = append(qargs, id, domain.EventPending)
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
	var current string
	err = q.QueryRowContext(ctx, `SELECT status FROM followup_runs WHERE id=?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("followup run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: followup run %s is %s, cannot move to %s", ErrInvalidTransition, id, current, to)
}

func (r Repo) MarkFollowupRendered(ctx context.Context, tx *sql.Tx, id, summary, renderedAt string) error {
	return r.transitionFollowup(ctx, tx, id, domain.EventRendered,
		", summary_text=?, rendered_at=?", summary, renderedAt)
}

func (r Repo) MarkFollowupFailed(ctx context.Context, id, reason string) error {
	return r.transitionFollowup(ctx, r.DB, id, domain.EventFailed, ", fail_reason=?", reason)
}
