package repo

import (
	"context"
	"database/sql"

	"taskpulse/internal/domain"
)

func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(id,role,content,event_id,followup_run_id,created_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.Role, m.Content, nullableStringPtr(m.EventID), nullableStringPtr(m.FollowupRunID), m.CreatedAt)
	return err
}

func (r Repo) InsertDeliveryTx(ctx context.Context, tx *sql.Tx, d domain.Delivery) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notification_deliveries(id,event_id,message_id,channel,status,sent_at,error,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, nullableStringPtr(d.EventID), d.MessageID, d.Channel, d.Status, nullableStringPtr(d.SentAt), nullableStringPtr(d.Error), d.CreatedAt)
	return err
}

func (r Repo) ListMessages(ctx context.Context, limit int) ([]domain.Message, error) {
	query := `SELECT id,role,content,event_id,followup_run_id,created_at FROM messages ORDER BY created_at DESC, id DESC`
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
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		var eventID, followupID sql.NullString
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &eventID, &followupID, &m.CreatedAt); err != nil {
			return nil, err
		}
		if eventID.Valid {
			m.EventID = &eventID.String
		}
		if followupID.Valid {
			m.FollowupRunID = &followupID.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) ListDeliveries(ctx context.Context, limit int) ([]domain.Delivery, error) {
	query := `SELECT id,event_id,message_id,channel,status,sent_at,error,created_at FROM notification_deliveries ORDER BY created_at DESC, id DESC`
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
	var res []domain.Delivery
	for rows.Next() {
		var d domain.Delivery
		var eventID, sentAt, errText sql.NullString
		if err := rows.Scan(&d.ID, &eventID, &d.MessageID, &d.Channel, &d.Status, &sentAt, &errText, &d.CreatedAt); err != nil {
			return nil, err
		}
		if eventID.Valid {
			d.EventID = &eventID.String
		}
		if sentAt.Valid {
			d.SentAt = &sentAt.String
		}
		if errText.Valid {
			d.Error = &errText.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
