package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskpulse/internal/domain"
	"taskpulse/internal/events"
	"taskpulse/internal/llm"
	"taskpulse/internal/repo"
)

// RenderSummary reports the outcome of one render pass.
type RenderSummary struct {
	Rendered int `json:"rendered"`
	Failed   int `json:"failed"`
}

// RenderPending drains up to render.batch_size pending notification events,
// oldest first. Each item is rendered and delivered independently: a failure
// marks that event failed and moves on, so one bad item never aborts the
// batch. An event claimed by a concurrent pass in the meantime is skipped;
// the winner already recorded its outcome.
func (e Engine) RenderPending(ctx context.Context) (RenderSummary, error) {
	var sum RenderSummary
	pending, err := e.Repo.ListPendingEvents(ctx, e.Config.Render.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("render pending: %w", err)
	}
	for _, ev := range pending {
		if err := e.renderEvent(ctx, ev); err != nil {
			if errors.Is(err, repo.ErrInvalidTransition) {
				// A concurrent pass rendered this event first. Its row
				// already holds the final status, so count nothing here.
				e.Log.Info("notification claimed by concurrent render", "event_id", ev.ID, "task_id", ev.TaskID, "stage", ev.Stage)
				continue
			}
			sum.Failed++
			e.Log.Warn("notification render failed", "event_id", ev.ID, "task_id", ev.TaskID, "stage", ev.Stage, "error", err)
			if ferr := e.Repo.MarkEventFailed(ctx, ev.ID, err.Error()); ferr != nil {
				return sum, ferr
			}
			if aerr := e.Events.Append(ctx, nil, "notification.failed", "notification", ev.ID, "renderer", events.EventPayload{
				"reason": err.Error(),
			}); aerr != nil {
				return sum, aerr
			}
			continue
		}
		sum.Rendered++
	}
	if sum.Rendered > 0 || sum.Failed > 0 {
		e.Log.Info("render pass completed", "rendered", sum.Rendered, "failed", sum.Failed)
	}
	return sum, nil
}

// renderEvent runs the provider with the per-call timeout, then records the
// rendered text, its message, and an in-app delivery in one transaction.
func (e Engine) renderEvent(ctx context.Context, ev domain.NotificationEvent) error {
	callCtx, cancel := context.WithTimeout(ctx, e.Config.RenderTimeout())
	defer cancel()
	text, err := e.Provider.Render(callCtx, llm.KindReminder, []byte(ev.PayloadJSON))
	if err != nil {
		return err
	}

	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.MarkEventRendered(ctx, tx, ev.ID, text, now); err != nil {
		return err
	}
	msg := domain.Message{
		ID:        uuid.New().String(),
		Role:      "assistant",
		Content:   text,
		EventID:   &ev.ID,
		CreatedAt: now,
	}
	if err := e.Repo.InsertMessageTx(ctx, tx, msg); err != nil {
		return err
	}
	del := domain.Delivery{
		ID:        uuid.New().String(),
		EventID:   &ev.ID,
		MessageID: msg.ID,
		Channel:   "in_app",
		Status:    "sent",
		SentAt:    &now,
		CreatedAt: now,
	}
	if err := e.Repo.InsertDeliveryTx(ctx, tx, del); err != nil {
		return err
	}
	if err := e.Repo.MarkEventDelivered(ctx, tx, ev.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "notification.delivered", "notification", ev.ID, "renderer", events.EventPayload{
		"task_id":    ev.TaskID,
		"stage":      ev.Stage,
		"message_id": msg.ID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
