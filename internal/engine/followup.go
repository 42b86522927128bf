package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskpulse/internal/domain"
	"taskpulse/internal/events"
	"taskpulse/internal/llm"
)

// GenerateFollowup produces the digest for (slot, date). The unique
// (slot, run_date) key makes the call idempotent: a second invocation for the
// same pair returns the existing run with created=false and touches nothing.
// A digest is generated even when no tasks exist so the user still hears from
// the schedule.
func (e Engine) GenerateFollowup(ctx context.Context, slot domain.Slot, date time.Time) (domain.FollowupRun, bool, error) {
	loc := e.location()
	date = date.In(loc)
	runDate := date.Format(domain.DateLayout)

	since, err := e.previousSlotBoundary(slot, date)
	if err != nil {
		return domain.FollowupRun{}, false, err
	}
	snap, err := e.Repo.SnapshotTasks(ctx, runDate, since.UTC().Format(time.RFC3339))
	if err != nil {
		return domain.FollowupRun{}, false, fmt.Errorf("generate followup: %w", err)
	}
	stats, err := json.Marshal(snap)
	if err != nil {
		return domain.FollowupRun{}, false, err
	}

	fr := domain.FollowupRun{
		ID:        uuid.New().String(),
		Slot:      string(slot),
		RunDate:   runDate,
		StatsJSON: string(stats),
		CreatedAt: e.timestamp(),
	}
	created, err := e.Repo.TryCreateFollowupRun(ctx, fr)
	if err != nil {
		return domain.FollowupRun{}, false, err
	}
	if !created {
		existing, err := e.Repo.GetFollowupRun(ctx, slot, runDate)
		return existing, false, err
	}
	if err := e.Events.Append(ctx, nil, "followup.created", "followup", fr.ID, "scheduler", events.EventPayload{
		"slot": string(slot),
		"date": runDate,
	}); err != nil {
		return fr, true, err
	}

	payload, err := json.Marshal(map[string]any{
		"kind":  domain.KindFollowupSummary,
		"slot":  string(slot),
		"date":  runDate,
		"stats": snap,
	})
	if err != nil {
		return fr, true, err
	}
	if err := e.renderFollowup(ctx, &fr, payload); err != nil {
		// The run itself succeeded; record the render failure and report
		// it on the run, not as an invocation error.
		e.Log.Warn("followup render failed", "slot", slot, "date", runDate, "error", err)
		reason := err.Error()
		if ferr := e.Repo.MarkFollowupFailed(ctx, fr.ID, reason); ferr != nil {
			return fr, true, ferr
		}
		if aerr := e.Events.Append(ctx, nil, "followup.failed", "followup", fr.ID, "renderer", events.EventPayload{
			"reason": reason,
		}); aerr != nil {
			return fr, true, aerr
		}
		fr.Status = domain.EventFailed
		fr.FailReason = &reason
		return fr, true, nil
	}
	return fr, true, nil
}

func (e Engine) renderFollowup(ctx context.Context, fr *domain.FollowupRun, payload []byte) error {
	callCtx, cancel := context.WithTimeout(ctx, e.Config.RenderTimeout())
	defer cancel()
	text, err := e.Provider.Render(callCtx, llm.KindFollowup, payload)
	if err != nil {
		return err
	}

	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.MarkFollowupRendered(ctx, tx, fr.ID, text, now); err != nil {
		return err
	}
	msg := domain.Message{
		ID:            uuid.New().String(),
		Role:          "assistant",
		Content:       text,
		FollowupRunID: &fr.ID,
		CreatedAt:     now,
	}
	if err := e.Repo.InsertMessageTx(ctx, tx, msg); err != nil {
		return err
	}
	del := domain.Delivery{
		ID:        uuid.New().String(),
		MessageID: msg.ID,
		Channel:   "in_app",
		Status:    "sent",
		SentAt:    &now,
		CreatedAt: now,
	}
	if err := e.Repo.InsertDeliveryTx(ctx, tx, del); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "followup.rendered", "followup", fr.ID, "renderer", events.EventPayload{
		"slot":       fr.Slot,
		"message_id": msg.ID,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	fr.Status = domain.EventRendered
	fr.SummaryText = &text
	fr.RenderedAt = &now
	return nil
}

// previousSlotBoundary returns the wall-clock instant of the slot preceding
// this one. The morning digest looks back to yesterday evening so overnight
// completions are counted exactly once.
func (e Engine) previousSlotBoundary(slot domain.Slot, date time.Time) (time.Time, error) {
	var prev domain.Slot
	dayShift := 0
	switch slot {
	case domain.SlotMorning:
		prev, dayShift = domain.SlotEvening, -1
	case domain.SlotNoon:
		prev = domain.SlotMorning
	case domain.SlotEvening:
		prev = domain.SlotNoon
	default:
		return time.Time{}, fmt.Errorf("unknown slot %q", slot)
	}
	hour, minute, err := e.Config.SlotTime(string(prev))
	if err != nil {
		return time.Time{}, err
	}
	loc := e.location()
	return time.Date(date.Year(), date.Month(), date.Day()+dayShift, hour, minute, 0, 0, loc), nil
}
