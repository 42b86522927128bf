package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"taskpulse/internal/domain"
	"taskpulse/internal/events"
)

var dateStages = []struct {
	Stage    domain.Stage
	DaysLeft int
}{
	{domain.StageD7, 7},
	{domain.StageD3, 3},
	{domain.StageD1, 1},
	{domain.StageD0, 0},
}

var timeStages = []struct {
	Stage  domain.Stage
	Within time.Duration
}{
	{domain.StageT2H, 2 * time.Hour},
	{domain.StageT30M, 30 * time.Minute},
}

// ComputeStages returns the stages a task qualifies for at now, most urgent
// first. Tasks without a due date never qualify; terminal tasks are excluded
// even if thresholds were crossed earlier (no backfill). A past deadline
// collapses everything into the single OVERDUE stage.
//
// Date stages match an exact calendar-day distance, so a scan must run at
// least once a day; time windows are inclusive on both edges.
func ComputeStages(t domain.Task, now time.Time) []domain.Stage {
	if domain.TerminalTaskStatus(t.Status) {
		return nil
	}
	loc := now.Location()
	dueDay, ok := t.DueDay(loc)
	if !ok {
		return nil
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	if dueDay.Before(today) {
		return []domain.Stage{domain.StageOverdue}
	}
	daysLeft := daysBetween(today, dueDay)

	var stages []domain.Stage
	for _, ds := range dateStages {
		if daysLeft == ds.DaysLeft {
			stages = append(stages, ds.Stage)
		}
	}

	if due, ok := t.DueInstant(loc); ok {
		remaining := due.Sub(now)
		if remaining < 0 {
			return []domain.Stage{domain.StageOverdue}
		}
		for _, ts := range timeStages {
			if remaining <= ts.Within {
				stages = append(stages, ts.Stage)
			}
		}
	}

	sort.Slice(stages, func(i, j int) bool {
		return domain.StageRank(stages[i]) < domain.StageRank(stages[j])
	})
	return stages
}

// daysBetween counts calendar days from a to b; both are midnight instants in
// the same location. The half-day fudge absorbs DST shifts.
func daysBetween(a, b time.Time) int {
	return int((b.Sub(a) + 12*time.Hour) / (24 * time.Hour))
}

// ScanReminders computes stage candidates for every remindable task and
// submits them to the event store. The unique (task_id, stage) constraint
// makes the whole pass idempotent: overlapping or repeated scans at the same
// instant create each event exactly once. Returns the number of events
// actually created, capped by scan.max_new_events per invocation.
func (e Engine) ScanReminders(ctx context.Context, now time.Time) (int, error) {
	loc := e.location()
	now = now.In(loc)

	tasks, err := e.Repo.ListRemindableTasks(ctx, e.Config.Scan.TaskLimit)
	if err != nil {
		// Abort before creating anything: a partial snapshot must not
		// produce partial stage decisions.
		return 0, fmt.Errorf("scan reminders: %w", err)
	}

	created := 0
	maxNew := e.Config.Scan.MaxNewEvents
scan:
	for _, t := range tasks {
		for _, stage := range ComputeStages(t, now) {
			if created >= maxNew {
				break scan
			}
			payload, err := reminderPayload(t, stage, now)
			if err != nil {
				return created, err
			}
			ev := domain.NotificationEvent{
				ID:          uuid.New().String(),
				Kind:        domain.KindDeadlineReminder,
				TaskID:      t.ID,
				Stage:       string(stage),
				PayloadJSON: string(payload),
				CreatedAt:   e.timestamp(),
			}
			ok, err := e.Repo.TryCreateEvent(ctx, ev)
			if err != nil {
				return created, err
			}
			if !ok {
				continue
			}
			created++
			if err := e.Events.Append(ctx, nil, "notification.created", "notification", ev.ID, "scanner", events.EventPayload{
				"task_id": t.ID,
				"stage":   string(stage),
			}); err != nil {
				return created, err
			}
		}
	}

	e.Log.Info("reminder scan completed", "tasks", len(tasks), "created", created)
	return created, nil
}

func reminderPayload(t domain.Task, stage domain.Stage, now time.Time) ([]byte, error) {
	return json.Marshal(map[string]any{
		"kind":  domain.KindDeadlineReminder,
		"stage": string(stage),
		"now":   now.Format(time.RFC3339),
		"task": map[string]any{
			"id":          t.ID,
			"title":       t.Title,
			"description": t.Description,
			"status":      t.Status,
			"priority":    t.Priority,
			"due_date":    t.DueDate,
			"due_time":    t.DueTime,
		},
	})
}
