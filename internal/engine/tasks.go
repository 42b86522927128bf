package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskpulse/internal/domain"
	"taskpulse/internal/events"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	Title       string
	Description string
	Priority    string
	DueDate     string
	DueTime     string
	Source      string
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.Priority == "" {
		opts.Priority = "normal"
	}
	if !domain.ValidTaskPriority(opts.Priority) {
		return domain.Task{}, fmt.Errorf("invalid priority %q", opts.Priority)
	}
	if err := validateDue(opts.DueDate, opts.DueTime); err != nil {
		return domain.Task{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	if opts.Source == "" {
		opts.Source = "cli"
	}
	now := e.timestamp()
	t := domain.Task{
		ID:          id,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.TaskBacklog,
		Priority:    opts.Priority,
		DueDate:     optionalString(opts.DueDate),
		DueTime:     optionalString(opts.DueTime),
		Source:      opts.Source,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.created", "task", t.ID, opts.ActorID, events.EventPayload{
		"title": t.Title, "status": t.Status, "due_date": opts.DueDate,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions encapsulates allowed updates. Nil pointers leave the
// field untouched; empty strings clear due date/time.
type TaskUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Status      string
	Priority    string
	DueDate     *string
	DueTime     *string
	ActorID     string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	original := t
	if opts.Title != nil {
		if *opts.Title == "" {
			return t, errors.New("title cannot be empty")
		}
		t.Title = *opts.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.Priority != "" {
		if !domain.ValidTaskPriority(opts.Priority) {
			return t, fmt.Errorf("invalid priority %q", opts.Priority)
		}
		t.Priority = opts.Priority
	}
	if opts.DueDate != nil {
		if *opts.DueDate == "" {
			t.DueDate = nil
			t.DueTime = nil
		} else {
			t.DueDate = opts.DueDate
		}
	}
	if opts.DueTime != nil {
		if *opts.DueTime == "" {
			t.DueTime = nil
		} else {
			t.DueTime = opts.DueTime
		}
	}
	if err := validateDuePtr(t.DueDate, t.DueTime); err != nil {
		return t, err
	}
	if opts.Status != "" && opts.Status != t.Status {
		if err := ensureTaskTransition(t.Status, opts.Status); err != nil {
			return t, err
		}
		t.Status = opts.Status
	}
	now := e.timestamp()
	t.UpdatedAt = now
	if t.Status == domain.TaskDone && original.Status != domain.TaskDone {
		t.CompletedAt = &now
	}
	if t.Status != domain.TaskDone {
		t.CompletedAt = nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", "task", t.ID, opts.ActorID, events.EventPayload{
		"from_status": original.Status,
		"to_status":   t.Status,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// CompleteTask marks a task done.
func (e Engine) CompleteTask(ctx context.Context, id, actorID string) (domain.Task, error) {
	return e.UpdateTask(ctx, TaskUpdateOptions{ID: id, Status: domain.TaskDone, ActorID: actorID})
}

// ensureTaskTransition keeps terminal tasks terminal except for an explicit
// reopen to backlog.
func ensureTaskTransition(oldStatus, newStatus string) error {
	if !domain.ValidTaskStatus(newStatus) {
		return fmt.Errorf("invalid task status %q", newStatus)
	}
	if domain.TerminalTaskStatus(oldStatus) && newStatus != domain.TaskBacklog {
		return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
	}
	return nil
}

func validateDue(dueDate, dueTime string) error {
	if dueDate == "" {
		if dueTime != "" {
			return errors.New("due time requires a due date")
		}
		return nil
	}
	if _, err := time.Parse(domain.DateLayout, dueDate); err != nil {
		return fmt.Errorf("invalid due date %q (want YYYY-MM-DD)", dueDate)
	}
	if dueTime != "" {
		if _, err := time.Parse(domain.TimeLayout, dueTime); err != nil {
			return fmt.Errorf("invalid due time %q (want HH:MM)", dueTime)
		}
	}
	return nil
}

func validateDuePtr(dueDate, dueTime *string) error {
	var d, tm string
	if dueDate != nil {
		d = *dueDate
	}
	if dueTime != nil {
		tm = *dueTime
	}
	return validateDue(d, tm)
}
