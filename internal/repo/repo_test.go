package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"taskpulse/internal/db"
	"taskpulse/internal/domain"
	"taskpulse/internal/migrate"
	"taskpulse/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func ts() string { return time.Now().UTC().Format(time.RFC3339) }

func seedTask(t *testing.T, r repo.Repo) domain.Task {
	t.Helper()
	task := domain.Task{
		ID:        uuid.New().String(),
		Title:     "seed",
		Status:    domain.TaskBacklog,
		Priority:  "normal",
		CreatedAt: ts(),
		UpdatedAt: ts(),
	}
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.InsertTask(context.Background(), tx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return task
}

func seedEvent(t *testing.T, r repo.Repo, taskID string, stage domain.Stage) domain.NotificationEvent {
	t.Helper()
	ev := domain.NotificationEvent{
		ID:          uuid.New().String(),
		Kind:        domain.KindDeadlineReminder,
		TaskID:      taskID,
		Stage:       string(stage),
		PayloadJSON: "{}",
		CreatedAt:   ts(),
	}
	created, err := r.TryCreateEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	if !created {
		t.Fatal("expected event to be created")
	}
	return ev
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func TestTryCreateEventDeduplicates(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	task := seedTask(t, r)
	seedEvent(t, r, task.ID, domain.StageD1)

	dup := domain.NotificationEvent{
		ID:          uuid.New().String(),
		Kind:        domain.KindDeadlineReminder,
		TaskID:      task.ID,
		Stage:       string(domain.StageD1),
		PayloadJSON: "{}",
		CreatedAt:   ts(),
	}
	created, err := r.TryCreateEvent(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate insert must not error: %v", err)
	}
	if created {
		t.Fatal("duplicate (task, stage) must not create a second event")
	}

	// A different stage for the same task is a new key.
	other := dup
	other.ID = uuid.New().String()
	other.Stage = string(domain.StageD0)
	created, err = r.TryCreateEvent(ctx, other)
	if err != nil || !created {
		t.Fatalf("distinct stage should create: created=%v err=%v", created, err)
	}
}

func TestEventTransitions(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	task := seedTask(t, r)
	ev := seedEvent(t, r, task.ID, domain.StageD0)

	// pending -> rendered -> delivered is the happy path.
	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.MarkEventRendered(ctx, tx, ev.ID, "hello", ts())
	}); err != nil {
		t.Fatalf("mark rendered: %v", err)
	}
	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.MarkEventDelivered(ctx, tx, ev.ID)
	}); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	// Terminal states reject every further edge, loudly.
	err := inTx(t, r, func(tx *sql.Tx) error {
		return r.MarkEventRendered(ctx, tx, ev.ID, "again", ts())
	})
	if !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("re-render of delivered event: err = %v, want ErrInvalidTransition", err)
	}
	if err := r.MarkEventFailed(ctx, ev.ID, "late failure"); !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("fail of delivered event: err = %v, want ErrInvalidTransition", err)
	}

	got, err := r.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.EventDelivered {
		t.Fatalf("status = %s, want delivered to survive illegal edges", got.Status)
	}
}

func TestEventCannotSkipRendered(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	task := seedTask(t, r)
	ev := seedEvent(t, r, task.ID, domain.StageD0)

	err := inTx(t, r, func(tx *sql.Tx) error {
		return r.MarkEventDelivered(ctx, tx, ev.ID)
	})
	if !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("pending -> delivered: err = %v, want ErrInvalidTransition", err)
	}
}

func TestEventTransitionMissingRow(t *testing.T) {
	r := newTestRepo(t)
	err := inTx(t, r, func(tx *sql.Tx) error {
		return r.MarkEventRendered(context.Background(), tx, "no-such-id", "x", ts())
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFailedEventKeepsRow(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	task := seedTask(t, r)
	ev := seedEvent(t, r, task.ID, domain.StageT30M)

	if err := r.MarkEventFailed(ctx, ev.ID, "provider down"); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetEventByKey(ctx, task.ID, domain.StageT30M)
	if err != nil {
		t.Fatalf("failed event must stay queryable by key: %v", err)
	}
	if got.Status != domain.EventFailed || got.FailReason == nil {
		t.Fatalf("event = %+v, want failed with reason", got)
	}

	// The burned key still blocks re-creation.
	created, err := r.TryCreateEvent(ctx, domain.NotificationEvent{
		ID: uuid.New().String(), Kind: domain.KindDeadlineReminder,
		TaskID: task.ID, Stage: string(domain.StageT30M), PayloadJSON: "{}", CreatedAt: ts(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("failed event must still deduplicate its key")
	}
}

func TestFollowupRunTransitions(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	fr := domain.FollowupRun{
		ID:        uuid.New().String(),
		Slot:      string(domain.SlotMorning),
		RunDate:   "2026-06-10",
		StatsJSON: "{}",
		CreatedAt: ts(),
	}
	created, err := r.TryCreateFollowupRun(ctx, fr)
	if err != nil || !created {
		t.Fatalf("create run: created=%v err=%v", created, err)
	}

	// Same slot and date deduplicates.
	dup := fr
	dup.ID = uuid.New().String()
	created, err = r.TryCreateFollowupRun(ctx, dup)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("duplicate (slot, date) must not create a second run")
	}

	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.MarkFollowupRendered(ctx, tx, fr.ID, "summary", ts())
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkFollowupFailed(ctx, fr.ID, "too late"); !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("fail of rendered run: err = %v, want ErrInvalidTransition", err)
	}
}
