package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"taskpulse/internal/config"
	"taskpulse/internal/db"
	"taskpulse/internal/domain"
	"taskpulse/internal/engine"
	"taskpulse/internal/llm"
	"taskpulse/internal/migrate"
)

// fakeProvider renders deterministic text and fails on demand.
type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	failFor func(kind llm.Kind, payload []byte) error
}

func (p *fakeProvider) Render(ctx context.Context, kind llm.Kind, payload []byte) (string, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.failFor != nil {
		if err := p.failFor(kind, payload); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("rendered %s", kind), nil
}

func (p *fakeProvider) Name() string { return "fake" }

type testEnv struct {
	Engine   engine.Engine
	Provider *fakeProvider
	Ctx      context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	provider := &fakeProvider{}
	eng := engine.New(conn, cfg, provider, nil)
	eng.Now = func() time.Time { return time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Provider: provider, Ctx: context.Background()}
}

func (env *testEnv) createTask(t *testing.T, title, dueDate, dueTime string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title:   title,
		DueDate: dueDate,
		DueTime: dueTime,
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create task %q: %v", title, err)
	}
	return task
}

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "write report", "", "")
	if task.Status != domain.TaskBacklog {
		t.Fatalf("status = %q, want backlog", task.Status)
	}
	if task.Priority != "normal" {
		t.Fatalf("priority = %q, want normal", task.Priority)
	}
	if task.ID == "" {
		t.Fatal("expected generated id")
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ActorID: "tester"}); err == nil {
		t.Fatal("expected error for missing title")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "x", Priority: "extreme", ActorID: "tester"}); err == nil {
		t.Fatal("expected error for bad priority")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "x", DueDate: "June 1", ActorID: "tester"}); err == nil {
		t.Fatal("expected error for bad due date")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "x", DueTime: "14:00", ActorID: "tester"}); err == nil {
		t.Fatal("expected error for due time without due date")
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "do work", "", "")

	task, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: domain.TaskDoing, ActorID: "tester"})
	if err != nil || task.Status != domain.TaskDoing {
		t.Fatalf("to doing: %v", err)
	}
	task, err = env.Engine.CompleteTask(env.Ctx, task.ID, "tester")
	if err != nil || task.Status != domain.TaskDone {
		t.Fatalf("to done: %v", err)
	}
	if task.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}

	// terminal tasks only reopen to backlog
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: domain.TaskDoing, ActorID: "tester"}); err == nil {
		t.Fatal("expected transition error from done to doing")
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: domain.TaskBacklog, ActorID: "tester"})
	if err != nil || task.Status != domain.TaskBacklog {
		t.Fatalf("reopen: %v", err)
	}
	if task.CompletedAt != nil {
		t.Fatal("expected completed_at cleared on reopen")
	}
}

func TestUpdateTaskClearsDue(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "with due", "2026-06-20", "14:00")
	empty := ""
	task, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, DueDate: &empty, ActorID: "tester"})
	if err != nil {
		t.Fatalf("clear due: %v", err)
	}
	if task.DueDate != nil || task.DueTime != nil {
		t.Fatalf("due not cleared: date=%v time=%v", task.DueDate, task.DueTime)
	}
}
