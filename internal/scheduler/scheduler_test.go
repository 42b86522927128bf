package scheduler

import (
	"context"
	"testing"
	"time"

	"taskpulse/internal/config"
	"taskpulse/internal/db"
	"taskpulse/internal/engine"
	"taskpulse/internal/llm"
	"taskpulse/internal/migrate"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	provider, err := llm.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	e := engine.New(conn, cfg, provider, nil)
	return New(e, cfg, nil)
}

func TestStopWhileRunning(t *testing.T) {
	s := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	// Stop races with the freshly started loop; both paths must agree
	// on the stop channel without touching it after close.
	s.Stop()
	s.Stop()

	// Once stopped the scheduler stays stopped.
	s.Start(ctx)
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if !stopped {
		t.Fatal("scheduler restarted after Stop")
	}
}

func TestTickSlotsFiresDueSlotsOnce(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()

	// 13:00 UTC: morning (08:00) and noon (12:30) have passed, evening has not.
	now := time.Date(2026, 6, 10, 13, 0, 0, 0, time.UTC)
	s.tickSlots(ctx, now)

	runs, err := s.Engine.Repo.ListFollowupRuns(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want morning and noon", len(runs))
	}

	// Ticking again a minute later changes nothing.
	s.tickSlots(ctx, now.Add(time.Minute))
	runs, err = s.Engine.Repo.ListFollowupRuns(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("after re-tick got %d runs, want 2", len(runs))
	}

	// Past the evening trigger the third run appears.
	s.tickSlots(ctx, time.Date(2026, 6, 10, 19, 1, 0, 0, time.UTC))
	runs, err = s.Engine.Repo.ListFollowupRuns(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("after evening got %d runs, want 3", len(runs))
	}
}

func TestTickScanRendersCreatedEvents(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	s.Engine.Now = func() time.Time { return time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC) }
	s.Now = s.Engine.Now

	if _, err := s.Engine.CreateTask(ctx, engine.TaskCreateOptions{
		Title:   "due tomorrow",
		DueDate: "2026-06-11",
		ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}

	s.tickScan(ctx)

	pending, err := s.Engine.Repo.ListPendingEvents(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("%d events still pending after a cycle", len(pending))
	}
	msgs, err := s.Engine.Repo.ListMessages(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}
