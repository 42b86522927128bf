package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"taskpulse/internal/config"
	"taskpulse/internal/domain"
	"taskpulse/internal/engine"
)

// Scheduler drives the engine on wall-clock time: a periodic reminder scan
// plus one followup digest per configured slot. All state lives in the
// database, so restarts and multiple instances are safe; the unique keys in
// the store absorb duplicate triggers.
type Scheduler struct {
	Engine engine.Engine
	Config *config.Config
	Log    *slog.Logger
	Now    func() time.Time

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
}

func New(e engine.Engine, cfg *config.Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{Engine: e, Config: cfg, Log: log, Now: time.Now}
}

// Start launches the tick loop in a goroutine. It runs one scan immediately,
// then wakes every minute to check the slot schedule and every scan interval
// to look for newly due stages. Stop or ctx cancellation ends the loop.
// A scheduler is one-shot: once stopped it stays stopped.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	go s.run(ctx, s.stop)
}

// Stop signals the loop to exit. Safe to call more than once, and
// concurrently with the running loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil || s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)
}

func (s *Scheduler) run(ctx context.Context, stop <-chan struct{}) {
	s.tickScan(ctx)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	lastScan := s.Now()
	for {
		select {
		case now := <-ticker.C:
			if now.Sub(lastScan) >= s.Config.ScanInterval() {
				s.tickScan(ctx)
				lastScan = now
			}
			s.tickSlots(ctx, now)
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	}
}

// tickScan runs one scan-then-render cycle. Errors are logged, not fatal;
// the next tick retries from the store's persisted state.
func (s *Scheduler) tickScan(ctx context.Context) {
	now := s.Now()
	created, err := s.Engine.ScanReminders(ctx, now)
	if err != nil {
		s.Log.Error("scheduled reminder scan failed", "error", err)
		return
	}
	sum, err := s.Engine.RenderPending(ctx)
	if err != nil {
		s.Log.Error("scheduled render pass failed", "error", err)
		return
	}
	if created > 0 || sum.Rendered > 0 || sum.Failed > 0 {
		s.Log.Info("scheduled cycle completed", "created", created, "rendered", sum.Rendered, "failed", sum.Failed)
	}
}

// tickSlots fires each followup slot once its trigger time has passed today.
// GenerateFollowup is idempotent per (slot, date), so checking every minute
// costs only a duplicate-key no-op after the first firing.
func (s *Scheduler) tickSlots(ctx context.Context, now time.Time) {
	loc := s.Config.Location()
	now = now.In(loc)
	for _, slot := range domain.Slots {
		hour, minute, err := s.Config.SlotTime(string(slot))
		if err != nil {
			continue
		}
		trigger := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
		if now.Before(trigger) {
			continue
		}
		run, created, err := s.Engine.GenerateFollowup(ctx, slot, now)
		if err != nil {
			s.Log.Error("scheduled followup failed", "slot", slot, "error", err)
			continue
		}
		if created {
			s.Log.Info("followup generated", "slot", slot, "date", run.RunDate, "status", run.Status)
		}
	}
}
