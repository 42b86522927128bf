package engine

import (
	"database/sql"
	"log/slog"
	"time"

	"taskpulse/internal/config"
	"taskpulse/internal/events"
	"taskpulse/internal/llm"
	"taskpulse/internal/repo"
)

// Engine owns the reminder core: stage scanning, the notification event
// store, the render pipeline and the followup generator. It holds no state of
// its own beyond what the repo persists; every entry point is a bounded,
// terminating unit of work that is safe to invoke redundantly.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Provider llm.Provider
	Log      *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, provider llm.Provider, log *slog.Logger) Engine {
	if log == nil {
		log = slog.Default()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Provider: provider,
		Log:      log,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) location() *time.Location {
	if e.Config != nil {
		return e.Config.Location()
	}
	return time.UTC
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
