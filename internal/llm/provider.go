package llm

import (
	"context"
	"errors"
	"fmt"

	"taskpulse/internal/config"
)

// Kind distinguishes the payload shapes a provider can render.
type Kind string

const (
	KindReminder Kind = "reminder"
	KindFollowup Kind = "followup"
)

// Provider turns a JSON payload into human-readable notification text.
// Implementations must classify failures as transient or permanent so the
// pipeline can decide whether a retry is worth anything.
type Provider interface {
	Render(ctx context.Context, kind Kind, payload []byte) (string, error)
	Name() string
}

// TransientError wraps failures worth retrying: timeouts, rate limits,
// connectivity.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps failures no retry can fix: rejected requests,
// malformed responses.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// New selects the configured render backend.
func New(cfg *config.Config) (Provider, error) {
	switch cfg.Render.Backend {
	case "template":
		return NewTemplateProvider(), nil
	case "openai":
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported render backend %q", cfg.Render.Backend)
	}
}
