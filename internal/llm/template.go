package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// TemplateProvider renders deterministic text locally. It is the default
// backend: no network, no key, never a transient failure.
type TemplateProvider struct{}

var _ Provider = (*TemplateProvider)(nil)

func NewTemplateProvider() *TemplateProvider { return &TemplateProvider{} }

func (p *TemplateProvider) Name() string { return "template" }

func (p *TemplateProvider) Render(ctx context.Context, kind Kind, payload []byte) (string, error) {
	switch kind {
	case KindReminder:
		return renderReminder(payload)
	case KindFollowup:
		return renderFollowup(payload)
	default:
		return "", &PermanentError{Err: fmt.Errorf("unknown render kind %q", kind)}
	}
}

type reminderPayload struct {
	Stage string `json:"stage"`
	Task  struct {
		Title    string  `json:"title"`
		Priority string  `json:"priority"`
		DueDate  *string `json:"due_date"`
		DueTime  *string `json:"due_time"`
	} `json:"task"`
}

func renderReminder(payload []byte) (string, error) {
	var rp reminderPayload
	if err := json.Unmarshal(payload, &rp); err != nil {
		return "", &PermanentError{Err: fmt.Errorf("reminder payload: %w", err)}
	}
	if rp.Task.Title == "" {
		return "", &PermanentError{Err: fmt.Errorf("reminder payload has no task title")}
	}
	due := ""
	if rp.Task.DueDate != nil {
		due = *rp.Task.DueDate
		if rp.Task.DueTime != nil {
			due += " " + *rp.Task.DueTime
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", rp.Stage, rp.Task.Title)
	if due != "" {
		fmt.Fprintf(&b, " (due %s)", due)
	}
	b.WriteString("\n")
	switch rp.Stage {
	case "OVERDUE":
		b.WriteString("This task is past its deadline. Decide now: finish it, reschedule it, or drop it.")
	case "T-30M", "T-2H":
		b.WriteString("The deadline is close. Pick the smallest next step and start it.")
	default:
		b.WriteString("Block 15 minutes today to move this forward.")
	}
	if rp.Task.Priority == "high" || rp.Task.Priority == "urgent" {
		b.WriteString(" Priority: " + rp.Task.Priority + ".")
	}
	return b.String(), nil
}

type followupPayload struct {
	Slot  string `json:"slot"`
	Stats struct {
		Active         int `json:"active"`
		Doing          int `json:"doing"`
		DueToday       int `json:"due_today"`
		Overdue        int `json:"overdue"`
		CompletedSince int `json:"completed_since"`
	} `json:"stats"`
}

func renderFollowup(payload []byte) (string, error) {
	var fp followupPayload
	if err := json.Unmarshal(payload, &fp); err != nil {
		return "", &PermanentError{Err: fmt.Errorf("followup payload: %w", err)}
	}
	s := fp.Stats
	lines := []string{fmt.Sprintf("[%s] follow-up", fp.Slot)}
	if s.Active == 0 {
		lines = append(lines, "- No pending tasks. Enjoy the slack or plan ahead.")
		return strings.Join(lines, "\n"), nil
	}
	switch fp.Slot {
	case "morning":
		if s.Overdue > 0 {
			lines = append(lines, fmt.Sprintf("- Overdue: %d", s.Overdue))
		}
		if s.DueToday > 0 {
			lines = append(lines, fmt.Sprintf("- Due today: %d", s.DueToday))
		}
		if s.Doing > 0 {
			lines = append(lines, fmt.Sprintf("- In progress: %d", s.Doing))
		}
		lines = append(lines, "- Pick one top priority for today.")
	case "noon":
		lines = append(lines, "- Midday check: if something is stuck, cut the next step smaller.")
		if s.DueToday > 0 {
			lines = append(lines, fmt.Sprintf("- Still due today: %d", s.DueToday))
		}
	default:
		lines = append(lines, "- Evening check: collect what is unfinished and stage tomorrow's start.")
		if s.DueToday > 0 {
			lines = append(lines, fmt.Sprintf("- Still due today: %d", s.DueToday))
		}
		if s.CompletedSince > 0 {
			lines = append(lines, fmt.Sprintf("- Completed since last check-in: %d", s.CompletedSince))
		}
	}
	return strings.Join(lines, "\n"), nil
}
