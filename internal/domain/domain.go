package domain

import (
	"fmt"
	"time"
)

type Task struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"backlog,doing,waiting,done,canceled"`
	Priority    string  `json:"priority" enum:"low,normal,high,urgent"`
	DueDate     *string `json:"due_date,omitempty" format:"date"`
	DueTime     *string `json:"due_time,omitempty"`
	Source      string  `json:"source,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// NotificationEvent is one (task, stage) reminder obligation. The pair is the
// deduplication key: at most one row per key, ever, and rows are never deleted.
type NotificationEvent struct {
	ID           string  `json:"id"`
	Kind         string  `json:"kind"`
	TaskID       string  `json:"task_id"`
	Stage        string  `json:"stage"`
	PayloadJSON  string  `json:"payload_json"`
	Status       string  `json:"status" enum:"pending,rendered,delivered,failed"`
	RenderedText *string `json:"rendered_text,omitempty"`
	FailReason   *string `json:"fail_reason,omitempty"`
	Attempts     int     `json:"attempts"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	RenderedAt   *string `json:"rendered_at,omitempty" format:"date-time"`
}

// FollowupRun is one (slot, date) digest obligation, keyed the same way
// NotificationEvent is keyed by (task, stage).
type FollowupRun struct {
	ID          string  `json:"id"`
	Slot        string  `json:"slot" enum:"morning,noon,evening"`
	RunDate     string  `json:"run_date" format:"date"`
	StatsJSON   string  `json:"stats_json"`
	Status      string  `json:"status" enum:"pending,rendered,failed"`
	SummaryText *string `json:"summary_text,omitempty"`
	FailReason  *string `json:"fail_reason,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	RenderedAt  *string `json:"rendered_at,omitempty" format:"date-time"`
}

type Message struct {
	ID            string  `json:"id"`
	Role          string  `json:"role"`
	Content       string  `json:"content"`
	EventID       *string `json:"event_id,omitempty"`
	FollowupRunID *string `json:"followup_run_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Delivery struct {
	ID        string  `json:"id"`
	EventID   *string `json:"event_id,omitempty"`
	MessageID string  `json:"message_id"`
	Channel   string  `json:"channel"`
	Status    string  `json:"status" enum:"queued,sent,failed"`
	SentAt    *string `json:"sent_at,omitempty" format:"date-time"`
	Error     *string `json:"error,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// --- task status ---

const (
	TaskBacklog  = "backlog"
	TaskDoing    = "doing"
	TaskWaiting  = "waiting"
	TaskDone     = "done"
	TaskCanceled = "canceled"
)

var TaskStatuses = []string{TaskBacklog, TaskDoing, TaskWaiting, TaskDone, TaskCanceled}

// TerminalTaskStatus reports whether a task in this status is past the point
// of reminding.
func TerminalTaskStatus(status string) bool {
	return status == TaskDone || status == TaskCanceled
}

func ValidTaskStatus(status string) bool {
	for _, s := range TaskStatuses {
		if s == status {
			return true
		}
	}
	return false
}

var TaskPriorities = []string{"low", "normal", "high", "urgent"}

func ValidTaskPriority(p string) bool {
	for _, v := range TaskPriorities {
		if v == p {
			return true
		}
	}
	return false
}

// --- reminder stages ---

// Stage identifies one time-relative reminder threshold. Date stages match an
// exact calendar-day distance; time stages match a remaining-duration window
// and require a due time on the task.
type Stage string

const (
	StageD7      Stage = "D-7"
	StageD3      Stage = "D-3"
	StageD1      Stage = "D-1"
	StageD0      Stage = "D-0"
	StageT2H     Stage = "T-2H"
	StageT30M    Stage = "T-30M"
	StageOverdue Stage = "OVERDUE"
)

// Stages in urgency order, most urgent first. Used for stable candidate
// ordering inside a single scan.
var Stages = []Stage{StageOverdue, StageT30M, StageT2H, StageD0, StageD1, StageD3, StageD7}

func ValidStage(s Stage) bool {
	for _, v := range Stages {
		if v == s {
			return true
		}
	}
	return false
}

// StageRank orders stages by urgency; unknown stages sort last.
func StageRank(s Stage) int {
	for i, v := range Stages {
		if v == s {
			return i
		}
	}
	return len(Stages)
}

// --- notification event status ---

const (
	EventPending   = "pending"
	EventRendered  = "rendered"
	EventDelivered = "delivered"
	EventFailed    = "failed"
)

// AllowedEventTransition enforces the notification state machine:
// pending -> rendered|failed, rendered -> delivered|failed. Terminal states
// never regress.
func AllowedEventTransition(from, to string) bool {
	switch from {
	case EventPending:
		return to == EventRendered || to == EventFailed
	case EventRendered:
		return to == EventDelivered || to == EventFailed
	default:
		return false
	}
}

// --- followup slots ---

type Slot string

const (
	SlotMorning Slot = "morning"
	SlotNoon    Slot = "noon"
	SlotEvening Slot = "evening"
)

var Slots = []Slot{SlotMorning, SlotNoon, SlotEvening}

func ParseSlot(s string) (Slot, error) {
	for _, v := range Slots {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid slot %q (expected morning, noon or evening)", s)
}

// --- event kinds ---

const (
	KindDeadlineReminder = "task_deadline_reminder"
	KindFollowupSummary  = "followup_summary"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// DueDay returns the task due date as a midnight instant in loc.
func (t Task) DueDay(loc *time.Location) (time.Time, bool) {
	if t.DueDate == nil || *t.DueDate == "" {
		return time.Time{}, false
	}
	d, err := time.ParseInLocation(DateLayout, *t.DueDate, loc)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// DueInstant combines due date and due time into one instant in loc. The
// second return is false when either part is missing or malformed.
func (t Task) DueInstant(loc *time.Location) (time.Time, bool) {
	day, ok := t.DueDay(loc)
	if !ok || t.DueTime == nil || *t.DueTime == "" {
		return time.Time{}, false
	}
	tt, err := time.Parse(TimeLayout, *t.DueTime)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), tt.Hour(), tt.Minute(), 0, 0, loc), true
}
