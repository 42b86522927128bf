package server

import (
	"taskpulse/internal/domain"
)

type taskCreateBody struct {
	Title       string `json:"title" minLength:"1"`
	Description string `json:"description,omitempty" required:"false"`
	Priority    string `json:"priority,omitempty" required:"false" enum:",low,normal,high,urgent"`
	DueDate     string `json:"due_date,omitempty" required:"false"`
	DueTime     string `json:"due_time,omitempty" required:"false"`
}

type taskUpdateBody struct {
	Title       *string `json:"title,omitempty" required:"false"`
	Description *string `json:"description,omitempty" required:"false"`
	Status      string  `json:"status,omitempty" required:"false" enum:",backlog,doing,waiting,done,canceled"`
	Priority    string  `json:"priority,omitempty" required:"false" enum:",low,normal,high,urgent"`
	DueDate     *string `json:"due_date,omitempty" required:"false"`
	DueTime     *string `json:"due_time,omitempty" required:"false"`
}

type taskResponse struct {
	Body domain.Task `json:"body"`
}

type taskListBody struct {
	Tasks []domain.Task `json:"tasks"`
}

type taskListResponse struct {
	Body taskListBody `json:"body"`
}

type scanResultBody struct {
	Created  int `json:"created"`
	Rendered int `json:"rendered"`
	Failed   int `json:"failed"`
}

type followupBody struct {
	Run     domain.FollowupRun `json:"run"`
	Created bool               `json:"created"`
}

type followupResponse struct {
	Body followupBody `json:"body"`
}

type followupListBody struct {
	Runs []domain.FollowupRun `json:"runs"`
}

type followupListResponse struct {
	Body followupListBody `json:"body"`
}

type notificationListBody struct {
	Notifications []domain.NotificationEvent `json:"notifications"`
}

type notificationListResponse struct {
	Body notificationListBody `json:"body"`
}

type messageListBody struct {
	Messages []domain.Message `json:"messages"`
}

type messageListResponse struct {
	Body messageListBody `json:"body"`
}

type logBody struct {
	Events []domain.Event `json:"events"`
}

type logResponse struct {
	Body logBody `json:"body"`
}
