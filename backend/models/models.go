package models

import (
	"time"
)

// Completion is what a session is shown once its task finishes
type Completion struct {
	RedirectURL string `json:"redirect_url"`
	ButtonLabel string `json:"button_label"`
}

// Poll is one answer to a status poll
type Poll struct {
	Error      bool    `json:"error"`
	Locked     bool    `json:"locked"`
	Status     string  `json:"status"`
	Percentage *string `json:"percentage"` // nil when no progress is reported
	Contents   string  `json:"contents"`
}

// TaskRun represents one invocation of a long-running task
type TaskRun struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	SessionID   string     `json:"session_id,omitempty"`
	Status      string     `json:"status"` // running, completed, failed, busy, panicked, abandoned
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Finished reports whether the run reached a final state
func (r *TaskRun) Finished() bool {
	return r.Status != RunStatusRunning
}

// RunStatus constants
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusBusy      = "busy"
	RunStatusPanicked  = "panicked"
	RunStatusAbandoned = "abandoned"
)

// TaskInfo describes a registered task for listings
type TaskInfo struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
}
