package database

import (
	"time"

	"github.com/andi/barkest/backend/models"
)

// SessionModel holds the poll state of one web session
type SessionModel struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)"`
	ReadPosition int64     `gorm:"not null;default:0"` // byte offset into the status log
	RedirectURL  string    `gorm:"type:varchar(2048)"`
	ButtonLabel  string    `gorm:"type:varchar(255)"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"index"`
}

func (SessionModel) TableName() string {
	return "sessions"
}

// TaskRunModel represents one task run in the database
type TaskRunModel struct {
	ID          string     `gorm:"primaryKey;type:varchar(36)"`
	Name        string     `gorm:"type:varchar(100);not null;index"`
	SessionID   string     `gorm:"type:varchar(64)"`
	Status      string     `gorm:"type:varchar(20);not null;index"`
	Message     string     `gorm:"type:text"`
	Error       string     `gorm:"type:text"`
	StartedAt   time.Time  `gorm:"not null;index"`
	CompletedAt *time.Time
}

func (TaskRunModel) TableName() string {
	return "task_runs"
}

// ToTaskRun converts TaskRunModel to models.TaskRun
func (m *TaskRunModel) ToTaskRun() *models.TaskRun {
	return &models.TaskRun{
		ID:          m.ID,
		Name:        m.Name,
		SessionID:   m.SessionID,
		Status:      m.Status,
		Message:     m.Message,
		Error:       m.Error,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
}

// FromTaskRun converts models.TaskRun to TaskRunModel
func FromTaskRun(r *models.TaskRun) *TaskRunModel {
	return &TaskRunModel{
		ID:          r.ID,
		Name:        r.Name,
		SessionID:   r.SessionID,
		Status:      r.Status,
		Message:     r.Message,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}
