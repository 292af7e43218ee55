package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/andi/barkest/backend/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrRunNotFound is returned when a task run does not exist
var ErrRunNotFound = errors.New("task run not found")

// TaskRunRepo handles task run history
type TaskRunRepo struct {
	db *DB
}

// NewTaskRunRepo creates a new task run repository
func NewTaskRunRepo(db *DB) *TaskRunRepo {
	return &TaskRunRepo{db: db}
}

// StartRun records a new run
func (r *TaskRunRepo) StartRun(run *models.TaskRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = models.RunStatusRunning
	}

	return r.db.conn.Create(FromTaskRun(run)).Error
}

// FinishRun stores the final status of a run
func (r *TaskRunRepo) FinishRun(id, status, errText string) error {
	now := time.Now()
	result := r.db.conn.Model(&TaskRunModel{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       status,
		"error":        errText,
		"completed_at": now,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetByID retrieves a run by ID
func (r *TaskRunRepo) GetByID(id string) (*models.TaskRun, error) {
	var model TaskRunModel
	err := r.db.conn.Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.ToTaskRun(), nil
}

// List retrieves the most recent runs, optionally for one task name
func (r *TaskRunRepo) List(name string, limit, offset int) ([]*models.TaskRun, error) {
	query := r.db.conn.Model(&TaskRunModel{})
	if name != "" {
		query = query.Where("name = ?", name)
	}

	var modelList []TaskRunModel
	err := query.Order("started_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}

	runs := make([]*models.TaskRun, len(modelList))
	for i, model := range modelList {
		runs[i] = model.ToTaskRun()
	}
	return runs, nil
}

// Count counts runs, optionally for one task name
func (r *TaskRunRepo) Count(name string) (int, error) {
	query := r.db.conn.Model(&TaskRunModel{})
	if name != "" {
		query = query.Where("name = ?", name)
	}

	var count int64
	err := query.Count(&count).Error
	return int(count), err
}

// ResetRunning marks runs left running by a dead process as abandoned.
// Only call it while no process holds the global lock.
func (r *TaskRunRepo) ResetRunning() (int64, error) {
	now := time.Now()
	result := r.db.conn.Model(&TaskRunModel{}).
		Where("status = ?", models.RunStatusRunning).
		Updates(map[string]interface{}{
			"status":       models.RunStatusAbandoned,
			"error":        "process exited before the task finished",
			"completed_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reset running tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}
