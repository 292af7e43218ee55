package database

import (
	"errors"
	"time"

	"github.com/andi/barkest/backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionRepo stores poll cursors and completions so they survive restarts
// and are shared by every process using the same database
type SessionRepo struct {
	db *DB
}

// NewSessionRepo creates a new session repository
func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) find(id string) (*SessionModel, error) {
	var model SessionModel
	err := r.db.conn.Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// upsert inserts the session or updates only the given columns
func (r *SessionRepo) upsert(model *SessionModel, columns ...string) error {
	model.UpdatedAt = time.Now()
	return r.db.conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(append(columns, "updated_at")),
	}).Create(model).Error
}

func (r *SessionRepo) Cursor(sessionID string) (int64, error) {
	model, err := r.find(sessionID)
	if err != nil || model == nil {
		return 0, err
	}
	return model.ReadPosition, nil
}

func (r *SessionRepo) SetCursor(sessionID string, pos int64) error {
	return r.upsert(&SessionModel{ID: sessionID, ReadPosition: pos}, "read_position")
}

func (r *SessionRepo) Completion(sessionID string) (models.Completion, error) {
	model, err := r.find(sessionID)
	if err != nil || model == nil {
		return models.Completion{}, err
	}
	return models.Completion{RedirectURL: model.RedirectURL, ButtonLabel: model.ButtonLabel}, nil
}

func (r *SessionRepo) SetCompletion(sessionID string, c models.Completion) error {
	model := &SessionModel{ID: sessionID, RedirectURL: c.RedirectURL, ButtonLabel: c.ButtonLabel}
	return r.upsert(model, "redirect_url", "button_label")
}

// PurgeExpired deletes sessions not written to within ttl
func (r *SessionRepo) PurgeExpired(ttl time.Duration) (int64, error) {
	result := r.db.conn.Where("updated_at < ?", time.Now().Add(-ttl)).Delete(&SessionModel{})
	return result.RowsAffected, result.Error
}

// Count returns the number of stored sessions
func (r *SessionRepo) Count() (int, error) {
	var count int64
	err := r.db.conn.Model(&SessionModel{}).Count(&count).Error
	return int(count), err
}
