package chat

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrAlreadyFinalized = errors.New("session already finalized")
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, s *Session) error {
	if s.Status == "" {
		s.Status = StatusPending
	}
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetByID(ctx context.Context, sessionID string) (*Session, error) {
	id, err := strconv.ParseUint(sessionID, 10, 64)
	if err != nil {
		return nil, ErrNotFound
	}
	var s Session
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// FinalizeSession writes output, status, error and finished_at in one update.
// Only a row whose finished_at is still null is touched.
func (r *Repo) FinalizeSession(ctx context.Context, sessionID string, out Outcome) error {
	id, err := strconv.ParseUint(sessionID, 10, 64)
	if err != nil {
		return ErrNotFound
	}

	var errCol any
	if out.Error != "" {
		errCol = out.Error
	}
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND finished_at IS NULL", id).
		Updates(map[string]any{
			"output":      out.Output,
			"status":      out.Status(),
			"error":       errCol,
			"finished_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := r.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrAlreadyFinalized
	}
	return nil
}

// ListByUser returns the user's sessions newest first.
func (r *Repo) ListByUser(ctx context.Context, userID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
