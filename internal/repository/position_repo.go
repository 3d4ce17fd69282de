// Package repository provides data access for persisted reelpool entities.
package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/reelworks/reelpool/internal/models"
)

// PositionRepository stores playback resume points.
type PositionRepository interface {
	// Save upserts the position for a content ID.
	Save(ctx context.Context, pos *models.PlaybackPosition) error
	// Get returns the position for a content ID, models.ErrNotFound when
	// the item has never been watched.
	Get(ctx context.Context, contentID string) (*models.PlaybackPosition, error)
	// Delete removes the position for a content ID.
	Delete(ctx context.Context, contentID string) error
	// List returns the most recently watched positions, newest first.
	List(ctx context.Context, limit int) ([]models.PlaybackPosition, error)
	// PruneStale deletes positions not watched within olderThan. Returns
	// the number of rows removed.
	PruneStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type positionRepo struct {
	db *gorm.DB
}

// NewPositionRepository creates a position repository.
func NewPositionRepository(db *gorm.DB) PositionRepository {
	return &positionRepo{db: db}
}

func (r *positionRepo) Save(ctx context.Context, pos *models.PlaybackPosition) error {
	if pos.WatchedAt.IsZero() {
		pos.WatchedAt = time.Now()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "content_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"position", "duration", "watched_at", "updated_at",
			}),
		}).
		Create(pos).Error
}

func (r *positionRepo) Get(ctx context.Context, contentID string) (*models.PlaybackPosition, error) {
	var pos models.PlaybackPosition
	err := r.db.WithContext(ctx).
		Where("content_id = ?", contentID).
		First(&pos).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &pos, nil
}

func (r *positionRepo) Delete(ctx context.Context, contentID string) error {
	return r.db.WithContext(ctx).
		Where("content_id = ?", contentID).
		Delete(&models.PlaybackPosition{}).Error
}

func (r *positionRepo) List(ctx context.Context, limit int) ([]models.PlaybackPosition, error) {
	var positions []models.PlaybackPosition
	q := r.db.WithContext(ctx).Order("watched_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

func (r *positionRepo) PruneStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := r.db.WithContext(ctx).
		Where("watched_at < ?", cutoff).
		Delete(&models.PlaybackPosition{})
	return res.RowsAffected, res.Error
}
