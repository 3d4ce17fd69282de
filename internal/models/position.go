package models

import (
	"time"

	"gorm.io/gorm"
)

// PlaybackPosition is the persisted resume point for one feed item. One row
// per content ID; re-watching the same item updates the row in place.
type PlaybackPosition struct {
	ID        ULID          `gorm:"primarykey;size:26" json:"id"`
	ContentID string        `gorm:"uniqueIndex;not null;size:255" json:"content_id"`
	Position  time.Duration `gorm:"not null" json:"position"`
	Duration  time.Duration `json:"duration"`
	WatchedAt time.Time     `gorm:"index;not null" json:"watched_at"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// TableName returns the table name for playback positions.
func (PlaybackPosition) TableName() string {
	return "playback_positions"
}

// BeforeCreate assigns a ULID primary key when missing.
func (p *PlaybackPosition) BeforeCreate(tx *gorm.DB) error {
	if p.ID.IsZero() {
		p.ID = NewULID()
	}
	return nil
}

// Completed reports whether playback got close enough to the end that
// resuming makes no sense; such items restart from zero.
func (p *PlaybackPosition) Completed() bool {
	if p.Duration <= 0 {
		return false
	}
	return p.Position >= p.Duration-(3*time.Second)
}
