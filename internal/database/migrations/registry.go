package migrations

import (
	"gorm.io/gorm"

	"github.com/reelworks/reelpool/internal/models"
)

// All returns every known migration in registration order.
func All() []Migration {
	return []Migration{
		{
			Version:     "001_playback_positions",
			Description: "create the playback_positions table",
			Up: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.PlaybackPosition{})
			},
			Down: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&models.PlaybackPosition{})
			},
		},
	}
}
