package migrations

import (
	"github.com/jmylchreest/shipper/internal/models"
	"gorm.io/gorm"
)

const segmentWindowIndex = "idx_segment_window"

// Shipper returns the shipper schema history.
func Shipper() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "chains and segment audio",
			Up: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.Chain{}, &models.SegmentAudio{})
			},
			Down: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&models.SegmentAudio{}, &models.Chain{})
			},
		},
		{
			// Databases created before the index was declared on the model lack it.
			Version: 2,
			Name:    "segment window index",
			Up: func(tx *gorm.DB) error {
				if tx.Migrator().HasIndex(&models.SegmentAudio{}, segmentWindowIndex) {
					return nil
				}
				return tx.Migrator().CreateIndex(&models.SegmentAudio{}, segmentWindowIndex)
			},
			Down: func(tx *gorm.DB) error {
				if !tx.Migrator().HasIndex(&models.SegmentAudio{}, segmentWindowIndex) {
					return nil
				}
				return tx.Migrator().DropIndex(&models.SegmentAudio{}, segmentWindowIndex)
			},
		},
	}
}
