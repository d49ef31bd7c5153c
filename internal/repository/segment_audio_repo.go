package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmylchreest/shipper/internal/models"
	"gorm.io/gorm"
)

// segmentAudioRepo implements SegmentAudioRepository using GORM.
type segmentAudioRepo struct {
	db *gorm.DB
}

// NewSegmentAudioRepository creates a segment audio repository.
func NewSegmentAudioRepository(db *gorm.DB) *segmentAudioRepo {
	return &segmentAudioRepo{db: db}
}

// Create inserts a segment.
func (r *segmentAudioRepo) Create(ctx context.Context, segment *models.SegmentAudio) error {
	if err := segment.Validate(); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(segment).Error; err != nil {
		return fmt.Errorf("creating segment audio: %w", err)
	}
	return nil
}

// MarkReady records the segment's waveform object and marks it mixable.
func (r *segmentAudioRepo) MarkReady(ctx context.Context, id models.ULID, waveformKey string) error {
	res := r.db.WithContext(ctx).Model(&models.SegmentAudio{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"waveform_key": waveformKey,
			"state":        models.SegmentAudioStateReady,
		})
	if res.Error != nil {
		return fmt.Errorf("marking segment audio ready: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("segment audio %s not found", id)
	}
	return nil
}

// ListIntersecting returns segments with begin_at < to and end_at > from.
func (r *segmentAudioRepo) ListIntersecting(ctx context.Context, streamKey string, from, to time.Time) ([]*models.SegmentAudio, error) {
	var segments []*models.SegmentAudio
	err := r.db.WithContext(ctx).
		Where("stream_key = ? AND begin_at < ? AND end_at > ?", streamKey, to.UTC(), from.UTC()).
		Order("begin_at ASC").
		Find(&segments).Error
	if err != nil {
		return nil, fmt.Errorf("listing segment audio for %s: %w", streamKey, err)
	}
	return segments, nil
}

// DeleteEndedBefore deletes segments that ended before cutoff.
func (r *segmentAudioRepo) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("end_at < ?", cutoff.UTC()).
		Delete(&models.SegmentAudio{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting ended segment audio: %w", res.Error)
	}
	return res.RowsAffected, nil
}
