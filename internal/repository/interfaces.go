// Package repository holds the GORM-backed chain registry and the segment
// audio source that feeds the mixer.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/shipper/internal/models"
)

// ChainRepository persists the stream key to upstream chain registry.
type ChainRepository interface {
	Create(ctx context.Context, chain *models.Chain) error
	GetByStreamKey(ctx context.Context, streamKey string) (*models.Chain, error)
	// ExistsForStreamKey reports whether an active chain is registered for the key.
	ExistsForStreamKey(ctx context.Context, streamKey string) (bool, error)
	// ListStreamKeys returns the keys of every active chain, sorted.
	ListStreamKeys(ctx context.Context) ([]string, error)
	UpdateState(ctx context.Context, streamKey string, state models.ChainState) error
}

// SegmentAudioRepository persists the waveform metadata of fabricated segments.
type SegmentAudioRepository interface {
	Create(ctx context.Context, segment *models.SegmentAudio) error
	MarkReady(ctx context.Context, id models.ULID, waveformKey string) error
	// ListIntersecting returns the segments overlapping [from, to), oldest first.
	ListIntersecting(ctx context.Context, streamKey string, from, to time.Time) ([]*models.SegmentAudio, error)
	// DeleteEndedBefore removes segments that ended before cutoff.
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
