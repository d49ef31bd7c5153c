package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/shipper/internal/audio"
	"github.com/jmylchreest/shipper/internal/models"
	"github.com/jmylchreest/shipper/internal/observability"
	"github.com/jmylchreest/shipper/internal/storage"
)

// defaultCachedWaveforms bounds the decoded waveforms kept between ticks.
const defaultCachedWaveforms = 64

// AudioSource serves segment audio rows with their decoded waveforms.
type AudioSource struct {
	segments SegmentAudioRepository
	store    storage.ObjectStore
	bucket   string
	logger   *slog.Logger

	mu       sync.Mutex
	cache    map[string]audio.Buffer
	order    []string
	capacity int
}

// NewAudioSource creates a segment audio source reading waveforms from bucket.
func NewAudioSource(segments SegmentAudioRepository, store storage.ObjectStore, bucket string, logger *slog.Logger) *AudioSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &AudioSource{
		segments: segments,
		store:    store,
		bucket:   bucket,
		logger:   observability.WithComponent(logger, "audio_source"),
		cache:    make(map[string]audio.Buffer),
		capacity: defaultCachedWaveforms,
	}
}

// GetAllIntersecting returns the segments overlapping [from, to). Ready segments
// carry their PCM; a ready row whose waveform is not in the store yet is reported
// as not ready.
func (s *AudioSource) GetAllIntersecting(ctx context.Context, streamKey string, from, to time.Time) ([]audio.SourceAudio, error) {
	rows, err := s.segments.ListIntersecting(ctx, streamKey, from, to)
	if err != nil {
		return nil, err
	}

	out := make([]audio.SourceAudio, 0, len(rows))
	for _, row := range rows {
		src := audio.SourceAudio{
			ID:        row.ID.String(),
			StreamKey: row.StreamKey,
			BeginAt:   row.BeginAt.UTC(),
			EndAt:     row.EndAt.UTC(),
			FrameRate: row.FrameRate,
			Channels:  row.Channels,
			PreRoll:   time.Duration(row.PreRollMicros) * time.Microsecond,
			Ready:     row.IsReady(),
		}
		if src.Ready {
			pcm, err := s.waveform(ctx, row.WaveformKey)
			switch {
			case errors.Is(err, storage.ErrObjectNotFound):
				s.logger.DebugContext(ctx, "waveform not uploaded yet",
					slog.String("segment_id", src.ID), slog.String("key", row.WaveformKey))
				src.Ready = false
			case err != nil:
				return nil, fmt.Errorf("loading waveform for segment %s: %w", src.ID, err)
			default:
				src.PCM = pcm
				src.FrameCount = int64(pcm.Frames())
			}
		}
		out = append(out, src)
	}
	return out, nil
}

func (s *AudioSource) waveform(ctx context.Context, key string) (audio.Buffer, error) {
	s.mu.Lock()
	if pcm, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return pcm, nil
	}
	s.mu.Unlock()

	data, err := s.store.Get(ctx, s.bucket, key)
	if err != nil {
		return audio.Buffer{}, err
	}
	pcm, err := audio.DecodeWAV(bytes.NewReader(data))
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("%w: %v", models.ErrUnsupportedAudioShape, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[key]; !ok {
		s.cache[key] = pcm
		s.order = append(s.order, key)
		for len(s.order) > s.capacity {
			delete(s.cache, s.order[0])
			s.order = s.order[1:]
		}
	}
	return pcm, nil
}

// Registry adapts a ChainRepository to the chunk manager and supervisor.
// Keys listed in static are always known.
type Registry struct {
	chains ChainRepository
	static map[string]bool
}

// NewRegistry creates a registry. chains may be nil when only static keys are used.
func NewRegistry(chains ChainRepository, static []string) *Registry {
	r := &Registry{chains: chains, static: make(map[string]bool, len(static))}
	for _, k := range static {
		r.static[k] = true
	}
	return r
}

// ExistsForStreamKey reports whether the key is configured or has an active chain.
func (r *Registry) ExistsForStreamKey(ctx context.Context, streamKey string) (bool, error) {
	if r.static[streamKey] {
		return true, nil
	}
	if r.chains == nil {
		return false, nil
	}
	return r.chains.ExistsForStreamKey(ctx, streamKey)
}

// ListStreamKeys returns the keys of every active chain.
func (r *Registry) ListStreamKeys(ctx context.Context) ([]string, error) {
	if r.chains == nil {
		return nil, nil
	}
	return r.chains.ListStreamKeys(ctx)
}
