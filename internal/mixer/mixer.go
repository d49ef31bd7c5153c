// Package mixer sums the fabricated segment audio that intersects a chunk
// window into a single PCM buffer at the output frame rate.
package mixer

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/jmylchreest/shipper/internal/audio"
	"github.com/jmylchreest/shipper/internal/models"
	"github.com/jmylchreest/shipper/internal/observability"
)

// Config holds the output shape of mixed chunks.
type Config struct {
	OutputFrameRate int
	OutputChannels  int
	ChunkSeconds    int64
}

// OutputFrames returns the frame count of one mixed chunk.
func (c Config) OutputFrames() int {
	return c.OutputFrameRate * int(c.ChunkSeconds)
}

// Mixer pulls intersecting source audio and sums it into chunk-sized buffers.
type Mixer struct {
	cfg    Config
	source audio.SegmentAudioSource
	logger *slog.Logger
}

// New creates a mixer.
func New(cfg Config, source audio.SegmentAudioSource, logger *slog.Logger) *Mixer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mixer{
		cfg:    cfg,
		source: source,
		logger: observability.WithComponent(logger, "mixer"),
	}
}

// IsReadyToMix reports whether every source intersecting the chunk exists and is ready.
// An empty intersection is not ready. Only collaborator failures return an error.
func (m *Mixer) IsReadyToMix(ctx context.Context, chunk *models.Chunk) (bool, error) {
	sources, err := m.source.GetAllIntersecting(ctx, chunk.StreamKey, chunk.From(), chunk.To())
	if err != nil {
		return false, fmt.Errorf("listing intersecting audio: %w", err)
	}
	return allReady(sources), nil
}

func allReady(sources []audio.SourceAudio) bool {
	if len(sources) == 0 {
		return false
	}
	for _, s := range sources {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Mix sums every intersecting source into a buffer of OutputFrameRate*ChunkSeconds frames.
// It returns models.ErrNotReady when sources are missing or not ready, and an error
// wrapping models.ErrUnsupportedAudioShape when a source cannot be placed.
func (m *Mixer) Mix(ctx context.Context, chunk *models.Chunk) (audio.Buffer, error) {
	sources, err := m.source.GetAllIntersecting(ctx, chunk.StreamKey, chunk.From(), chunk.To())
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("listing intersecting audio: %w", err)
	}
	if !allReady(sources) {
		return audio.Buffer{}, models.ErrNotReady
	}
	if err := checkShapes(sources); err != nil {
		return audio.Buffer{}, err
	}

	out := audio.NewBuffer(m.cfg.OutputFrames(), m.cfg.OutputChannels, m.cfg.OutputFrameRate)
	chunkStartMicros := chunk.From().UnixMicro()
	for _, src := range sources {
		offset := m.frameOffset(src, chunkStartMicros)
		placed := m.accumulate(out, src, offset)
		m.logger.Log(ctx, observability.LevelTrace, "source mixed",
			slog.String("stream_key", chunk.StreamKey),
			slog.Int64("seq", chunk.SequenceIndex),
			slog.String("source_id", src.ID),
			slog.Int("offset_frames", offset),
			slog.Int("frames_written", placed),
		)
	}
	return out, nil
}

// checkShapes rejects sources with missing metadata, frame counts beyond the
// 32-bit ceiling, or frame rates that disagree with each other.
func checkShapes(sources []audio.SourceAudio) error {
	rate := 0
	for _, s := range sources {
		if s.Channels <= 0 || s.FrameRate <= 0 {
			return fmt.Errorf("%w: source %s has unspecified channels or frame rate", models.ErrUnsupportedAudioShape, s.ID)
		}
		if s.Frames() > math.MaxInt32 {
			return fmt.Errorf("%w: source %s has %d frames", models.ErrUnsupportedAudioShape, s.ID, s.Frames())
		}
		if s.PCM.Channels != 0 && s.PCM.Channels != s.Channels {
			return fmt.Errorf("%w: source %s declares %d channels but carries %d",
				models.ErrUnsupportedAudioShape, s.ID, s.Channels, s.PCM.Channels)
		}
		if rate == 0 {
			rate = s.FrameRate
		} else if s.FrameRate != rate {
			return fmt.Errorf("%w: intersecting sources at %d and %d Hz",
				models.ErrUnsupportedAudioShape, rate, s.FrameRate)
		}
	}
	return nil
}

// frameOffset is the output frame at which source frame 0 lands.
// PCM begins PreRoll before the source's nominal start.
func (m *Mixer) frameOffset(src audio.SourceAudio, chunkStartMicros int64) int {
	srcStartMicros := src.BeginAt.UnixMicro() - src.PreRoll.Microseconds()
	return int(math.Round(float64(m.cfg.OutputFrameRate) * float64(srcStartMicros-chunkStartMicros) / 1e6))
}

// accumulate adds src into out starting at offset, resampling by sample-and-hold.
// Each source frame i covers output frames [floor(i*ratio), floor((i+1)*ratio)).
// When downsampling several source frames share one target; only the first contributes.
// Returns the number of output frames written.
func (m *Mixer) accumulate(out audio.Buffer, src audio.SourceAudio, offset int) int {
	ratio := float64(m.cfg.OutputFrameRate) / float64(src.FrameRate)
	outFrames := out.Frames()
	srcFrames := src.PCM.Frames()

	// Skip source frames that land entirely before the buffer.
	first := 0
	if offset < 0 {
		first = int(math.Floor(float64(-offset)/ratio)) - 1
		if first < 0 {
			first = 0
		}
	}

	written := 0
	lastTarget := math.MinInt
	for i := first; i < srcFrames; i++ {
		start := offset + int(math.Floor(float64(i)*ratio))
		if start >= outFrames {
			break
		}
		end := offset + int(math.Floor(float64(i+1)*ratio))
		if end <= start {
			end = start + 1
		}
		if start <= lastTarget {
			start = lastTarget + 1
		}
		frame := src.PCM.Samples[i]
		for t := start; t < end; t++ {
			if t < 0 || t >= outFrames {
				continue
			}
			addFrame(out.Samples[t], frame)
			written++
		}
		if end-1 > lastTarget {
			lastTarget = end - 1
		}
	}
	return written
}

// addFrame sums one source frame into one output frame. Mono sources feed every
// output channel; otherwise source channel c feeds output channel c mod n.
func addFrame(dst, src []float32) {
	if len(src) == 1 {
		for ch := range dst {
			dst[ch] += src[0]
		}
		return
	}
	n := len(dst)
	for c, s := range src {
		dst[c%n] += s
	}
}
