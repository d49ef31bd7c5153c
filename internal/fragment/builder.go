// Package fragment turns a mixed chunk into a published fMP4 media fragment:
// scratch WAV, external AAC encode, ADTS split, box assembly and upload.
package fragment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/jmylchreest/shipper/internal/audio"
	"github.com/jmylchreest/shipper/internal/fmp4"
	"github.com/jmylchreest/shipper/internal/models"
	"github.com/jmylchreest/shipper/internal/notify"
	"github.com/jmylchreest/shipper/internal/observability"
	"github.com/jmylchreest/shipper/internal/storage"
	"github.com/spf13/afero"
)

// Pipeline stages, used as the failure metric label.
const (
	StageWAV    = "wav"
	StageEncode = "encode"
	StageParse  = "parse"
	StageBuild  = "build"
	StageUpload = "upload"
	StageInit   = "init"
	StageState  = "state"
)

// Encoder converts a WAV file into an ADTS AAC file.
type Encoder interface {
	EncodeFile(ctx context.Context, wavPath, aacPath string) error
}

// InitTracker records whether a stream's init segment has been published.
type InitTracker interface {
	IsInitialized(streamKey string) bool
	DidInitialize(streamKey string)
}

// Config holds the naming and placement of published fragments.
type Config struct {
	// TempPrefix is prepended to scratch file names. It usually ends in a path separator.
	TempPrefix string
	Bucket     string
	Kbps       int
}

// ShipError reports the stage a chunk failed at.
type ShipError struct {
	StreamKey string
	Seq       int64
	Stage     string
	Err       error
}

func (e *ShipError) Error() string {
	return fmt.Sprintf("shipping chunk %s/%d at %s: %v", e.StreamKey, e.Seq, e.Stage, e.Err)
}

func (e *ShipError) Unwrap() error {
	return e.Err
}

// Builder runs the Encoding to Done half of the chunk lifecycle.
type Builder struct {
	cfg      Config
	encoder  Encoder
	store    storage.ObjectStore
	tracker  InitTracker
	notifier notify.Notifier
	metrics  *observability.Metrics
	scratch  afero.Fs
	now      func() time.Time
	logger   *slog.Logger
}

// NewBuilder creates a fragment builder.
func NewBuilder(cfg Config, encoder Encoder, store storage.ObjectStore, tracker InitTracker, notifier notify.Notifier, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	return &Builder{
		cfg:      cfg,
		encoder:  encoder,
		store:    store,
		tracker:  tracker,
		notifier: notifier,
		scratch:  afero.NewOsFs(),
		now:      time.Now,
		logger:   observability.WithComponent(logger, "fragment_builder"),
	}
}

// WithMetrics attaches pipeline metrics.
func (b *Builder) WithMetrics(m *observability.Metrics) *Builder {
	b.metrics = m
	return b
}

// WithScratchFs sets the filesystem scratch files are written to. The encoder
// must be able to read and write the same paths.
func (b *Builder) WithScratchFs(fsys afero.Fs) *Builder {
	b.scratch = fsys
	return b
}

// ScratchPaths returns the WAV and AAC scratch paths for a chunk.
func (b *Builder) ScratchPaths(c *models.Chunk) (wavPath, aacPath string) {
	base := fmt.Sprintf("%s%s-%d-%d", b.cfg.TempPrefix, c.StreamKey, b.cfg.Kbps, c.SequenceIndex)
	return base + ".wav", base + ".aac"
}

// Ship encodes pcm and publishes it as the chunk's fragment. The chunk must be
// Mixing. On failure the chunk is left in its current state for timeout recovery.
func (b *Builder) Ship(ctx context.Context, c *models.Chunk, pcm audio.Buffer) (err error) {
	logger := b.logger.With(
		slog.String("stream_key", c.StreamKey),
		slog.Int64("seq", c.SequenceIndex),
	)
	done := observability.TimedOperationWithError(ctx, logger, "ship_chunk", &err)
	defer done()

	if err := b.advance(c, models.ChunkStateEncoding); err != nil {
		return b.fail(ctx, c, StageState, err)
	}

	wavPath, aacPath := b.ScratchPaths(c)
	defer b.cleanup(ctx, wavPath, aacPath)

	if err := audio.WriteWAVFile(b.scratch, wavPath, pcm); err != nil {
		return b.fail(ctx, c, StageWAV, err)
	}

	start := b.now()
	if err := b.encoder.EncodeFile(ctx, wavPath, aacPath); err != nil {
		return b.fail(ctx, c, StageEncode, err)
	}
	b.metrics.ObserveEncode(c.StreamKey, b.now().Sub(start).Seconds())

	aac, err := afero.ReadFile(b.scratch, aacPath)
	if err != nil {
		return b.fail(ctx, c, StageEncode, fmt.Errorf("%w: reading output: %w", models.ErrEncodeFailed, err))
	}
	if len(aac) == 0 {
		return b.fail(ctx, c, StageEncode, fmt.Errorf("%w: encoder produced no frames", models.ErrEncodeFailed))
	}
	units, asc, err := fmp4.SplitADTS(aac)
	if err != nil {
		return b.fail(ctx, c, StageParse, err)
	}

	fragment, err := fmp4.BuildMediaFragment(fmp4.MediaFragment{
		SequenceNumber:      uint32(c.SequenceIndex),
		TrackID:             fmp4.AudioTrackID,
		BaseMediaDecodeTime: decodeTime(c, asc.SampleRate),
		Samples:             fmp4.SamplesFromAccessUnits(units),
	})
	if err != nil {
		return b.fail(ctx, c, StageBuild, err)
	}

	if err := b.advance(c, models.ChunkStateShipping); err != nil {
		return b.fail(ctx, c, StageState, err)
	}

	mediaKey := storage.MediaKey(c.StreamKey, b.cfg.Kbps, c.SequenceIndex)
	if err := b.store.Put(ctx, b.cfg.Bucket, mediaKey, fragment, storage.ContentTypeMP4); err != nil {
		return b.fail(ctx, c, StageUpload, err)
	}
	c.AddProducedKey(mediaKey)

	if !b.tracker.IsInitialized(c.StreamKey) {
		initKey, err := b.publishInit(ctx, c.StreamKey, *asc)
		if err != nil {
			return b.fail(ctx, c, StageInit, err)
		}
		c.AddProducedKey(initKey)
	}

	if err := b.advance(c, models.ChunkStateDone); err != nil {
		return b.fail(ctx, c, StageState, err)
	}
	b.metrics.ChunkShipped(c.StreamKey, len(fragment))
	logger.DebugContext(ctx, "chunk shipped",
		slog.String("key", mediaKey),
		slog.Int("access_units", len(units)),
		slog.Int("bytes", len(fragment)),
	)
	return nil
}

// decodeTime places the fragment on the stream's epoch-anchored timeline in
// the init segment's timescale, matching the MPD SegmentTimeline.
func decodeTime(c *models.Chunk, sampleRate int) uint64 {
	from := c.From().Unix()
	if from < 0 || sampleRate <= 0 {
		return 0
	}
	return uint64(from) * uint64(sampleRate)
}

func (b *Builder) publishInit(ctx context.Context, streamKey string, asc mpeg4audio.AudioSpecificConfig) (string, error) {
	segment, err := fmp4.BuildInitSegment(asc)
	if err != nil {
		return "", err
	}
	key := storage.InitKey(streamKey, b.cfg.Kbps)
	if err := b.store.Put(ctx, b.cfg.Bucket, key, segment, storage.ContentTypeMP4); err != nil {
		return "", err
	}
	b.tracker.DidInitialize(streamKey)
	b.logger.InfoContext(ctx, "init segment published",
		slog.String("stream_key", streamKey),
		slog.String("key", key),
		slog.Int("sample_rate", asc.SampleRate),
		slog.Int("channels", asc.ChannelCount),
	)
	return key, nil
}

func (b *Builder) advance(c *models.Chunk, s models.ChunkState) error {
	if err := c.SetState(s, b.now()); err != nil {
		return err
	}
	b.metrics.ChunkTransition(c.StreamKey, string(s))
	return nil
}

func (b *Builder) fail(ctx context.Context, c *models.Chunk, stage string, err error) error {
	shipErr := &ShipError{StreamKey: c.StreamKey, Seq: c.SequenceIndex, Stage: stage, Err: err}
	b.metrics.ShipFailure(c.StreamKey, stage)
	b.logger.ErrorContext(ctx, "chunk ship failed",
		slog.String("stream_key", c.StreamKey),
		slog.Int64("seq", c.SequenceIndex),
		slog.String("stage", stage),
		slog.String("state", string(c.State())),
		slog.String("error", err.Error()),
	)
	if !errors.Is(err, context.Canceled) {
		if nerr := b.notifier.Publish(ctx, notify.LevelError, shipErr.Error()); nerr != nil {
			b.logger.WarnContext(ctx, "alert not delivered", slog.String("error", nerr.Error()))
		}
	}
	return shipErr
}

func (b *Builder) cleanup(ctx context.Context, paths ...string) {
	for _, p := range paths {
		if err := b.scratch.Remove(p); err != nil && !errors.Is(err, afero.ErrFileNotFound) {
			b.logger.WarnContext(ctx, "scratch file not removed",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
		}
	}
}
