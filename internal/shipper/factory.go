package shipper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmylchreest/shipper/internal/audio"
	"github.com/jmylchreest/shipper/internal/chunk"
	"github.com/jmylchreest/shipper/internal/config"
	"github.com/jmylchreest/shipper/internal/ffmpeg"
	"github.com/jmylchreest/shipper/internal/fragment"
	"github.com/jmylchreest/shipper/internal/mixer"
	"github.com/jmylchreest/shipper/internal/notify"
	"github.com/jmylchreest/shipper/internal/observability"
	"github.com/jmylchreest/shipper/internal/playlist"
	"github.com/jmylchreest/shipper/internal/sink"
	"github.com/jmylchreest/shipper/internal/storage"
	"github.com/spf13/afero"
)

// StreamKeyPlaceholder in ship.wav_path is replaced by the stream key.
const StreamKeyPlaceholder = "{stream_key}"

// Environment holds everything shared by the workers of one process and builds
// the per-stream pipeline for the configured run mode.
type Environment struct {
	Ship        config.ShipConfig
	Bucket      string
	FFmpegPath  string
	FFplayPath  string
	FFmpegLevel string
	// InstanceID separates this process's scratch output from other instances.
	InstanceID string

	Chunks    *chunk.Manager
	Source    audio.SegmentAudioSource
	Store     storage.ObjectStore
	Notifier  notify.Notifier
	Metrics   *observability.Metrics
	ScratchFs afero.Fs
	Logger    *slog.Logger

	// Starter overrides how sink child processes are launched.
	Starter sink.Starter
}

// Factory returns a WorkerFactory bound to the environment.
func (e *Environment) Factory() WorkerFactory {
	return e.NewWorker
}

// NewWorker builds the mixer, publisher and consumer for streamKey.
func (e *Environment) NewWorker(ctx context.Context, streamKey string) (*Worker, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scratch := e.ScratchFs
	if scratch == nil {
		scratch = afero.NewOsFs()
	}
	ship := e.Ship

	mix := mixer.New(mixer.Config{
		OutputFrameRate: ship.OutputFrameRate,
		OutputChannels:  ship.OutputChannels,
		ChunkSeconds:    int64(ship.ChunkSeconds),
	}, e.Source, logger)

	list := playlist.NewManager(playlist.Config{
		StreamKey:      streamKey,
		Kbps:           ship.BitrateKbps(),
		ChunkSeconds:   int64(ship.ChunkSeconds),
		SampleRate:     ship.OutputFrameRate,
		Channels:       ship.OutputChannels,
		IncludeInitMap: ship.IncludeInitMap,
	})
	pubCfg := playlist.PublisherConfig{
		Bucket:        e.Bucket,
		ListSize:      ship.ManifestListSize,
		HealthTimeout: ship.HealthTimeout,
	}
	if ship.Mode == config.ModeHLS {
		pubCfg.Formats = manifestFormats(ship)
	}
	publisher := playlist.NewPublisher(e.Chunks, list, e.Store, e.Notifier, pubCfg, logger).WithMetrics(e.Metrics)

	deps := WorkerDeps{
		Chunks:    e.Chunks,
		Mixer:     mix,
		Publisher: publisher,
		Notifier:  e.Notifier,
		Metrics:   e.Metrics,
		Logger:    logger,
	}

	switch ship.Mode {
	case config.ModeHLS:
		encoder := ffmpeg.NewAACEncoder(e.FFmpegPath, ship.Bitrate, e.FFmpegLevel, logger)
		deps.Builder = fragment.NewBuilder(fragment.Config{
			TempPrefix: ship.TempPrefix,
			Bucket:     e.Bucket,
			Kbps:       ship.BitrateKbps(),
		}, encoder, e.Store, e.Chunks, e.Notifier, logger).
			WithMetrics(e.Metrics).
			WithScratchFs(scratch)

	case config.ModePush:
		push, err := sink.NewPushEncoder(ctx, sink.PushConfig{
			StreamKey:    streamKey,
			Bucket:       e.Bucket,
			Kbps:         ship.BitrateKbps(),
			FrameRate:    ship.OutputFrameRate,
			Channels:     ship.OutputChannels,
			ChunkSeconds: ship.ChunkSeconds,
			ListSize:     ship.ManifestListSize,
			StartNumber:  e.Chunks.ComputeFromSecondUTC(time.Now()) / int64(ship.ChunkSeconds),
			ScratchDir:   ship.PushScratchDir(e.InstanceID, streamKey),
			BinaryPath:   e.FFmpegPath,
			LogLevel:     e.FFmpegLevel,
			Start:        e.Starter,
		}, scratch, e.Store, logger)
		if err != nil {
			return nil, err
		}
		deps.Sink = push.WithMetrics(e.Metrics)

	case config.ModePlayback:
		player, err := sink.NewPlayer(ctx, sink.PlayerConfig{
			BinaryPath: e.FFplayPath,
			LogLevel:   e.FFmpegLevel,
			FrameRate:  ship.OutputFrameRate,
			Channels:   ship.OutputChannels,
			Start:      e.Starter,
		}, logger)
		if err != nil {
			return nil, err
		}
		deps.Sink = player

	case config.ModeWAV:
		capture, err := sink.NewWAVWriter(scratch, WAVPathFor(ship.WAVPath, streamKey),
			ship.WAVSeconds, ship.OutputFrameRate, ship.OutputChannels, logger)
		if err != nil {
			return nil, err
		}
		deps.Sink = capture

	default:
		return nil, fmt.Errorf("mode %q does not run workers", ship.Mode)
	}

	w, err := NewWorker(WorkerConfig{
		StreamKey:    streamKey,
		Mode:         ship.Mode,
		TickInterval: ship.TickInterval,
		AlertWindow:  ship.PrintTimeout,
	}, deps)
	if err != nil {
		if deps.Sink != nil {
			_ = deps.Sink.Close()
		}
		return nil, err
	}
	return w, nil
}

// WAVPathFor expands the stream key placeholder in a capture path.
func WAVPathFor(pattern, streamKey string) string {
	return strings.ReplaceAll(pattern, StreamKeyPlaceholder, streamKey)
}

func manifestFormats(ship config.ShipConfig) []string {
	var formats []string
	if ship.HasManifestFormat(config.ManifestHLS) {
		formats = append(formats, playlist.FormatHLS)
	}
	if ship.HasManifestFormat(config.ManifestDASH) {
		formats = append(formats, playlist.FormatDASH)
	}
	return formats
}
