// Package shipper runs the per-stream production loop and supervises which
// streams have a running loop.
package shipper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/shipper/internal/audio"
	"github.com/jmylchreest/shipper/internal/chunk"
	"github.com/jmylchreest/shipper/internal/config"
	"github.com/jmylchreest/shipper/internal/models"
	"github.com/jmylchreest/shipper/internal/notify"
	"github.com/jmylchreest/shipper/internal/observability"
	"github.com/jmylchreest/shipper/internal/playlist"
	"github.com/jmylchreest/shipper/internal/sink"
)

const (
	defaultTickInterval = time.Second
	defaultAlertWindow  = 10 * time.Minute

	stageMix  = "mix"
	stageSink = "sink"
)

// ChunkMixer produces the PCM for a chunk window.
type ChunkMixer interface {
	IsReadyToMix(ctx context.Context, c *models.Chunk) (bool, error)
	Mix(ctx context.Context, c *models.Chunk) (audio.Buffer, error)
}

// FragmentShipper encodes and publishes a mixed chunk.
type FragmentShipper interface {
	Ship(ctx context.Context, c *models.Chunk, pcm audio.Buffer) error
}

// WorkerConfig holds the per-stream loop settings.
type WorkerConfig struct {
	StreamKey    string
	Mode         string
	TickInterval time.Duration
	// AlertWindow bounds how often the same chunk raises an audio shape alert.
	AlertWindow time.Duration
}

// WorkerDeps are the collaborators a worker drives. Builder is required in hls
// mode and Sink in every other mode.
type WorkerDeps struct {
	Chunks    *chunk.Manager
	Mixer     ChunkMixer
	Builder   FragmentShipper
	Sink      sink.Sink
	Publisher *playlist.Publisher
	Notifier  notify.Notifier
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// WorkerStatus is a point-in-time summary of a worker for readers.
type WorkerStatus struct {
	StreamKey         string    `json:"stream_key"`
	Mode              string    `json:"mode"`
	Ticks             int64     `json:"ticks"`
	LastTick          time.Time `json:"last_tick"`
	LastError         string    `json:"last_error,omitempty"`
	HorizonAdvancedAt time.Time `json:"horizon_advanced_at"`
	Healthy           bool      `json:"healthy"`
}

// Worker advances one stream's chunks on a fixed tick. A tick is synchronous.
type Worker struct {
	cfg       WorkerConfig
	chunks    *chunk.Manager
	mixer     ChunkMixer
	builder   FragmentShipper
	sink      sink.Sink
	publisher *playlist.Publisher
	notifier  notify.Notifier
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	ticks     int64
	lastTick  time.Time
	lastError error
	captured  bool
}

// NewWorker creates a worker for one stream.
func NewWorker(cfg WorkerConfig, deps WorkerDeps) (*Worker, error) {
	if cfg.StreamKey == "" {
		return nil, models.ErrStreamKeyRequired
	}
	if deps.Chunks == nil || deps.Mixer == nil || deps.Publisher == nil {
		return nil, fmt.Errorf("worker %s: chunks, mixer and publisher are required", cfg.StreamKey)
	}
	switch cfg.Mode {
	case config.ModeHLS:
		if deps.Builder == nil {
			return nil, fmt.Errorf("worker %s: hls mode needs a fragment builder", cfg.StreamKey)
		}
	case config.ModePush, config.ModePlayback, config.ModeWAV:
		if deps.Sink == nil {
			return nil, fmt.Errorf("worker %s: %s mode needs a sink", cfg.StreamKey, cfg.Mode)
		}
	default:
		return nil, fmt.Errorf("worker %s: mode %q does not run workers", cfg.StreamKey, cfg.Mode)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.AlertWindow <= 0 {
		cfg.AlertWindow = defaultAlertWindow
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithStream(observability.WithComponent(logger, "worker"), cfg.StreamKey)

	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}

	return &Worker{
		cfg:       cfg,
		chunks:    deps.Chunks,
		mixer:     deps.Mixer,
		builder:   deps.Builder,
		sink:      deps.Sink,
		publisher: deps.Publisher,
		notifier:  notify.NewThrottled(notifier, cfg.AlertWindow),
		metrics:   deps.Metrics,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// StreamKey returns the stream this worker produces.
func (w *Worker) StreamKey() string {
	return w.cfg.StreamKey
}

// Publisher returns the stream's publisher.
func (w *Worker) Publisher() *playlist.Publisher {
	return w.publisher
}

// Run restores published state, then ticks until ctx is cancelled. On return
// the sink is closed and the stream's chunk state is forgotten.
func (w *Worker) Run(ctx context.Context) error {
	defer w.shutdown()

	if w.cfg.Mode == config.ModeHLS {
		if err := w.publisher.Rehydrate(ctx); err != nil {
			return fmt.Errorf("rehydrating %s: %w", w.cfg.StreamKey, err)
		}
	}
	if p, ok := w.sink.(sink.Prober); ok && w.cfg.Mode == config.ModePush {
		w.publisher.MarkEncoderLiveness(p.Alive)
	}

	w.logger.InfoContext(ctx, "worker started",
		slog.String("mode", w.cfg.Mode),
		slog.Duration("tick_interval", w.cfg.TickInterval),
	)

	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	w.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "worker stopping")
			return nil
		case <-ticker.C:
			w.runTick(ctx)
		}
	}
}

func (w *Worker) runTick(ctx context.Context) {
	err := w.Tick(ctx, w.now())
	if err != nil && ctx.Err() == nil {
		w.logger.WarnContext(ctx, "tick failed", slog.String("error", err.Error()))
	}
}

func (w *Worker) shutdown() {
	if w.sink != nil {
		if err := w.sink.Close(); err != nil {
			w.logger.Warn("closing sink", slog.String("error", err.Error()))
		}
	}
	w.chunks.Forget(w.cfg.StreamKey)
}

// Tick advances every pending chunk in the look-ahead window that has its
// source audio ready, then republishes. Mixing is skipped while the done
// horizon is already far enough ahead.
func (w *Worker) Tick(ctx context.Context, now time.Time) error {
	err := w.tick(ctx, now)

	w.mu.Lock()
	w.ticks++
	w.lastTick = now
	w.lastError = err
	w.mu.Unlock()
	return err
}

func (w *Worker) tick(ctx context.Context, now time.Time) error {
	if f, ok := w.sink.(sink.Finisher); ok && f.Finished() {
		w.noteCaptureFinished(ctx)
		return nil
	}

	key := w.cfg.StreamKey
	far, err := w.chunks.IsAssembledFarEnoughAhead(ctx, key, now)
	if err != nil {
		return fmt.Errorf("checking horizon: %w", err)
	}

	var errs []error
	if !far {
		chunks, err := w.chunks.GetAll(ctx, key, now)
		if err != nil {
			return fmt.Errorf("listing chunks: %w", err)
		}
		for _, c := range chunks {
			state := c.State()
			if state.IsDone() {
				continue
			}
			if state != models.ChunkStatePending {
				// In flight from an earlier failed attempt; left for timeout recovery.
				if w.ordered() {
					break
				}
				continue
			}
			advanced, err := w.process(ctx, c, now)
			if err != nil {
				errs = append(errs, err)
			}
			if !advanced && w.ordered() {
				break
			}
		}
	}

	if _, err := w.publisher.Publish(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("publishing: %w", err))
	}
	return errors.Join(errs...)
}

// ordered reports whether chunks must be consumed strictly in sequence, as a
// continuous sink cannot take a later chunk before an earlier one.
func (w *Worker) ordered() bool {
	return w.builder == nil
}

// process mixes one pending chunk and hands it to the builder or sink. It
// reports whether the chunk reached done.
func (w *Worker) process(ctx context.Context, c *models.Chunk, now time.Time) (bool, error) {
	logger := w.logger.With(slog.Int64("seq", c.SequenceIndex))

	ready, err := w.mixer.IsReadyToMix(ctx, c)
	if err != nil {
		return false, fmt.Errorf("checking readiness of chunk %d: %w", c.SequenceIndex, err)
	}
	if !ready {
		w.metrics.NotReady(w.cfg.StreamKey)
		logger.Log(ctx, observability.LevelTrace, "source audio not ready")
		return false, nil
	}

	if err := w.advance(c, models.ChunkStateMixing, now); err != nil {
		return false, err
	}
	pcm, err := w.mixer.Mix(ctx, c)
	switch {
	case errors.Is(err, models.ErrNotReady):
		// Readiness changed between the poll and the mix; retry next tick.
		c.Reset(w.now())
		w.metrics.NotReady(w.cfg.StreamKey)
		return false, nil
	case errors.Is(err, models.ErrUnsupportedAudioShape):
		w.metrics.ShipFailure(w.cfg.StreamKey, stageMix)
		logger.ErrorContext(ctx, "unsupported audio shape", slog.String("error", err.Error()))
		w.alert(ctx, notify.LevelError, fmt.Sprintf("stream %s chunk %d: %v", w.cfg.StreamKey, c.SequenceIndex, err))
		return false, fmt.Errorf("mixing chunk %d: %w", c.SequenceIndex, err)
	case err != nil:
		w.metrics.ShipFailure(w.cfg.StreamKey, stageMix)
		return false, fmt.Errorf("mixing chunk %d: %w", c.SequenceIndex, err)
	}

	if w.builder != nil {
		if err := w.builder.Ship(ctx, c, pcm); err != nil {
			return false, err
		}
		return true, nil
	}
	return w.feed(ctx, c, pcm)
}

// feed appends mixed PCM to the sink. The flush inside Append is the shipping step.
func (w *Worker) feed(ctx context.Context, c *models.Chunk, pcm audio.Buffer) (bool, error) {
	if err := w.advance(c, models.ChunkStateEncoding, w.now()); err != nil {
		return false, err
	}
	if _, err := w.sink.Append(ctx, pcm); err != nil {
		w.metrics.ShipFailure(w.cfg.StreamKey, stageSink)
		if errors.Is(err, models.ErrUnsupportedAudioShape) {
			w.alert(ctx, notify.LevelError, fmt.Sprintf("stream %s chunk %d: %v", w.cfg.StreamKey, c.SequenceIndex, err))
		}
		return false, fmt.Errorf("appending chunk %d to %s sink: %w", c.SequenceIndex, w.cfg.Mode, err)
	}
	if err := w.advance(c, models.ChunkStateShipping, w.now()); err != nil {
		return false, err
	}
	if err := w.advance(c, models.ChunkStateDone, w.now()); err != nil {
		return false, err
	}
	w.metrics.ChunkShipped(w.cfg.StreamKey, 0)
	w.logger.DebugContext(ctx, "chunk delivered to sink",
		slog.Int64("seq", c.SequenceIndex),
		slog.Int("frames", pcm.Frames()),
	)
	return true, nil
}

func (w *Worker) advance(c *models.Chunk, s models.ChunkState, now time.Time) error {
	if err := c.SetState(s, now); err != nil {
		return err
	}
	w.metrics.ChunkTransition(c.StreamKey, string(s))
	return nil
}

func (w *Worker) alert(ctx context.Context, level notify.Level, message string) {
	if err := w.notifier.Publish(ctx, level, message); err != nil {
		w.logger.WarnContext(ctx, "alert not delivered", slog.String("error", err.Error()))
	}
}

func (w *Worker) noteCaptureFinished(ctx context.Context) {
	w.mu.Lock()
	first := !w.captured
	w.captured = true
	w.mu.Unlock()
	if first {
		w.logger.InfoContext(ctx, "capture complete, worker idle")
	}
}

// Status summarizes the worker.
func (w *Worker) Status(now time.Time) WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := WorkerStatus{
		StreamKey:         w.cfg.StreamKey,
		Mode:              w.cfg.Mode,
		Ticks:             w.ticks,
		LastTick:          w.lastTick,
		HorizonAdvancedAt: w.publisher.HorizonAdvancedAt(),
		Healthy:           w.publisher.IsHealthy(now),
	}
	if w.lastError != nil {
		s.LastError = w.lastError.Error()
	}
	return s
}
