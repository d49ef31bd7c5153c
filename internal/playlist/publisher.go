package playlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/shipper/internal/models"
	"github.com/jmylchreest/shipper/internal/notify"
	"github.com/jmylchreest/shipper/internal/observability"
	"github.com/jmylchreest/shipper/internal/storage"
)

// Manifest formats.
const (
	FormatHLS  = "hls"
	FormatDASH = "dash"
)

// ChunkSource is the part of the chunk manager the publisher reads and restores.
type ChunkSource interface {
	GetContiguousDone(ctx context.Context, streamKey string, now time.Time) ([]*models.Chunk, error)
	MarkDone(streamKey string, seq int64, keys []string, now time.Time) error
	DidInitialize(streamKey string)
	CollectGarbageBefore(streamKey string, threshold int64) int
}

// PublisherConfig holds the per-stream publishing settings.
type PublisherConfig struct {
	Bucket        string
	ListSize      int
	HealthTimeout time.Duration
	// Formats lists the manifests to upload. Empty means track the horizon only,
	// as when an external encoder writes its own playlist.
	Formats []string
}

// Publisher keeps a stream's playlist in step with its done chunks and uploads
// the rendered manifests.
type Publisher struct {
	cfg      PublisherConfig
	chunks   ChunkSource
	playlist *Manager
	store    storage.ObjectStore
	notifier notify.Notifier
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu                sync.Mutex
	bootAt            time.Time
	horizonAdvancedAt time.Time
	lastRendered      string
	liveness          func() bool
}

// NewPublisher creates a publisher for the playlist's stream.
func NewPublisher(chunks ChunkSource, playlist *Manager, store storage.ObjectStore, notifier notify.Notifier, cfg PublisherConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	if cfg.ListSize < 1 {
		cfg.ListSize = 1
	}
	return &Publisher{
		cfg:      cfg,
		chunks:   chunks,
		playlist: playlist,
		store:    store,
		notifier: notifier,
		bootAt:   time.Now(),
		logger: observability.WithStream(
			observability.WithComponent(logger, "publisher"),
			playlist.Config().StreamKey,
		),
	}
}

// WithMetrics attaches pipeline metrics.
func (p *Publisher) WithMetrics(m *observability.Metrics) *Publisher {
	p.metrics = m
	return p
}

// WithBootTime overrides the start of the health grace period.
func (p *Publisher) WithBootTime(t time.Time) *Publisher {
	p.mu.Lock()
	p.bootAt = t
	p.mu.Unlock()
	return p
}

// Playlist returns the managed playlist.
func (p *Publisher) Playlist() *Manager {
	return p.playlist
}

func (p *Publisher) streamKey() string {
	return p.playlist.Config().StreamKey
}

func (p *Publisher) hasFormat(format string) bool {
	for _, f := range p.cfg.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// Rehydrate restores the playlist and chunk state from the published HLS playlist.
// A missing or unreadable playlist is logged and the stream starts empty.
func (p *Publisher) Rehydrate(ctx context.Context) error {
	now := time.Now()
	key := storage.PlaylistKey(p.streamKey())

	data, err := p.store.Get(ctx, p.cfg.Bucket, key)
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		p.logger.InfoContext(ctx, "no published playlist, starting empty", slog.String("key", key))
		return nil
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.WarnContext(ctx, "fetching published playlist failed, starting empty",
			slog.String("key", key), slog.String("error", err.Error()))
		return nil
	}

	entries, err := p.playlist.ParseAndLoadItems(string(data))
	if err != nil {
		p.logger.WarnContext(ctx, "published playlist unreadable, starting empty",
			slog.String("key", key), slog.String("error", err.Error()))
		p.playlist.Reset()
		return nil
	}

	for _, e := range entries {
		if err := p.chunks.MarkDone(p.streamKey(), e.SequenceIndex, []string{e.Filename}, now); err != nil {
			return fmt.Errorf("restoring chunk %d: %w", e.SequenceIndex, err)
		}
	}

	cfg := p.playlist.Config()
	initKey := storage.InitKey(cfg.StreamKey, cfg.Kbps)
	exists, err := p.store.Exists(ctx, p.cfg.Bucket, initKey)
	if err != nil {
		p.logger.WarnContext(ctx, "checking init segment failed",
			slog.String("key", initKey), slog.String("error", err.Error()))
	} else if exists {
		p.chunks.DidInitialize(cfg.StreamKey)
	}

	p.mu.Lock()
	if len(entries) > 0 {
		p.horizonAdvancedAt = now
	}
	p.lastRendered = p.playlist.RenderHLS()
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "playlist rehydrated",
		slog.Int("entries", len(entries)),
		slog.Bool("initialized", exists),
	)
	return nil
}

// Publish appends newly done chunks, trims the window and uploads changed manifests.
// It reports whether any manifest content changed.
func (p *Publisher) Publish(ctx context.Context, now time.Time) (changed bool, err error) {
	streamKey := p.streamKey()

	done, err := p.chunks.GetContiguousDone(ctx, streamKey, now)
	if err != nil {
		return false, fmt.Errorf("listing done chunks: %w", err)
	}

	p.evictUnfillable(ctx, done)

	advanced := false
	for _, c := range done {
		if maxSeq, ok := p.playlist.Max(); ok && c.SequenceIndex <= maxSeq {
			continue
		}
		e := Entry{
			SequenceIndex:   c.SequenceIndex,
			DurationSeconds: float64(c.Seconds),
			Filename:        mediaFilename(c, p.playlist.Config()),
		}
		if !p.playlist.PutNext(e) {
			p.metrics.ManifestRejected(streamKey)
			p.logger.DebugContext(ctx, "playlist entry rejected, waiting for gap to fill",
				slog.Int64("seq", c.SequenceIndex))
			break
		}
		advanced = true
	}

	if maxSeq, ok := p.playlist.Max(); ok {
		threshold := maxSeq - int64(p.cfg.ListSize) + 1
		p.playlist.CollectGarbageBefore(threshold)
		// Chunks from the current window on stay even when the playlist is
		// shorter than the look-ahead, or GetAll would recreate them as pending.
		if cs := p.playlist.Config().ChunkSeconds; cs > 0 {
			threshold = min(threshold, models.ComputeFromSeconds(now.Unix(), cs)/cs)
		}
		p.chunks.CollectGarbageBefore(streamKey, threshold)
	}

	p.mu.Lock()
	if advanced {
		p.horizonAdvancedAt = now
	}
	last := p.lastRendered
	p.mu.Unlock()

	rendered := p.playlist.RenderHLS()
	if rendered == last {
		return false, nil
	}

	if p.hasFormat(FormatHLS) {
		if err := p.upload(ctx, storage.PlaylistKey(streamKey), []byte(rendered), storage.ContentTypeHLS, FormatHLS); err != nil {
			return false, err
		}
	}
	if p.hasFormat(FormatDASH) {
		mpd := p.playlist.RenderDASH(now, p.playlist.Config().Kbps*1000)
		if err := p.upload(ctx, storage.MPDKey(streamKey), []byte(mpd), storage.ContentTypeDASH, FormatDASH); err != nil {
			return false, err
		}
	}

	p.mu.Lock()
	p.lastRendered = rendered
	p.mu.Unlock()
	return true, nil
}

// evictUnfillable drops the playlist when the entry it is waiting for has
// fallen behind the chunk window and can no longer be produced.
func (p *Publisher) evictUnfillable(ctx context.Context, done []*models.Chunk) {
	if len(done) == 0 {
		return
	}
	maxSeq, ok := p.playlist.Max()
	if !ok || done[0].SequenceIndex <= maxSeq+1 {
		return
	}
	dropped := p.playlist.CollectGarbageBefore(done[0].SequenceIndex)
	p.logger.WarnContext(ctx, "playlist gap can no longer fill, restarting window",
		slog.Int64("expected_seq", maxSeq+1),
		slog.Int64("window_seq", done[0].SequenceIndex),
		slog.Int("dropped", dropped),
	)
	if err := p.notifier.Publish(ctx, notify.LevelWarn,
		fmt.Sprintf("stream %s skipped chunks %d..%d", p.streamKey(), maxSeq+1, done[0].SequenceIndex-1)); err != nil {
		p.logger.DebugContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}

func (p *Publisher) upload(ctx context.Context, key string, data []byte, contentType, format string) error {
	if err := p.store.Put(ctx, p.cfg.Bucket, key, data, contentType); err != nil {
		p.metrics.ShipFailure(p.streamKey(), "manifest")
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	p.metrics.ManifestPublished(p.streamKey(), format)
	p.logger.DebugContext(ctx, "manifest published", slog.String("key", key), slog.Int("bytes", len(data)))
	return nil
}

// mediaFilename prefers the key the fragment builder recorded, falling back to
// the conventional name.
func mediaFilename(c *models.Chunk, cfg Config) string {
	want := storage.MediaKey(cfg.StreamKey, cfg.Kbps, c.SequenceIndex)
	for _, k := range c.ProducedKeys() {
		if k == want {
			return k
		}
	}
	return want
}

// MarkHorizon records a horizon advance observed outside Publish, such as a
// segment uploaded by an external encoder.
func (p *Publisher) MarkHorizon(now time.Time) {
	p.mu.Lock()
	p.horizonAdvancedAt = now
	p.mu.Unlock()
}

// MarkEncoderLiveness attaches a probe that must report true for the stream to be healthy.
func (p *Publisher) MarkEncoderLiveness(alive func() bool) {
	p.mu.Lock()
	p.liveness = alive
	p.mu.Unlock()
}

// HorizonAdvancedAt returns when the published horizon last moved.
func (p *Publisher) HorizonAdvancedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.horizonAdvancedAt
}

// IsHealthy reports whether the horizon moved within the health timeout, counting
// from boot until it first moves, and any attached encoder is alive.
func (p *Publisher) IsHealthy(now time.Time) bool {
	p.mu.Lock()
	last := p.horizonAdvancedAt
	if p.bootAt.After(last) {
		last = p.bootAt
	}
	alive := p.liveness
	p.mu.Unlock()

	if p.cfg.HealthTimeout > 0 && now.Sub(last) > p.cfg.HealthTimeout {
		return false
	}
	return alive == nil || alive()
}
