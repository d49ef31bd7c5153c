// Package chunk schedules the fixed-length windows each stream must produce
// and tracks how far production has advanced.
package chunk

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/shipper/internal/models"
	"github.com/jmylchreest/shipper/internal/observability"
)

// ChainRegistry answers whether an upstream chain exists for a stream key.
type ChainRegistry interface {
	ExistsForStreamKey(ctx context.Context, streamKey string) (bool, error)
}

// Config holds the scheduling parameters.
type Config struct {
	ChunkSeconds int64
	LookAhead    int
	PrintTimeout time.Duration
}

// streamChunks is the per-stream half of the two-level chunk map.
type streamChunks struct {
	mu          sync.RWMutex
	chunks      map[int64]*models.Chunk // keyed by window start seconds
	initialized bool
}

// Manager lazily materializes the chunk windows for every stream.
// Streams never share a lock.
type Manager struct {
	cfg      Config
	registry ChainRegistry
	logger   *slog.Logger
	metrics  *observability.Metrics

	streams sync.Map // streamKey -> *streamChunks
}

// NewManager creates a chunk manager.
func NewManager(cfg Config, registry ChainRegistry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		registry: registry,
		logger:   observability.WithComponent(logger, "chunk_manager"),
	}
}

// WithMetrics attaches pipeline metrics.
func (m *Manager) WithMetrics(metrics *observability.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Config returns the scheduling parameters.
func (m *Manager) Config() Config {
	return m.cfg
}

// ComputeFromSecondUTC returns the start of the chunk window containing now, in epoch seconds.
func (m *Manager) ComputeFromSecondUTC(now time.Time) int64 {
	return models.ComputeFromSeconds(now.Unix(), m.cfg.ChunkSeconds)
}

func (m *Manager) stream(streamKey string) *streamChunks {
	if s, ok := m.streams.Load(streamKey); ok {
		return s.(*streamChunks)
	}
	s, _ := m.streams.LoadOrStore(streamKey, &streamChunks{chunks: make(map[int64]*models.Chunk)})
	return s.(*streamChunks)
}

// getOrCreate returns the chunk for a window start, creating it pending if absent.
func (s *streamChunks) getOrCreate(streamKey string, from, chunkSeconds int64, now time.Time) (*models.Chunk, error) {
	s.mu.RLock()
	c, ok := s.chunks[from]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chunks[from]; ok {
		return c, nil
	}
	c, err := models.NewChunk(streamKey, from, chunkSeconds, now)
	if err != nil {
		return nil, err
	}
	s.chunks[from] = c
	return c, nil
}

// GetAll returns the look-ahead window of chunks starting at the window containing now,
// resetting any that have stalled. It returns nothing for streams the registry does not know.
func (m *Manager) GetAll(ctx context.Context, streamKey string, now time.Time) ([]*models.Chunk, error) {
	exists, err := m.registry.ExistsForStreamKey(ctx, streamKey)
	if err != nil {
		return nil, fmt.Errorf("checking chain registry: %w", err)
	}
	if !exists {
		return nil, nil
	}

	s := m.stream(streamKey)
	base := m.ComputeFromSecondUTC(now)
	out := make([]*models.Chunk, 0, m.cfg.LookAhead)
	for i := 0; i < m.cfg.LookAhead; i++ {
		from := base + int64(i)*m.cfg.ChunkSeconds
		c, err := s.getOrCreate(streamKey, from, m.cfg.ChunkSeconds, now)
		if err != nil {
			return nil, fmt.Errorf("materializing chunk %d: %w", from, err)
		}
		m.recoverIfStalled(ctx, c, now)
		out = append(out, c)
	}
	return out, nil
}

// recoverIfStalled resets a chunk whose worker has not stamped it within the print timeout.
func (m *Manager) recoverIfStalled(ctx context.Context, c *models.Chunk, now time.Time) {
	lastUpdated := c.LastUpdated()
	prev, reset := c.ResetIfStalled(now, m.cfg.PrintTimeout)
	if !reset {
		return
	}
	m.logger.WarnContext(ctx, "chunk stalled, reset to pending",
		slog.String("stream_key", c.StreamKey),
		slog.Int64("seq", c.SequenceIndex),
		slog.String("state", string(prev)),
		slog.Duration("age", now.Sub(lastUpdated)),
	)
	m.metrics.ChunkReset(c.StreamKey)
}

// GetContiguousDone returns the done chunks at the head of the window, stopping
// before the first chunk that is not done even if later ones are.
func (m *Manager) GetContiguousDone(ctx context.Context, streamKey string, now time.Time) ([]*models.Chunk, error) {
	all, err := m.GetAll(ctx, streamKey, now)
	if err != nil {
		return nil, err
	}
	for i, c := range all {
		if !c.State().IsDone() {
			return all[:i], nil
		}
	}
	return all, nil
}

// AssembledTo returns the end of the contiguous done run, or the window start if nothing is done.
func (m *Manager) AssembledTo(ctx context.Context, streamKey string, now time.Time) (time.Time, error) {
	done, err := m.GetContiguousDone(ctx, streamKey, now)
	if err != nil {
		return time.Time{}, err
	}
	if len(done) == 0 {
		return time.Unix(m.ComputeFromSecondUTC(now), 0).UTC(), nil
	}
	return done[len(done)-1].To(), nil
}

// IsAssembledFarEnoughAhead reports whether the contiguous done horizon reaches
// (LookAhead-1) chunks past now, the signal to stop running mixing work ahead.
func (m *Manager) IsAssembledFarEnoughAhead(ctx context.Context, streamKey string, now time.Time) (bool, error) {
	assembledTo, err := m.AssembledTo(ctx, streamKey, now)
	if err != nil {
		return false, err
	}
	ahead := time.Duration(int64(m.cfg.LookAhead-1)*m.cfg.ChunkSeconds) * time.Second
	m.metrics.SetAssembledAhead(streamKey, assembledTo.Sub(now).Seconds())
	return !assembledTo.Before(now.Add(ahead)), nil
}

// IsInitialized reports whether the stream's init segment has been shipped.
func (m *Manager) IsInitialized(streamKey string) bool {
	s := m.stream(streamKey)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// DidInitialize records that the stream's init segment has been shipped.
func (m *Manager) DidInitialize(streamKey string) {
	s := m.stream(streamKey)
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// Lookup returns the chunk with sequence index seq, if materialized.
func (m *Manager) Lookup(streamKey string, seq int64) (*models.Chunk, bool) {
	s := m.stream(streamKey)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[seq*m.cfg.ChunkSeconds]
	return c, ok
}

// MarkDone restores a chunk as done, creating it if needed. Used when rehydrating
// from a published manifest.
func (m *Manager) MarkDone(streamKey string, seq int64, keys []string, now time.Time) error {
	s := m.stream(streamKey)
	c, err := s.getOrCreate(streamKey, seq*m.cfg.ChunkSeconds, m.cfg.ChunkSeconds, now)
	if err != nil {
		return err
	}
	c.Restore(keys, now)
	return nil
}

// CollectGarbageBefore drops chunks whose sequence index is below threshold.
func (m *Manager) CollectGarbageBefore(streamKey string, threshold int64) int {
	s := m.stream(streamKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for from, c := range s.chunks {
		if c.SequenceIndex < threshold {
			delete(s.chunks, from)
			removed++
		}
	}
	return removed
}

// Snapshot returns copies of every materialized chunk for a stream, oldest first.
func (m *Manager) Snapshot(streamKey string) []models.ChunkSnapshot {
	v, ok := m.streams.Load(streamKey)
	if !ok {
		return nil
	}
	s := v.(*streamChunks)
	s.mu.RLock()
	out := make([]models.ChunkSnapshot, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, c.Snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceIndex < out[j].SequenceIndex })
	return out
}

// Forget drops all state for a stream.
func (m *Manager) Forget(streamKey string) {
	m.streams.Delete(streamKey)
}
