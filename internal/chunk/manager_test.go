package chunk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/shipper/internal/models"
	"github.com/jmylchreest/shipper/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	known map[string]bool
	err   error
}

func (f *fakeRegistry) ExistsForStreamKey(_ context.Context, streamKey string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.known[streamKey], nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	reg := &fakeRegistry{known: map[string]bool{"abc": true, "def": true}}
	return NewManager(Config{ChunkSeconds: 6, LookAhead: 3, PrintTimeout: 30 * time.Second}, reg, nil).
		WithMetrics(observability.NewMetrics())
}

func advance(t *testing.T, c *models.Chunk, now time.Time, to models.ChunkState) {
	t.Helper()
	order := []models.ChunkState{models.ChunkStateMixing, models.ChunkStateEncoding, models.ChunkStateShipping, models.ChunkStateDone}
	for _, s := range order {
		require.NoError(t, c.SetState(s, now))
		if s == to {
			return
		}
	}
}

func starts(chunks []*models.Chunk) []int64 {
	out := make([]int64, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.FromSeconds)
	}
	return out
}

func TestManager_ComputeFromSecondUTC(t *testing.T) {
	m := newTestManager(t)

	assert.Equal(t, int64(12), m.ComputeFromSecondUTC(time.UnixMilli(12000)))
	assert.Equal(t, int64(12), m.ComputeFromSecondUTC(time.UnixMilli(17999)))
	assert.Equal(t, int64(18), m.ComputeFromSecondUTC(time.UnixMilli(18000)))

	for ms := int64(0); ms < 100000; ms += 777 {
		from := m.ComputeFromSecondUTC(time.UnixMilli(ms))
		assert.Zero(t, from%6)
		assert.LessOrEqual(t, from*1000, ms)
		assert.Greater(t, (from+6)*1000, ms)
	}
}

func TestManager_GetAll_Window(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	now := time.UnixMilli(12000)

	chunks, err := m.GetAll(ctx, "abc", now)
	require.NoError(t, err)
	assert.Equal(t, []int64{12, 18, 24}, starts(chunks))
	for _, c := range chunks {
		assert.Equal(t, c.FromSeconds/6, c.SequenceIndex)
		assert.Equal(t, models.ChunkStatePending, c.State())
	}

	again, err := m.GetAll(ctx, "abc", now)
	require.NoError(t, err)
	for i := range chunks {
		assert.Same(t, chunks[i], again[i])
	}
}

func TestManager_GetAll_UnknownStream(t *testing.T) {
	m := newTestManager(t)

	chunks, err := m.GetAll(context.Background(), "nope", time.UnixMilli(12000))
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestManager_GetAll_RegistryError(t *testing.T) {
	m := NewManager(Config{ChunkSeconds: 6, LookAhead: 3, PrintTimeout: time.Minute}, &fakeRegistry{err: errors.New("db down")}, nil)

	_, err := m.GetAll(context.Background(), "abc", time.UnixMilli(12000))
	assert.ErrorContains(t, err, "db down")
}

func TestManager_ContiguousDoneScenario(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	now := time.UnixMilli(12000)

	chunks, err := m.GetAll(ctx, "abc", now)
	require.NoError(t, err)
	advance(t, chunks[0], now, models.ChunkStateDone)
	advance(t, chunks[1], now, models.ChunkStateDone)

	done, err := m.GetContiguousDone(ctx, "abc", now)
	require.NoError(t, err)
	assert.Equal(t, []int64{12, 18}, starts(done))

	assembledTo, err := m.AssembledTo(ctx, "abc", now)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(24000).UTC(), assembledTo)

	ahead, err := m.IsAssembledFarEnoughAhead(ctx, "abc", now)
	require.NoError(t, err)
	assert.True(t, ahead, "24000 >= 12000 + 2*6000")

	ahead, err = m.IsAssembledFarEnoughAhead(ctx, "abc", time.UnixMilli(12001))
	require.NoError(t, err)
	assert.False(t, ahead)
}

func TestManager_ContiguousDoneStopsAtGap(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	now := time.UnixMilli(12000)

	chunks, err := m.GetAll(ctx, "abc", now)
	require.NoError(t, err)
	advance(t, chunks[0], now, models.ChunkStateDone)
	advance(t, chunks[2], now, models.ChunkStateDone)

	done, err := m.GetContiguousDone(ctx, "abc", now)
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, starts(done))
	for _, c := range done {
		assert.True(t, c.State().IsDone())
	}

	m2 := newTestManager(t)
	all, err := m2.GetAll(ctx, "abc", now)
	require.NoError(t, err)
	advance(t, all[1], now, models.ChunkStateDone)
	none, err := m2.GetContiguousDone(ctx, "abc", now)
	require.NoError(t, err)
	assert.Empty(t, none)

	assembledTo, err := m2.AssembledTo(ctx, "abc", now)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(12, 0).UTC(), assembledTo)
}

func TestManager_StalledChunkReset(t *testing.T) {
	reg := &fakeRegistry{known: map[string]bool{"abc": true}}
	m := NewManager(Config{ChunkSeconds: 6, LookAhead: 3, PrintTimeout: 2 * time.Second}, reg, nil)
	ctx := context.Background()
	now := time.UnixMilli(12000)

	chunks, err := m.GetAll(ctx, "abc", now)
	require.NoError(t, err)
	advance(t, chunks[0], now, models.ChunkStateDone)
	advance(t, chunks[1], now, models.ChunkStateMixing)

	_, err = m.GetAll(ctx, "abc", now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.ChunkStateMixing, chunks[1].State(), "within timeout")

	_, err = m.GetAll(ctx, "abc", now.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.ChunkStatePending, chunks[1].State(), "stalled mixing chunk reset")
	assert.Equal(t, models.ChunkStateDone, chunks[0].State(), "done chunk never reset")
}

func TestManager_Initialization(t *testing.T) {
	m := newTestManager(t)

	assert.False(t, m.IsInitialized("abc"))
	m.DidInitialize("abc")
	m.DidInitialize("abc")
	assert.True(t, m.IsInitialized("abc"))
	assert.False(t, m.IsInitialized("def"))
}

func TestManager_MarkDoneLookupAndGC(t *testing.T) {
	m := newTestManager(t)
	now := time.UnixMilli(12000)

	require.NoError(t, m.MarkDone("abc", 1, []string{"abc-128-1.m4s"}, now))
	require.NoError(t, m.MarkDone("abc", 2, []string{"abc-128-2.m4s"}, now))

	c, ok := m.Lookup("abc", 2)
	require.True(t, ok)
	assert.Equal(t, models.ChunkStateDone, c.State())
	assert.Equal(t, []string{"abc-128-2.m4s"}, c.ProducedKeys())

	snap := m.Snapshot("abc")
	require.Len(t, snap, 2)
	assert.Equal(t, int64(1), snap[0].SequenceIndex)

	assert.Equal(t, 1, m.CollectGarbageBefore("abc", 2))
	_, ok = m.Lookup("abc", 1)
	assert.False(t, ok)

	m.Forget("abc")
	assert.Nil(t, m.Snapshot("abc"))
}

func TestManager_ConcurrentStreams(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, key := range []string{"abc", "def"} {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(key string, i int) {
				defer wg.Done()
				now := time.UnixMilli(int64(12000 + i*6000))
				_, err := m.GetAll(ctx, key, now)
				assert.NoError(t, err)
				_ = m.Snapshot(key)
			}(key, i)
		}
	}
	wg.Wait()

	assert.Len(t, m.Snapshot("abc"), 6)
	assert.Len(t, m.Snapshot("def"), 6)
}
