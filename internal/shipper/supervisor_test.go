package shipper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/shipper/internal/config"
	"github.com/jmylchreest/shipper/internal/playlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (l *fakeLister) ListStreamKeys(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.keys...), l.err
}

func (l *fakeLister) set(keys []string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = keys
	l.err = err
}

// sinkFactory builds playback workers over fake sinks and remembers each sink.
type sinkFactory struct {
	f    *workerFixture
	fail map[string]bool

	mu    sync.Mutex
	sinks map[string]*fakeSink
}

func newSinkFactory(t *testing.T) *sinkFactory {
	return &sinkFactory{
		f:     newWorkerFixture(t, nil),
		fail:  map[string]bool{},
		sinks: map[string]*fakeSink{},
	}
}

func (sf *sinkFactory) build(_ context.Context, streamKey string) (*Worker, error) {
	if sf.fail[streamKey] {
		return nil, errors.New("ffplay missing")
	}
	s := &fakeSink{}
	sf.mu.Lock()
	sf.sinks[streamKey] = s
	sf.mu.Unlock()

	list := playlist.NewManager(playlist.Config{StreamKey: streamKey, Kbps: 128, ChunkSeconds: 6, SampleRate: 48000, Channels: 2})
	deps := sf.f.deps()
	deps.Publisher = playlist.NewPublisher(sf.f.chunks, list, sf.f.store, nil, playlist.PublisherConfig{Bucket: "live", ListSize: 10}, nil)
	deps.Sink = s
	return NewWorker(WorkerConfig{StreamKey: streamKey, Mode: config.ModePlayback, TickInterval: time.Hour}, deps)
}

func (sf *sinkFactory) sink(key string) *fakeSink {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.sinks[key]
}

func TestSupervisor_StartsStaticAndDiscoveredStreams(t *testing.T) {
	sf := newSinkFactory(t)
	lister := &fakeLister{keys: []string{"b", "c"}}
	sup := NewSupervisor([]string{"a", "b"}, lister, sf.build, nil).WithMetrics(sf.f.metrics)

	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	assert.Equal(t, []string{"a", "b", "c"}, sup.StreamKeys())
	w, ok := sup.Worker("c")
	require.True(t, ok)
	assert.Equal(t, "c", w.StreamKey())

	_, ok = sup.Worker("zzz")
	assert.False(t, ok)

	assert.Error(t, sup.Start(context.Background()), "second start")
}

func TestSupervisor_RefreshStopsRemovedStreams(t *testing.T) {
	ctx := context.Background()
	sf := newSinkFactory(t)
	lister := &fakeLister{keys: []string{"b", "c"}}
	sup := NewSupervisor([]string{"a"}, lister, sf.build, nil)
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	lister.set([]string{"c", "d"}, nil)
	require.NoError(t, sup.Refresh(ctx))

	assert.Equal(t, []string{"a", "c", "d"}, sup.StreamKeys())
	assert.Equal(t, 1, sf.sink("b").closeCount())
	assert.Zero(t, sf.sink("c").closeCount())
}

func TestSupervisor_ListerFailureKeepsWorkers(t *testing.T) {
	ctx := context.Background()
	sf := newSinkFactory(t)
	lister := &fakeLister{keys: []string{"b"}}
	sup := NewSupervisor(nil, lister, sf.build, nil)
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	lister.set(nil, errors.New("db down"))
	err := sup.Refresh(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "db down")
	assert.Equal(t, []string{"b"}, sup.StreamKeys())
}

func TestSupervisor_FactoryFailureRetriesNextRefresh(t *testing.T) {
	ctx := context.Background()
	sf := newSinkFactory(t)
	sf.fail["a"] = true
	sup := NewSupervisor([]string{"a", "b"}, nil, sf.build, nil)
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	assert.Equal(t, []string{"b"}, sup.StreamKeys())

	delete(sf.fail, "a")
	require.NoError(t, sup.Refresh(ctx))
	assert.Equal(t, []string{"a", "b"}, sup.StreamKeys())
}

func TestSupervisor_StopClosesEverySink(t *testing.T) {
	sf := newSinkFactory(t)
	sup := NewSupervisor([]string{"a", "b"}, nil, sf.build, nil)
	require.NoError(t, sup.Start(context.Background()))

	statuses := sup.Statuses(time.Now())
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].StreamKey)
	assert.Equal(t, config.ModePlayback, statuses[0].Mode)

	sup.Stop()
	assert.Empty(t, sup.StreamKeys())
	assert.Equal(t, 1, sf.sink("a").closeCount())
	assert.Equal(t, 1, sf.sink("b").closeCount())

	assert.Error(t, sup.Refresh(context.Background()), "refresh after stop")
}

func TestSupervisor_HealthyWithoutWorkers(t *testing.T) {
	sup := NewSupervisor(nil, nil, newSinkFactory(t).build, nil)
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()
	assert.True(t, sup.Healthy(time.Now()))
}
