package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jmylchreest/shipper/internal/audio"
	"github.com/jmylchreest/shipper/internal/chunk"
	"github.com/jmylchreest/shipper/internal/config"
	"github.com/jmylchreest/shipper/internal/http/handlers"
	"github.com/jmylchreest/shipper/internal/models"
	"github.com/jmylchreest/shipper/internal/playlist"
	"github.com/jmylchreest/shipper/internal/scheduler"
	"github.com/jmylchreest/shipper/internal/shipper"
	"github.com/jmylchreest/shipper/internal/storage"
)

var epoch = time.Unix(1759996800, 0).UTC()

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRouter(register func(api huma.API)) *chi.Mux {
	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("Test API", "1.0.0"))
	register(api)
	return router
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type knownStreams map[string]bool

func (k knownStreams) ExistsForStreamKey(_ context.Context, key string) (bool, error) {
	return k[key], nil
}

type readyMixer struct{}

func (readyMixer) IsReadyToMix(context.Context, *models.Chunk) (bool, error) { return true, nil }

func (readyMixer) Mix(context.Context, *models.Chunk) (audio.Buffer, error) {
	return audio.NewBuffer(480, 2, 48000), nil
}

type nullSink struct{}

func (nullSink) Append(_ context.Context, buf audio.Buffer) (audio.Buffer, error) { return buf, nil }
func (nullSink) Close() error                                                     { return nil }

// fakeSupervisor holds real playback workers without running them.
type fakeSupervisor struct {
	workers    map[string]*shipper.Worker
	refreshErr error
	refreshes  int
}

func (s *fakeSupervisor) Statuses(now time.Time) []shipper.WorkerStatus {
	out := make([]shipper.WorkerStatus, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.Status(now))
	}
	return out
}

func (s *fakeSupervisor) Worker(key string) (*shipper.Worker, bool) {
	w, ok := s.workers[key]
	return w, ok
}

func (s *fakeSupervisor) Refresh(context.Context) error {
	s.refreshes++
	return s.refreshErr
}

func (s *fakeSupervisor) Healthy(now time.Time) bool {
	for _, w := range s.workers {
		if !w.Status(now).Healthy {
			return false
		}
	}
	return true
}

func newStreamsFixture(t *testing.T) (*fakeSupervisor, *chunk.Manager) {
	t.Helper()
	store, err := storage.NewFSStore(afero.NewMemMapFs(), "/objects", quietLogger())
	require.NoError(t, err)
	cm := chunk.NewManager(chunk.Config{ChunkSeconds: 6, LookAhead: 3, PrintTimeout: 30 * time.Second},
		knownStreams{"abc": true}, quietLogger())

	list := playlist.NewManager(playlist.Config{StreamKey: "abc", Kbps: 128, ChunkSeconds: 6, SampleRate: 48000, Channels: 2})
	pub := playlist.NewPublisher(cm, list, store, nil, playlist.PublisherConfig{
		Bucket:        "live",
		ListSize:      10,
		HealthTimeout: time.Minute,
	}, quietLogger()).WithBootTime(epoch)

	w, err := shipper.NewWorker(shipper.WorkerConfig{StreamKey: "abc", Mode: config.ModePlayback}, shipper.WorkerDeps{
		Chunks:    cm,
		Mixer:     readyMixer{},
		Sink:      nullSink{},
		Publisher: pub,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, w.Tick(context.Background(), epoch))

	return &fakeSupervisor{workers: map[string]*shipper.Worker{"abc": w}}, cm
}

func TestHealthHandler(t *testing.T) {
	t.Run("healthy without streams", func(t *testing.T) {
		router := newRouter(handlers.NewHealthHandler("1.0.0", nil).Register)

		rec := do(t, router, http.MethodGet, "/health")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[handlers.HealthResponse](t, rec)
		assert.Equal(t, "healthy", body.Status)
		assert.Equal(t, "1.0.0", body.Version)
		assert.NotZero(t, body.CPUInfo.Cores)
		assert.Equal(t, "unknown", body.Database.Status)
	})

	t.Run("stalled stream is unavailable", func(t *testing.T) {
		sup, _ := newStreamsFixture(t)
		router := newRouter(handlers.NewHealthHandler("1.0.0", sup).Register)

		rec := do(t, router, http.MethodGet, "/health")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		body := decode[handlers.HealthResponse](t, rec)
		assert.Equal(t, "unhealthy", body.Status)
		require.Len(t, body.Streams, 1)
		assert.Equal(t, "abc", body.Streams[0].StreamKey)
	})

	t.Run("livez", func(t *testing.T) {
		router := newRouter(handlers.NewHealthHandler("1.0.0", nil).Register)
		rec := do(t, router, http.MethodGet, "/livez")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"ok"`)
	})

	t.Run("readyz without database", func(t *testing.T) {
		router := newRouter(handlers.NewHealthHandler("1.0.0", nil).Register)
		rec := do(t, router, http.MethodGet, "/readyz")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		body := decode[handlers.ReadyzResponse](t, rec)
		assert.Equal(t, "not_ready", body.Status)
		assert.Equal(t, "not_configured", body.Components["database"])
	})

	t.Run("readyz with database", func(t *testing.T) {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
		require.NoError(t, err)
		sup, _ := newStreamsFixture(t)
		router := newRouter(handlers.NewHealthHandler("1.0.0", sup).WithDB(db).Register)

		rec := do(t, router, http.MethodGet, "/readyz")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[handlers.ReadyzResponse](t, rec)
		assert.Equal(t, "ready", body.Status)
		assert.Equal(t, "ok", body.Components["database"])
	})
}

func TestStreamsHandler(t *testing.T) {
	sup, cm := newStreamsFixture(t)
	router := newRouter(handlers.NewStreamsHandler(sup, cm).Register)

	t.Run("list", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/api/v1/streams")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[handlers.StreamListResponse](t, rec)
		require.Len(t, body.Streams, 1)
		assert.Equal(t, config.ModePlayback, body.Streams[0].Mode)
		assert.Equal(t, int64(1), body.Streams[0].Ticks)
	})

	t.Run("get unknown stream", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/api/v1/streams/nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("chunks are ordered and done", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/api/v1/streams/abc/chunks")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[handlers.ChunkListResponse](t, rec)
		require.NotEmpty(t, body.Chunks)
		for i, c := range body.Chunks {
			assert.Equal(t, models.ChunkStateDone, c.State)
			if i > 0 {
				assert.Greater(t, c.SequenceIndex, body.Chunks[i-1].SequenceIndex)
			}
		}
	})

	t.Run("playlist of a sink stream is empty", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/api/v1/streams/abc/playlist")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[handlers.PlaylistResponse](t, rec)
		assert.Empty(t, body.Entries)
		assert.Empty(t, body.HLS)
	})

	t.Run("refresh", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/api/v1/streams/refresh")
		assert.Equal(t, http.StatusOK, rec.Code)

		sup.refreshErr = errors.New("registry down")
		rec = do(t, router, http.MethodPost, "/api/v1/streams/refresh")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, 2, sup.refreshes)
	})
}

func TestHousekeepingHandler(t *testing.T) {
	s := scheduler.NewScheduler().WithLogger(quietLogger())
	var runs int
	require.NoError(t, s.Add(scheduler.TaskDiscovery, "@every 1h", func(context.Context) error {
		runs++
		return nil
	}))
	router := newRouter(handlers.NewHousekeepingHandler(s).Register)

	rec := do(t, router, http.MethodGet, "/api/v1/housekeeping")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[handlers.TaskListResponse](t, rec)
	require.Len(t, list.Tasks, 1)
	assert.Zero(t, list.Tasks[0].Runs)

	rec = do(t, router, http.MethodPost, "/api/v1/housekeeping/stream_discovery/run")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[scheduler.TaskStatus](t, rec)
	assert.Equal(t, int64(1), st.Runs)
	assert.Equal(t, 1, runs)

	rec = do(t, router, http.MethodPost, "/api/v1/housekeeping/segment_prune/run")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMediaHandler(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/objects/live/abc.m3u8", []byte("#EXTM3U\n"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/objects/live/abc-128-1.m4s", []byte("moof"), 0o644))
	sandbox, err := storage.NewSandbox(fsys, "/objects")
	require.NoError(t, err)

	router := chi.NewRouter()
	handlers.NewMediaHandler(sandbox.HTTPFileSystem(), "/media/").Register(router)

	rec := do(t, router, http.MethodGet, "/media/live/abc.m3u8")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, storage.ContentTypeHLS, rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "#EXTM3U"))

	rec = do(t, router, http.MethodGet, "/media/live/abc-128-1.m4s")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "immutable")

	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/media/live/").Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/media/live/missing.m4s").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, router, http.MethodPut, "/media/live/abc.m3u8").Code)
}
