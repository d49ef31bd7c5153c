package http

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmylchreest/shipper/internal/config"
	"github.com/jmylchreest/shipper/internal/http/handlers"
	"github.com/jmylchreest/shipper/internal/http/middleware"
	"github.com/jmylchreest/shipper/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDefaults(t *testing.T) {
	cfg := withDefaults(config.ServerConfig{Port: 9090, ReadTimeout: 5 * time.Second, CORSOrigins: []string{"https://a"}})
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, []string{"https://a"}, cfg.CORSOrigins)
}

func TestServer_ServeUntilCancelled(t *testing.T) {
	s := NewServer(config.ServerConfig{ShutdownTimeout: time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)), "test")
	handlers.NewHealthHandler("test", nil).Register(s.API())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/livez")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_RoutesAndMiddleware(t *testing.T) {
	s := NewServer(config.ServerConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)), "")
	handlers.NewHealthHandler("test", nil).Register(s.API())

	metrics := observability.NewMetrics()
	metrics.SetActiveStreams(2)
	s.Handle("/metrics", metrics.Handler())

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shipper_active_streams 2")

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shipper API")
}
