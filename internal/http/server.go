// Package http provides the HTTP server for shipper's status API, metrics
// endpoint and optional media serving.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jmylchreest/shipper/internal/config"
	"github.com/jmylchreest/shipper/internal/http/middleware"
)

const (
	defaultHost            = "0.0.0.0"
	defaultPort            = 8080
	defaultTimeout         = 30 * time.Second
	defaultIdleTimeout     = 2 * time.Minute
	defaultShutdownTimeout = 30 * time.Second
)

// withDefaults fills unset fields so a zero config still serves.
func withDefaults(cfg config.ServerConfig) config.ServerConfig {
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return cfg
}

// Server is the chi router with the huma API mounted on it.
type Server struct {
	cfg    config.ServerConfig
	router *chi.Mux
	api    huma.API
	logger *slog.Logger
}

// NewServer builds the router and middleware chain. version is reported in
// the OpenAPI document.
func NewServer(cfg config.ServerConfig, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}
	cfg = withDefaults(cfg)

	r := chi.NewRouter()
	r.Use(
		chimiddleware.RealIP,
		middleware.RequestID,
		middleware.NewLoggingMiddleware(logger),
		middleware.Recovery(logger),
		middleware.CORS(cfg.CORSOrigins...),
		middleware.SkipCompressionForMedia(chimiddleware.Compress(5)),
	)

	apiCfg := huma.DefaultConfig("shipper API", version)
	apiCfg.Info.Description = "Stream, chunk and playlist status of a live HLS/DASH audio shipper."

	return &Server{
		cfg:    cfg,
		router: r,
		api:    humachi.New(r, apiCfg),
		logger: logger,
	}
}

// API is where operations are registered.
func (s *Server) API() huma.API { return s.api }

// Router takes routes huma does not describe, such as media files.
func (s *Server) Router() chi.Router { return s.router }

// Handle mounts a plain handler, such as the Prometheus exporter.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.router.Handle(pattern, h)
}

// ListenAndServe binds the configured address and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Address(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve answers requests on ln until ctx ends, then drains in-flight
// requests for up to the shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	s.logger.Info("http server listening", slog.String("address", ln.Addr().String()))

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("draining http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
