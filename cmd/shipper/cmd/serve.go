package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/shipper/internal/chunk"
	"github.com/jmylchreest/shipper/internal/config"
	"github.com/jmylchreest/shipper/internal/database"
	"github.com/jmylchreest/shipper/internal/ffmpeg"
	internalhttp "github.com/jmylchreest/shipper/internal/http"
	"github.com/jmylchreest/shipper/internal/http/handlers"
	"github.com/jmylchreest/shipper/internal/notify"
	"github.com/jmylchreest/shipper/internal/observability"
	"github.com/jmylchreest/shipper/internal/repository"
	"github.com/jmylchreest/shipper/internal/scheduler"
	"github.com/jmylchreest/shipper/internal/shipper"
	"github.com/jmylchreest/shipper/internal/startup"
	"github.com/jmylchreest/shipper/internal/storage"
	"github.com/jmylchreest/shipper/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the shipper",
	Long: `Start the stream workers, the housekeeping scheduler and the HTTP server.

The HTTP server provides:
- Health, liveness and readiness endpoints
- Stream, chunk and playlist status under /api/v1
- Prometheus metrics
- Published media under /media when object_store.serve_media is set`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind to (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides server.port)")
	serveCmd.Flags().String("mode", "", "Run mode: hls, push, playback, wav, off (overrides ship.mode)")
	serveCmd.Flags().StringSlice("stream-key", nil, "Stream key to ship regardless of chain state (repeatable)")
}

// applyServeFlags overrides the loaded config with flags the user set.
func applyServeFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("host") {
		c.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		c.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("mode") {
		c.Ship.Mode, _ = flags.GetString("mode")
	}
	if flags.Changed("stream-key") {
		keys, _ := flags.GetStringSlice("stream-key")
		c.Ship.StreamKeys = append(c.Ship.StreamKeys, keys...)
	}
	return c.Validate()
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := applyServeFlags(cmd, cfg); err != nil {
		return fmt.Errorf("validating flags: %w", err)
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	scratchFs := afero.NewOsFs()
	removed, err := startup.CleanupScratch(logger, scratchFs, cfg.Ship, notify.InstanceID, cfg.Housekeeping.ScratchMaxAge)
	if err != nil {
		logger.Warn("failed to clean scratch output", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("cleaned orphaned scratch output on startup", slog.Int("removed_count", removed))
	}

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("closing database", slog.String("error", err.Error()))
		}
	}()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	chains := repository.NewChainRepository(db.DB)
	segments := repository.NewSegmentAudioRepository(db.DB)

	store, err := storage.Open(cfg.ObjectStore, logger)
	if err != nil {
		return fmt.Errorf("initializing object store: %w", err)
	}

	notifier, closeNotifier, err := notify.Open(cfg.Notifier, logger)
	if err != nil {
		return fmt.Errorf("initializing notifier: %w", err)
	}
	defer func() {
		if err := closeNotifier(); err != nil {
			logger.Warn("closing notifier", slog.String("error", err.Error()))
		}
	}()

	registry := repository.NewRegistry(chains, cfg.Ship.StreamKeys)
	chunks := chunk.NewManager(chunk.Config{
		ChunkSeconds: int64(cfg.Ship.ChunkSeconds),
		LookAhead:    cfg.Ship.LookAhead,
		PrintTimeout: cfg.Ship.PrintTimeout,
	}, registry, logger).WithMetrics(metrics)

	ffmpegPath, ffplayPath, err := locateBinaries(ctx, cfg, logger)
	if err != nil {
		return err
	}

	env := &shipper.Environment{
		Ship:        cfg.Ship,
		Bucket:      cfg.ObjectStore.Bucket,
		FFmpegPath:  ffmpegPath,
		FFplayPath:  ffplayPath,
		FFmpegLevel: cfg.FFmpeg.LogLevel,
		InstanceID:  notify.InstanceID,
		Chunks:      chunks,
		Source:      repository.NewAudioSource(segments, store, cfg.ObjectStore.SourceBucket, logger),
		Store:       store,
		Notifier:    notifier,
		Metrics:     metrics,
		ScratchFs:   scratchFs,
		Logger:      logger,
	}
	supervisor := shipper.NewSupervisor(cfg.Ship.StreamKeys, registry, env.Factory(), logger).WithMetrics(metrics)
	running := cfg.Ship.Mode != config.ModeOff

	sched := scheduler.NewScheduler().WithLogger(logger)
	if cfg.Housekeeping.Enabled {
		hk := scheduler.Housekeeping{
			Config:     cfg.Housekeeping,
			Ship:       cfg.Ship,
			InstanceID: notify.InstanceID,
			ScratchFs:  scratchFs,
			Segments:   segments,
		}
		if running {
			hk.Supervisor = supervisor
		}
		if err := scheduler.RegisterHousekeeping(sched, hk); err != nil {
			return fmt.Errorf("registering housekeeping: %w", err)
		}
	}

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)
	handlers.NewHealthHandler(version.Version, supervisor).WithDB(db.DB).Register(server.API())
	handlers.NewStreamsHandler(supervisor, chunks).Register(server.API())
	handlers.NewHousekeepingHandler(sched).Register(server.API())
	if metrics != nil {
		server.Handle(cfg.Metrics.Path, metrics.Handler())
	}
	if cfg.ObjectStore.ServeMedia {
		fsStore, ok := store.(*storage.FSStore)
		if !ok {
			return fmt.Errorf("object_store.serve_media needs the fs object store, got %q", cfg.ObjectStore.Type)
		}
		handlers.NewMediaHandler(fsStore.Sandbox().HTTPFileSystem(), "/media").Register(server.Router())
	}

	if running {
		if err := supervisor.Start(ctx); err != nil {
			logger.Error("starting stream workers", slog.String("error", err.Error()))
		}
		defer supervisor.Stop()
	} else {
		logger.Info("ship mode is off, no stream workers started")
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	logger.Info("starting shipper",
		slog.String("mode", cfg.Ship.Mode),
		slog.String("address", cfg.Server.Address()),
		slog.String("instance_id", notify.InstanceID),
		slog.String("version", version.Version),
	)

	err = server.ListenAndServe(ctx)
	logger.Info("shutting down", slog.Duration("grace", cfg.Server.ShutdownTimeout))
	return err
}

// locateBinaries finds the ffmpeg tools the run mode needs. Modes that do not
// need a binary get an empty path.
func locateBinaries(ctx context.Context, c *config.Config, logger *slog.Logger) (ffmpegPath, ffplayPath string, err error) {
	switch c.Ship.Mode {
	case config.ModeHLS, config.ModePush:
		detectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		info, err := ffmpeg.NewBinaryDetector(c.FFmpeg.BinaryPath, c.FFmpeg.PlayerPath).Detect(detectCtx)
		if err != nil {
			return "", "", fmt.Errorf("locating ffmpeg: %w", err)
		}
		if len(info.Encoders) > 0 && !info.HasEncoder("aac") {
			logger.Warn("ffmpeg does not list the aac encoder", slog.String("path", info.FFmpegPath))
		}
		logger.Info("using ffmpeg",
			slog.String("path", info.FFmpegPath),
			slog.String("version", info.Version))
		return info.FFmpegPath, info.FFplayPath, nil

	case config.ModePlayback:
		path, err := ffmpeg.FindBinary("ffplay", c.FFmpeg.PlayerPath, ffmpeg.EnvFFplayBinary)
		if err != nil {
			return "", "", fmt.Errorf("locating ffplay: %w", err)
		}
		return "", path, nil

	default:
		return "", "", nil
	}
}
