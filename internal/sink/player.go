package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmylchreest/shipper/internal/audio"
	"github.com/jmylchreest/shipper/internal/ffmpeg"
	"github.com/jmylchreest/shipper/internal/models"
	"github.com/jmylchreest/shipper/internal/observability"
)

// PlayerConfig describes the PCM fed to ffplay.
type PlayerConfig struct {
	BinaryPath string
	LogLevel   string
	FrameRate  int
	Channels   int
	Start      Starter
}

// PlayerCommand builds the ffplay invocation reading s16le from stdin.
func PlayerCommand(cfg PlayerConfig) *ffmpeg.Command {
	return ffmpeg.NewCommandBuilder(cfg.BinaryPath).
		LogLevel(cfg.LogLevel).
		HideBanner().
		GlobalArgs("-nodisp", "-autoexit").
		RawPCMInput(cfg.FrameRate, cfg.Channels).
		Input("pipe:0").
		Build()
}

// Player plays mixed audio on the local output device through ffplay.
type Player struct {
	cfg    PlayerConfig
	proc   Process
	logger *slog.Logger

	mu     sync.Mutex
	pcm    []byte
	closed bool
}

// NewPlayer starts ffplay.
func NewPlayer(ctx context.Context, cfg PlayerConfig, logger *slog.Logger) (*Player, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Start == nil {
		cfg.Start = StartFFmpeg
	}
	logger = observability.WithComponent(logger, "player")
	proc, err := cfg.Start(ctx, PlayerCommand(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("starting player: %w", err)
	}
	return &Player{cfg: cfg, proc: proc, logger: logger}, nil
}

// Append writes buf to the player and flushes it.
func (p *Player) Append(ctx context.Context, buf audio.Buffer) (audio.Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return buf, ErrSinkClosed
	}
	if err := checkShape(buf, p.cfg.FrameRate, p.cfg.Channels); err != nil {
		return buf, err
	}
	p.pcm = buf.AppendS16LE(p.pcm[:0])
	if _, err := p.proc.Write(p.pcm); err != nil {
		return buf, fmt.Errorf("writing to player: %w", err)
	}
	if err := p.proc.Flush(); err != nil {
		return buf, fmt.Errorf("flushing player: %w", err)
	}
	p.logger.Log(ctx, observability.LevelTrace, "pcm queued for playback", slog.Int("frames", buf.Frames()))
	return buf, nil
}

// Alive reports whether ffplay is still running.
func (p *Player) Alive() bool {
	return p.proc.Alive()
}

// Close stops the player.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.proc.Close()
}

func checkShape(buf audio.Buffer, frameRate, channels int) error {
	if buf.FrameRate != frameRate || buf.Channels != channels {
		return fmt.Errorf("%w: got %d Hz x %d, want %d Hz x %d",
			models.ErrUnsupportedAudioShape, buf.FrameRate, buf.Channels, frameRate, channels)
	}
	return nil
}
