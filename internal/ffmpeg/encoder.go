package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/shipper/internal/models"
)

// AACEncoder converts a WAV file to an ADTS AAC stream with ffmpeg.
type AACEncoder struct {
	binary   string
	bitrate  int
	logLevel string
	logger   *slog.Logger
}

// NewAACEncoder creates an encoder for the given bitrate in bits per second.
func NewAACEncoder(binaryPath string, bitrate int, logLevel string, logger *slog.Logger) *AACEncoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AACEncoder{
		binary:   binaryPath,
		bitrate:  bitrate,
		logLevel: logLevel,
		logger:   logger,
	}
}

// Command returns the invocation that encodes wavPath into aacPath.
func (e *AACEncoder) Command(wavPath, aacPath string) *Command {
	return NewCommandBuilder(e.binary).
		LogLevel(e.logLevel).
		HideBanner().
		Overwrite().
		Input(wavPath).
		AudioCodec("aac").
		AudioBitrate(e.bitrate).
		OutputArgs("-f", "adts").
		Output(aacPath).
		Build()
}

// EncodeFile runs the encoder. Failures wrap models.ErrEncodeFailed.
func (e *AACEncoder) EncodeFile(ctx context.Context, wavPath, aacPath string) error {
	cmd := e.Command(wavPath, aacPath)
	start := time.Now()
	if err := cmd.Run(ctx); err != nil {
		return fmt.Errorf("%w: %w", models.ErrEncodeFailed, err)
	}
	e.logger.DebugContext(ctx, "aac encode finished",
		slog.String("input", wavPath),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}
