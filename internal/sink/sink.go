// Package sink holds the consumers of mixed PCM used instead of the fragment
// builder: a pushing HLS encoder, a local player and a WAV capture.
package sink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jmylchreest/shipper/internal/audio"
	"github.com/jmylchreest/shipper/internal/ffmpeg"
)

// ErrSinkClosed is returned by Append after Close.
var ErrSinkClosed = errors.New("sink closed")

// Sink consumes mixed chunk audio. Append returns its input so sinks can be chained.
// Close is safe to call more than once.
type Sink interface {
	Append(ctx context.Context, buf audio.Buffer) (audio.Buffer, error)
	Close() error
}

// Finisher is implemented by sinks that stop consuming after a fixed amount of audio.
type Finisher interface {
	Finished() bool
}

// Prober is implemented by sinks backed by a child process.
type Prober interface {
	Alive() bool
}

// Process is a child reading PCM on stdin.
type Process interface {
	Write(b []byte) (int, error)
	Flush() error
	Alive() bool
	Close() error
}

// Starter launches a child process for a built command.
type Starter func(ctx context.Context, command *ffmpeg.Command, logger *slog.Logger) (Process, error)

// StartFFmpeg is the default Starter.
func StartFFmpeg(ctx context.Context, command *ffmpeg.Command, logger *slog.Logger) (Process, error) {
	p, err := ffmpeg.StartProcess(ctx, command, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}
