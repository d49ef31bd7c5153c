package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/jmylchreest/shipper/internal/audio"
	"github.com/jmylchreest/shipper/internal/observability"
	"github.com/spf13/afero"
)

// WAVWriter captures exactly Seconds of audio into a WAV file, then ignores the rest.
type WAVWriter struct {
	fs        afero.Fs
	path      string
	frameRate int
	channels  int
	target    int
	logger    *slog.Logger

	mu       sync.Mutex
	file     afero.File
	enc      *audio.WAVEncoder
	finished bool
	closed   bool
}

// NewWAVWriter creates path on fsys and prepares to capture seconds of audio.
func NewWAVWriter(fsys afero.Fs, path string, seconds, frameRate, channels int, logger *slog.Logger) (*WAVWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if seconds <= 0 {
		return nil, fmt.Errorf("wav capture length must be positive, got %d", seconds)
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating capture directory: %w", err)
	}
	f, err := fsys.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating capture file: %w", err)
	}
	return &WAVWriter{
		fs:        fsys,
		path:      path,
		frameRate: frameRate,
		channels:  channels,
		target:    seconds * frameRate,
		logger:    observability.WithComponent(logger, "wav_writer").With(slog.String("path", path)),
		file:      f,
		enc:       audio.NewWAVEncoder(f, frameRate, channels, audio.DefaultBitDepth),
	}, nil
}

// Append writes as much of buf as the capture still needs.
func (w *WAVWriter) Append(ctx context.Context, buf audio.Buffer) (audio.Buffer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return buf, nil
	}
	if w.closed {
		return buf, ErrSinkClosed
	}
	if err := checkShape(buf, w.frameRate, w.channels); err != nil {
		return buf, err
	}

	take := min(w.target-w.enc.Frames(), buf.Frames())
	if err := w.enc.Write(buf.Slice(0, take)); err != nil {
		return buf, err
	}
	if w.enc.Frames() >= w.target {
		if err := w.finalize(); err != nil {
			return buf, err
		}
		w.logger.InfoContext(ctx, "wav capture finished", slog.Int("frames", w.target))
	}
	return buf, nil
}

func (w *WAVWriter) finalize() error {
	w.finished = true
	return errors.Join(w.enc.Close(), w.file.Close())
}

// Finished reports whether the capture is complete.
func (w *WAVWriter) Finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finished
}

// Path returns the capture file path.
func (w *WAVWriter) Path() string {
	return w.path
}

// Close finalizes a partial capture.
func (w *WAVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.finished {
		return nil
	}
	w.logger.Warn("wav capture closed early", slog.Int("frames", w.enc.Frames()), slog.Int("target", w.target))
	return w.finalize()
}
