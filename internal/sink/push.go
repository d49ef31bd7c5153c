package sink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/jmylchreest/shipper/internal/audio"
	"github.com/jmylchreest/shipper/internal/ffmpeg"
	"github.com/jmylchreest/shipper/internal/observability"
	"github.com/jmylchreest/shipper/internal/storage"
	"github.com/spf13/afero"
)

// PushConfig describes a continuous ffmpeg HLS encoder for one stream.
type PushConfig struct {
	StreamKey    string
	Bucket       string
	Kbps         int
	FrameRate    int
	Channels     int
	ChunkSeconds int
	ListSize     int
	// StartNumber is the sequence index of the first segment ffmpeg writes.
	StartNumber int64
	// ScratchDir receives the encoder's segments and playlist.
	ScratchDir string
	BinaryPath string
	LogLevel   string
	Start      Starter
}

// PushCommand builds the ffmpeg invocation writing fMP4 HLS into scratchDir.
func PushCommand(cfg PushConfig, scratchDir string) *ffmpeg.Command {
	prefix := fmt.Sprintf("%s-%d-", cfg.StreamKey, cfg.Kbps)
	return ffmpeg.NewCommandBuilder(cfg.BinaryPath).
		LogLevel(cfg.LogLevel).
		HideBanner().
		Overwrite().
		RawPCMInput(cfg.FrameRate, cfg.Channels).
		Input("pipe:0").
		AudioCodec("aac").
		AudioBitrate(cfg.Kbps*1000).
		AudioChannels(cfg.Channels).
		HLSArgs(cfg.ChunkSeconds, cfg.ListSize, path.Join(scratchDir, prefix+"%d.m4s"), storage.InitKey(cfg.StreamKey, cfg.Kbps)).
		OutputArgs("-start_number", strconv.FormatInt(cfg.StartNumber, 10)).
		Output(path.Join(scratchDir, storage.PlaylistKey(cfg.StreamKey))).
		Build()
}

// PushEncoder pipes mixed PCM into a long-running ffmpeg HLS encoder and
// mirrors whatever it completes into the object store.
type PushEncoder struct {
	cfg     PushConfig
	store   storage.ObjectStore
	scratch *storage.Sandbox
	proc    Process
	metrics *observability.Metrics
	logger  *slog.Logger

	mu           sync.Mutex
	pcm          []byte
	uploaded     map[string]bool
	lastPlaylist []byte
	closed       bool
}

// NewPushEncoder starts the encoder. scratchFs must be the filesystem ffmpeg
// writes to, and the store must be able to read files from it.
func NewPushEncoder(ctx context.Context, cfg PushConfig, scratchFs afero.Fs, store storage.ObjectStore, logger *slog.Logger) (*PushEncoder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Start == nil {
		cfg.Start = StartFFmpeg
	}
	logger = observability.WithStream(observability.WithComponent(logger, "push_encoder"), cfg.StreamKey)

	scratch, err := storage.NewSandbox(scratchFs, cfg.ScratchDir)
	if err != nil {
		return nil, fmt.Errorf("preparing encoder scratch: %w", err)
	}
	proc, err := cfg.Start(ctx, PushCommand(cfg, scratch.BaseDir()), logger)
	if err != nil {
		return nil, fmt.Errorf("starting push encoder: %w", err)
	}
	return &PushEncoder{
		cfg:      cfg,
		store:    store,
		scratch:  scratch,
		proc:     proc,
		logger:   logger,
		uploaded: make(map[string]bool),
	}, nil
}

// WithMetrics attaches pipeline metrics.
func (e *PushEncoder) WithMetrics(m *observability.Metrics) *PushEncoder {
	e.metrics = m
	return e
}

// Append feeds buf to the encoder, flushes it, then syncs completed output.
func (e *PushEncoder) Append(ctx context.Context, buf audio.Buffer) (audio.Buffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return buf, ErrSinkClosed
	}
	if err := checkShape(buf, e.cfg.FrameRate, e.cfg.Channels); err != nil {
		return buf, err
	}
	e.pcm = buf.AppendS16LE(e.pcm[:0])
	if _, err := e.proc.Write(e.pcm); err != nil {
		return buf, fmt.Errorf("writing to encoder: %w", err)
	}
	if err := e.proc.Flush(); err != nil {
		return buf, fmt.Errorf("flushing encoder: %w", err)
	}
	if _, err := e.sync(ctx); err != nil {
		return buf, err
	}
	return buf, nil
}

// Sync uploads segments the encoder has completed and then its playlist.
// It returns how many new segments were uploaded.
func (e *PushEncoder) Sync(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sync(ctx)
}

func (e *PushEncoder) sync(ctx context.Context) (int, error) {
	playlistName := storage.PlaylistKey(e.cfg.StreamKey)
	exists, err := e.scratch.Exists(playlistName)
	if err != nil || !exists {
		// ffmpeg has not finished a segment yet
		return 0, err
	}
	text, err := e.scratch.ReadFile(playlistName)
	if err != nil {
		return 0, fmt.Errorf("reading encoder playlist: %w", err)
	}
	if bytes.Equal(text, e.lastPlaylist) {
		return 0, nil
	}

	listed := listedObjects(text)
	initKey := storage.InitKey(e.cfg.StreamKey, e.cfg.Kbps)
	if ok, _ := e.scratch.Exists(initKey); ok {
		listed = append([]string{initKey}, listed...)
	}

	uploaded := 0
	for _, name := range listed {
		if e.uploaded[name] {
			continue
		}
		local, err := e.scratch.ResolvePath(name)
		if err != nil {
			return uploaded, err
		}
		if err := e.store.PutFile(ctx, e.cfg.Bucket, name, local, storage.ContentTypeFor(name)); err != nil {
			e.metrics.ShipFailure(e.cfg.StreamKey, "upload")
			return uploaded, fmt.Errorf("uploading %s: %w", name, err)
		}
		e.uploaded[name] = true
		if name != initKey {
			uploaded++
			e.metrics.ChunkShipped(e.cfg.StreamKey, 0)
		}
	}

	if err := e.store.Put(ctx, e.cfg.Bucket, playlistName, text, storage.ContentTypeHLS); err != nil {
		e.metrics.ShipFailure(e.cfg.StreamKey, "manifest")
		return uploaded, fmt.Errorf("uploading %s: %w", playlistName, err)
	}
	e.metrics.ManifestPublished(e.cfg.StreamKey, "hls")
	e.lastPlaylist = text

	e.prune(listed, initKey)
	e.logger.DebugContext(ctx, "encoder output synced", slog.Int("segments", uploaded))
	return uploaded, nil
}

// prune removes uploaded segments ffmpeg no longer lists.
func (e *PushEncoder) prune(listed []string, initKey string) {
	keep := make(map[string]bool, len(listed))
	for _, name := range listed {
		keep[name] = true
	}
	for name := range e.uploaded {
		if keep[name] || name == initKey {
			continue
		}
		if err := e.scratch.Remove(name); err != nil {
			e.logger.Warn("removing synced segment failed", slog.String("name", name), slog.String("error", err.Error()))
			continue
		}
		delete(e.uploaded, name)
	}
}

// listedObjects returns the URIs in an HLS playlist, including an EXT-X-MAP init.
func listedObjects(text []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			if _, uri, ok := strings.Cut(line, `URI="`); ok {
				if name, _, ok := strings.Cut(uri, `"`); ok {
					out = append(out, path.Base(name))
				}
			}
		case strings.HasPrefix(line, "#"):
		default:
			out = append(out, path.Base(line))
		}
	}
	return dedupe(out)
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// Alive reports whether the encoder is still running.
func (e *PushEncoder) Alive() bool {
	return e.proc.Alive()
}

// Close stops the encoder and uploads whatever it completed on the way out.
func (e *PushEncoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	closeErr := e.proc.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	_, syncErr := e.sync(context.Background())
	return errors.Join(closeErr, syncErr)
}
