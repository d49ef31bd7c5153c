package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/jmylchreest/shipper/internal/observability"
	"github.com/spf13/afero"
)

// FSStore keeps objects as files at {root}/{bucket}/{key}.
type FSStore struct {
	sandbox *Sandbox
	// source is where PutFile reads local files from.
	source afero.Fs
	logger *slog.Logger
}

// NewFSStore creates a filesystem object store rooted at rootDir on fsys.
func NewFSStore(fsys afero.Fs, rootDir string, logger *slog.Logger) (*FSStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sb, err := NewSandbox(fsys, rootDir)
	if err != nil {
		return nil, err
	}
	return &FSStore{
		sandbox: sb,
		source:  afero.NewOsFs(),
		logger:  observability.WithComponent(logger, "fs_store"),
	}, nil
}

// WithSourceFs sets the filesystem PutFile reads from.
func (s *FSStore) WithSourceFs(fsys afero.Fs) *FSStore {
	s.source = fsys
	return s
}

// Sandbox returns the store's root sandbox.
func (s *FSStore) Sandbox() *Sandbox {
	return s.sandbox
}

func objectPath(bucket, key string) (string, error) {
	if err := validKey(bucket, key); err != nil {
		return "", err
	}
	return filepath.Join(bucket, filepath.FromSlash(key)), nil
}

// Put writes an object atomically.
func (s *FSStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	p, err := objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.sandbox.AtomicWrite(p, data); err != nil {
		return fmt.Errorf("putting %s/%s: %w", bucket, key, err)
	}
	s.logger.DebugContext(ctx, "object stored",
		slog.String("bucket", bucket),
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.String("content_type", contentType),
	)
	return nil
}

// PutFile copies a local file into the store.
func (s *FSStore) PutFile(ctx context.Context, bucket, key, path, contentType string) error {
	p, err := objectPath(bucket, key)
	if err != nil {
		return err
	}
	f, err := s.source.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	if err := s.sandbox.AtomicWriteReader(p, f); err != nil {
		return fmt.Errorf("putting %s/%s: %w", bucket, key, err)
	}
	s.logger.DebugContext(ctx, "object stored from file",
		slog.String("bucket", bucket),
		slog.String("key", key),
		slog.String("path", path),
		slog.String("content_type", contentType),
	)
	return nil
}

// Exists reports whether an object exists.
func (s *FSStore) Exists(_ context.Context, bucket, key string) (bool, error) {
	p, err := objectPath(bucket, key)
	if err != nil {
		return false, err
	}
	return s.sandbox.Exists(p)
}

// Get reads an object, returning ErrObjectNotFound if it is absent.
func (s *FSStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	p, err := objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := s.sandbox.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
