// Package storage holds the object store that fragments, init segments and
// manifests are published to, and the sandboxed filesystem it is built on.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/jmylchreest/shipper/internal/config"
	"github.com/spf13/afero"
)

// ErrObjectNotFound is returned by Get when the object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Content types of published objects.
const (
	ContentTypeMP4   = "audio/mp4"
	ContentTypeHLS   = "application/vnd.apple.mpegurl"
	ContentTypeDASH  = "application/dash+xml"
	ContentTypeOctet = "application/octet-stream"
	ContentTypeWAV   = "audio/wav"
)

// ObjectStore is a bucketed blob store.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	PutFile(ctx context.Context, bucket, key, path, contentType string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// ContentTypeFor guesses the content type of an object from its key.
func ContentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".m4s", ".mp4":
		return ContentTypeMP4
	case ".m3u8":
		return ContentTypeHLS
	case ".mpd":
		return ContentTypeDASH
	case ".wav":
		return ContentTypeWAV
	default:
		return ContentTypeOctet
	}
}

// validKey rejects empty keys and keys that would leave the bucket.
func validKey(bucket, key string) error {
	if bucket == "" || key == "" {
		return fmt.Errorf("bucket and key are required")
	}
	if strings.Contains(bucket, "/") || strings.Contains(bucket, "..") {
		return fmt.Errorf("invalid bucket %q", bucket)
	}
	return nil
}

// Open builds the object store selected by cfg.
func Open(cfg config.ObjectStoreConfig, logger *slog.Logger) (ObjectStore, error) {
	switch cfg.Type {
	case "fs":
		return NewFSStore(afero.NewOsFs(), cfg.RootDir, logger)
	case "http":
		return NewHTTPStore(HTTPStoreConfig{
			BaseURL:       cfg.BaseURL,
			Timeout:       cfg.Timeout,
			RetryAttempts: cfg.RetryAttempts,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown object store type %q", cfg.Type)
	}
}
