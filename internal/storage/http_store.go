package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmylchreest/shipper/internal/observability"
	"github.com/jmylchreest/shipper/internal/version"
	"github.com/jmylchreest/shipper/pkg/httpclient"
	"github.com/spf13/afero"
)

// HTTPStoreConfig configures an HTTPStore.
type HTTPStoreConfig struct {
	BaseURL       string
	Timeout       time.Duration
	RetryAttempts int
	// MaxObjectSize caps Get responses. Zero means no limit.
	MaxObjectSize int64
}

// HTTPStore publishes objects with PUT to {baseURL}/{bucket}/{key}, which suits
// WebDAV servers, nginx with dav_methods, and presigned-style gateways.
type HTTPStore struct {
	baseURL *url.URL
	client  *httpclient.Client
	source  afero.Fs
	logger  *slog.Logger
}

// NewHTTPStore creates an HTTP object store.
func NewHTTPStore(cfg HTTPStoreConfig, logger *slog.Logger) (*HTTPStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https: %q", cfg.BaseURL)
	}

	logger = observability.WithComponent(logger, "http_store")
	clientCfg := httpclient.DefaultConfig()
	if cfg.Timeout > 0 {
		clientCfg.Timeout = cfg.Timeout
	}
	clientCfg.RetryAttempts = cfg.RetryAttempts
	clientCfg.UserAgent = version.UserAgent()
	clientCfg.MaxResponseSize = cfg.MaxObjectSize
	clientCfg.Logger = logger
	// A missing object is an answer, not a failing upstream.
	clientCfg.AcceptableStatusCodes = httpclient.MustParseStatusCodes("200-299,404")

	return &HTTPStore{
		baseURL: base,
		client:  httpclient.New(clientCfg),
		source:  afero.NewOsFs(),
		logger:  logger,
	}, nil
}

// WithSourceFs sets the filesystem PutFile reads from.
func (s *HTTPStore) WithSourceFs(fsys afero.Fs) *HTTPStore {
	s.source = fsys
	return s
}

func (s *HTTPStore) objectURL(bucket, key string) (string, error) {
	if err := validKey(bucket, key); err != nil {
		return "", err
	}
	return s.baseURL.JoinPath(bucket, key).String(), nil
}

// Put uploads an object.
func (s *HTTPStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	u, err := s.objectURL(bucket, key)
	if err != nil {
		return err
	}
	resp, err := s.client.Put(ctx, u, data, contentType)
	if err != nil {
		return fmt.Errorf("putting %s/%s: %w", bucket, key, err)
	}
	defer drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("putting %s/%s: unexpected status %d", bucket, key, resp.StatusCode)
	}
	s.logger.DebugContext(ctx, "object uploaded",
		slog.String("url", u),
		slog.Int("size", len(data)),
		slog.Int("status", resp.StatusCode),
	)
	return nil
}

// PutFile uploads a local file.
func (s *HTTPStore) PutFile(ctx context.Context, bucket, key, path, contentType string) error {
	data, err := afero.ReadFile(s.source, path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return s.Put(ctx, bucket, key, data, contentType)
}

// Exists issues a HEAD for the object.
func (s *HTTPStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	u, err := s.objectURL(bucket, key)
	if err != nil {
		return false, err
	}
	resp, err := s.client.Head(ctx, u)
	if err != nil {
		return false, fmt.Errorf("checking %s/%s: %w", bucket, key, err)
	}
	defer drain(resp)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, fmt.Errorf("checking %s/%s: unexpected status %d", bucket, key, resp.StatusCode)
	}
}

// Get downloads an object, returning ErrObjectNotFound on 404.
func (s *HTTPStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	u, err := s.objectURL(bucket, key)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("getting %s/%s: %w", bucket, key, err)
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("getting %s/%s: unexpected status %d", bucket, key, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
