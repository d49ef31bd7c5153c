// Package httpclient is the transfer client behind the HTTP object store. Each
// attempt rebuilds its request, retries back off exponentially (or as long as
// the server's Retry-After asks), a circuit breaker stops hammering a dead
// endpoint, and compressed responses are decoded transparently.
package httpclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

var (
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrBodyTooLarge     = errors.New("response body exceeds size limit")
)

const (
	DefaultTimeout            = 30 * time.Second
	DefaultRetryAttempts      = 3
	DefaultCircuitThreshold   = 5
	DefaultCircuitTimeout     = 30 * time.Second
	DefaultCircuitHalfOpenMax = 1
	DefaultUserAgent          = "shipper-httpclient/1.0"

	acceptEncoding = "gzip, deflate, br"
)

// StatusError is a response status the client gave up on.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return "retryable status " + strconv.Itoa(e.Code)
}

// Backoff is an exponential delay schedule.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff doubles from half a second up to ten.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2}
}

// Delay returns the wait before retry n, counting from 1.
func (b Backoff) Delay(n int) time.Duration {
	d := float64(b.Initial)
	for i := 1; i < n && d < float64(b.Max); i++ {
		d *= b.Multiplier
	}
	return min(time.Duration(d), b.Max)
}

// Config configures a Client.
type Config struct {
	// Timeout bounds a single attempt, not the whole call.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first attempt.
	RetryAttempts int
	Backoff       Backoff

	CircuitThreshold   int
	CircuitTimeout     time.Duration
	CircuitHalfOpenMax int

	UserAgent string
	Logger    *slog.Logger

	// MaxResponseSize caps the decoded body. Zero disables the limit.
	MaxResponseSize int64

	// AcceptableStatusCodes count as circuit breaker successes. Nil means any 2xx.
	AcceptableStatusCodes *StatusCodeSet

	HTTPClient *http.Client
}

// DefaultConfig returns the settings the object store starts from.
func DefaultConfig() Config {
	return Config{
		Timeout:            DefaultTimeout,
		RetryAttempts:      DefaultRetryAttempts,
		Backoff:            DefaultBackoff(),
		CircuitThreshold:   DefaultCircuitThreshold,
		CircuitTimeout:     DefaultCircuitTimeout,
		CircuitHalfOpenMax: DefaultCircuitHalfOpenMax,
		UserAgent:          DefaultUserAgent,
	}
}

// Client sends object requests to a single upstream.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a Client, filling zero settings from DefaultConfig.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = def.Backoff.Initial
	}
	if cfg.Backoff.Max < cfg.Backoff.Initial {
		cfg.Backoff.Max = max(def.Backoff.Max, cfg.Backoff.Initial)
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = def.CircuitTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:     cfg,
		http:    hc,
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout, cfg.CircuitHalfOpenMax),
		logger:  cfg.Logger,
	}
}

// Get fetches url.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	return c.send(ctx, http.MethodGet, url, nil, "")
}

// Head probes url.
func (c *Client) Head(ctx context.Context, url string) (*http.Response, error) {
	return c.send(ctx, http.MethodHead, url, nil, "")
}

// Put uploads data to url.
func (c *Client) Put(ctx context.Context, url string, data []byte, contentType string) (*http.Response, error) {
	return c.send(ctx, http.MethodPut, url, data, contentType)
}

// CircuitState reports the breaker state.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

func (c *Client) newRequest(ctx context.Context, method, url string, data []byte, contentType string) (*http.Request, error) {
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", method, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept-Encoding", acceptEncoding)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (c *Client) send(ctx context.Context, method, url string, data []byte, contentType string) (*http.Response, error) {
	log := c.logger.With(slog.String("method", method), slog.String("url", url))

	var lastErr error
	wait := time.Duration(0)
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			log.Debug("retrying request", slog.Int("attempt", attempt), slog.Duration("delay", wait))
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
		}
		wait = c.cfg.Backoff.Delay(attempt + 1)

		if !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			log.Warn("circuit breaker open, skipping attempt", slog.Int("attempt", attempt))
			continue
		}

		req, err := c.newRequest(ctx, method, url, data, contentType)
		if err != nil {
			return nil, err
		}
		start := time.Now()
		resp, err := c.http.Do(req)
		elapsed := time.Since(start)

		if err != nil {
			c.breaker.RecordFailure()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			log.Warn("request failed",
				slog.Int("attempt", attempt),
				slog.Duration("duration", elapsed),
				slog.String("error", err.Error()))
			continue
		}

		if retryableStatus(resp.StatusCode) {
			c.breaker.RecordFailure()
			if d, ok := retryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				wait = min(d, c.cfg.Backoff.Max)
			}
			lastErr = &StatusError{Code: resp.StatusCode}
			log.Warn("retryable status",
				slog.Int("attempt", attempt),
				slog.Int("status", resp.StatusCode))
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			continue
		}

		if c.acceptable(resp.StatusCode) {
			c.breaker.RecordSuccess()
		} else {
			c.breaker.RecordFailure()
		}
		log.Debug("request completed",
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", elapsed))

		c.wrapBody(resp)
		return resp, nil
	}

	return nil, fmt.Errorf("%s %s: %w after %d attempts: %w", method, url, ErrRetriesExhausted, c.cfg.RetryAttempts+1, lastErr)
}

func (c *Client) acceptable(code int) bool {
	if !c.cfg.AcceptableStatusCodes.IsEmpty() {
		return c.cfg.AcceptableStatusCodes.Contains(code)
	}
	return code >= 200 && code < 300
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryAfter parses a Retry-After value in either delta-seconds or HTTP-date form.
func retryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	return max(at.Sub(now), 0), true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// wrapBody decodes Content-Encoding and applies the size cap.
func (c *Client) wrapBody(resp *http.Response) {
	body := &responseBody{Reader: resp.Body, raw: resp.Body}

	if enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc != "" {
		dec, err := decoder(enc, resp.Body)
		switch {
		case err != nil:
			c.logger.Warn("cannot decode response, passing it through",
				slog.String("encoding", enc), slog.String("error", err.Error()))
		case dec != nil:
			body.Reader = dec
			if cl, ok := dec.(io.Closer); ok {
				body.decoder = cl
			}
			resp.Header.Del("Content-Encoding")
			resp.Header.Del("Content-Length")
			resp.ContentLength = -1
			resp.Uncompressed = true
		}
	}

	if c.cfg.MaxResponseSize > 0 {
		body.Reader = &cappedReader{r: body.Reader, left: c.cfg.MaxResponseSize}
	}
	resp.Body = body
}

// decoder returns nil for encodings it does not know.
func decoder(enc string, r io.Reader) (io.Reader, error) {
	switch enc {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr, nil
	case "deflate":
		return flate.NewReader(r), nil
	case "br":
		return brotli.NewReader(r), nil
	}
	return nil, nil
}

type responseBody struct {
	io.Reader
	decoder io.Closer
	raw     io.Closer
}

func (b *responseBody) Close() error {
	if b.decoder != nil {
		_ = b.decoder.Close()
	}
	return b.raw.Close()
}

type cappedReader struct {
	r    io.Reader
	left int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.left < 0 {
		return 0, ErrBodyTooLarge
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	if c.left < 0 {
		return n, ErrBodyTooLarge
	}
	return n, err
}
