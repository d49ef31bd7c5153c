package notify

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/shipper/internal/config"
	"github.com/jmylchreest/shipper/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a Notifier that keeps what it was sent.
type recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *recorder) Publish(_ context.Context, level Level, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, string(level)+":"+message)
	return nil
}

func TestLevel_IsValid(t *testing.T) {
	assert.True(t, LevelInfo.IsValid())
	assert.True(t, LevelWarn.IsValid())
	assert.True(t, LevelError.IsValid())
	assert.False(t, Level("fatal").IsValid())
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	n := NewLogNotifier(logger)

	require.NoError(t, n.Publish(context.Background(), LevelError, "encode failed for abc/42"))
	out := buf.String()
	assert.Contains(t, out, `"level":"ERROR"`)
	assert.Contains(t, out, "encode failed for abc/42")
	assert.Contains(t, out, `"component":"notifier"`)

	assert.Error(t, n.Publish(context.Background(), Level("fatal"), "x"))
}

func TestThrottled(t *testing.T) {
	rec := &recorder{}
	th := NewThrottled(rec, time.Minute)
	now := time.Unix(1000, 0)
	th.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, th.Publish(ctx, LevelError, "unsupported audio in abc/7"))
	require.NoError(t, th.Publish(ctx, LevelError, "unsupported audio in abc/7"))
	require.NoError(t, th.Publish(ctx, LevelWarn, "unsupported audio in abc/7"))
	require.NoError(t, th.Publish(ctx, LevelError, "unsupported audio in abc/8"))
	assert.Len(t, rec.messages, 3)

	now = now.Add(time.Minute)
	require.NoError(t, th.Publish(ctx, LevelError, "unsupported audio in abc/7"))
	assert.Len(t, rec.messages, 4)
}

func TestOpen(t *testing.T) {
	n, closeFn, err := Open(config.NotifierConfig{Type: "log"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LogNotifier{}, n)
	assert.NoError(t, closeFn())

	n, closeFn, err = Open(config.NotifierConfig{Type: "redis", Redis: config.RedisConfig{Address: "127.0.0.1:6379", Channel: "alerts"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisNotifier{}, n)
	assert.NoError(t, closeFn())

	_, _, err = Open(config.NotifierConfig{Type: "email"}, nil)
	assert.Error(t, err)
}
