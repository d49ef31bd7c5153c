// Package notify delivers operational alerts (encode failures, unsupported
// audio, stalled streams) to an operator-facing channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmylchreest/shipper/internal/config"
	"github.com/jmylchreest/shipper/internal/observability"
)

// Level is the severity of an alert.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// IsValid reports whether l is a known level.
func (l Level) IsValid() bool {
	switch l {
	case LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelError:
		return slog.LevelError
	case LevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Notifier publishes alerts.
type Notifier interface {
	Publish(ctx context.Context, level Level, message string) error
}

// Message is the wire form of an alert.
type Message struct {
	InstanceID string    `json:"instance_id"`
	Level      Level     `json:"level"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// InstanceID identifies this process in published alerts.
var InstanceID = uuid.NewString()

// LogNotifier writes alerts to the logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs alerts.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: observability.WithComponent(logger, "notifier")}
}

// Publish logs the alert at the matching level.
func (n *LogNotifier) Publish(ctx context.Context, level Level, message string) error {
	if !level.IsValid() {
		return fmt.Errorf("unknown notify level %q", level)
	}
	n.logger.Log(ctx, level.slogLevel(), "alert",
		slog.String("alert_level", string(level)),
		slog.String("message", message),
	)
	return nil
}

// Throttled suppresses repeats of the same alert within a window.
type Throttled struct {
	next   Notifier
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewThrottled wraps next so identical level/message pairs go out at most once per window.
func NewThrottled(next Notifier, window time.Duration) *Throttled {
	return &Throttled{
		next:   next,
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// Publish forwards the alert unless it was sent within the window.
func (t *Throttled) Publish(ctx context.Context, level Level, message string) error {
	key := string(level) + "\x00" + message
	now := t.now()

	t.mu.Lock()
	if last, ok := t.seen[key]; ok && now.Sub(last) < t.window {
		t.mu.Unlock()
		return nil
	}
	t.seen[key] = now
	for k, at := range t.seen {
		if now.Sub(at) >= t.window {
			delete(t.seen, k)
		}
	}
	t.mu.Unlock()

	return t.next.Publish(ctx, level, message)
}

// Open builds the notifier selected by cfg. The returned close function releases
// any connection it holds.
func Open(cfg config.NotifierConfig, logger *slog.Logger) (Notifier, func() error, error) {
	switch cfg.Type {
	case "", "log":
		return NewLogNotifier(logger), func() error { return nil }, nil
	case "redis":
		n := NewRedisNotifier(RedisOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		}, logger)
		return n, n.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown notifier type %q", cfg.Type)
	}
}
