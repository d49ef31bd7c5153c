package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/shipper/internal/observability"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisNotifier.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisNotifier publishes JSON alerts on a Redis pub/sub channel. Alerts are
// also logged so they are not lost when Redis is unreachable.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	log     *LogNotifier
	logger  *slog.Logger
}

// NewRedisNotifier creates a Redis notifier. It does not connect until the first publish.
func NewRedisNotifier(opts RedisOptions, logger *slog.Logger) *RedisNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		Protocol:     2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		MaxRetries:   1,
	})
	return &RedisNotifier{
		client:  client,
		channel: opts.Channel,
		log:     NewLogNotifier(logger),
		logger:  observability.WithComponent(logger, "redis_notifier"),
	}
}

// Publish sends the alert to the channel.
func (n *RedisNotifier) Publish(ctx context.Context, level Level, message string) error {
	if err := n.log.Publish(ctx, level, message); err != nil {
		return err
	}

	data, err := json.Marshal(Message{
		InstanceID: InstanceID,
		Level:      level,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	receivers, err := n.client.Publish(ctx, n.channel, data).Result()
	if err != nil {
		return fmt.Errorf("publishing alert: %w", err)
	}
	n.logger.DebugContext(ctx, "alert published",
		slog.String("channel", n.channel),
		slog.Int64("receivers", receivers),
	)
	return nil
}

// Ping checks the Redis connection.
func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
