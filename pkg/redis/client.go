package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DifficultyKey is the hash holding durably cached difficulty values, one field per date.
	DifficultyKey = "curtailx:difficulty"
	// DefaultStreamMaxLen caps the reconcile event stream
	DefaultStreamMaxLen = 1000
)

// Config holds connection settings.
type Config struct {
	Host         string
	Port         int
	Password     string
	DB           int
	StreamMaxLen int64
}

// Addr is host:port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Client wraps the Redis client for the durable difficulty cache and reconcile progress
// events (Pub/Sub plus a capped stream for replay).
type Client struct {
	client       *redis.Client
	logger       *zap.Logger
	streamMaxLen int64 // Max entries per stream (0 = unlimited)
}

// NewClient connects and pings Redis.
func NewClient(ctx context.Context, logger *zap.Logger, cfg Config) (*Client, error) {
	addr := cfg.Addr()

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		// Connection pool
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", cfg.DB),
		zap.Int64("streamMaxLen", cfg.StreamMaxLen))

	return &Client{
		client:       rdb,
		logger:       logger,
		streamMaxLen: cfg.StreamMaxLen,
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Publish publishes a message to a Redis Pub/Sub channel.
// This is a best-effort operation - errors are logged but not returned
// so a lost notification never fails a reconcile.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) {
	if err := c.client.Publish(ctx, channel, message).Err(); err != nil {
		c.logger.Warn("Failed to publish Redis message",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// PSubscribe subscribes to one or more Redis Pub/Sub channel patterns.
// For example: "curtailx:reconcile:*" matches every reconcile progress event.
// The caller is responsible for closing the PubSub object when done.
func (c *Client) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	c.logger.Debug("Subscribing to Redis patterns", zap.Strings("patterns", patterns))
	return c.client.PSubscribe(ctx, patterns...)
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// =============================================================================
// Difficulty cache
// =============================================================================

// GetDifficulty reads a cached difficulty. A missing field is (0, false, nil).
func (c *Client) GetDifficulty(ctx context.Context, date time.Time) (float64, bool, error) {
	raw, err := c.client.HGet(ctx, DifficultyKey, utils.FormatDate(date)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, faults.TransientStore("redis_get_difficulty", err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		// A corrupt entry is treated as a miss so the source is consulted again.
		c.logger.Warn("Ignoring invalid cached difficulty",
			zap.String("date", utils.FormatDate(date)),
			zap.String("value", raw))
		return 0, false, nil
	}
	return v, true, nil
}

// PutDifficulty stores a resolved difficulty.
func (c *Client) PutDifficulty(ctx context.Context, date time.Time, difficulty float64) error {
	field := utils.FormatDate(date)
	value := strconv.FormatFloat(difficulty, 'f', -1, 64)
	return faults.TransientStore("redis_put_difficulty", c.client.HSet(ctx, DifficultyKey, field, value).Err())
}

// =============================================================================
// Redis Streams API
// =============================================================================

// XAdd adds an entry to a stream. Uses MAXLEN to cap stream size if configured.
// Returns the entry ID (e.g., "1234567890123-0"), or "" when the add failed.
// This is best-effort - errors are logged but not returned.
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]interface{}) string {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}

	// Apply MAXLEN if configured (approximate for performance)
	if c.streamMaxLen > 0 {
		args.MaxLen = c.streamMaxLen
		args.Approx = true
	}

	id, err := c.client.XAdd(ctx, args).Result()
	if err != nil {
		c.logger.Warn("Failed to add to Redis stream",
			zap.String("stream", stream),
			zap.Error(err))
		return ""
	}
	return id
}

// XRecent returns up to count of the latest stream entries, oldest first.
func (c *Client) XRecent(ctx context.Context, stream string, count int64) ([]redis.XMessage, error) {
	msgs, err := c.client.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
