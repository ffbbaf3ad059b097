package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps redis.Client with common operations and instrumentation
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// GetUnderlying returns the underlying redis.Client for advanced operations
func (c *Client) GetUnderlying() *redis.Client {
	return c.redis
}

// Set sets a key with optional expiration (0 = no expiration)
func (c *Client) Set(ctx context.Context, key, value string, expiry time.Duration) error {
	err := c.redis.Set(ctx, key, value, expiry).Err()
	if err != nil {
		c.logger.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	c.logger.Debug("redis SET", "key", key, "expiry", expiry)
	return nil
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		c.logger.Debug("redis GET key not found", "key", key)
		return "", fmt.Errorf("key not found: %s", key)
	}
	if err != nil {
		c.logger.Error("redis GET failed", "key", key, "error", err)
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	c.logger.Debug("redis GET", "key", key)
	return val, nil
}

// Exists reports whether a key exists
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.redis.Exists(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis EXISTS failed", "key", key, "error", err)
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

// SetNX sets a key only if it doesn't exist (for idempotency checks)
func (c *Client) SetNX(ctx context.Context, key, value string, expiry time.Duration) (bool, error) {
	wasSet, err := c.redis.SetNX(ctx, key, value, expiry).Result()
	if err != nil {
		c.logger.Error("redis SETNX failed", "key", key, "error", err)
		return false, fmt.Errorf("failed to setnx key %s: %w", key, err)
	}
	c.logger.Debug("redis SETNX", "key", key, "was_set", wasSet)
	return wasSet, nil
}

// Delete removes a key
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	err := c.redis.Del(ctx, keys...).Err()
	if err != nil {
		c.logger.Error("redis DEL failed", "keys", keys, "error", err)
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	c.logger.Debug("redis DEL", "keys", keys)
	return nil
}

// compareAndDelete deletes a key only when its value matches the expected
// value. Used for single-consumer semantics on task tokens.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DeleteIfEquals atomically deletes key when its current value equals expected.
// Returns true when the delete happened.
func (c *Client) DeleteIfEquals(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, c.redis, []string{key}, expected).Int()
	if err != nil {
		c.logger.Error("redis conditional DEL failed", "key", key, "error", err)
		return false, fmt.Errorf("failed conditional delete of %s: %w", key, err)
	}
	c.logger.Debug("redis conditional DEL", "key", key, "deleted", n == 1)
	return n == 1, nil
}

// PushToList pushes values to the right of a list
func (c *Client) PushToList(ctx context.Context, key string, values ...interface{}) error {
	err := c.redis.RPush(ctx, key, values...).Err()
	if err != nil {
		c.logger.Error("redis RPUSH failed", "key", key, "error", err)
		return fmt.Errorf("failed to rpush to %s: %w", key, err)
	}
	c.logger.Debug("redis RPUSH", "key", key, "count", len(values))
	return nil
}

// BlockingPopList blocks and pops from a list (left side)
func (c *Client) BlockingPopList(ctx context.Context, timeout time.Duration, keys ...string) ([]string, error) {
	result, err := c.redis.BLPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		// Timeout - not an error
		return nil, nil
	}
	if err != nil {
		c.logger.Error("redis BLPOP failed", "keys", keys, "error", err)
		return nil, fmt.Errorf("failed to blpop from %v: %w", keys, err)
	}
	c.logger.Debug("redis BLPOP", "keys", keys)
	return result, nil
}

// BlockingMoveList blocks and atomically moves one item from the left
// of src to the right of dst. Returns "" on timeout. The item survives
// in dst until the consumer removes it, so a crashed consumer loses
// nothing.
func (c *Client) BlockingMoveList(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	result, err := c.redis.BLMove(ctx, src, dst, "LEFT", "RIGHT", timeout).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		c.logger.Error("redis BLMOVE failed", "src", src, "dst", dst, "error", err)
		return "", fmt.Errorf("failed to blmove %s to %s: %w", src, dst, err)
	}
	c.logger.Debug("redis BLMOVE", "src", src, "dst", dst)
	return result, nil
}

// RemoveFromList removes up to count occurrences of value from a list,
// returning how many were removed
func (c *Client) RemoveFromList(ctx context.Context, key string, count int64, value string) (int64, error) {
	n, err := c.redis.LRem(ctx, key, count, value).Result()
	if err != nil {
		c.logger.Error("redis LREM failed", "key", key, "error", err)
		return 0, fmt.Errorf("failed to lrem from %s: %w", key, err)
	}
	c.logger.Debug("redis LREM", "key", key, "removed", n)
	return n, nil
}

// ListRange returns the items of a list between start and stop inclusive
func (c *Client) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	items, err := c.redis.LRange(ctx, key, start, stop).Result()
	if err != nil {
		c.logger.Error("redis LRANGE failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to lrange %s: %w", key, err)
	}
	return items, nil
}

// PopBatch pops up to count items from the left of a list
func (c *Client) PopBatch(ctx context.Context, key string, count int) ([]string, error) {
	result, err := c.redis.LPopCount(ctx, key, count).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		c.logger.Error("redis LPOP failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to lpop from %s: %w", key, err)
	}
	c.logger.Debug("redis LPOP", "key", key, "count", len(result))
	return result, nil
}

// PublishEvent publishes an event to a Redis channel
func (c *Client) PublishEvent(ctx context.Context, channel string, message string) error {
	err := c.redis.Publish(ctx, channel, message).Err()
	if err != nil {
		c.logger.Error("redis PUBLISH failed", "channel", channel, "error", err)
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	c.logger.Debug("redis PUBLISH", "channel", channel)
	return nil
}

// Increment increments a counter and returns the new value
func (c *Client) Increment(ctx context.Context, key string) (int64, error) {
	val, err := c.redis.Incr(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis INCR failed", "key", key, "error", err)
		return 0, fmt.Errorf("failed to increment key %s: %w", key, err)
	}
	c.logger.Debug("redis INCR", "key", key, "value", val)
	return val, nil
}

// IncrementWithExpiry increments a counter and sets its TTL on first use.
// Used by the per-owner submit rate limiter.
func (c *Client) IncrementWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("redis INCR+EXPIRE failed", "key", key, "error", err)
		return 0, fmt.Errorf("failed to increment key %s: %w", key, err)
	}
	return incr.Val(), nil
}
