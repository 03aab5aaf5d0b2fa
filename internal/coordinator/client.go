package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/common"
)

// Client wraps the coordinator connection. Every ephemeral shared state of
// the system (slot counters, pending queues, dedup markers, caches, leases)
// lives behind this client; atomic multi-step operations go through the Lua
// scripts in scripts.go.
type Client struct {
	rdb    *redis.Client
	logger arbor.ILogger
}

// NewClient connects to the coordinator and verifies the connection
func NewClient(logger arbor.ILogger, config *common.CoordConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: time.Duration(config.DialTimeoutS) * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.DialTimeoutS)*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to coordinator at %s: %w", config.Addr, err)
	}

	logger.Info().Str("addr", config.Addr).Msg("Coordinator connection established")

	return &Client{rdb: rdb, logger: logger}, nil
}

// NewClientFromRedis wraps an existing connection (used by tests)
func NewClientFromRedis(rdb *redis.Client, logger arbor.ILogger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

// Redis returns the underlying connection
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close closes the coordinator connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Get returns the value at key, or ("", false, nil) when the key is absent
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("coordinator GET %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores a value with a TTL (0 = no expiry)
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("coordinator SET %s: %w", key, err)
	}
	return nil
}

// SetNX stores a value only if the key does not exist. Returns true when stored.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("coordinator SETNX %s: %w", key, err)
	}
	return ok, nil
}

// Delete removes one or more keys
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("coordinator DEL: %w", err)
	}
	return nil
}

// Exists reports whether the key is present
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("coordinator EXISTS %s: %w", key, err)
	}
	return n > 0, nil
}

// Expire refreshes a key's TTL
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("coordinator EXPIRE %s: %w", key, err)
	}
	return nil
}

// GetInt reads an integer counter; absent keys read as 0
func (c *Client) GetInt(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("coordinator GET %s: %w", key, err)
	}
	return val, nil
}

// PushTail appends a value to the tail of a list (FIFO enqueue)
func (c *Client) PushTail(ctx context.Context, key string, value string) error {
	if err := c.rdb.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("coordinator RPUSH %s: %w", key, err)
	}
	return nil
}

// PushHead prepends a value to the head of a list (requeue after a failed dispatch)
func (c *Client) PushHead(ctx context.Context, key string, value string) error {
	if err := c.rdb.LPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("coordinator LPUSH %s: %w", key, err)
	}
	return nil
}

// PopHead removes and returns the head of a list, or ("", false, nil) when empty
func (c *Client) PopHead(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("coordinator LPOP %s: %w", key, err)
	}
	return val, true, nil
}

// ListLen returns the length of a list
func (c *Client) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("coordinator LLEN %s: %w", key, err)
	}
	return n, nil
}

// ScanKeys enumerates all keys matching a pattern using a bounded cursor walk
func (c *Client) ScanKeys(ctx context.Context, pattern string, count int64) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		page, next, err := c.rdb.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return nil, fmt.Errorf("coordinator SCAN %s: %w", pattern, err)
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
