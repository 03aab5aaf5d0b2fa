package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Server-side scripts. These are the only write paths for slot counters and
// rate-limit windows; non-atomic INCR-then-check sequences are not an
// acceptable substitute on a coordinator without scripting support.

// slotAcquireScript increments the counter iff current < max, refreshing the
// TTL on every touch so a lost EXPIRE self-heals. Returns 1 on success, 0 on
// refusal.
var slotAcquireScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current > tonumber(ARGV[1]) then
	redis.call('DECR', KEYS[1])
	redis.call('EXPIRE', KEYS[1], ARGV[2])
	return 0
end
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

// slotReleaseScript decrements the counter, clamping at zero, and refreshes
// the TTL. Returns the new value.
var slotReleaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
	redis.call('SET', KEYS[1], '0', 'EX', ARGV[1])
	return 0
end
local v = redis.call('DECR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[1])
return v
`)

// counterCASScript overwrites the counter with ARGV[2] only when the stored
// value still equals ARGV[1]. Returns the new value, or -1 on mismatch so the
// watchdog never clobbers a counter another worker just updated.
var counterCASScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current ~= tonumber(ARGV[1]) then
	return -1
end
redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[3])
return tonumber(ARGV[2])
`)

// rateLimitScript is a fixed-window INCR+EXPIRE counter. Returns the count
// within the current window.
var rateLimitScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// AcquireSlot atomically takes one slot under the cap. Returns false when the
// tenant is at capacity.
func (c *Client) AcquireSlot(ctx context.Context, key string, maxConcurrent int, ttl time.Duration) (bool, error) {
	res, err := slotAcquireScript.Run(ctx, c.rdb, []string{key}, maxConcurrent, int(ttl.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("slot acquire script on %s: %w", key, err)
	}
	return res == 1, nil
}

// ReleaseSlot atomically returns one slot, clamping the counter at zero
func (c *Client) ReleaseSlot(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := slotReleaseScript.Run(ctx, c.rdb, []string{key}, int(ttl.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("slot release script on %s: %w", key, err)
	}
	return res, nil
}

// CompareAndSwapCounter reconciles a counter to actual iff it still holds
// expected. Returns (newValue, true) on success and (_, false) on mismatch.
func (c *Client) CompareAndSwapCounter(ctx context.Context, key string, expected, actual int64, ttl time.Duration) (int64, bool, error) {
	res, err := counterCASScript.Run(ctx, c.rdb, []string{key}, expected, actual, int(ttl.Seconds())).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("counter CAS script on %s: %w", key, err)
	}
	if res == -1 {
		return 0, false, nil
	}
	return res, true, nil
}

// IncrementWindow bumps a fixed-window rate counter and returns the count in
// the current window.
func (c *Client) IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := rateLimitScript.Run(ctx, c.rdb, []string{key}, int(window.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("rate limit script on %s: %w", key, err)
	}
	return count, nil
}
