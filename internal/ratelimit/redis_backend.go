package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript atomically prunes, counts and conditionally records a
// request in a sorted set whose scores are unix microseconds. Boundaries are
// computed by the caller and passed as strings so Lua never formats a large
// number.
//
// Keys: KEYS[1] = window key
// Args: ARGV[1] = now, ARGV[2] = window cutoff (inclusive), ARGV[3] = max_requests,
//
//	ARGV[4] = burst cutoff (exclusive, "(" prefixed), ARGV[5] = burst limit,
//	ARGV[6] = member, ARGV[7] = key ttl in milliseconds
//
// Returns: {allowed, in_window, in_burst, oldest_in_window, oldest_in_burst}
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local max_requests = tonumber(ARGV[3])
local burst_limit = tonumber(ARGV[5])

redis.call("ZREMRANGEBYSCORE", key, "-inf", ARGV[2])
local in_window = redis.call("ZCARD", key)
local in_burst = redis.call("ZCOUNT", key, ARGV[4], "+inf")

local allowed = 0
if in_window < max_requests and in_burst < burst_limit then
    redis.call("ZADD", key, ARGV[1], ARGV[6])
    allowed = 1
    in_window = in_window + 1
    in_burst = in_burst + 1
end

redis.call("PEXPIRE", key, ARGV[7])

local oldest = -1
local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if first[2] then oldest = tonumber(first[2]) end

local oldest_burst = -1
local first_burst = redis.call("ZRANGEBYSCORE", key, ARGV[4], "+inf", "WITHSCORES", "LIMIT", 0, 1)
if first_burst[2] then oldest_burst = tonumber(first_burst[2]) end

return {allowed, in_window, in_burst, oldest, oldest_burst}
`)

// RedisBackend shares sliding windows between processes through Redis.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend creates a Redis-backed window store.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: "quasar:rl:",
	}
}

func (b *RedisBackend) Check(ctx context.Context, key string, cfg Config, now time.Time) (Decision, error) {
	cfg = cfg.withDefaults()
	nowMicro := now.UnixMicro()

	res, err := slidingWindowScript.Run(ctx, b.client, []string{b.prefix + key},
		strconv.FormatInt(nowMicro, 10),
		strconv.FormatInt(nowMicro-cfg.Window.Microseconds(), 10),
		cfg.MaxRequests,
		"("+strconv.FormatInt(nowMicro-cfg.BurstWindow.Microseconds(), 10),
		cfg.BurstLimit,
		strconv.FormatInt(nowMicro, 10)+"-"+uuid.NewString()[:8],
		cfg.Window.Milliseconds()+1000,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis sliding window check: %w", err)
	}
	if len(res) != 5 {
		return Decision{}, fmt.Errorf("redis sliding window check: unexpected result length %d", len(res))
	}

	allowed, inWindow, inBurst, oldest, oldestBurst := res[0] == 1, int(res[1]), int(res[2]), res[3], res[4]
	if allowed {
		return Decision{Allowed: true, Remaining: cfg.MaxRequests - inWindow}, nil
	}

	d := Decision{Remaining: max(cfg.MaxRequests-inWindow, 0)}
	if inWindow >= cfg.MaxRequests {
		if oldest >= 0 {
			d.RetryAfter = time.UnixMicro(oldest).Add(cfg.Window).Sub(now)
		}
	} else if inBurst >= cfg.BurstLimit {
		d.BurstLimited = true
		if oldestBurst >= 0 {
			d.RetryAfter = time.UnixMicro(oldestBurst).Add(cfg.BurstWindow).Sub(now)
		}
	}
	if d.RetryAfter <= 0 {
		d.RetryAfter = cfg.RetryAfter
	}
	return d, nil
}

func (b *RedisBackend) Count(ctx context.Context, key string, cfg Config, now time.Time) (int, int, error) {
	cfg = cfg.withDefaults()
	nowMicro := now.UnixMicro()
	k := b.prefix + key

	pipe := b.client.Pipeline()
	win := pipe.ZCount(ctx, k, "("+strconv.FormatInt(nowMicro-cfg.Window.Microseconds(), 10), "+inf")
	burst := pipe.ZCount(ctx, k, "("+strconv.FormatInt(nowMicro-cfg.BurstWindow.Microseconds(), 10), "+inf")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("redis window count: %w", err)
	}
	return int(win.Val()), int(burst.Val()), nil
}

func (b *RedisBackend) Reset(ctx context.Context, prefix string) error {
	iter := b.client.Scan(ctx, 0, b.prefix+prefix+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis window scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return b.client.Del(ctx, keys...).Err()
}

// Ping verifies connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
