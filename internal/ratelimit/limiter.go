package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// LimitResult is the outcome of a rate limit check.
type LimitResult struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter counts caller requests in a sliding window kept in a Redis sorted
// set per key. Without Redis, or when Redis fails, every check passes.
type Limiter struct {
	rdb    *redis.Client
	prefix string
}

// NewLimiter returns a limiter whose keys live under prefix+"rl:".
func NewLimiter(rdb *redis.Client, prefix string) *Limiter {
	return &Limiter{rdb: rdb, prefix: prefix}
}

// KEYS[1] = sorted set key
// ARGV[1] = window start (unix micro)
// ARGV[2] = now (unix micro)
// ARGV[3] = limit
// ARGV[4] = TTL seconds
// Returns {count, allowed, oldest_score}. oldest_score is the earliest entry
// still inside the window and tells the caller when a slot frees up.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_start = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)
local allowed = 0

if count < limit then
    redis.call('ZADD', key, now, now .. ':' .. math.random(1000000))
    count = count + 1
    allowed = 1
end
redis.call('EXPIRE', key, ttl)

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
    oldest = tonumber(first[2])
end
return {count, allowed, oldest}
`)

func (l *Limiter) Check(ctx context.Context, key string, limit int64, window time.Duration) (LimitResult, error) {
	now := time.Now()
	if l.rdb == nil {
		return LimitResult{Allowed: true, Remaining: limit - 1, ResetAt: now.Add(window)}, nil
	}

	redisKey := fmt.Sprintf("%srl:%s", l.prefix, key)
	ttlSecs := int64(window.Seconds()) + 1

	result, err := slidingWindowScript.Run(ctx, l.rdb, []string{redisKey},
		now.Add(-window).UnixMicro(), now.UnixMicro(), limit, ttlSecs,
	).Int64Slice()
	if err != nil || len(result) < 3 {
		slog.Warn("rate limit check failed, allowing request", "key", key, "error", err)
		return LimitResult{Allowed: true, Remaining: limit, ResetAt: now.Add(window)}, nil
	}
	return windowResult(now, window, limit, result[0], result[1] == 1, time.UnixMicro(result[2])), nil
}

// windowResult derives headers from the script reply. The window resets when
// its oldest entry ages out.
func windowResult(now time.Time, window time.Duration, limit, count int64, allowed bool, oldest time.Time) LimitResult {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	resetAt := oldest.Add(window)
	if resetAt.Before(now) {
		resetAt = now
	}
	res := LimitResult{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}
	if !allowed {
		res.RetryAfter = resetAt.Sub(now)
		if res.RetryAfter < time.Second {
			res.RetryAfter = time.Second
		}
	}
	return res
}
