package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script implementing the sliding window
// over a sorted set, shared across gateway replicas.
// KEYS[1] = per-client Redis key
// ARGV[1] = current unix timestamp (nanoseconds)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: {allowed(0|1), count, oldest score or ""}.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			return {0, count, oldest[2]}
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. '-' .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms

		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		return {1, count + 1, oldest[2]}
`)

const redisKeyPrefix = "ratelimit:client:"

// RedisLimiter shares per-client sliding windows through Redis. When Redis is
// unreachable the limiter degrades open: requests are admitted with
// best-effort metadata rather than failing the gateway closed.
type RedisLimiter struct {
	rdb *redis.Client
}

// NewRedisLimiter creates a limiter over an existing client.
func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

// Check implements Limiter.
func (r *RedisLimiter) Check(ctx context.Context, clientID string, limit int) (Decision, error) {
	now := time.Now().UnixNano()
	window := Window.Nanoseconds()

	res, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{redisKeyPrefix + clientID},
		now, window, limit,
	).Slice()
	if err != nil || len(res) < 2 {
		// Redis unavailable — allow request (graceful degradation).
		return Decision{
			Allowed:      true,
			Limit:        limit,
			Remaining:    maxInt(0, limit-1),
			ResetSeconds: Window.Seconds(),
		}, nil
	}

	allowed := toInt64(res[0]) == 1
	count := int(toInt64(res[1]))

	// Reset is the time until the oldest window entry expires.
	reset := Window.Seconds()
	if len(res) >= 3 {
		if oldest, ok := parseScore(res[2]); ok {
			reset = float64(oldest+window-now) / float64(time.Second)
			if reset < 0 {
				reset = 0
			}
		}
	}

	if !allowed {
		return Decision{
			Allowed:      false,
			Limit:        limit,
			Remaining:    0,
			ResetSeconds: roundTenth(reset),
		}, nil
	}

	return Decision{
		Allowed:      true,
		Limit:        limit,
		Remaining:    maxInt(0, limit-count),
		ResetSeconds: roundTenth(reset),
	}, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func parseScore(v any) (int64, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
