package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "bastion:bucket:"

// takeScript performs refill + check-and-decrement as one atomic Redis
// operation. Bucket state lives in a hash (tokens, last_refill); the
// key expires after twice the full-refill time, which is the shared
// form of idle eviction — a key that expires would have been full.
// Tokens are returned as a string because Lua number replies are
// truncated to integers.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if not tokens then
  tokens = capacity
  last = now
end
local delta = now - last
if delta > 0 then
  tokens = math.min(capacity, tokens + delta * rate)
  last = now
end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HMSET', key, 'tokens', tokens, 'last_refill', last)
redis.call('EXPIRE', key, math.ceil(capacity / rate) * 2)
return {allowed, tostring(tokens)}
`)

// RedisBackend stores bucket state in Redis so multiple proxy
// instances share one limit. The check-and-decrement runs as a single
// server-side script, never read-then-write.
type RedisBackend struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisBackend connects to the given DSN (redis://...) and verifies
// the connection.
func NewRedisBackend(ctx context.Context, dsn string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis dsn: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ratelimit: redis ping: %w", err)
	}
	return &RedisBackend{client: client, now: time.Now}, nil
}

// Take implements Backend.
func (r *RedisBackend) Take(ctx context.Context, key string, capacity int, refillRate float64) (Outcome, error) {
	now := float64(r.now().UnixNano()) / float64(time.Second)

	res, err := takeScript.Run(ctx, r.client,
		[]string{redisKeyPrefix + key},
		capacity, refillRate, now,
	).Result()
	if err != nil {
		return Outcome{}, fmt.Errorf("ratelimit: redis take: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Outcome{}, fmt.Errorf("ratelimit: unexpected script reply %T", res)
	}
	allowed, _ := vals[0].(int64)
	tokensStr, _ := vals[1].(string)
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return Outcome{}, fmt.Errorf("ratelimit: parse tokens %q: %w", tokensStr, err)
	}

	out := Outcome{Allowed: allowed == 1, Remaining: tokens}
	if !out.Allowed {
		out.RetryAfter = retryAfter(tokens, refillRate)
	}
	return out, nil
}

// Close releases the Redis connection.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
