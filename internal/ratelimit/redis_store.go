package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces bucket keys.
const DefaultRedisPrefix = "qwen:ratelimit"

// tokenBucketScript refills and consumes atomically. Tokens are returned as a
// string because Lua numbers are truncated to integers in replies.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now
local state = redis.call('HMGET', key, 'tokens', 'last_refill')
if state[1] then
  tokens = tonumber(state[1])
  last_refill = tonumber(state[2])
end

local elapsed = now - last_refill
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * refill_rate)
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('EXPIRE', key, ttl)
return {allowed, tostring(tokens)}
`)

// RedisStore shares token buckets between bridge instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps client. Close closes the client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(k string) string { return s.prefix + ":" + k }

// Allow consumes one token from the bucket of key.
func (s *RedisStore) Allow(ctx context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	ttl := 60
	if refillRate > 0 {
		ttl = int(math.Ceil(capacity/refillRate)) + 1
	}
	now := float64(s.now().UnixNano()) / float64(time.Second)
	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.key(key)},
		capacity, refillRate, strconv.FormatFloat(now, 'f', 6, 64), ttl).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit script: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	remaining, err := strconv.ParseFloat(fmt.Sprint(res[1]), 64)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit script: %w", err)
	}
	return allowed == 1, remaining, nil
}

// Reset removes the bucket of key.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
