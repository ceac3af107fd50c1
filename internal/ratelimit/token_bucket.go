// Package ratelimit throttles message submission per account. State lives
// in redis so every API replica sees the same bucket.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// tokenBucketScript refills by elapsed server time and takes one token when
// available. Using redis TIME keeps replicas with skewed clocks honest.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens)}
`

// TokenBucket is a redis-backed limiter. A nil TokenBucket admits
// everything, which is how single-node development runs without redis.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

// Result reports one admission decision.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

// Allow takes one token from the bucket at key, refilled at rate tokens per
// second up to burst.
func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*Result, error) {
	if t == nil || t.client == nil {
		return &Result{Allowed: true, Remaining: burst}, nil
	}
	if key == "" {
		return nil, fmt.Errorf("ratelimit: key is empty")
	}
	if rate <= 0 || burst <= 0 {
		return nil, fmt.Errorf("ratelimit: bad parameters rate=%v burst=%d", rate, burst)
	}

	ttl := bucketTTL(rate, burst)
	res, err := t.script.Run(ctx, t.client, []string{key},
		rate, burst, int64(ttl/time.Millisecond)).Slice()
	if err != nil {
		return nil, fmt.Errorf("ratelimit: script: %w", err)
	}
	if len(res) < 2 {
		return nil, fmt.Errorf("ratelimit: short script response")
	}

	allowed := asInt(res[0]) == 1
	remaining := asFloat(res[1])

	out := &Result{Allowed: allowed, Remaining: int(remaining)}
	if !allowed {
		if needed := 1.0 - remaining; needed > 0 {
			out.RetryAfter = time.Duration(needed / rate * float64(time.Second))
		}
	}
	return out, nil
}

// bucketTTL keeps idle buckets around long enough to refill fully, twice
// over, before redis reclaims them.
func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil(float64(burst) / rate * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func asInt(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case string:
		return int64(asFloat(val))
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
