package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS[1] is the per-account window counter. KEYS[2], when present, marks a client reference
// already counted in this window so retries of the same transfer are not charged twice.
// Returns {count, ttl_ms, duplicate}.
var transferRateLimitScript = redis.NewScript(`
local windowMs = tonumber(ARGV[1])
if #KEYS > 1 then
  local fresh = redis.call("SET", KEYS[2], "1", "PX", windowMs, "NX")
  if not fresh then
    local seen = tonumber(redis.call("GET", KEYS[1]) or "0")
    local ttl = redis.call("PTTL", KEYS[1])
    if ttl < 0 then
      ttl = windowMs
    end
    return {seen, ttl, 1}
  end
end
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], windowMs)
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = windowMs
end
return {current, ttl, 0}
`)

// RedisRateLimiter counts transfer submissions per account in a fixed window shared by all
// instances of the service.
type RedisRateLimiter struct {
	client redis.Scripter
	prefix string
}

func NewRedisRateLimiter(client redis.Scripter, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "sfc:rate_limit"
	}
	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

// ConsumeRateLimit charges one request to subject within scope and returns the window count.
// A non-empty reference already seen in the current window is not charged again.
func (r *RedisRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	reference string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	keys := []string{r.key(scope, subject)}
	if reference = strings.TrimSpace(reference); reference != "" {
		keys = append(keys, r.referenceKey(scope, subject, reference))
	}

	rawResult, err := transferRateLimitScript.Run(ctx, r.client, keys, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 3 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}

	return int(currentCount), retryAfterFromTTL(ttlMs, windowMs), nil
}

// retryAfterFromTTL rounds the remaining window up to whole seconds, never below one.
func retryAfterFromTTL(ttlMs, windowMs int64) int {
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return retryAfter
}

func (r *RedisRateLimiter) key(scope, subject string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
}

func (r *RedisRateLimiter) referenceKey(scope, subject, reference string) string {
	return fmt.Sprintf("%s:%s:%s:ref:%s", r.prefix, scope, subject, reference)
}
