package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript increments and arms the window expiry in one atomic script
// so concurrent consumers across process instances never double-spend.
var consumeScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter counts in the shared store and degrades to the in-memory
// limiter when redis is unreachable. Degraded mode is per-process and
// therefore looser; it only exists so an outage does not hard-stop sends.
type RedisLimiter struct {
	Client   *redis.Client
	Prefix   string
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		Client:   client,
		Prefix:   "adm:",
		Fallback: NewInMemory(),
	}
}

func (l *RedisLimiter) Consume(key string, limit int, window time.Duration) Decision {
	limit = limitFloor(limit)
	window = windowFloor(window)
	if l.Client == nil {
		return l.degraded(key, limit, window)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := consumeScript.Run(ctx, l.Client, []string{l.Prefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return l.degraded(key, limit, window)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.degraded(key, limit, window)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	return decisionFor(int(count), limit, time.Now().UTC().Add(time.Duration(ttlMs)*time.Millisecond))
}

func (l *RedisLimiter) degraded(key string, limit int, window time.Duration) Decision {
	if l.Fallback != nil {
		return l.Fallback.Consume(key, limit, window)
	}
	return Decision{Allowed: true, Count: 0, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(window)}
}
