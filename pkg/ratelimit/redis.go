package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// counterScript increments the window counter and arms its expiry on first
// touch, returning the count and remaining window in one round trip.
var counterScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// RedisLimiter shares one fixed-window counter across replicas. When redis is
// unreachable it degrades to the per-process fallback rather than refusing
// traffic.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rl:",
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(key string, limit int) Decision {
	limit = floorLimit(limit)
	if l.Client == nil {
		return l.local(key, limit)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := counterScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Result()
	if err != nil {
		return l.local(key, limit)
	}
	count, ttl, ok := parseReply(reply, l.Window)
	if !ok {
		return l.local(key, limit)
	}
	return decide(count, limit, time.Now().UTC().Add(ttl))
}

func (l *RedisLimiter) local(key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(key, limit)
	}
	return openDecision(limit, l.Window)
}

// parseReply unpacks the {count, pttl} pair. A non-positive TTL means the key
// predates this limiter or never expires; treat it as a fresh window.
func parseReply(reply interface{}, window time.Duration) (int, time.Duration, bool) {
	vals, ok := reply.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, 0, false
	}
	count, _ := vals[0].(int64)
	ttlMS, _ := vals[1].(int64)
	if ttlMS < 0 {
		ttlMS = window.Milliseconds()
	}
	return int(count), time.Duration(ttlMS) * time.Millisecond, true
}
