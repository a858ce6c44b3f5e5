package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucket refills at rate tokens per second up to burst and takes one
// token if available. It returns 0 on success or the milliseconds to wait.
var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = burst
  ts = now
end

tokens = math.min(burst, tokens + (now - ts) / 1000 * rate)
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) / rate * 1000)
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil(burst / rate * 1000) + 1000)
return wait
`)

// Limiter is a token bucket shared by every replica that uses the same
// Redis and key.
type Limiter struct {
	client *Client
	key    string
	rate   float64
	burst  int
	now    func() time.Time
}

// NewLimiter allows rps requests per second with the given burst across
// all processes sharing name.
func NewLimiter(client *Client, name string, rps float64, burst int) (*Limiter, error) {
	if rps <= 0 {
		return nil, fmt.Errorf("redis limiter %q: rate must be positive", name)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		client: client,
		key:    client.Key("ratelimit", name),
		rate:   rps,
		burst:  burst,
		now:    time.Now,
	}, nil
}

// Wait blocks until a token is taken or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		wait, err := l.take(ctx)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) take(ctx context.Context) (time.Duration, error) {
	ms, err := tokenBucket.Run(ctx, l.client.rdb, []string{l.key},
		l.rate, l.burst, l.now().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("token bucket: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
