package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis provides shared rate limiting state in Redis.
type Redis struct {
	cli *redis.Client
}

// Connect connects to the Redis server and pings the server to ensure the
// connection is working.
func Connect(ctx context.Context, addr string) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{
		cli: cli,
	}, nil
}

// Close closes the connection to Redis.
func (r *Redis) Close() error {
	return r.cli.Close()
}

const limitPrefix = "gateway:ratelimit:"

// slidingWindow drops hits older than the window, then records a new hit if
// the key is still under its limit. It returns 1 when the hit was recorded.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
    return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// A Limiter allows at most Limit hits per key within a sliding Window.
type Limiter struct {
	cli    *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// Limiter returns a limiter backed by this connection.
func (r *Redis) Limiter(limit int, window time.Duration) *Limiter {
	return &Limiter{
		cli:    r.cli,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a hit for key and reports whether it is within the limit.
// Check and increment happen atomically in a single script run.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, l.cli, []string{limitPrefix + key},
		l.limit, l.window.Milliseconds(), now, fmt.Sprintf("%d:%s", now, uuid.NewString()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("run rate limit script: %w", err)
	}
	return res == 1, nil
}
