package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// counters is the slice of Redis the limiter needs, narrowed so tests can
// substitute an in-memory fake.
type counters interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decr(ctx context.Context, key string) error
}

type redisCounters struct {
	client *redis.Client
}

func (c redisCounters) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c redisCounters) Decr(ctx context.Context, key string) error {
	return c.client.Decr(ctx, key).Err()
}

// RedisLimiter enforces fixed-window ceilings shared across all worker
// processes. Each (provider, window_start) pair maps to a Redis counter;
// INCR is atomic on the server, so the returned value is this caller's
// unique slot number; comparing it against the ceiling cannot race,
// no matter how many workers acquire concurrently.
//
// Keys carry a TTL slightly past their window, so the table is self-expiring.
type RedisLimiter struct {
	counters counters
	client   *redis.Client
	limits   Limits

	now func() time.Time
}

func NewRedisLimiter(client *redis.Client, limits Limits) *RedisLimiter {
	return &RedisLimiter{
		counters: redisCounters{client: client},
		client:   client,
		limits:   limits,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the limiter's time source. Test hook.
func (l *RedisLimiter) SetClock(now func() time.Time) { l.now = now }

type window struct {
	name    string
	size    time.Duration
	ceiling int
}

func (l *RedisLimiter) windows() []window {
	var w []window
	if l.limits.PerSecond > 0 {
		w = append(w, window{"sec", time.Second, l.limits.PerSecond})
	}
	if l.limits.PerMinute > 0 {
		w = append(w, window{"min", time.Minute, l.limits.PerMinute})
	}
	if l.limits.PerHour > 0 {
		w = append(w, window{"hour", time.Hour, l.limits.PerHour})
	}
	return w
}

func (l *RedisLimiter) Acquire(ctx context.Context, provider string) (Decision, error) {
	now := l.now()

	granted := make([]string, 0, 3)
	for _, w := range l.windows() {
		windowStart := now.Truncate(w.size)
		key := fmt.Sprintf("dispatchd:rl:%s:%s:%d", provider, w.name, windowStart.Unix())

		n, err := l.counters.IncrWithTTL(ctx, key, w.size+time.Second)
		if err != nil {
			l.release(ctx, granted)
			return Decision{}, fmt.Errorf("rate limit incr %s: %w", key, err)
		}

		if n > int64(w.ceiling) {
			// Give back the slots the earlier windows granted: a denied
			// caller must not consume capacity in any window.
			l.release(ctx, append(granted, key))
			retryAfter := windowStart.Add(w.size).Sub(now)
			if retryAfter <= 0 {
				retryAfter = time.Millisecond
			}
			return Decision{Granted: false, RetryAfter: retryAfter}, nil
		}
		granted = append(granted, key)
	}
	return Decision{Granted: true}, nil
}

// release decrements keys best-effort; a missed DECR only biases a window
// toward denying, never over-admitting.
func (l *RedisLimiter) release(ctx context.Context, keys []string) {
	for _, k := range keys {
		_ = l.counters.Decr(ctx, k)
	}
}

// Close releases the underlying Redis connection.
func (l *RedisLimiter) Close() error { return l.client.Close() }

var _ Limiter = (*RedisLimiter)(nil)
