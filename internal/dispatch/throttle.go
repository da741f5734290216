package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lalithlochan/cannaai-notify/internal/redis"
)

// Throttle caps external fan-out per key to limit notifications a minute.
type Throttle interface {
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

// RedisThrottle shares throttle windows across instances.
type RedisThrottle struct {
	limiter *redis.RateLimiter
}

func NewRedisThrottle(limiter *redis.RateLimiter) *RedisThrottle {
	return &RedisThrottle{limiter: limiter}
}

func (t *RedisThrottle) Allow(ctx context.Context, key string, limit int) (bool, error) {
	return t.limiter.AllowWithin(ctx, "throttle:"+key, limit, time.Minute)
}

// throttleIdle is how long an untouched bucket is kept. A bucket refills
// within a minute, so dropping it after that loses nothing.
const throttleIdle = 5 * time.Minute

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalThrottle keeps one token bucket per key in process memory. Buckets
// idle for throttleIdle are swept on a later call.
type LocalThrottle struct {
	mu        sync.Mutex
	buckets   map[string]*localBucket
	lastSweep time.Time
	now       func() time.Time
}

func NewLocalThrottle() *LocalThrottle {
	return &LocalThrottle{
		buckets:   make(map[string]*localBucket),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (t *LocalThrottle) Allow(_ context.Context, key string, limit int) (bool, error) {
	t.mu.Lock()
	now := t.now()
	if now.Sub(t.lastSweep) >= throttleIdle {
		t.sweep(now)
	}
	b, ok := t.buckets[key]
	if !ok || b.limiter.Burst() != limit {
		b = &localBucket{limiter: rate.NewLimiter(rate.Limit(float64(limit)/60), limit)}
		t.buckets[key] = b
	}
	b.lastSeen = now
	l := b.limiter
	t.mu.Unlock()
	return l.AllowN(now, 1), nil
}

func (t *LocalThrottle) sweep(now time.Time) {
	for k, b := range t.buckets {
		if now.Sub(b.lastSeen) >= throttleIdle {
			delete(t.buckets, k)
		}
	}
	t.lastSweep = now
}
