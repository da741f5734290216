package dedup

import (
	"context"
	"time"

	"github.com/lalithlochan/cannaai-notify/internal/redis"
)

// Reserver claims a (type, title, message) key for a window. It returns
// false when the key is already held, which is the duplicate signal.
type Reserver interface {
	Reserve(ctx context.Context, notificationType, title, message string, window time.Duration, now time.Time) (bool, error)
}

// KeyStore is the relational side of PostgresReserver. *db.Repository
// satisfies it.
type KeyStore interface {
	ReserveDedupKey(ctx context.Context, notificationType, title, message string, bucket int64) (bool, error)
	PruneDedupKeys(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresReserver relies on a unique index over (type, title, message,
// bucket), where bucket is now truncated to the window.
type PostgresReserver struct {
	store KeyStore
}

func NewPostgresReserver(store KeyStore) *PostgresReserver {
	return &PostgresReserver{store: store}
}

func (p *PostgresReserver) Reserve(ctx context.Context, notificationType, title, message string, window time.Duration, now time.Time) (bool, error) {
	return p.store.ReserveDedupKey(ctx, notificationType, title, message, Bucket(now, window))
}

// Prune removes reservations older than two windows.
func (p *PostgresReserver) Prune(ctx context.Context, window time.Duration, now time.Time) (int64, error) {
	return p.store.PruneDedupKeys(ctx, now.Add(-2*window))
}

// Bucket is the fixed window index now falls into.
func Bucket(now time.Time, window time.Duration) int64 {
	ms := window.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return now.UnixMilli() / ms
}

// RedisReserver holds each key with SET NX for the window, giving a
// trailing window rather than fixed buckets.
type RedisReserver struct {
	store *redis.DedupStore
}

func NewRedisReserver(store *redis.DedupStore) *RedisReserver {
	return &RedisReserver{store: store}
}

func (r *RedisReserver) Reserve(ctx context.Context, notificationType, title, message string, window time.Duration, _ time.Time) (bool, error) {
	return r.store.Reserve(ctx, notificationType, title, message, window)
}
