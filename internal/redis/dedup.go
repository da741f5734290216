package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DedupStore reserves notification fingerprints with SET NX so that only the
// first writer within the TTL wins.
type DedupStore struct {
	client *Client
	logger *zap.Logger
}

// NewDedupStore creates a dedup store on client.
func NewDedupStore(client *Client, logger *zap.Logger) *DedupStore {
	return &DedupStore{client: client, logger: logger}
}

// Fingerprint hashes the identity of a notification into a fixed-size key.
func Fingerprint(notificationType, title, message string) string {
	h := sha256.New()
	h.Write([]byte(notificationType))
	h.Write([]byte{0})
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// Reserve claims the fingerprint for ttl. It returns false if an earlier
// reservation is still live.
func (d *DedupStore) Reserve(ctx context.Context, notificationType, title, message string, ttl time.Duration) (bool, error) {
	key := "cannaai:dedup:" + Fingerprint(notificationType, title, message)
	ok, err := d.client.rdb.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		d.logger.Debug("duplicate notification suppressed",
			zap.String("type", notificationType),
			zap.String("title", title),
		)
	}
	return ok, nil
}
