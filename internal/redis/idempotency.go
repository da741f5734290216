package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a completed response is replayed for a
	// client-supplied Idempotency-Key.
	IdempotencyTTL = 24 * time.Hour

	// inFlightTTL bounds the lock held while the first request is running.
	inFlightTTL = 2 * time.Minute

	inFlightMarker = "in-flight"
)

// ErrRequestInFlight indicates another request with the same key has not finished.
var ErrRequestInFlight = errors.New("request with this idempotency key is in flight")

// IdempotentResponse is the cached outcome of a dispatch request.
type IdempotentResponse struct {
	NotificationID string `json:"notification_id,omitempty"`
	ScheduledID    string `json:"scheduled_id,omitempty"`
	StatusCode     int    `json:"status_code"`
	StoredAt       int64  `json:"stored_at"`
}

// IdempotencyService replays responses for repeated Idempotency-Key requests.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func idempotencyKey(scope, key string) string {
	return fmt.Sprintf("cannaai:idem:%s:%s", scope, key)
}

// Begin either returns the stored response for key, or takes the in-flight
// lock and returns (nil, nil). A concurrent holder yields ErrRequestInFlight.
func (s *IdempotencyService) Begin(ctx context.Context, scope, key string) (*IdempotentResponse, error) {
	k := idempotencyKey(scope, key)

	ok, err := s.client.rdb.SetNX(ctx, k, inFlightMarker, inFlightTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if ok {
		return nil, nil
	}

	val, err := s.client.rdb.Get(ctx, k).Result()
	if err == redis.Nil {
		// expired between SETNX and GET; let the caller proceed unlocked
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if val == inFlightMarker {
		return nil, ErrRequestInFlight
	}

	var resp IdempotentResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		s.logger.Error("corrupt idempotency entry", zap.String("key", k), zap.Error(err))
		return nil, fmt.Errorf("invalid cached response: %w", err)
	}
	return &resp, nil
}

// Complete stores the response, replacing the in-flight lock.
func (s *IdempotencyService) Complete(ctx context.Context, scope, key string, resp *IdempotentResponse) error {
	if resp.StoredAt == 0 {
		resp.StoredAt = time.Now().Unix()
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	if err := s.client.rdb.Set(ctx, idempotencyKey(scope, key), data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Abort drops the in-flight lock so the client can retry after a failure.
func (s *IdempotencyService) Abort(ctx context.Context, scope, key string) error {
	k := idempotencyKey(scope, key)
	val, err := s.client.rdb.Get(ctx, k).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}
	if val != inFlightMarker {
		return nil
	}
	return s.client.rdb.Del(ctx, k).Err()
}
