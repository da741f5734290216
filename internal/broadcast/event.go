// Package broadcast forwards created notifications to real-time listeners
// over SNS topics or SQS queues.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lalithlochan/cannaai-notify/internal/db"
)

// Event is the message body published for each notification.
type Event struct {
	NotificationID string         `json:"notification_id"`
	Type           string         `json:"type"`
	Severity       string         `json:"severity"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	PlantID        *string        `json:"plant_id,omitempty"`
	SensorID       *string        `json:"sensor_id,omitempty"`
	RoomID         *string        `json:"room_id,omitempty"`
	UserID         *string        `json:"user_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	PublishedAt    int64          `json:"published_at"`
}

func newEvent(n *db.Notification, now time.Time) Event {
	return Event{
		NotificationID: n.ID.String(),
		Type:           n.Type,
		Severity:       n.Severity,
		Title:          n.Title,
		Message:        n.Message,
		Metadata:       n.Metadata,
		PlantID:        n.PlantID,
		SensorID:       n.SensorID,
		RoomID:         n.RoomID,
		UserID:         n.UserID,
		CreatedAt:      n.CreatedAt,
		PublishedAt:    now.UnixNano(),
	}
}

func encode(n *db.Notification) (string, error) {
	body, err := json.Marshal(newEvent(n, time.Now()))
	if err != nil {
		return "", fmt.Errorf("failed to marshal broadcast event: %w", err)
	}
	return string(body), nil
}

// Broadcaster is satisfied by SNSBroadcaster, SQSBroadcaster and Fanout.
type Broadcaster interface {
	Broadcast(ctx context.Context, n *db.Notification) error
}

// Fanout sends to every broadcaster and joins their errors.
type Fanout []Broadcaster

func (f Fanout) Broadcast(ctx context.Context, n *db.Notification) error {
	var errs []error
	for _, b := range f {
		if err := b.Broadcast(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
