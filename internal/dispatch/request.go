package dispatch

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lalithlochan/cannaai-notify/internal/db"
)

// ErrInvalidRequest marks a dispatch request missing required fields.
var ErrInvalidRequest = errors.New("invalid notification request")

// Request is the input to a single dispatch.
type Request struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Severity string         `json:"severity"`
	Channels []string       `json:"channels"`
	Metadata map[string]any `json:"metadata,omitempty"`
	PlantID  *string        `json:"plant_id,omitempty"`
	SensorID *string        `json:"sensor_id,omitempty"`
	RoomID   *string        `json:"room_id,omitempty"`
	UserID   *string        `json:"user_id,omitempty"`

	// OccurredAt is only consulted by the grouper's time window.
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

// Validate checks required fields and fills the default severity.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if r.Severity == "" {
		r.Severity = db.SeverityInfo
	}
	if db.SeverityRank(r.Severity) == 0 {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidRequest, r.Severity)
	}
	for _, ch := range r.Channels {
		if !slices.Contains(db.AllChannels, ch) {
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidRequest, ch)
		}
	}
	return nil
}

func (r *Request) wants(channel string) bool {
	return slices.Contains(r.Channels, channel)
}

func (r *Request) notification() *db.Notification {
	meta := r.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return &db.Notification{
		Type:     r.Type,
		Title:    r.Title,
		Message:  r.Message,
		Severity: r.Severity,
		Metadata: meta,
		PlantID:  r.PlantID,
		SensorID: r.SensorID,
		RoomID:   r.RoomID,
		UserID:   r.UserID,
	}
}

// Result is what a dispatch produced. Deliveries is empty, not nil, when
// the notification was suppressed.
type Result struct {
	Notification   *db.Notification          `json:"notification"`
	Deliveries     []*db.NotificationDelivery `json:"deliveries"`
	WebhooksQueued int                       `json:"webhooks_queued"`
	Suppressed     bool                      `json:"suppressed"`
	SuppressReason string                    `json:"suppress_reason,omitempty"`
	Throttled      bool                      `json:"throttled,omitempty"`
}
