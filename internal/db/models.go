package db

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Notification is a single internal event record, independent of channel.
type Notification struct {
	ID             uuid.UUID      `json:"id"`
	Type           string         `json:"type"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Severity       string         `json:"severity"`
	Metadata       map[string]any `json:"metadata"`
	PlantID        *string        `json:"plant_id,omitempty"`
	SensorID       *string        `json:"sensor_id,omitempty"`
	RoomID         *string        `json:"room_id,omitempty"`
	UserID         *string        `json:"user_id,omitempty"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NotificationPreference holds per (user, type) delivery settings.
// A nil UserID is the default row for the type.
type NotificationPreference struct {
	ID              uuid.UUID `json:"id"`
	UserID          *string   `json:"user_id,omitempty"`
	Type            string    `json:"type"`
	Email           bool      `json:"email"`
	SMS             bool      `json:"sms"`
	Push            bool      `json:"push"`
	Webhook         bool      `json:"webhook"`
	Discord         bool      `json:"discord"`
	Slack           bool      `json:"slack"`
	InApp           bool      `json:"in_app"`
	MinSeverity     string    `json:"min_severity"`
	QuietHoursStart *string   `json:"quiet_hours_start,omitempty"` // "HH:MM"
	QuietHoursEnd   *string   `json:"quiet_hours_end,omitempty"`
	ThrottleRate    int       `json:"throttle_rate"` // per minute, 0 disables
	EmailAddress    *string   `json:"email_address,omitempty"`
	PhoneNumber     *string   `json:"phone_number,omitempty"`
	PushToken       *string   `json:"push_token,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ChannelEnabled reports the flag for a channel.
func (p *NotificationPreference) ChannelEnabled(channel string) bool {
	switch channel {
	case ChannelEmail:
		return p.Email
	case ChannelSMS:
		return p.SMS
	case ChannelPush:
		return p.Push
	case ChannelWebhook:
		return p.Webhook
	case ChannelDiscord:
		return p.Discord
	case ChannelSlack:
		return p.Slack
	case ChannelInApp:
		return p.InApp
	}
	return false
}

// DefaultPreference returns the flags used when no preference row exists.
func DefaultPreference(notificationType string) *NotificationPreference {
	return &NotificationPreference{
		Type:        notificationType,
		Email:       true,
		Push:        true,
		InApp:       true,
		MinSeverity: SeverityInfo,
	}
}

// WebhookSubscription is an external endpoint registered for a set of event types.
type WebhookSubscription struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	Secret      string     `json:"secret,omitempty"`
	Events      []string   `json:"events"`
	ChannelKind string     `json:"channel_kind"`
	Enabled     bool       `json:"enabled"`
	IsVerified  bool       `json:"is_verified"`
	RetryCount  int        `json:"retry_count"`
	TimeoutMS   int        `json:"timeout_ms"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Subscribes reports whether the subscription wants events of this type.
func (s *WebhookSubscription) Subscribes(eventType string) bool {
	return slices.Contains(s.Events, eventType)
}

// Timeout returns the request bound for a single delivery attempt.
func (s *WebhookSubscription) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return DefaultWebhookTimeout
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// WebhookDelivery is one delivery lineage; re-attempts mutate the same row.
type WebhookDelivery struct {
	ID             uuid.UUID  `json:"id"`
	WebhookID      uuid.UUID  `json:"webhook_id"`
	NotificationID *uuid.UUID `json:"notification_id,omitempty"`
	EventType      string     `json:"event_type"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	ResponseCode   *int       `json:"response_code,omitempty"`
	ResponseBody   *string    `json:"response_body,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Terminal reports whether the delivery has reached success or failed.
func (d *WebhookDelivery) Terminal() bool {
	return d.Status == DeliverySuccess || d.Status == DeliveryFailed
}

// NotificationDelivery records one channel attempt for a notification.
type NotificationDelivery struct {
	ID             uuid.UUID  `json:"id"`
	NotificationID uuid.UUID  `json:"notification_id"`
	Channel        string     `json:"channel"`
	Status         string     `json:"status"`
	Provider       string     `json:"provider"`
	MessageID      *string    `json:"message_id,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	SentAt         time.Time  `json:"sent_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

// ScheduledNotification is a dispatch request persisted for later firing.
type ScheduledNotification struct {
	ID             uuid.UUID       `json:"id"`
	Payload        json.RawMessage `json:"payload"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Status         string          `json:"status"`
	LastError      *string         `json:"last_error,omitempty"`
	NotificationID *uuid.UUID      `json:"notification_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Channel constants
const (
	ChannelInApp   = "in_app"
	ChannelPush    = "push"
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
	ChannelDiscord = "discord"
	ChannelSlack   = "slack"
)

// AllChannels lists every channel in dispatch order.
var AllChannels = []string{
	ChannelInApp, ChannelPush, ChannelEmail, ChannelSMS,
	ChannelWebhook, ChannelDiscord, ChannelSlack,
}

// Notification types raised by the cultivation domain.
const (
	TypeSensorThreshold  = "sensor_threshold"
	TypePlantHealth      = "plant_health"
	TypeSystem           = "system"
	TypeAnalysisComplete = "analysis_complete"
	TypeHarvestReady     = "harvest_ready"
	TypeWebhookTest      = "webhook.test"
)

// Severity constants
const (
	SeverityInfo      = "info"
	SeverityWarning   = "warning"
	SeverityCritical  = "critical"
	SeverityEmergency = "emergency"
)

// SeverityRank orders severities; unknown values rank below info.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	case SeverityEmergency:
		return 4
	}
	return 0
}

// Webhook channel kinds
const (
	KindGeneric = "generic"
	KindDiscord = "discord"
	KindSlack   = "slack"
)

// WebhookDelivery status constants
const (
	DeliveryPending = "pending"
	DeliveryRetry   = "retry"
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// NotificationDelivery status constants
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// ScheduledNotification status constants
const (
	ScheduledPending    = "scheduled"
	ScheduledProcessing = "processing"
	ScheduledSent       = "sent"
	ScheduledFailed     = "failed"
	ScheduledCancelled  = "cancelled"
)

// Webhook subscription defaults
const (
	DefaultWebhookRetryCount = 3
	DefaultWebhookTimeout    = 30 * time.Second
	MinWebhookTimeoutMS      = 1000
	MaxWebhookTimeoutMS      = 120000
)
