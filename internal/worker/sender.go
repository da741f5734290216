package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is what a channel sender transmits. Target is channel specific:
// an email address, a phone number, a push token, or a chat webhook URL.
// TargetID and Timeout are set for chat subscriptions only.
type Message struct {
	NotificationID uuid.UUID
	Type           string
	Channel        string
	Target         string
	TargetID       string
	Timeout        time.Duration
	Subject        string
	Body           string
	Severity       string
	Metadata       map[string]any
}

// DeliveryResult is the outcome of one Send.
type DeliveryResult struct {
	Success   bool
	Channel   string
	Provider  string
	MessageID string
	Error     string
}

// Sender is the pluggable per-channel transport.
// Implementations: LogSender (mock), SESSender, SNSSender, ChatSender.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*DeliveryResult, error)
	SupportsChannel(channel string) bool
}

// Failed builds a failed result for err.
func Failed(channel, provider string, err error) *DeliveryResult {
	return &DeliveryResult{
		Success:  false,
		Channel:  channel,
		Provider: provider,
		Error:    err.Error(),
	}
}
