package worker

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/cannaai-notify/internal/db"
)

// MultiSender routes messages to the first sender that supports the channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over senders; earlier senders win.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the message to the appropriate sender based on channel
func (m *MultiSender) Send(ctx context.Context, msg *Message) (*DeliveryResult, error) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", msg.Channel),
				zap.String("notification_id", msg.NotificationID.String()),
			)
			return sender.Send(ctx, msg)
		}
	}
	return nil, fmt.Errorf("no sender found for channel: %s", msg.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender is the stand-in transport for push, email and sms: it waits a
// fixed latency, logs, and always succeeds.
type LogSender struct {
	channels []string
	latency  time.Duration
	logger   *zap.Logger
}

// NewLogSender creates a mock sender for channels. With no channels it
// covers push, email and sms.
func NewLogSender(logger *zap.Logger, latency time.Duration, channels ...string) *LogSender {
	if len(channels) == 0 {
		channels = []string{db.ChannelPush, db.ChannelEmail, db.ChannelSMS}
	}
	return &LogSender{channels: channels, latency: latency, logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg *Message) (*DeliveryResult, error) {
	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	id := "mock-" + uuid.NewString()
	s.logger.Info("mock delivery",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("channel", msg.Channel),
		zap.String("target", msg.Target),
		zap.String("subject", msg.Subject),
		zap.String("message_id", id),
	)

	return &DeliveryResult{
		Success:   true,
		Channel:   msg.Channel,
		Provider:  "mock",
		MessageID: id,
	}, nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return slices.Contains(s.channels, channel)
}
