package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/cannaai-notify/internal/db"
)

// SNSAPI is the slice of the SNS client the sender uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender delivers the sms channel through AWS SNS direct publish.
type SNSSender struct {
	client SNSAPI
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates a new SNS sender for SMS notifications
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return NewSNSSenderWithClient(sns.NewFromConfig(awsCfg), logger), nil
}

// NewSNSSenderWithClient builds a sender on an existing client.
func NewSNSSenderWithClient(client SNSAPI, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, logger: logger}
}

// Send texts msg to msg.Target. Critical and emergency alerts go out as
// transactional SMS so carriers do not defer them.
func (s *SNSSender) Send(ctx context.Context, msg *Message) (*DeliveryResult, error) {
	if msg.Channel != db.ChannelSMS {
		return nil, fmt.Errorf("SNS sender only supports SMS, got: %s", msg.Channel)
	}
	if msg.Target == "" {
		return nil, fmt.Errorf("sms message missing phone number")
	}

	smsType := "Promotional"
	if db.SeverityRank(msg.Severity) >= db.SeverityRank(db.SeverityCritical) {
		smsType = "Transactional"
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.Target),
		Message:     aws.String(smsText(msg)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(smsType),
			},
		},
	}

	out, err := s.client.Publish(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sns publish failed: %w", err)
	}

	id := aws.ToString(out.MessageId)
	s.logger.Info("SMS sent via SNS",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("phone_number", msg.Target),
		zap.String("message_id", id),
	)

	return &DeliveryResult{
		Success:   true,
		Channel:   db.ChannelSMS,
		Provider:  "sns",
		MessageID: id,
	}, nil
}

// SupportsChannel checks if this sender supports the SMS channel
func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}

func smsText(msg *Message) string {
	if msg.Subject == "" {
		return msg.Body
	}
	return msg.Subject + ": " + msg.Body
}
