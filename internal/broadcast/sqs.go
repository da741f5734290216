package broadcast

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/cannaai-notify/internal/db"
)

// SendMessageAPI is the subset of the SQS client used here.
type SendMessageAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSBroadcaster enqueues each notification for a downstream consumer
// such as a websocket relay.
type SQSBroadcaster struct {
	client   SendMessageAPI
	queueURL string
	logger   *zap.Logger
}

func NewSQSBroadcaster(ctx context.Context, cfg AWSConfig, queueURL string, logger *zap.Logger) (*SQSBroadcaster, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs broadcaster initialized", zap.String("queue_url", queueURL))
	return NewSQSBroadcasterWithClient(client, queueURL, logger), nil
}

func NewSQSBroadcasterWithClient(client SendMessageAPI, queueURL string, logger *zap.Logger) *SQSBroadcaster {
	return &SQSBroadcaster{client: client, queueURL: queueURL, logger: logger}
}

func (b *SQSBroadcaster) Broadcast(ctx context.Context, n *db.Notification) error {
	body, err := encode(n)
	if err != nil {
		return err
	}

	out, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.queueURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.Type),
			},
		},
	})
	if err != nil {
		b.logger.Error("failed to send broadcast to sqs",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	b.logger.Debug("notification broadcast to sqs",
		zap.String("notification_id", n.ID.String()),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}
