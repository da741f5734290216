package broadcast

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

// PublishAPI is the subset of the SNS client used here.
type PublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// AWSConfig locates the AWS account. Endpoint overrides the service URL,
// e.g. for LocalStack.
type AWSConfig struct {
	Region   string
	Endpoint string
}

// SNSBroadcaster publishes each notification to a topic, with type and
// severity as message attributes so subscribers can filter.
type SNSBroadcaster struct {
	client   PublishAPI
	topicARN string
	logger   *zap.Logger
}

func NewSNSBroadcaster(ctx context.Context, cfg AWSConfig, topicARN string, logger *zap.Logger) (*SNSBroadcaster, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sns broadcaster initialized", zap.String("topic_arn", topicARN))
	return NewSNSBroadcasterWithClient(client, topicARN, logger), nil
}

func NewSNSBroadcasterWithClient(client PublishAPI, topicARN string, logger *zap.Logger) *SNSBroadcaster {
	return &SNSBroadcaster{client: client, topicARN: topicARN, logger: logger}
}

func (b *SNSBroadcaster) Broadcast(ctx context.Context, n *db.Notification) error {
	body, err := encode(n)
	if err != nil {
		return err
	}

	out, err := b.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(b.topicARN),
		Message:  aws.String(body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.Type),
			},
			"severity": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.Severity),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	b.logger.Debug("notification broadcast to sns",
		zap.String("notification_id", n.ID.String()),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}
