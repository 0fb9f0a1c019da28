// Package sns announces accepted operations on an SNS topic so other
// systems can subscribe without reading the confirmation queue.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/notify"
)

// EventOperationCreated is the event_type attribute of every message.
const EventOperationCreated = "operation.created"

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher handles SNS topic publishing.
type Publisher struct {
	client   snsAPI
	topicARN string
	logger   *zap.Logger
}

var _ notify.EventPublisher = (*Publisher)(nil)

// Message is the JSON body published for each operation.
type Message struct {
	Event       string    `json:"event"`
	OperationID string    `json:"operation_id"`
	Type        string    `json:"type"`
	Amount      float64   `json:"amount"`
	CarbonScore float64   `json:"carbon_score"`
	UserEmail   string    `json:"user_email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewPublisher creates an SNS publisher for the given topic.
func NewPublisher(ctx context.Context, topicARN, region string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Publisher{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
		logger:   logger,
	}, nil
}

// PublishOperationCreated sends one operation.created event.
func (p *Publisher) PublishOperationCreated(ctx context.Context, job notify.Job) error {
	msg := Message{
		Event:       EventOperationCreated,
		OperationID: job.OperationID,
		Type:        job.Type,
		Amount:      job.Amount,
		CarbonScore: job.CarbonScore,
		UserEmail:   job.UserEmail,
		CreatedAt:   job.CreatedAt,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(EventOperationCreated),
			},
			"operation_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.Type),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("operation event published",
		zap.String("operation_id", job.OperationID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
