package sqs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/notify"
	"github.com/lalithlochan/carbonsnap/internal/worker"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string

	// WaitTimeSeconds is the long-poll window per Receive (max 20).
	WaitTimeSeconds int32

	// VisibilityTimeout hides a received message from other consumers
	// until it is deleted.
	VisibilityTimeout int32
}

// sqsAPI is the subset of the SQS client used here.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Queue carries confirmation jobs through an SQS queue. It is both the
// dispatcher's JobQueue and the worker's JobSource.
type Queue struct {
	client   sqsAPI
	queueURL string
	cfg      Config
	logger   *zap.Logger
}

var (
	_ notify.JobQueue  = (*Queue)(nil)
	_ worker.JobSource = (*Queue)(nil)
)

// NewQueue creates a queue client using the default AWS credential chain.
func NewQueue(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("sqs queue url is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs queue initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return newQueue(sqs.NewFromConfig(awsCfg), cfg, logger), nil
}

func newQueue(client sqsAPI, cfg Config, logger *zap.Logger) *Queue {
	if cfg.WaitTimeSeconds <= 0 || cfg.WaitTimeSeconds > 20 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60
	}
	return &Queue{
		client:   client,
		queueURL: cfg.QueueURL,
		cfg:      cfg,
		logger:   logger,
	}
}

// Name identifies the queue in logs.
func (q *Queue) Name() string {
	return q.queueURL
}

// Enqueue sends one job payload.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) error {
	result, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(payload)),
	})
	if err != nil {
		return fmt.Errorf("sqs send failed: %w", err)
	}

	q.logger.Debug("sqs message sent",
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// Receive long-polls for a single message.
func (q *Queue) Receive(ctx context.Context) (*worker.Delivery, error) {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     q.cfg.WaitTimeSeconds,
		VisibilityTimeout:   q.cfg.VisibilityTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, nil
	}

	msg := result.Messages[0]
	return &worker.Delivery{
		Body:    []byte(aws.ToString(msg.Body)),
		Receipt: aws.ToString(msg.ReceiptHandle),
	}, nil
}

// Ack deletes the message so it is not redelivered.
func (q *Queue) Ack(ctx context.Context, d *worker.Delivery) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(d.Receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}
