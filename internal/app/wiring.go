// Package app builds the shared infrastructure both binaries run on from a
// loaded config.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/circuitbreaker"
	"github.com/lalithlochan/carbonsnap/internal/config"
	"github.com/lalithlochan/carbonsnap/internal/db"
	"github.com/lalithlochan/carbonsnap/internal/notify"
	"github.com/lalithlochan/carbonsnap/internal/rabbitmq"
	"github.com/lalithlochan/carbonsnap/internal/redis"
	"github.com/lalithlochan/carbonsnap/internal/sqs"
	"github.com/lalithlochan/carbonsnap/internal/worker"
)

// Queue is a broker the API enqueues to and the worker drains.
type Queue interface {
	notify.JobQueue
	worker.JobSource
}

// OpenStore connects the configured database backend.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (db.Store, error) {
	store, err := db.Open(ctx, db.OpenConfig{
		Driver:      cfg.DatabaseDriver,
		SQLitePath:  cfg.DatabasePath,
		PostgresDSN: cfg.PostgresDSN(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.DatabaseDriver, err)
	}
	return store, nil
}

// OpenRedis connects to Redis. A failure is only fatal when Redis is the
// queue backend; otherwise the caller runs without idempotency and login
// rate limiting.
func OpenRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	client, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		if cfg.QueueBackend == config.QueueRedis {
			return nil, fmt.Errorf("redis is required for the redis queue: %w", err)
		}
		logger.Warn("redis unavailable, idempotency and login rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		return nil, nil
	}
	return client, nil
}

// OpenQueue builds the configured broker. It returns a nil queue for
// QueueNone. The returned close func is never nil.
func OpenQueue(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (Queue, func(), error) {
	noop := func() {}

	switch cfg.QueueBackend {
	case config.QueueNone, "":
		return nil, noop, nil

	case config.QueueRedis:
		if rdb == nil {
			return nil, noop, fmt.Errorf("redis queue requires a redis client")
		}
		return redis.NewQueue(rdb, cfg.QueueName, 0, logger), noop, nil

	case config.QueueSQS:
		queue, err := sqs.NewQueue(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create sqs queue: %w", err)
		}
		return queue, noop, nil

	case config.QueueRabbitMQ:
		queue, err := rabbitmq.Dial(rabbitmq.Config{
			URL:  cfg.RabbitMQURL,
			Name: cfg.QueueName,
		}, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		return queue, func() {
			if err := queue.Close(); err != nil {
				logger.Warn("rabbitmq close failed", zap.Error(err))
			}
		}, nil

	default:
		return nil, noop, fmt.Errorf("unsupported queue backend %q", cfg.QueueBackend)
	}
}

// NewSender builds the mail transport. SMTP and SES are wrapped in a
// circuit breaker; the log transport cannot fail.
func NewSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.Sender, error) {
	var sender worker.Sender

	switch cfg.MailTransport {
	case config.MailLog, "":
		return worker.NewLogSender(logger), nil

	case config.MailSMTP:
		sender = worker.NewSMTPSender(worker.SMTPConfig{
			Host:     cfg.MailServer,
			Port:     cfg.MailPort,
			UseTLS:   cfg.MailUseTLS,
			Username: cfg.MailUsername,
			Password: cfg.MailPassword,
			From:     cfg.MailDefaultSender,
			Timeout:  10 * time.Second,
		}, logger)

	case config.MailSES:
		ses, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.MailDefaultSender,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES sender: %w", err)
		}
		sender = ses

	default:
		return nil, fmt.Errorf("unsupported mail transport %q", cfg.MailTransport)
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(sender.Name()), logger)
	return circuitbreaker.NewProtectedSender(sender, breaker, logger), nil
}

// NewWorker wires the confirmation worker. source may be nil when the
// worker only serves inline sends.
func NewWorker(source worker.JobSource, sender worker.Sender, cfg *config.Config, logger *zap.Logger) *worker.Worker {
	return worker.New(source, sender, worker.Config{
		Concurrency: cfg.WorkerConcurrency,
	}, logger)
}
