// Package rabbitmq carries confirmation jobs through a durable RabbitMQ
// queue.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/notify"
	"github.com/lalithlochan/carbonsnap/internal/worker"
)

// Config holds broker settings.
type Config struct {
	URL  string
	Name string

	// Prefetch caps unacknowledged deliveries per consumer channel.
	Prefetch int

	// PollInterval is how long Receive waits before returning empty.
	PollInterval time.Duration
}

// channel is the subset of *amqp.Channel used here.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Ack(tag uint64, multiple bool) error
	Close() error
}

// Queue publishes persistent messages on the default exchange and consumes
// them with manual acknowledgement.
type Queue struct {
	cfg    Config
	conn   *amqp.Connection
	open   func() (channel, error)
	logger *zap.Logger

	pubMu sync.Mutex
	pub   channel

	subMu      sync.Mutex
	sub        channel
	deliveries <-chan amqp.Delivery
}

var (
	_ notify.JobQueue  = (*Queue)(nil)
	_ worker.JobSource = (*Queue)(nil)
)

// Dial connects to the broker and declares the queue.
func Dial(cfg Config, logger *zap.Logger) (*Queue, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial failed: %w", err)
	}

	q, err := newQueue(cfg, func() (channel, error) { return conn.Channel() }, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	q.conn = conn

	logger.Info("rabbitmq queue declared", zap.String("queue", cfg.Name))
	return q, nil
}

func newQueue(cfg Config, open func() (channel, error), logger *zap.Logger) (*Queue, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	pub, err := open()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}

	if _, err := pub.QueueDeclare(cfg.Name, true, false, false, false, nil); err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("rabbitmq queue declare failed: %w", err)
	}

	return &Queue{cfg: cfg, open: open, pub: pub, logger: logger}, nil
}

func (q *Queue) Name() string {
	return q.cfg.Name
}

func (q *Queue) Enqueue(ctx context.Context, payload []byte) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	err := q.pub.PublishWithContext(ctx, "", q.cfg.Name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish failed: %w", err)
	}
	return nil
}

// Receive returns the next delivery, or (nil, nil) after PollInterval.
func (q *Queue) Receive(ctx context.Context) (*worker.Delivery, error) {
	deliveries, err := q.consumer()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(q.cfg.PollInterval)
	defer timer.Stop()

	select {
	case d, ok := <-deliveries:
		if !ok {
			q.resetConsumer()
			return nil, errors.New("rabbitmq deliveries channel closed")
		}
		return &worker.Delivery{
			Body:    d.Body,
			Receipt: strconv.FormatUint(d.DeliveryTag, 10),
		}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) Ack(ctx context.Context, d *worker.Delivery) error {
	tag, err := strconv.ParseUint(d.Receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid delivery tag %q: %w", d.Receipt, err)
	}

	q.subMu.Lock()
	sub := q.sub
	q.subMu.Unlock()
	if sub == nil {
		return errors.New("rabbitmq consumer channel is closed")
	}

	if err := sub.Ack(tag, false); err != nil {
		return fmt.Errorf("rabbitmq ack failed: %w", err)
	}
	return nil
}

// consumer opens the consuming channel on first use. Deliveries are shared
// by every worker goroutine.
func (q *Queue) consumer() (<-chan amqp.Delivery, error) {
	q.subMu.Lock()
	defer q.subMu.Unlock()

	if q.deliveries != nil {
		return q.deliveries, nil
	}

	sub, err := q.open()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	if err := sub.Qos(q.cfg.Prefetch, 0, false); err != nil {
		q.logger.Warn("rabbitmq set qos failed", zap.Error(err))
	}

	deliveries, err := sub.Consume(q.cfg.Name, "", false, false, false, false, nil)
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("rabbitmq consume failed: %w", err)
	}

	q.sub = sub
	q.deliveries = deliveries
	return deliveries, nil
}

func (q *Queue) resetConsumer() {
	q.subMu.Lock()
	defer q.subMu.Unlock()

	if q.sub != nil {
		_ = q.sub.Close()
	}
	q.sub = nil
	q.deliveries = nil
}

// Close releases both channels and the connection.
func (q *Queue) Close() error {
	q.resetConsumer()

	q.pubMu.Lock()
	_ = q.pub.Close()
	q.pubMu.Unlock()

	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
