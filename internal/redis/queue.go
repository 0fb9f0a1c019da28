package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/notify"
	"github.com/lalithlochan/carbonsnap/internal/worker"
)

// Queue is a reliable list queue. Enqueue pushes onto the pending list;
// Receive moves one payload into this consumer's own processing list, where
// it stays until Ack removes it. Each consumer keeps a heartbeat key alive
// while it runs, so Requeue can tell abandoned processing lists from busy
// ones.
type Queue struct {
	client     *Client
	pending    string
	consumers  string
	consumerID string
	processing string
	heartbeat  string
	block      time.Duration
	ttl        time.Duration
	logger     *zap.Logger
}

var (
	_ notify.JobQueue  = (*Queue)(nil)
	_ worker.JobSource = (*Queue)(nil)
)

// heartbeatTTL outlives one blocking Receive plus one send.
const heartbeatTTL = time.Minute

// NewQueue creates a queue named name. block is how long Receive waits for
// a payload before returning empty; zero means 5s. Every Queue value is a
// distinct consumer.
func NewQueue(client *Client, name string, block time.Duration, logger *zap.Logger) *Queue {
	if block <= 0 {
		block = 5 * time.Second
	}
	pending := "queue:" + name
	id := uuid.NewString()
	return &Queue{
		client:     client,
		pending:    pending,
		consumers:  pending + ":consumers",
		consumerID: id,
		processing: processingKey(pending, id),
		heartbeat:  heartbeatKey(pending, id),
		block:      block,
		ttl:        heartbeatTTL,
		logger:     logger,
	}
}

func processingKey(pending, consumer string) string {
	return pending + ":processing:" + consumer
}

func heartbeatKey(pending, consumer string) string {
	return pending + ":consumer:" + consumer
}

// Name returns the pending list key.
func (q *Queue) Name() string {
	return q.pending
}

func (q *Queue) Enqueue(ctx context.Context, payload []byte) error {
	if err := q.client.rdb.LPush(ctx, q.pending, payload).Err(); err != nil {
		return fmt.Errorf("redis lpush failed: %w", err)
	}
	return nil
}

func (q *Queue) Receive(ctx context.Context) (*worker.Delivery, error) {
	if err := q.beat(ctx, true); err != nil {
		return nil, err
	}

	val, err := q.client.rdb.BRPopLPush(ctx, q.pending, q.processing, q.block).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis brpoplpush failed: %w", err)
	}

	// the payload itself identifies the entry in the processing list
	return &worker.Delivery{Body: []byte(val), Receipt: val}, nil
}

func (q *Queue) Ack(ctx context.Context, d *worker.Delivery) error {
	if err := q.client.rdb.LRem(ctx, q.processing, 1, d.Receipt).Err(); err != nil {
		return fmt.Errorf("redis lrem failed: %w", err)
	}
	return q.beat(ctx, false)
}

// beat refreshes this consumer's heartbeat and, on register, records the
// consumer so other workers can find its processing list.
func (q *Queue) beat(ctx context.Context, register bool) error {
	pipe := q.client.rdb.Pipeline()
	pipe.Set(ctx, q.heartbeat, time.Now().Unix(), q.ttl)
	if register {
		pipe.SAdd(ctx, q.consumers, q.consumerID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis heartbeat failed: %w", err)
	}
	return nil
}

// Requeue moves payloads held by consumers whose heartbeat has expired back
// to pending. Processing lists of live consumers, including this one, are
// left alone. Run it at worker startup to recover jobs from a consumer that
// died between Receive and Ack.
func (q *Queue) Requeue(ctx context.Context) (int, error) {
	ids, err := q.client.rdb.SMembers(ctx, q.consumers).Result()
	if err != nil {
		return 0, fmt.Errorf("redis smembers failed: %w", err)
	}

	moved := 0
	for _, id := range ids {
		if id == q.consumerID {
			continue
		}

		alive, err := q.client.rdb.Exists(ctx, heartbeatKey(q.pending, id)).Result()
		if err != nil {
			return moved, fmt.Errorf("redis exists failed: %w", err)
		}
		if alive > 0 {
			continue
		}

		n, err := q.drain(ctx, processingKey(q.pending, id))
		moved += n
		if err != nil {
			return moved, err
		}
		if err := q.client.rdb.SRem(ctx, q.consumers, id).Err(); err != nil {
			return moved, fmt.Errorf("redis srem failed: %w", err)
		}
	}

	if moved > 0 {
		q.logger.Warn("requeued unacknowledged jobs",
			zap.String("queue", q.pending),
			zap.Int("count", moved),
		)
	}
	return moved, nil
}

// drain moves every payload of one processing list back to pending. Each
// move is atomic, so concurrent recoveries never duplicate a payload.
func (q *Queue) drain(ctx context.Context, processing string) (int, error) {
	moved := 0
	for {
		err := q.client.rdb.RPopLPush(ctx, processing, q.pending).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("redis rpoplpush failed: %w", err)
		}
		moved++
	}
}

// Len returns the number of pending payloads.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.rdb.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen failed: %w", err)
	}
	return n, nil
}
