package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/metrics"
)

// JobQueue is a durable broker queue the dispatcher hands jobs to.
type JobQueue interface {
	Enqueue(ctx context.Context, payload []byte) error
	Name() string
}

// Processor delivers a job in the caller's goroutine. The confirmation
// worker implements it; the dispatcher uses it for the synchronous path.
type Processor interface {
	Process(ctx context.Context, job Job) bool
}

// EventPublisher announces accepted jobs to other subscribers.
type EventPublisher interface {
	PublishOperationCreated(ctx context.Context, job Job) error
}

// Options tune dispatch behaviour.
type Options struct {
	// SyncFallback sends inline once when the enqueue fails.
	SyncFallback bool

	// Timeout bounds the broker round-trip.
	Timeout time.Duration
}

// Dispatcher hands confirmation jobs to a queue, or delivers them inline
// when no queue is configured.
type Dispatcher struct {
	queue     JobQueue
	inline    Processor
	publisher EventPublisher
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. queue, inline and publisher may each
// be nil.
func NewDispatcher(queue JobQueue, inline Processor, publisher EventPublisher, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Dispatcher{
		queue:     queue,
		inline:    inline,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// Dispatch returns true when the job was accepted for delivery: enqueued,
// or sent inline. It never retries beyond the single fallback attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) bool {
	if job.UserEmail == "" {
		d.logger.Debug("confirmation skipped, operation has no email",
			zap.String("operation_id", job.OperationID),
		)
		metrics.RecordNotificationDispatched(metrics.DispatchSkipped)
		return false
	}

	if d.queue == nil {
		return d.sendInline(ctx, job, metrics.DispatchInline)
	}

	job.EnqueuedAt = d.now().UnixNano()
	payload, err := job.Encode()
	if err != nil {
		d.logger.Error("failed to encode confirmation job",
			zap.Error(err),
			zap.String("operation_id", job.OperationID),
		)
		metrics.RecordNotificationDispatched(metrics.DispatchFailed)
		return false
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	err = d.queue.Enqueue(enqueueCtx, payload)
	cancel()

	if err == nil {
		d.logger.Info("confirmation enqueued",
			zap.String("operation_id", job.OperationID),
			zap.String("queue", d.queue.Name()),
		)
		metrics.RecordNotificationDispatched(metrics.DispatchEnqueued)
		d.announce(ctx, job)
		return true
	}

	d.logger.Error("failed to enqueue confirmation",
		zap.Error(err),
		zap.String("operation_id", job.OperationID),
		zap.String("queue", d.queue.Name()),
		zap.Bool("sync_fallback", d.opts.SyncFallback),
	)

	if d.opts.SyncFallback {
		return d.sendInline(ctx, job, metrics.DispatchFallback)
	}

	metrics.RecordNotificationDispatched(metrics.DispatchFailed)
	return false
}

func (d *Dispatcher) sendInline(ctx context.Context, job Job, result string) bool {
	if d.inline == nil {
		d.logger.Error("no confirmation transport configured",
			zap.String("operation_id", job.OperationID),
		)
		metrics.RecordNotificationDispatched(metrics.DispatchFailed)
		return false
	}

	if !d.inline.Process(ctx, job) {
		metrics.RecordNotificationDispatched(metrics.DispatchFailed)
		return false
	}

	metrics.RecordNotificationDispatched(result)
	return true
}

func (d *Dispatcher) announce(ctx context.Context, job Job) {
	if d.publisher == nil {
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	if err := d.publisher.PublishOperationCreated(pubCtx, job); err != nil {
		d.logger.Warn("failed to publish operation event",
			zap.Error(err),
			zap.String("operation_id", job.OperationID),
		)
	}
}
