package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/metrics"
	"github.com/lalithlochan/carbonsnap/internal/notify"
)

// Delivery is one message taken from a JobSource.
type Delivery struct {
	Body    []byte
	Receipt string // backend handle passed back to Ack
}

// JobSource is the consuming side of a broker queue. Receive blocks for at
// most one poll window and returns (nil, nil) when nothing arrived.
type JobSource interface {
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
}

type Config struct {
	Concurrency int

	// ErrorBackoff is the pause after a failed Receive.
	ErrorBackoff time.Duration
}

// Worker drains confirmation jobs and sends them. It also serves as the
// dispatcher's inline transport.
type Worker struct {
	source JobSource
	sender Sender
	config Config
	logger *zap.Logger
}

var _ notify.Processor = (*Worker)(nil)

// New creates a worker. source may be nil when the worker is only used
// inline.
func New(source JobSource, sender Sender, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 2 * time.Second
	}

	return &Worker{
		source: source,
		sender: sender,
		config: cfg,
		logger: logger,
	}
}

// Start runs Concurrency consumers and returns after ctx is cancelled and
// every consumer has exited.
func (w *Worker) Start(ctx context.Context) {
	if w.source == nil {
		w.logger.Warn("worker started without a job source")
		<-ctx.Done()
		return
	}

	w.logger.Info("worker starting",
		zap.Int("concurrency", w.config.Concurrency),
		zap.String("transport", w.sender.Name()),
	)

	var wg sync.WaitGroup
	for i := 0; i < w.config.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.consume(ctx, id)
		}(i)
	}
	wg.Wait()

	w.logger.Info("worker stopped")
}

func (w *Worker) consume(ctx context.Context, id int) {
	for ctx.Err() == nil {
		d, err := w.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive job",
				zap.Error(err),
				zap.Int("consumer", id),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.config.ErrorBackoff):
			}
			continue
		}
		if d == nil {
			continue
		}

		w.handle(ctx, d)
	}
}

// handle processes one delivery and always acks it: failed sends are not
// retried and malformed payloads are dropped.
func (w *Worker) handle(ctx context.Context, d *Delivery) {
	metrics.IncJobsInFlight()
	defer metrics.DecJobsInFlight()

	job, err := notify.DecodeJob(d.Body)
	if err != nil {
		w.logger.Error("dropping malformed job",
			zap.Error(err),
			zap.Int("size", len(d.Body)),
		)
		metrics.RecordNotificationProcessed("malformed")
	} else {
		w.Process(ctx, job)
		if job.EnqueuedAt > 0 {
			metrics.RecordNotificationLatency(time.Since(time.Unix(0, job.EnqueuedAt)))
		}
	}

	// ack with a fresh context so shutdown does not leave a sent job unacked
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.source.Ack(ackCtx, d); err != nil {
		w.logger.Error("failed to ack job",
			zap.Error(err),
			zap.String("receipt", d.Receipt),
		)
	}
}

// Process renders and sends the confirmation for job. Failures are logged
// and reported as false; nothing is retried.
func (w *Worker) Process(ctx context.Context, job notify.Job) bool {
	msg, err := RenderConfirmation(job)
	if err == nil {
		err = w.sender.Send(ctx, msg)
	}

	if err != nil {
		status := "failed"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		w.logger.Error("failed to send confirmation",
			zap.Error(err),
			zap.String("operation_id", job.OperationID),
			zap.String("to", job.UserEmail),
			zap.String("transport", w.sender.Name()),
		)
		metrics.RecordNotificationProcessed(status)
		return false
	}

	w.logger.Info("confirmation sent",
		zap.String("operation_id", job.OperationID),
		zap.String("to", job.UserEmail),
		zap.String("transport", w.sender.Name()),
	)
	metrics.RecordNotificationProcessed("delivered")
	return true
}
