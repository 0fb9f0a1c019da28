package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/worker"
)

// ProtectedSender wraps a mail transport with a CircuitBreaker so an SMTP or
// SES outage fails confirmations fast instead of stalling every worker.
type ProtectedSender struct {
	sender  worker.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

var _ worker.Sender = (*ProtectedSender)(nil)

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender worker.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send delivers msg through the breaker. While open it returns an error
// wrapping ErrCircuitOpen without touching the transport.
func (p *ProtectedSender) Send(ctx context.Context, msg worker.Email) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected confirmation, failing fast",
			zap.String("breaker", p.breaker.Name()),
			zap.String("to", msg.To),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	if err := p.sender.Send(ctx, msg); err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Name delegates to the wrapped transport.
func (p *ProtectedSender) Name() string {
	return p.sender.Name()
}

// Breaker returns the underlying circuit breaker for health reporting.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
