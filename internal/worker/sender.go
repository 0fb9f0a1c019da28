package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Email is a rendered plain-text message ready for a transport.
type Email struct {
	To      string
	Subject string
	Body    string
}

// Validate checks the fields every transport needs.
func (e Email) Validate() error {
	if e.To == "" {
		return fmt.Errorf("email missing recipient")
	}
	if e.Subject == "" {
		return fmt.Errorf("email missing subject")
	}
	if e.Body == "" {
		return fmt.Errorf("email missing body")
	}
	return nil
}

// Sender is a mail transport.
// Implementations: SESSender, SMTPSender, LogSender.
type Sender interface {
	Send(ctx context.Context, msg Email) error
	Name() string
}

// LogSender writes confirmations to the log instead of sending them
// (development and tests).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Email) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.logger.Info("email sent (log transport)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}

func (s *LogSender) Name() string { return "log" }
