package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"
)

type SMTPConfig struct {
	Host     string
	Port     int
	UseTLS   bool // STARTTLS is required when set
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPSender delivers confirmations through a plain SMTP relay.
type SMTPSender struct {
	config SMTPConfig
	logger *zap.Logger
}

func NewSMTPSender(cfg SMTPConfig, logger *zap.Logger) *SMTPSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMTPSender{
		config: cfg,
		logger: logger,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Email) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))

	dialer := &net.Dialer{Timeout: s.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(s.config.Timeout))
	}

	c, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if s.config.UseTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return fmt.Errorf("smtp server %s does not support STARTTLS", addr)
		}
		if err := c.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}

	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(s.config.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := wc.Write(buildMessage(s.config.From, msg)); err != nil {
		wc.Close()
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}

	if err := c.Quit(); err != nil {
		s.logger.Debug("smtp quit", zap.Error(err))
	}

	s.logger.Info("email sent via SMTP",
		zap.String("to", msg.To),
		zap.String("server", addr),
	)

	return nil
}

func (s *SMTPSender) Name() string { return "smtp" }

// buildMessage renders RFC 5322 headers and a UTF-8 body. The subject is
// Q-encoded since confirmations carry non-ASCII text.
func buildMessage(from string, msg Email) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}
