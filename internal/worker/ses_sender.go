package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// sesAPI is the subset of the SES client used here.
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESSender struct {
	client sesAPI
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("SES sender requires a from address")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send delivers msg via AWS SES as UTF-8 plain text.
func (s *SESSender) Send(ctx context.Context, msg Email) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("to", msg.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func (s *SESSender) Name() string { return "ses" }
