// Package ses implements a Provider that sends mail via AWS SES v2.
package ses

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/template-mailer/internal/logging"
	"github.com/shineum/template-mailer/internal/mail"
)

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Sender overrides the envelope sender. Empty uses the mail's own.
	Sender string
}

// SESProvider sends mail as raw MIME via the AWS SES v2 API.
type SESProvider struct {
	sender string
	client SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration. Static keys
// are used when both are set, otherwise the default AWS credential chain.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *SESProvider {
	return &SESProvider{
		sender: sender,
		client: client,
	}
}

// Send delivers em as a raw message. SES accepts 8bit content only for
// internationalized mail, so everything else is encoded 7-bit clean. The
// destination comes from the envelope, which includes Bcc recipients.
func (s *SESProvider) Send(ctx context.Context, em *mail.EncodableMail) error {
	input, err := buildInput(s.sender, em)
	if err != nil {
		return err
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("SES API request failed: %w", err)
	}

	slog.Info("mail delivered",
		"provider", s.Name(),
		"from", logging.RedactEmail(aws.ToString(input.FromEmailAddress)),
		"recipients", logging.RedactEmails(input.Destination.ToAddresses),
		"ses_message_id", aws.ToString(out.MessageId),
	)
	return nil
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

func buildInput(sender string, em *mail.EncodableMail) (*sesv2.SendEmailInput, error) {
	from, rcpts, err := em.Envelope()
	if err != nil {
		return nil, fmt.Errorf("failed to build envelope: %w", err)
	}
	if sender != "" {
		from = sender
	}

	mt := mail.MailTypeASCII
	if em.RequiresSMTPUTF8() {
		mt = mail.MailTypeInternationalized
	}
	raw, err := em.Encode(mt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: rcpts},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}, nil
}
