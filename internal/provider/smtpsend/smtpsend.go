// Package smtpsend implements a Provider that submits mail to an SMTP server.
package smtpsend

import (
	"context"

	"github.com/shineum/template-mailer/internal/mail"
	"github.com/shineum/template-mailer/internal/smtp"
)

// Provider delivers each mail over a fresh SMTP connection.
type Provider struct {
	cfg smtp.ConnectionConfig
}

// New returns a provider bound to cfg.
func New(cfg smtp.ConnectionConfig) *Provider {
	return &Provider{cfg: cfg}
}

// Send delivers em. Errors are *smtp.DeliveryError.
func (p *Provider) Send(ctx context.Context, em *mail.EncodableMail) error {
	return smtp.Send(ctx, em, p.cfg)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}
