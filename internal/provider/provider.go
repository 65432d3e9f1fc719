// Package provider defines the interface for mail delivery backends.
package provider

import (
	"context"

	"github.com/shineum/template-mailer/internal/mail"
)

// Provider is the interface that delivery backends must implement. Each
// provider takes a finalized mail and hands it to the target service
// (an SMTP server, AWS SES, Microsoft Graph or stdout). Providers do not
// retry; retry policy belongs to the caller.
type Provider interface {
	// Send delivers the mail through this provider.
	Send(ctx context.Context, em *mail.EncodableMail) error

	// Name returns the human-readable name of this provider.
	Name() string
}
