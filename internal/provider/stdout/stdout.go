// Package stdout implements a Provider that prints mail instead of sending it.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/template-mailer/internal/email"
	"github.com/shineum/template-mailer/internal/mail"
	"github.com/shineum/template-mailer/internal/parser"
)

const separator = "========================================\n"

// Provider prints mail in a human-readable summary, or as the raw encoded
// message.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
	raw    bool
}

// New creates a new stdout Provider that writes summaries to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// With raw set the encoded message is written as is.
func NewWithWriter(w io.Writer, raw bool) *Provider {
	return &Provider{writer: w, raw: raw}
}

// Send encodes em the way a 7-bit transport would receive it and prints it.
func (p *Provider) Send(_ context.Context, em *mail.EncodableMail) error {
	mt := mail.MailTypeASCII
	if em.RequiresSMTPUTF8() {
		mt = mail.MailTypeInternationalized
	}
	raw, err := em.Encode(mt)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	out := string(raw)
	if !p.raw {
		msg, err := parser.Parse(raw)
		if err != nil {
			return fmt.Errorf("failed to parse encoded message: %w", err)
		}
		_, rcpts, _ := em.Envelope()
		out = summary(msg, rcpts, len(raw))
	}

	if _, err := io.WriteString(p.writer, out); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func summary(msg *email.Email, rcpts []string, size int) string {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "Message-Id: %s\n", msg.MessageID)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))

	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&b, "Envelope: %s\n", strings.Join(rcpts, ", "))

	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "Size: %s\n", formatSize(size))
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HTMLBody
	}
	b.WriteString(strings.TrimRight(body, "\r\n") + "\n")

	if len(msg.Inline) > 0 {
		fmt.Fprintf(&b, "Inline: %s\n", parts(msg.Inline, true))
	}
	if len(msg.Attachments) > 0 {
		fmt.Fprintf(&b, "Attachments: %s\n", parts(msg.Attachments, false))
	}

	b.WriteString(separator)
	return b.String()
}

func parts(atts []email.Attachment, withCID bool) string {
	out := make([]string, 0, len(atts))
	for _, att := range atts {
		s := fmt.Sprintf("%s (%s, %s)", att.Filename, att.ContentType, formatSize(len(att.Content)))
		if withCID && att.ContentID != "" {
			s += " cid:" + att.ContentID
		}
		out = append(out, s)
	}
	return strings.Join(out, ", ")
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
