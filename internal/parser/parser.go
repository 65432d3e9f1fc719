// Package parser reads RFC 5322 messages back into email.Email summaries.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"

	"github.com/shineum/template-mailer/internal/email"
)

// Parse decodes raw into a summary. Text and HTML parts fill the bodies,
// the first of each kind wins. Inline parts that are not text become
// Inline entries and everything with an attachment disposition becomes an
// Attachment. Transfer encodings are undone.
func Parse(raw []byte) (*email.Email, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	result := &email.Email{RawHeaders: make(map[string][]string)}

	fields := mr.Header.Fields()
	for fields.Next() {
		key := fields.Key()
		result.RawHeaders[key] = append(result.RawHeaders[key], fields.Value())
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		result.From = from[0].Address
	}
	result.To = addresses(mr.Header, "To")
	result.Cc = addresses(mr.Header, "Cc")
	result.Bcc = addresses(mr.Header, "Bcc")
	result.Subject, _ = mr.Header.Subject()
	result.MessageID, _ = mr.Header.MessageID()
	result.Date, _ = mr.Header.Date()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		content, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read part content: %w", err)
		}

		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			mediaType, _, _ := h.ContentType()
			switch {
			case mediaType == "text/plain" || mediaType == "":
				if result.TextBody == "" {
					result.TextBody = string(content)
				}
			case mediaType == "text/html":
				if result.HTMLBody == "" {
					result.HTMLBody = string(content)
				}
			default:
				_, params, _ := h.ContentType()
				_, dparams, _ := h.ContentDisposition()
				result.Inline = append(result.Inline, email.Attachment{
					Filename:    firstNonEmpty(dparams["filename"], params["name"]),
					ContentType: mediaType,
					ContentID:   strings.Trim(h.Get("Content-Id"), "<>"),
					Content:     content,
				})
			}
		case *gomail.AttachmentHeader:
			mediaType, params, _ := h.ContentType()
			filename, err := h.Filename()
			if err != nil || filename == "" {
				filename = fallbackName(mediaType, params)
			}
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename,
				ContentType: mediaType,
				ContentID:   strings.Trim(h.Get("Content-Id"), "<>"),
				Content:     content,
			})
		default:
			slog.Warn("unrecognized MIME part, skipping")
		}
	}

	return result, nil
}

func addresses(h gomail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		slog.Warn("failed to parse address list", "header", key, "error", err)
		return nil
	}
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

// fallbackName names attachments that carry no file name.
func fallbackName(mediaType string, params map[string]string) string {
	if name := params["name"]; name != "" {
		return name
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
