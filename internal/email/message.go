// Package email is a flat, read-only view of an encoded message, used for
// dry runs and for checking what was put on the wire.
package email

import "time"

// Email summarizes a parsed message.
type Email struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Date        time.Time
	MessageID   string
	TextBody    string
	HTMLBody    string
	Inline      []Attachment
	Attachments []Attachment
	RawHeaders  map[string][]string
}

// Attachment is a decoded non-body part. ContentID is set for inline parts.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Content     []byte
}
