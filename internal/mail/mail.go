// Package mail models an email in two phases: a mutable Mail produced by
// rendering, and an immutable EncodableMail that serializes to MIME.
package mail

import (
	"context"
	"fmt"
	netmail "net/mail"
	"net/textproto"
	"slices"
	"time"

	"github.com/shineum/template-mailer/internal/mailctx"
	"github.com/shineum/template-mailer/internal/resource"
)

// TransferEncoding pins the Content-Transfer-Encoding of a body.
type TransferEncoding string

const (
	TransferEncodingAuto            TransferEncoding = ""
	TransferEncoding7Bit            TransferEncoding = "7bit"
	TransferEncoding8Bit            TransferEncoding = "8bit"
	TransferEncodingQuotedPrintable TransferEncoding = "quoted-printable"
	TransferEncodingBase64          TransferEncoding = "base64"
)

// Body is one rendered representation of the message content.
// Multiple bodies are alternatives, least preferred first.
type Body struct {
	MediaType        string
	Content          []byte
	TransferEncoding TransferEncoding
}

// TextBody returns a text/plain body.
func TextBody(s string) Body {
	return Body{MediaType: "text/plain; charset=utf-8", Content: []byte(s)}
}

// HTMLBody returns a text/html body.
func HTMLBody(s string) Body {
	return Body{MediaType: "text/html; charset=utf-8", Content: []byte(s)}
}

// Mail is an email under construction. It is not safe for concurrent use.
type Mail struct {
	fields      []field
	bodies      []Body
	embeddings  []resource.Loaded
	attachments []resource.Loaded
	consumed    bool
}

// New creates a Mail with the given alternative bodies.
func New(bodies ...Body) *Mail {
	return &Mail{bodies: slices.Clone(bodies)}
}

// InsertHeaders validates and adds headers. Fields that RFC 5322 allows only
// once replace an existing value in place; all others are appended.
// Either every header is applied or none is.
func (m *Mail) InsertHeaders(headers ...Header) error {
	if m.consumed {
		return ErrMailConsumed
	}

	parsed := make([]field, 0, len(headers))
	for _, h := range headers {
		f, err := parseHeader(h)
		if err != nil {
			return err
		}
		parsed = append(parsed, f)
	}

	for _, f := range parsed {
		if singletonFields[f.name] {
			if i := m.index(f.name); i >= 0 {
				m.fields[i] = f
				continue
			}
		}
		m.fields = append(m.fields, f)
	}
	return nil
}

// Headers returns the inserted headers in order.
func (m *Mail) Headers() []Header {
	out := make([]Header, len(m.fields))
	for i, f := range m.fields {
		out[i] = Header{Name: f.name, Value: f.value}
	}
	return out
}

// HeaderValue returns the first value of the named header.
func (m *Mail) HeaderValue(name string) (string, bool) {
	f, ok := m.field(textproto.CanonicalMIMEHeaderKey(name))
	return f.value, ok
}

// Bodies returns the mail's alternative bodies.
func (m *Mail) Bodies() []Body {
	return slices.Clone(m.bodies)
}

// AddEmbedding adds an inline part referenced from a body by its Content-ID.
func (m *Mail) AddEmbedding(l resource.Loaded) error {
	if m.consumed {
		return ErrMailConsumed
	}
	if l.ContentID == "" {
		return ErrUnloadedEmbedding
	}
	for _, e := range m.embeddings {
		if e.ContentID == l.ContentID {
			return fmt.Errorf("%w: %s", ErrDuplicateContentID, l.ContentID)
		}
	}
	m.embeddings = append(m.embeddings, l)
	return nil
}

// Embeddings returns the inline parts.
func (m *Mail) Embeddings() []resource.Loaded {
	return slices.Clone(m.embeddings)
}

// AddAttachment adds a part shown to the recipient as an attachment.
func (m *Mail) AddAttachment(l resource.Loaded) error {
	if m.consumed {
		return ErrMailConsumed
	}
	m.attachments = append(m.attachments, l)
	return nil
}

// Attachments returns the attached parts.
func (m *Mail) Attachments() []resource.Loaded {
	return slices.Clone(m.attachments)
}

// IntoEncodable finalizes the mail: Date and Message-ID are stamped from mctx
// unless already set and MIME boundaries are fixed, so that encoding the result
// is repeatable. On success the Mail can no longer be used.
func (m *Mail) IntoEncodable(ctx context.Context, mctx mailctx.Context) (*EncodableMail, error) {
	if m.consumed {
		return nil, ErrMailConsumed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	from, ok := m.field("From")
	if !ok {
		return nil, fmt.Errorf("%w: missing From header", ErrIncompleteMail)
	}
	if _, hasSender := m.field("Sender"); len(from.addrs) > 1 && !hasSender {
		return nil, fmt.Errorf("%w: multiple From mailboxes require a Sender", ErrIncompleteMail)
	}
	if len(m.bodies) == 0 {
		return nil, fmt.Errorf("%w: no body", ErrIncompleteMail)
	}

	var stamped []field
	date := mctx.Now()
	if f, ok := m.field("Date"); ok {
		if t, err := netmail.ParseDate(f.value); err == nil {
			date = t
		}
	} else {
		stamped = append(stamped, field{name: "Date", value: date.Format(time.RFC1123Z)})
	}

	var messageID string
	if f, ok := m.field("Message-Id"); ok {
		messageID = f.value
	} else {
		messageID = mctx.GenerateMessageID()
		stamped = append(stamped, field{name: "Message-Id", value: messageID})
	}

	em := &EncodableMail{
		fields:      append(stamped, m.fields...),
		messageID:   messageID,
		date:        date,
		bodies:      cloneBodies(m.bodies),
		embeddings:  slices.Clone(m.embeddings),
		attachments: slices.Clone(m.attachments),
	}
	if len(em.bodies) > 1 {
		em.boundaries.alternative = mctx.GenerateBoundary()
	}
	if len(em.embeddings) > 0 {
		em.boundaries.related = mctx.GenerateBoundary()
	}
	if len(em.attachments) > 0 {
		em.boundaries.mixed = mctx.GenerateBoundary()
	}

	m.consumed = true
	m.fields, m.bodies, m.embeddings, m.attachments = nil, nil, nil, nil

	return em, nil
}

func (m *Mail) index(name string) int {
	for i, f := range m.fields {
		if f.name == name {
			return i
		}
	}
	return -1
}

func (m *Mail) field(name string) (field, bool) {
	if i := m.index(name); i >= 0 {
		return m.fields[i], true
	}
	return field{}, false
}

func cloneBodies(bodies []Body) []Body {
	out := make([]Body, len(bodies))
	for i, b := range bodies {
		b.Content = slices.Clone(b.Content)
		out[i] = b
	}
	return out
}
