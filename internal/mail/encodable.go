package mail

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message"

	"github.com/shineum/template-mailer/internal/resource"
)

// MailType selects what the transport accepts.
type MailType int

const (
	// MailTypeASCII is 7-bit only: non-ASCII content is transfer-encoded.
	MailTypeASCII MailType = iota
	// MailType8Bit allows 8bit bodies (8BITMIME).
	MailType8Bit
	// MailTypeInternationalized allows 8bit bodies and UTF-8 addresses (SMTPUTF8).
	MailTypeInternationalized
)

func (t MailType) String() string {
	switch t {
	case MailTypeASCII:
		return "ascii"
	case MailType8Bit:
		return "8bit"
	case MailTypeInternationalized:
		return "internationalized"
	default:
		return fmt.Sprintf("MailType(%d)", int(t))
	}
}

func (t MailType) allows8Bit() bool {
	return t == MailType8Bit || t == MailTypeInternationalized
}

// EncodableMail is a finalized mail. It is immutable and may be encoded any
// number of times; equal mail types produce byte-identical output.
type EncodableMail struct {
	fields      []field
	messageID   string
	date        time.Time
	bodies      []Body
	embeddings  []resource.Loaded
	attachments []resource.Loaded
	boundaries  struct {
		alternative string
		related     string
		mixed       string
	}
}

// MessageID returns the Message-ID without angle brackets.
func (m *EncodableMail) MessageID() string {
	return m.messageID
}

// Date returns the mail's Date.
func (m *EncodableMail) Date() time.Time {
	return m.date
}

// Envelope returns the SMTP reverse path (Sender, else the first From mailbox)
// and the de-duplicated forward paths from To, Cc and Bcc.
func (m *EncodableMail) Envelope() (string, []string, error) {
	var from string
	if f, ok := m.find("Sender"); ok {
		from = f.addrs[0].Address
	} else if f, ok := m.find("From"); ok {
		from = f.addrs[0].Address
	}

	seen := make(map[string]bool)
	var to []string
	for _, f := range m.fields {
		if f.name != "To" && f.name != "Cc" && f.name != "Bcc" {
			continue
		}
		for _, a := range f.addrs {
			key := strings.ToLower(a.Address)
			if seen[key] {
				continue
			}
			seen[key] = true
			to = append(to, a.Address)
		}
	}

	if len(to) == 0 {
		return from, nil, ErrNoRecipients
	}
	return from, to, nil
}

// RequiresSMTPUTF8 reports whether any address has a non-ASCII mailbox.
func (m *EncodableMail) RequiresSMTPUTF8() bool {
	for _, f := range m.fields {
		if f.hasNonASCIIAddress() {
			return true
		}
	}
	return false
}

// Encode serializes the mail as RFC 5322 bytes with CRLF line endings.
// Bcc is never written.
func (m *EncodableMail) Encode(mt MailType) ([]byte, error) {
	if mt != MailTypeInternationalized {
		for _, f := range m.fields {
			if f.hasNonASCIIAddress() {
				return nil, &EncodeError{Part: "header " + f.name, MailType: mt, Err: ErrNonASCIIAddress}
			}
		}
	}

	root, err := m.buildTree(mt)
	if err != nil {
		return nil, err
	}

	pairs := make([][2]string, 0, len(m.fields)+4)
	for _, f := range m.fields {
		if f.name == "Bcc" {
			continue
		}
		pairs = append(pairs, [2]string{f.name, f.wireValue()})
	}
	pairs = append(pairs, [2]string{"MIME-Version", "1.0"})
	rootFields := root.header.Fields()
	for rootFields.Next() {
		pairs = append(pairs, [2]string{rootFields.Key(), rootFields.Value()})
	}

	// go-message writes header fields last-added first.
	var h message.Header
	for i := len(pairs) - 1; i >= 0; i-- {
		h.Add(pairs[i][0], pairs[i][1])
	}

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, &EncodeError{Part: "message", MailType: mt, Err: err}
	}
	if err := writeEntity(w, root); err != nil {
		return nil, &EncodeError{Part: "message", MailType: mt, Err: err}
	}
	if err := w.Close(); err != nil {
		return nil, &EncodeError{Part: "message", MailType: mt, Err: err}
	}

	return buf.Bytes(), nil
}

// HasBcc reports whether the mail has blind copy recipients. They appear in
// the envelope only, never in the encoded message.
func (m *EncodableMail) HasBcc() bool {
	_, ok := m.find("Bcc")
	return ok
}

func (m *EncodableMail) find(name string) (field, bool) {
	for _, f := range m.fields {
		if f.name == name {
			return f, true
		}
	}
	return field{}, false
}

// entity is one node of the MIME tree.
type entity struct {
	header   message.Header
	body     []byte
	children []*entity
}

// buildTree nests parts as mixed(related(alternative(bodies), inline...), attachments...),
// omitting every level that has a single child.
func (m *EncodableMail) buildTree(mt MailType) (*entity, error) {
	alts := make([]*entity, 0, len(m.bodies))
	for i, b := range m.bodies {
		e, err := bodyEntity(i, b, mt)
		if err != nil {
			return nil, err
		}
		alts = append(alts, e)
	}

	root := alts[0]
	if len(alts) > 1 {
		root = multipart("multipart/alternative", m.boundaries.alternative, alts, nil)
	}

	if len(m.embeddings) > 0 {
		rootType, _, _ := root.header.ContentType()
		children := []*entity{root}
		for _, l := range m.embeddings {
			e, err := resourceEntity(l, "inline", mt)
			if err != nil {
				return nil, err
			}
			children = append(children, e)
		}
		root = multipart("multipart/related", m.boundaries.related, children, map[string]string{"type": rootType})
	}

	if len(m.attachments) > 0 {
		children := []*entity{root}
		for _, l := range m.attachments {
			e, err := resourceEntity(l, "attachment", mt)
			if err != nil {
				return nil, err
			}
			children = append(children, e)
		}
		root = multipart("multipart/mixed", m.boundaries.mixed, children, nil)
	}

	return root, nil
}

func multipart(mediaType, boundary string, children []*entity, extra map[string]string) *entity {
	params := map[string]string{"boundary": boundary}
	for k, v := range extra {
		params[k] = v
	}
	e := &entity{children: children}
	e.header.SetContentType(mediaType, params)
	return e
}

func bodyEntity(idx int, b Body, mt MailType) (*entity, error) {
	mediaType, params, err := mime.ParseMediaType(b.MediaType)
	part := fmt.Sprintf("body %d", idx)
	if err != nil {
		return nil, &EncodeError{Part: part, MailType: mt, Err: err}
	}
	part = fmt.Sprintf("body %d (%s)", idx, mediaType)

	text := strings.HasPrefix(mediaType, "text/")
	content := b.Content
	if text {
		switch strings.ToLower(params["charset"]) {
		case "":
			params["charset"] = "utf-8"
		case "utf-8", "us-ascii":
		default:
			return nil, &EncodeError{Part: part, MailType: mt, Err: fmt.Errorf("unsupported charset %q", params["charset"])}
		}
		content = normalizeNewlines(content)
	}

	enc, err := chooseTransferEncoding(b.TransferEncoding, content, text, mt)
	if err != nil {
		return nil, &EncodeError{Part: part, MailType: mt, Err: err}
	}

	e := &entity{body: content}
	e.header.SetContentType(mediaType, params)
	e.header.Set("Content-Transfer-Encoding", string(enc))
	return e, nil
}

func resourceEntity(l resource.Loaded, disposition string, mt MailType) (*entity, error) {
	mediaType, params, err := mime.ParseMediaType(l.MediaType)
	if err != nil {
		return nil, &EncodeError{Part: disposition + " " + l.FileName, MailType: mt, Err: err}
	}
	// Parts are base64 encoded, so a legacy charset label only describes the decoded bytes.
	if cs := strings.ToLower(params["charset"]); cs != "" && cs != "utf-8" && cs != "us-ascii" {
		delete(params, "charset")
	}

	e := &entity{body: l.Bytes}
	e.header.SetContentType(mediaType, params)
	e.header.Set("Content-Transfer-Encoding", string(TransferEncodingBase64))

	var dispParams map[string]string
	if l.FileName != "" {
		dispParams = map[string]string{"filename": l.FileName}
	}
	e.header.SetContentDisposition(disposition, dispParams)

	if l.ContentID != "" {
		e.header.Set("Content-ID", "<"+l.ContentID+">")
	}
	return e, nil
}

func writeEntity(w *message.Writer, e *entity) error {
	if len(e.children) == 0 {
		_, err := w.Write(e.body)
		return err
	}

	for _, c := range e.children {
		pw, err := w.CreatePart(c.header)
		if err != nil {
			return err
		}
		if err := writeEntity(pw, c); err != nil {
			return err
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}
	return nil
}
