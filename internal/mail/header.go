package mail

import (
	"errors"
	"fmt"
	"mime"
	netmail "net/mail"
	"net/textproto"
	"strings"

	gomail "github.com/emersion/go-message/mail"
)

// Header is an unvalidated header field. Build one with From, To, Subject,
// Field and friends, then add it with Mail.InsertHeaders.
type Header struct {
	Name  string
	Value string
}

func From(addrs ...string) Header    { return addressHeader("From", addrs) }
func To(addrs ...string) Header      { return addressHeader("To", addrs) }
func Cc(addrs ...string) Header      { return addressHeader("Cc", addrs) }
func Bcc(addrs ...string) Header     { return addressHeader("Bcc", addrs) }
func ReplyTo(addrs ...string) Header { return addressHeader("Reply-To", addrs) }
func Sender(addr string) Header      { return Header{Name: "Sender", Value: addr} }

// Subject returns a Subject header. Non-ASCII text is RFC 2047 encoded on the wire.
func Subject(s string) Header { return Header{Name: "Subject", Value: s} }

// Field returns an arbitrary header.
func Field(name, value string) Header { return Header{Name: name, Value: value} }

func addressHeader(name string, addrs []string) Header {
	return Header{Name: name, Value: strings.Join(addrs, ", ")}
}

var addressFields = map[string]bool{
	"From":     true,
	"To":       true,
	"Cc":       true,
	"Bcc":      true,
	"Reply-To": true,
	"Sender":   true,
}

// RFC 5322 section 3.6: fields that may appear at most once.
var singletonFields = map[string]bool{
	"Date":        true,
	"From":        true,
	"Sender":      true,
	"Reply-To":    true,
	"To":          true,
	"Cc":          true,
	"Bcc":         true,
	"Message-Id":  true,
	"In-Reply-To": true,
	"References":  true,
	"Subject":     true,
}

// field is a validated header.
type field struct {
	name  string
	value string
	addrs []*gomail.Address
}

func parseHeader(h Header) (field, error) {
	name := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(h.Name))
	value := strings.TrimSpace(h.Value)

	fail := func(err error) (field, error) {
		return field{}, &HeaderValueError{Name: h.Name, Value: h.Value, Err: err}
	}

	if err := validFieldName(name); err != nil {
		return fail(err)
	}
	if name == "Mime-Version" || strings.HasPrefix(name, "Content-") {
		return fail(ErrReservedHeader)
	}
	if strings.ContainsAny(value, "\r\n\x00") {
		return fail(errors.New("value contains line breaks or NUL"))
	}

	f := field{name: name, value: value}

	switch {
	case addressFields[name]:
		addrs, err := gomail.ParseAddressList(value)
		if err != nil {
			return fail(err)
		}
		if len(addrs) == 0 {
			return fail(errors.New("empty address list"))
		}
		if name == "Sender" && len(addrs) != 1 {
			return fail(errors.New("sender must be a single mailbox"))
		}
		f.addrs = addrs
	case name == "Date":
		if _, err := netmail.ParseDate(value); err != nil {
			return fail(err)
		}
	case name == "Message-Id":
		id := strings.TrimSuffix(strings.TrimPrefix(value, "<"), ">")
		if !strings.Contains(id, "@") || strings.ContainsAny(id, " <>") {
			return fail(errors.New("message id must look like local@domain"))
		}
		f.value = id
	}

	return f, nil
}

func validFieldName(name string) error {
	if name == "" {
		return errors.New("empty field name")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 33 || c > 126 || c == ':' {
			return fmt.Errorf("invalid character %q in field name", c)
		}
	}
	return nil
}

// wireValue renders the field value as it appears in the encoded header.
func (f field) wireValue() string {
	switch {
	case f.addrs != nil:
		parts := make([]string, len(f.addrs))
		for i, a := range f.addrs {
			parts[i] = a.String()
		}
		return strings.Join(parts, ", ")
	case f.name == "Message-Id":
		return "<" + f.value + ">"
	case f.name == "Date":
		return f.value
	default:
		return mime.QEncoding.Encode("utf-8", f.value)
	}
}

func (f field) hasNonASCIIAddress() bool {
	for _, a := range f.addrs {
		if !isASCII(a.Address) {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
