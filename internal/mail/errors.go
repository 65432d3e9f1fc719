package mail

import (
	"errors"
	"fmt"
)

var (
	// ErrHeaderValue matches every header validation failure.
	ErrHeaderValue = errors.New("invalid header")

	// ErrReservedHeader indicates an attempt to set a header the encoder owns.
	ErrReservedHeader = errors.New("header is managed by the encoder")

	// ErrMailConsumed is returned when a Mail is used after IntoEncodable.
	ErrMailConsumed = errors.New("mail already converted to encodable form")

	// ErrIncompleteMail indicates a Mail that cannot be finalized.
	ErrIncompleteMail = errors.New("incomplete mail")

	// ErrUnloadedEmbedding indicates an inline embedding without a Content-ID.
	ErrUnloadedEmbedding = errors.New("embedding was not resolved")

	// ErrDuplicateContentID indicates two embeddings sharing a Content-ID.
	ErrDuplicateContentID = errors.New("duplicate content id")

	// ErrNoRecipients is returned by Envelope when no To, Cc or Bcc is set.
	ErrNoRecipients = errors.New("mail has no recipients")

	// ErrEncode matches every encoding failure.
	ErrEncode = errors.New("failed to encode mail")

	// ErrUnrepresentable indicates content the requested mail type cannot carry.
	ErrUnrepresentable = errors.New("content cannot be represented")

	// ErrNonASCIIAddress indicates an internationalized address in a non-SMTPUTF8 mail.
	ErrNonASCIIAddress = errors.New("address requires SMTPUTF8")
)

// HeaderValueError describes a header rejected by InsertHeaders.
type HeaderValueError struct {
	Name  string
	Value string
	Err   error
}

func (e *HeaderValueError) Error() string {
	return fmt.Sprintf("%v %s: %q: %v", ErrHeaderValue, e.Name, e.Value, e.Err)
}

func (e *HeaderValueError) Unwrap() []error {
	return []error{ErrHeaderValue, e.Err}
}

// EncodeError describes a part that could not be encoded for a mail type.
type EncodeError struct {
	Part     string
	MailType MailType
	Err      error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("%v: %s as %s: %v", ErrEncode, e.Part, e.MailType, e.Err)
}

func (e *EncodeError) Unwrap() []error {
	return []error{ErrEncode, e.Err}
}
