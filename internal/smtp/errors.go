package smtp

import (
	"errors"
	"fmt"

	gosmtp "github.com/emersion/go-smtp"
)

var (
	// ErrDelivery matches every failed send.
	ErrDelivery = errors.New("smtp delivery failed")

	ErrStartTLSUnsupported = errors.New("server does not offer STARTTLS")
	ErrAuthUnsupported     = errors.New("server does not offer the authentication mechanism")
	ErrSMTPUTF8Unsupported = errors.New("mail needs SMTPUTF8 but the server does not offer it")
)

// Stage is a step of the SMTP session.
type Stage string

const (
	StageEnvelope     Stage = "envelope"
	StageConnect      Stage = "connect"
	StageTLSHandshake Stage = "tls-handshake"
	StageHello        Stage = "hello"
	StageStartTLS     Stage = "starttls"
	StageAuth         Stage = "auth"
	StageEncode       Stage = "encode"
	StageMailFrom     Stage = "mail-from"
	StageRcptTo       Stage = "rcpt-to"
	StageData         Stage = "data"
	StageQuit         Stage = "quit"
)

// ErrorKind separates server rejections from connection failures.
type ErrorKind string

const (
	// KindTransport is an I/O, DNS or TLS failure.
	KindTransport ErrorKind = "transport"
	// KindProtocol is a negative server reply or a missing capability.
	KindProtocol ErrorKind = "protocol"
	// KindEncode is a mail that cannot be sent as composed.
	KindEncode ErrorKind = "encode"
)

// DeliveryError describes where and how a send failed. Code and EnhancedCode
// are set for server replies.
type DeliveryError struct {
	Stage        Stage
	Kind         ErrorKind
	Code         int
	EnhancedCode gosmtp.EnhancedCode
	Err          error
}

func (e *DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%v at %s: %s error %d: %v", ErrDelivery, e.Stage, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%v at %s: %s error: %v", ErrDelivery, e.Stage, e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDelivery, e.Err}
}

// Temporary reports a 4xx server reply, which the caller may retry later.
func (e *DeliveryError) Temporary() bool {
	return e.Code >= 400 && e.Code < 500
}

func stageError(stage Stage, err error) *DeliveryError {
	de := &DeliveryError{Stage: stage, Kind: KindTransport, Err: err}

	var se *gosmtp.SMTPError
	if errors.As(err, &se) {
		de.Kind = KindProtocol
		de.Code = se.Code
		de.EnhancedCode = se.EnhancedCode
	}
	return de
}

func protocolError(stage Stage, err error) *DeliveryError {
	return &DeliveryError{Stage: stage, Kind: KindProtocol, Err: err}
}
