package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/template-mailer/internal/logging"
	"github.com/shineum/template-mailer/internal/mail"
	"github.com/shineum/template-mailer/internal/mailctx"
)

// SendMail finalizes m and delivers it. m is consumed even when delivery
// fails afterwards.
func SendMail(ctx context.Context, m *mail.Mail, cfg ConnectionConfig, mctx mailctx.Context) error {
	em, err := m.IntoEncodable(ctx, mctx)
	if err != nil {
		return &DeliveryError{Stage: StageEncode, Kind: KindEncode, Err: err}
	}
	return Send(ctx, em, cfg)
}

// Send delivers em over a new connection described by cfg. It opens one
// connection, runs a single transaction and closes it. Every failure after
// the connection is established ends the session with QUIT before the error
// is returned. Send never retries.
func Send(ctx context.Context, em *mail.EncodableMail, cfg ConnectionConfig) error {
	from, rcpts, err := em.Envelope()
	if err != nil {
		return &DeliveryError{Stage: StageEnvelope, Kind: KindEncode, Err: err}
	}

	log := slog.With(
		"server", cfg.Address(),
		"security", cfg.Security().String(),
		"message_id", em.MessageID(),
	)

	conn, err := dial(ctx, cfg)
	if err != nil {
		return withContext(ctx, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c := gosmtp.NewClient(conn)
	c.CommandTimeout = cfg.timeout
	c.SubmissionTimeout = cfg.timeout

	s := &session{client: c, cfg: cfg, log: log}
	if err := s.run(em, from, rcpts); err != nil {
		s.abort()
		log.Debug("smtp delivery failed", "error", err)
		return withContext(ctx, err)
	}

	if err := c.Quit(); err != nil {
		log.Warn("smtp quit failed after accepted data", "error", err)
	}
	_ = c.Close()

	log.Info("mail delivered",
		"from", logging.RedactEmail(from),
		"recipients", logging.RedactEmails(rcpts),
		"mail_type", s.mailType.String(),
	)
	return nil
}

func dial(ctx context.Context, cfg ConnectionConfig) (net.Conn, error) {
	d := net.Dialer{Timeout: cfg.timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, stageError(StageConnect, err)
	}
	if cfg.security != DirectTLS {
		return conn, nil
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	tlsConn := tls.Client(conn, cfg.TLS())
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		_ = conn.Close()
		return nil, stageError(StageTLSHandshake, err)
	}
	return tlsConn, nil
}

// withContext reports cancellation alongside the stage error so callers can
// match context.Canceled or context.DeadlineExceeded.
func withContext(ctx context.Context, err error) error {
	var de *DeliveryError
	if cerr := ctx.Err(); cerr != nil && errors.As(err, &de) && !errors.Is(de.Err, cerr) {
		de.Err = fmt.Errorf("%w: %w", cerr, de.Err)
	}
	return err
}

type session struct {
	client   *gosmtp.Client
	cfg      ConnectionConfig
	log      *slog.Logger
	mailType mail.MailType
}

func (s *session) run(em *mail.EncodableMail, from string, rcpts []string) error {
	c := s.client

	if err := c.Hello(s.cfg.clientName); err != nil {
		return stageError(StageHello, err)
	}
	s.log.Debug("smtp hello done")

	if s.cfg.security == StartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return protocolError(StageStartTLS, ErrStartTLSUnsupported)
		}
		if err := c.StartTLS(s.cfg.TLS()); err != nil {
			return stageError(StageStartTLS, err)
		}
		s.log.Debug("smtp connection upgraded")
	}

	mech := s.cfg.creds.Mechanism()
	if !c.SupportsAuth(mech) {
		return protocolError(StageAuth, fmt.Errorf("%w: %s", ErrAuthUnsupported, mech))
	}
	if err := c.Auth(s.cfg.creds.client()); err != nil {
		return stageError(StageAuth, err)
	}
	s.log.Debug("smtp authenticated", "mechanism", mech)

	opts, err := s.negotiate(em)
	if err != nil {
		return err
	}

	raw, err := em.Encode(s.mailType)
	if err != nil {
		return &DeliveryError{Stage: StageEncode, Kind: KindEncode, Err: err}
	}

	if err := c.Mail(from, opts); err != nil {
		return stageError(StageMailFrom, err)
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return stageError(StageRcptTo, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return stageError(StageData, err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return stageError(StageData, err)
	}
	if err := w.Close(); err != nil {
		return stageError(StageData, err)
	}
	return nil
}

// negotiate picks the richest mail type the server accepts.
func (s *session) negotiate(em *mail.EncodableMail) (*gosmtp.MailOptions, error) {
	c := s.client
	utf8, _ := c.Extension("SMTPUTF8")
	eightBit, _ := c.Extension("8BITMIME")

	opts := &gosmtp.MailOptions{}
	switch {
	case em.RequiresSMTPUTF8() && !utf8:
		return nil, protocolError(StageMailFrom, ErrSMTPUTF8Unsupported)
	case em.RequiresSMTPUTF8():
		s.mailType = mail.MailTypeInternationalized
		opts.UTF8 = true
		if eightBit {
			opts.Body = gosmtp.Body8BitMIME
		}
	case eightBit:
		s.mailType = mail.MailType8Bit
		opts.Body = gosmtp.Body8BitMIME
	default:
		s.mailType = mail.MailTypeASCII
	}
	return opts, nil
}

func (s *session) abort() {
	_ = s.client.Quit()
	_ = s.client.Close()
}
