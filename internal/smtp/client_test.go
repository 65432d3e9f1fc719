package smtp

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/template-mailer/internal/mail"
	"github.com/shineum/template-mailer/internal/mailctx"
	"github.com/shineum/template-mailer/internal/smtptest"
)

const (
	testUser = "user@example.com"
	testPass = "secret"
)

func newTestContext(t *testing.T) *mailctx.Simple {
	t.Helper()
	mctx, err := mailctx.New("mail.example.com",
		mailctx.WithUniquePart("test"),
		mailctx.WithBaseDir(t.TempDir()),
		mailctx.WithClock(func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }),
	)
	require.NoError(t, err)
	return mctx
}

func newMail(t *testing.T, to string, body string) *mail.Mail {
	t.Helper()
	m := mail.New(mail.TextBody(body))
	require.NoError(t, m.InsertHeaders(
		mail.From("lucy@example.com"),
		mail.To(to),
		mail.Subject("Hello"),
	))
	return m
}

func newEncodable(t *testing.T, to, body string) *mail.EncodableMail {
	t.Helper()
	em, err := newMail(t, to, body).IntoEncodable(context.Background(), newTestContext(t))
	require.NoError(t, err)
	return em
}

func startServer(t *testing.T, opts smtptest.Options) *smtptest.Server {
	t.Helper()
	if opts.Username == "" {
		opts.Username, opts.Password = testUser, testPass
	}
	srv, err := smtptest.Start(opts)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func configFor(t *testing.T, srv *smtptest.Server, security SecurityMode, creds Credentials) ConnectionConfig {
	t.Helper()
	cfg, err := NewConfigBuilderWithPort(srv.Host(), srv.Port()).
		Security(security).
		Auth(creds).
		TLSConfig(srv.ClientTLS()).
		Timeout(5 * time.Second).
		Build()
	require.NoError(t, err)
	return cfg
}

func deliveryError(t *testing.T, err error) *DeliveryError {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrDelivery)
	var de *DeliveryError
	require.True(t, errors.As(err, &de), "not a DeliveryError: %v", err)
	return de
}

func TestSendDirectTLS(t *testing.T) {
	t.Parallel()

	srv := startServer(t, smtptest.Options{ImplicitTLS: true, EightBitMIME: true})
	cfg := configFor(t, srv, DirectTLS, Plain(testUser, testPass))

	em := newEncodable(t, "tom@example.com", "Hello Tom, this is Lucy.")
	require.NoError(t, Send(context.Background(), em, cfg))

	assert.Equal(t, []string{"EHLO", "AUTH", "MAIL", "RCPT", "DATA", "QUIT"}, srv.Verbs())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "lucy@example.com", msgs[0].From)
	assert.Equal(t, []string{"tom@example.com"}, msgs[0].To)
	assert.Contains(t, msgs[0].MailParams, "BODY=8BITMIME")
	assert.Contains(t, string(msgs[0].Data), "Subject: Hello\r\n")
	assert.Contains(t, string(msgs[0].Data), "Message-Id: <test.1@mail.example.com>")
	assert.Contains(t, string(msgs[0].Data), "Hello Tom, this is Lucy.")
}

func TestSendStartTLSWithLogin(t *testing.T) {
	t.Parallel()

	srv := startServer(t, smtptest.Options{StartTLS: true})
	cfg := configFor(t, srv, StartTLS, Login(testUser, testPass))

	em := newEncodable(t, "tom@example.com", "Grüße aus Köln")
	require.NoError(t, Send(context.Background(), em, cfg))

	assert.Equal(t, []string{"EHLO", "STARTTLS", "EHLO", "AUTH", "MAIL", "RCPT", "DATA", "QUIT"}, srv.Verbs())
	assert.Equal(t, "LOGIN", srv.Commands()[3].Arg)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].MailParams)
	for _, b := range msgs[0].Data {
		require.Less(t, b, byte(0x80), "raw 8-bit byte sent to a server without 8BITMIME")
	}
}

func TestSendStartTLSNotOffered(t *testing.T) {
	t.Parallel()

	srv := startServer(t, smtptest.Options{})
	cfg := configFor(t, srv, StartTLS, Plain(testUser, testPass))

	err := Send(context.Background(), newEncodable(t, "tom@example.com", "hi"), cfg)
	de := deliveryError(t, err)
	assert.Equal(t, StageStartTLS, de.Stage)
	assert.Equal(t, KindProtocol, de.Kind)
	assert.ErrorIs(t, err, ErrStartTLSUnsupported)

	assert.NotContains(t, srv.Verbs(), "AUTH")
	assert.Contains(t, srv.Verbs(), "QUIT")
}

func TestSendAuthFailureNeverReachesMailFrom(t *testing.T) {
	t.Parallel()

	srv := startServer(t, smtptest.Options{ImplicitTLS: true})
	cfg := configFor(t, srv, DirectTLS, Plain(testUser, "wrong"))

	err := Send(context.Background(), newEncodable(t, "tom@example.com", "hi"), cfg)
	de := deliveryError(t, err)
	assert.Equal(t, StageAuth, de.Stage)
	assert.Equal(t, KindProtocol, de.Kind)
	assert.Equal(t, 535, de.Code)
	assert.False(t, de.Temporary())

	verbs := srv.Verbs()
	assert.NotContains(t, verbs, "MAIL")
	assert.Equal(t, "QUIT", verbs[len(verbs)-1])
	assert.Empty(t, srv.Messages())
}

func TestSendAuthMechanismNotOffered(t *testing.T) {
	t.Parallel()

	srv := startServer(t, smtptest.Options{ImplicitTLS: true, Mechanisms: []string{"PLAIN"}})
	cfg := configFor(t, srv, DirectTLS, Login(testUser, testPass))

	err := Send(context.Background(), newEncodable(t, "tom@example.com", "hi"), cfg)
	de := deliveryError(t, err)
	assert.Equal(t, StageAuth, de.Stage)
	assert.ErrorIs(t, err, ErrAuthUnsupported)
	assert.NotContains(t, srv.Verbs(), "AUTH")
}

func TestSendServerRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		reject    map[string]smtptest.Reply
		stage     Stage
		code      int
		temporary bool
	}{
		{
			name:   "greeting",
			reject: map[string]smtptest.Reply{smtptest.OnGreeting: {Code: 554, Text: "no service"}},
			stage:  StageHello,
			code:   554,
		},
		{
			name:   "mail from",
			reject: map[string]smtptest.Reply{"MAIL": {Code: 553, Enhanced: "5.7.1", Text: "sender not allowed"}},
			stage:  StageMailFrom,
			code:   553,
		},
		{
			name:   "rcpt to",
			reject: map[string]smtptest.Reply{"RCPT": {Code: 550, Enhanced: "5.1.1", Text: "no such user"}},
			stage:  StageRcptTo,
			code:   550,
		},
		{
			name:      "data",
			reject:    map[string]smtptest.Reply{smtptest.OnData: {Code: 451, Enhanced: "4.3.0", Text: "try again later"}},
			stage:     StageData,
			code:      451,
			temporary: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := startServer(t, smtptest.Options{ImplicitTLS: true, Reject: tt.reject})
			cfg := configFor(t, srv, DirectTLS, Plain(testUser, testPass))

			err := Send(context.Background(), newEncodable(t, "tom@example.com", "hi"), cfg)
			de := deliveryError(t, err)
			assert.Equal(t, tt.stage, de.Stage)
			assert.Equal(t, KindProtocol, de.Kind)
			assert.Equal(t, tt.code, de.Code)
			assert.Equal(t, tt.temporary, de.Temporary())
			assert.Empty(t, srv.Messages())
		})
	}
}

func TestSendRcptRejectionCarriesEnhancedCode(t *testing.T) {
	t.Parallel()

	srv := startServer(t, smtptest.Options{
		ImplicitTLS: true,
		Reject:      map[string]smtptest.Reply{"RCPT": {Code: 550, Enhanced: "5.1.1", Text: "no such user"}},
	})
	cfg := configFor(t, srv, DirectTLS, Plain(testUser, testPass))

	err := Send(context.Background(), newEncodable(t, "tom@example.com", "hi"), cfg)
	de := deliveryError(t, err)
	assert.Equal(t, gosmtp.EnhancedCode{5, 1, 1}, de.EnhancedCode)

	verbs := srv.Verbs()
	assert.NotContains(t, verbs, "DATA")
	assert.Equal(t, "QUIT", verbs[len(verbs)-1])
}

func TestSendInternationalized(t *testing.T) {
	t.Parallel()

	t.Run("server offers SMTPUTF8", func(t *testing.T) {
		t.Parallel()

		srv := startServer(t, smtptest.Options{ImplicitTLS: true, EightBitMIME: true, SMTPUTF8: true})
		cfg := configFor(t, srv, DirectTLS, Plain(testUser, testPass))

		require.NoError(t, Send(context.Background(), newEncodable(t, "jörg@example.com", "hallo"), cfg))
		msgs := srv.Messages()
		require.Len(t, msgs, 1)
		assert.Contains(t, msgs[0].MailParams, "SMTPUTF8")
		assert.Equal(t, []string{"jörg@example.com"}, msgs[0].To)
	})

	t.Run("server lacks SMTPUTF8", func(t *testing.T) {
		t.Parallel()

		srv := startServer(t, smtptest.Options{ImplicitTLS: true, EightBitMIME: true})
		cfg := configFor(t, srv, DirectTLS, Plain(testUser, testPass))

		err := Send(context.Background(), newEncodable(t, "jörg@example.com", "hallo"), cfg)
		de := deliveryError(t, err)
		assert.ErrorIs(t, err, ErrSMTPUTF8Unsupported)
		assert.Equal(t, StageMailFrom, de.Stage)
		assert.NotContains(t, srv.Verbs(), "MAIL")
	})
}

func TestSendUnreachableHost(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	cfg, err := NewConfigBuilderWithPort("127.0.0.1", addr.Port).
		UseDirectTLS().
		Auth(Plain(testUser, testPass)).
		Timeout(2 * time.Second).
		Build()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- Send(context.Background(), newEncodable(t, "tom@example.com", "hi"), cfg) }()

	select {
	case err := <-done:
		de := deliveryError(t, err)
		assert.Equal(t, StageConnect, de.Stage)
		assert.Equal(t, KindTransport, de.Kind)
		assert.Zero(t, de.Code)
	case <-time.After(10 * time.Second):
		t.Fatal("Send did not return")
	}
}

func TestSendUntrustedCertificate(t *testing.T) {
	t.Parallel()

	srv := startServer(t, smtptest.Options{ImplicitTLS: true})
	cfg, err := NewConfigBuilderWithPort(srv.Host(), srv.Port()).
		UseDirectTLS().
		Auth(Plain(testUser, testPass)).
		Timeout(5 * time.Second).
		Build()
	require.NoError(t, err)

	err = Send(context.Background(), newEncodable(t, "tom@example.com", "hi"), cfg)
	de := deliveryError(t, err)
	assert.Equal(t, StageTLSHandshake, de.Stage)
	assert.Equal(t, KindTransport, de.Kind)
}

func TestSendCancelledContext(t *testing.T) {
	t.Parallel()

	srv := startServer(t, smtptest.Options{ImplicitTLS: true})
	cfg := configFor(t, srv, DirectTLS, Plain(testUser, testPass))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Send(ctx, newEncodable(t, "tom@example.com", "hi"), cfg)
	require.ErrorIs(t, err, ErrDelivery)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, srv.Messages())
}

func TestSendNoRecipients(t *testing.T) {
	t.Parallel()

	m := mail.New(mail.TextBody("hi"))
	require.NoError(t, m.InsertHeaders(mail.From("lucy@example.com")))
	em, err := m.IntoEncodable(context.Background(), newTestContext(t))
	require.NoError(t, err)

	cfg, err := NewConfigBuilder("127.0.0.1:1").UseDirectTLS().Auth(Plain("u", "p")).Build()
	require.NoError(t, err)

	err = Send(context.Background(), em, cfg)
	de := deliveryError(t, err)
	assert.Equal(t, StageEnvelope, de.Stage)
	assert.Equal(t, KindEncode, de.Kind)
	assert.ErrorIs(t, err, mail.ErrNoRecipients)
}

func TestSendMailConsumesMail(t *testing.T) {
	t.Parallel()

	srv := startServer(t, smtptest.Options{ImplicitTLS: true})
	cfg := configFor(t, srv, DirectTLS, Plain(testUser, testPass))
	mctx := newTestContext(t)

	m := newMail(t, "tom@example.com", "hi")
	require.NoError(t, SendMail(context.Background(), m, cfg, mctx))

	err := SendMail(context.Background(), m, cfg, mctx)
	de := deliveryError(t, err)
	assert.Equal(t, StageEncode, de.Stage)
	assert.ErrorIs(t, err, mail.ErrMailConsumed)
	assert.Len(t, srv.Messages(), 1)
}

func TestDeliveryErrorMessage(t *testing.T) {
	t.Parallel()

	err := stageError(StageRcptTo, &gosmtp.SMTPError{Code: 550, EnhancedCode: gosmtp.EnhancedCode{5, 1, 1}, Message: "no such user"})
	assert.True(t, strings.HasPrefix(err.Error(), "smtp delivery failed at rcpt-to: protocol error 550"), err.Error())
	assert.Equal(t, KindProtocol, err.Kind)

	err = stageError(StageConnect, errors.New("connection refused"))
	assert.Equal(t, KindTransport, err.Kind)
	assert.Equal(t, "smtp delivery failed at connect: transport error: connection refused", err.Error())
}
