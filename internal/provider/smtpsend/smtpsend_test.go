package smtpsend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/template-mailer/internal/mail"
	"github.com/shineum/template-mailer/internal/mailctx"
	"github.com/shineum/template-mailer/internal/provider"
	"github.com/shineum/template-mailer/internal/smtp"
	"github.com/shineum/template-mailer/internal/smtptest"
)

var _ provider.Provider = (*Provider)(nil)

func TestSend(t *testing.T) {
	t.Parallel()

	srv, err := smtptest.Start(smtptest.Options{
		Username:     "user@example.com",
		Password:     "secret",
		ImplicitTLS:  true,
		EightBitMIME: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	cfg, err := smtp.NewConfigBuilderWithPort(srv.Host(), srv.Port()).
		UseDirectTLS().
		Auth(smtp.Plain("user@example.com", "secret")).
		TLSConfig(srv.ClientTLS()).
		Timeout(5 * time.Second).
		Build()
	require.NoError(t, err)

	mctx, err := mailctx.New("mail.example.com",
		mailctx.WithUniquePart("smtpsend"),
		mailctx.WithBaseDir(t.TempDir()),
	)
	require.NoError(t, err)

	m := mail.New(mail.TextBody("hi"))
	require.NoError(t, m.InsertHeaders(mail.From("from@example.com"), mail.To("to@example.com")))
	em, err := m.IntoEncodable(context.Background(), mctx)
	require.NoError(t, err)

	p := New(cfg)
	assert.Equal(t, "smtp", p.Name())
	require.NoError(t, p.Send(context.Background(), em))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "from@example.com", msgs[0].From)
	assert.Equal(t, []string{"to@example.com"}, msgs[0].To)
}
