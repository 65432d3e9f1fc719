package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/template-mailer/internal/mail"
	"github.com/shineum/template-mailer/internal/mailctx"
	"github.com/shineum/template-mailer/internal/parser"
	"github.com/shineum/template-mailer/internal/provider"
)

var _ provider.Provider = (*GraphProvider)(nil)

var testConfig = GraphProviderConfig{
	TenantID:     "test-tenant",
	ClientID:     "test-client",
	ClientSecret: "test-secret",
	Sender:       "sender@example.com",
}

// tokenServer issues numbered tokens and counts requests.
func tokenServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return expiringTokenServer(t, calls, 3600)
}

func expiringTokenServer(t *testing.T, calls *atomic.Int32, expiresIn int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "test-client", r.PostForm.Get("client_id"))
		assert.Equal(t, "test-secret", r.PostForm.Get("client_secret"))
		assert.Equal(t, graphScope, r.PostForm.Get("scope"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-" + string(rune('0'+n)),
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func encodable(t *testing.T, headers ...mail.Header) *mail.EncodableMail {
	t.Helper()
	mctx, err := mailctx.New("mail.example.com",
		mailctx.WithUniquePart("graph"),
		mailctx.WithBaseDir(t.TempDir()),
		mailctx.WithClock(func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }),
	)
	require.NoError(t, err)

	m := mail.New(mail.TextBody("Body"))
	if len(headers) == 0 {
		headers = []mail.Header{mail.From("sender@example.com"), mail.To("user@example.com"), mail.Subject("Test")}
	}
	require.NoError(t, m.InsertHeaders(headers...))
	em, err := m.IntoEncodable(context.Background(), mctx)
	require.NoError(t, err)
	return em
}

func TestGraphProvider_Name(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "msgraph", New(testConfig).Name())
}

func TestGraphProvider_SendSuccess(t *testing.T) {
	t.Parallel()

	var tokens atomic.Int32
	ts := tokenServer(t, &tokens)

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		raw, err := base64.StdEncoding.DecodeString(string(body))
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		msg, err := parser.Parse(raw)
		if assert.NoError(t, err) {
			assert.Equal(t, "Test", msg.Subject)
			assert.Equal(t, "Body", msg.TextBody)
			assert.Equal(t, []string{"user@example.com"}, msg.To)
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newWithOverrides(testConfig, graphServer.URL, ts.URL, graphServer.Client())

	require.NoError(t, p.Send(context.Background(), encodable(t)))
	require.NoError(t, p.Send(context.Background(), encodable(t)))
	assert.Equal(t, int32(1), tokens.Load(), "token should be cached")
}

func TestGraphProvider_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		body       string
		transient  bool
		wantSubstr string
	}{
		{"bad request", http.StatusBadRequest, `{"error":{"code":"ErrorInvalidRecipients","message":"Invalid recipients"}}`, false, "Invalid recipients"},
		{"forbidden", http.StatusForbidden, `{"error":{"code":"ErrorAccessDenied","message":"Access is denied"}}`, false, "Access is denied"},
		{"not found", http.StatusNotFound, `not json`, false, "not json"},
		{"rate limited", http.StatusTooManyRequests, `{}`, true, "HTTP 429"},
		{"server error", http.StatusServiceUnavailable, `{"error":{"message":"try later"}}`, true, "try later"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var tokens atomic.Int32
			ts := tokenServer(t, &tokens)

			var calls atomic.Int32
			graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer graphServer.Close()

			p := newWithOverrides(testConfig, graphServer.URL, ts.URL, graphServer.Client())
			err := p.Send(context.Background(), encodable(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantSubstr)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, "7", RetryAfter(err))
			assert.Equal(t, int32(1), calls.Load(), "provider must not retry")
		})
	}
}

func TestGraphProvider_UnauthorizedDropsToken(t *testing.T) {
	t.Parallel()

	var tokens atomic.Int32
	ts := tokenServer(t, &tokens)

	var calls atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer token-2", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newWithOverrides(testConfig, graphServer.URL, ts.URL, graphServer.Client())

	err := p.Send(context.Background(), encodable(t))
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	require.NoError(t, p.Send(context.Background(), encodable(t)))
	assert.Equal(t, int32(2), tokens.Load())
}

func TestGraphProvider_TokenFailure(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	var calls atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer graphServer.Close()

	p := newWithOverrides(testConfig, graphServer.URL, ts.URL, graphServer.Client())
	err := p.Send(context.Background(), encodable(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get access token")
	assert.Zero(t, calls.Load())
}

func TestGraphProvider_BccRejected(t *testing.T) {
	t.Parallel()

	p := New(testConfig)
	err := p.Send(context.Background(), encodable(t,
		mail.From("sender@example.com"),
		mail.To("user@example.com"),
		mail.Bcc("hidden@example.com"),
	))
	require.ErrorIs(t, err, ErrBccUnsupported)
}

func TestGraphProvider_ContextCancellation(t *testing.T) {
	t.Parallel()

	var tokens atomic.Int32
	ts := tokenServer(t, &tokens)

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer graphServer.Close()

	p := newWithOverrides(testConfig, graphServer.URL, ts.URL, graphServer.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := p.Send(ctx, encodable(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsTransient(err))
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		err := classifyError(tt.status, "msg", "")
		assert.Equal(t, tt.transient, err.transient, "status %d", tt.status)
	}
}

func TestIsTransient_OtherErrors(t *testing.T) {
	t.Parallel()
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("boom")))
	assert.Empty(t, RetryAfter(errors.New("boom")))
}

func TestSendError_Error(t *testing.T) {
	t.Parallel()
	err := &sendError{message: "Invalid recipients", statusCode: 400}
	assert.Equal(t, "Graph API error (HTTP 400): Invalid recipients", err.Error())
}
