// Package graph implements a Provider that sends mail via the Microsoft Graph API.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shineum/template-mailer/internal/logging"
	"github.com/shineum/template-mailer/internal/mail"
)

// ErrBccUnsupported is returned for mail with Bcc recipients. Graph derives
// recipients from the MIME headers, where Bcc is never written.
var ErrBccUnsupported = errors.New("graph: Bcc recipients cannot be sent as MIME")

// GraphProviderConfig holds the configuration for creating a GraphProvider.
type GraphProviderConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

// GraphProvider sends MIME messages via the Microsoft Graph sendMail
// endpoint using OAuth2 client credentials authentication.
type GraphProvider struct {
	sender     string
	graphURL   string
	httpClient *http.Client
	token      *tokenCache
}

// New creates a new GraphProvider with the given configuration.
func New(cfg GraphProviderConfig) *GraphProvider {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	graphURL := fmt.Sprintf(
		"https://graph.microsoft.com/v1.0/users/%s/sendMail",
		url.PathEscape(cfg.Sender),
	)
	return newWithOverrides(cfg, graphURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

// newWithOverrides creates a GraphProvider with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg GraphProviderConfig, graphURL, tokenURL string, client *http.Client) *GraphProvider {
	return &GraphProvider{
		sender:     cfg.Sender,
		graphURL:   graphURL,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
	}
}

// Send delivers em in a single request. A 401 drops the cached token so
// that a retry by the caller authenticates again. Use IsTransient to decide
// whether a failure is worth retrying.
func (g *GraphProvider) Send(ctx context.Context, em *mail.EncodableMail) error {
	if em.HasBcc() {
		return ErrBccUnsupported
	}
	from, rcpts, err := em.Envelope()
	if err != nil {
		return fmt.Errorf("failed to build envelope: %w", err)
	}

	mt := mail.MailTypeASCII
	if em.RequiresSMTPUTF8() {
		mt = mail.MailTypeInternationalized
	}
	raw, err := em.Encode(mt)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	err = g.doSendRequest(ctx, raw)
	var se *sendError
	if errors.As(err, &se) && se.statusCode == http.StatusUnauthorized {
		slog.Info("dropping Graph API token after 401")
		g.token.Invalidate()
	}
	if err != nil {
		return err
	}

	slog.Info("mail delivered",
		"provider", g.Name(),
		"from", logging.RedactEmail(from),
		"recipients", logging.RedactEmails(rcpts),
		"message_id", em.MessageID(),
	)
	return nil
}

// Name returns the provider name.
func (g *GraphProvider) Name() string {
	return "msgraph"
}

// doSendRequest performs a single HTTP request to the Graph API sendMail
// endpoint. The MIME message is sent base64 encoded as text/plain.
func (g *GraphProvider) doSendRequest(ctx context.Context, raw []byte) error {
	token, err := g.token.Token()
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	body := base64.StdEncoding.EncodeToString(raw)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphURL, bytes.NewReader([]byte(body)))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var graphErrResp graphErrorResponse
	if jsonErr := json.Unmarshal(respBody, &graphErrResp); jsonErr == nil && graphErrResp.Error.Message != "" {
		return classifyError(resp.StatusCode, graphErrResp.Error.Message, resp.Header.Get("Retry-After"))
	}

	return classifyError(resp.StatusCode, string(respBody), resp.Header.Get("Retry-After"))
}

// sendError represents an error from the Graph API send operation with
// classification for retry logic.
type sendError struct {
	message    string
	statusCode int
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusUnauthorized:
		err.transient = true
	case statusCode == http.StatusTooManyRequests:
		err.transient = true
	case statusCode >= 500:
		err.transient = true
	}

	return err
}

// IsTransient reports whether err is a Graph failure that may succeed when
// retried: transport errors, 401, 429 and 5xx.
func IsTransient(err error) bool {
	var se *sendError
	return errors.As(err, &se) && se.transient
}

// RetryAfter returns the server's Retry-After hint, if any.
func RetryAfter(err error) string {
	var se *sendError
	if errors.As(err, &se) {
		return se.retryAfter
	}
	return ""
}
