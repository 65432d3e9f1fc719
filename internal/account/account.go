// Package account acquires the SMTP identity used for delivery, either from
// configuration or from a disposable test-account endpoint.
package account

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/shineum/template-mailer/internal/logging"
	"github.com/shineum/template-mailer/internal/smtp"
)

// DefaultTestAccountURL creates a disposable Ethereal account.
const DefaultTestAccountURL = "https://api.nodemailer.com/user"

var (
	ErrAccount   = errors.New("account acquisition failed")
	ErrNoSMTP    = errors.New("account has no smtp settings")
	ErrNoAccount = errors.New("account has no username")
)

// Account is a login for the submission server.
type Account struct {
	Username string
	Password string
}

// LogValue keeps the password out of logs.
func (a Account) LogValue() slog.Value {
	return slog.GroupValue(slog.String("username", logging.RedactEmail(a.Username)))
}

func (a Account) String() string {
	return fmt.Sprintf("Account{Username: %s, Password: ***}", a.Username)
}

// SMTPHints describe where the account can submit mail.
type SMTPHints struct {
	Host           string
	Port           int
	UseTLSDirectly bool
}

// Info is the result of an acquisition. SMTP is nil when the source does not
// know the server.
type Info struct {
	Account Account
	SMTP    *SMTPHints
}

// Source yields account information.
type Source interface {
	Fetch(ctx context.Context) (*Info, error)
}

// Static returns fixed account information.
type Static Info

func (s Static) Fetch(ctx context.Context) (*Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Account.Username == "" {
		return nil, fmt.Errorf("%w: %w", ErrAccount, ErrNoAccount)
	}
	info := Info(s)
	if s.SMTP != nil {
		hints := *s.SMTP
		info.SMTP = &hints
	}
	return &info, nil
}

// HTTPSource requests a test account from a nodemailer compatible API.
type HTTPSource struct {
	url       string
	requestor string
	client    *http.Client
}

// NewHTTPSource creates a source for url. A nil client gets a 30s timeout.
func NewHTTPSource(url, requestor string, client *http.Client) *HTTPSource {
	if url == "" {
		url = DefaultTestAccountURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{url: url, requestor: requestor, client: client}
}

type accountRequest struct {
	Requestor string `json:"requestor"`
	Version   string `json:"version"`
}

type accountResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	User   string `json:"user"`
	Pass   string `json:"pass"`
	SMTP   *struct {
		Host   string `json:"host"`
		Port   int    `json:"port"`
		Secure bool   `json:"secure"`
	} `json:"smtp"`
}

func (s *HTTPSource) Fetch(ctx context.Context) (*Info, error) {
	body, err := json.Marshal(accountRequest{Requestor: s.requestor, Version: "1"})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAccount, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAccount, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAccount, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrAccount, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrAccount, resp.StatusCode, string(raw))
	}

	var ar accountResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrAccount, err)
	}
	if ar.Status != "" && ar.Status != "success" {
		return nil, fmt.Errorf("%w: %s: %s", ErrAccount, ar.Status, ar.Error)
	}
	if ar.User == "" {
		return nil, fmt.Errorf("%w: %w", ErrAccount, ErrNoAccount)
	}

	info := &Info{Account: Account{Username: ar.User, Password: ar.Pass}}
	if ar.SMTP != nil && ar.SMTP.Host != "" {
		info.SMTP = &SMTPHints{Host: ar.SMTP.Host, Port: ar.SMTP.Port, UseTLSDirectly: ar.SMTP.Secure}
	}

	slog.Info("test account acquired", "account", info.Account)
	return info, nil
}

// ConfigBuilder maps info onto an smtp builder with PLAIN authentication.
// The caller may still adjust the builder before Build.
func ConfigBuilder(info *Info, base *tls.Config) (*smtp.ConfigBuilder, error) {
	if info == nil || info.SMTP == nil {
		return nil, fmt.Errorf("%w: %w", ErrAccount, ErrNoSMTP)
	}

	b := smtp.NewConfigBuilderWithPort(info.SMTP.Host, info.SMTP.Port)
	if info.SMTP.UseTLSDirectly {
		b.UseDirectTLS()
	} else {
		b.UseStartTLS()
	}
	b.Auth(smtp.Plain(info.Account.Username, info.Account.Password))
	if base != nil {
		b.TLSConfig(base)
	}
	return b, nil
}

// Address returns host:port of the hints.
func (h SMTPHints) Address() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}
