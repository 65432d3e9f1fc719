// Package smtp delivers encodable mails to a remote server over an encrypted
// SMTP session.
package smtp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"golang.org/x/net/idna"
)

const (
	// DefaultDirectTLSPort is the implicit TLS submission port (RFC 8314).
	DefaultDirectTLSPort = 465
	// DefaultStartTLSPort is the submission port upgraded with STARTTLS.
	DefaultStartTLSPort = 587

	defaultTimeout    = 30 * time.Second
	defaultClientName = "localhost"
)

var (
	// ErrConfig matches every configuration error returned by Build.
	ErrConfig = errors.New("invalid smtp configuration")

	ErrInvalidHost    = errors.New("invalid host")
	ErrInvalidPort    = errors.New("invalid port")
	ErrNoSecurityMode = errors.New("no transport security mode selected")
	ErrNoAuth         = errors.New("no authentication configured")
)

// SecurityMode selects how the connection is encrypted. There is no
// plaintext mode.
type SecurityMode int

const (
	securityUnset SecurityMode = iota
	// DirectTLS wraps the connection in TLS before the greeting.
	DirectTLS
	// StartTLS upgrades a plaintext connection with the STARTTLS command.
	StartTLS
)

func (m SecurityMode) String() string {
	switch m {
	case DirectTLS:
		return "direct-tls"
	case StartTLS:
		return "starttls"
	default:
		return "unset"
	}
}

// ParseSecurityMode accepts "tls", "direct-tls", "ssl", "starttls".
func ParseSecurityMode(s string) (SecurityMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tls", "direct-tls", "direct", "ssl", "implicit":
		return DirectTLS, nil
	case "starttls", "start-tls":
		return StartTLS, nil
	default:
		return securityUnset, fmt.Errorf("%w: %w: unknown security mode %q", ErrConfig, ErrNoSecurityMode, s)
	}
}

// Credentials authenticate the session with a SASL mechanism.
type Credentials interface {
	Mechanism() string
	Username() string
	client() sasl.Client
}

type plainCredentials struct{ username, password string }

// Plain returns credentials for AUTH PLAIN.
func Plain(username, password string) Credentials {
	return plainCredentials{username: username, password: password}
}

func (c plainCredentials) Mechanism() string { return sasl.Plain }
func (c plainCredentials) Username() string  { return c.username }
func (c plainCredentials) client() sasl.Client {
	return sasl.NewPlainClient("", c.username, c.password)
}

type loginCredentials struct{ username, password string }

// Login returns credentials for AUTH LOGIN, for servers without PLAIN.
func Login(username, password string) Credentials {
	return loginCredentials{username: username, password: password}
}

func (c loginCredentials) Mechanism() string { return sasl.Login }
func (c loginCredentials) Username() string  { return c.username }
func (c loginCredentials) client() sasl.Client {
	return sasl.NewLoginClient(c.username, c.password)
}

// ConnectionConfig is an immutable delivery configuration. Copies are cheap
// and may be used concurrently for independent sends.
type ConnectionConfig struct {
	host       string
	port       int
	security   SecurityMode
	creds      Credentials
	tlsConfig  *tls.Config
	clientName string
	timeout    time.Duration
}

func (c ConnectionConfig) Host() string           { return c.host }
func (c ConnectionConfig) Port() int              { return c.port }
func (c ConnectionConfig) Security() SecurityMode { return c.security }
func (c ConnectionConfig) ClientName() string     { return c.clientName }
func (c ConnectionConfig) Timeout() time.Duration { return c.timeout }

// Address returns host:port.
func (c ConnectionConfig) Address() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// TLS returns a copy of the TLS configuration used for the handshake.
func (c ConnectionConfig) TLS() *tls.Config {
	return c.tlsConfig.Clone()
}

// ConfigBuilder assembles a ConnectionConfig. Errors from host parsing are
// kept and reported by Build.
type ConfigBuilder struct {
	host       string
	port       int
	err        error
	security   SecurityMode
	creds      Credentials
	tlsConfig  *tls.Config
	clientName string
	timeout    time.Duration
}

// NewConfigBuilder starts a builder for host, which may carry a ":port" suffix.
// Without one the port defaults by security mode.
func NewConfigBuilder(host string) *ConfigBuilder {
	if h, p, err := net.SplitHostPort(host); err == nil {
		port, perr := strconv.Atoi(p)
		b := NewConfigBuilderWithPort(h, port)
		if perr != nil && b.err == nil {
			b.err = fmt.Errorf("%w: %q", ErrInvalidPort, p)
		}
		return b
	}
	return NewConfigBuilderWithPort(host, 0)
}

// NewConfigBuilderWithPort starts a builder for host and port. Port 0 selects
// the default for the security mode.
func NewConfigBuilderWithPort(host string, port int) *ConfigBuilder {
	b := &ConfigBuilder{port: port}

	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	switch {
	case host == "":
		b.err = fmt.Errorf("%w: empty host", ErrInvalidHost)
	case net.ParseIP(host) != nil:
		b.host = host
	default:
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			b.err = fmt.Errorf("%w: %q: %v", ErrInvalidHost, host, err)
		}
		b.host = ascii
	}

	if b.err == nil && (port < 0 || port > 65535) {
		b.err = fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return b
}

// UseDirectTLS selects implicit TLS. The last security call wins.
func (b *ConfigBuilder) UseDirectTLS() *ConfigBuilder {
	b.security = DirectTLS
	return b
}

// UseStartTLS selects STARTTLS. The last security call wins.
func (b *ConfigBuilder) UseStartTLS() *ConfigBuilder {
	b.security = StartTLS
	return b
}

// Security selects a mode parsed from configuration.
func (b *ConfigBuilder) Security(m SecurityMode) *ConfigBuilder {
	b.security = m
	return b
}

func (b *ConfigBuilder) Auth(c Credentials) *ConfigBuilder {
	b.creds = c
	return b
}

// TLSConfig sets the base TLS configuration. ServerName defaults to the host.
func (b *ConfigBuilder) TLSConfig(cfg *tls.Config) *ConfigBuilder {
	b.tlsConfig = cfg
	return b
}

// ClientName sets the name sent with EHLO.
func (b *ConfigBuilder) ClientName(name string) *ConfigBuilder {
	b.clientName = name
	return b
}

// Timeout bounds connecting and each command round-trip.
func (b *ConfigBuilder) Timeout(d time.Duration) *ConfigBuilder {
	b.timeout = d
	return b
}

// Build validates the builder and returns the configuration.
func (b *ConfigBuilder) Build() (ConnectionConfig, error) {
	if b.err != nil {
		return ConnectionConfig{}, fmt.Errorf("%w: %w", ErrConfig, b.err)
	}
	if b.security == securityUnset {
		return ConnectionConfig{}, fmt.Errorf("%w: %w", ErrConfig, ErrNoSecurityMode)
	}
	if b.creds == nil {
		return ConnectionConfig{}, fmt.Errorf("%w: %w", ErrConfig, ErrNoAuth)
	}

	cfg := ConnectionConfig{
		host:       b.host,
		port:       b.port,
		security:   b.security,
		creds:      b.creds,
		clientName: b.clientName,
		timeout:    b.timeout,
	}

	if cfg.port == 0 {
		if cfg.security == DirectTLS {
			cfg.port = DefaultDirectTLSPort
		} else {
			cfg.port = DefaultStartTLSPort
		}
	}
	if cfg.clientName == "" {
		cfg.clientName = defaultClientName
	}
	if cfg.timeout <= 0 {
		cfg.timeout = defaultTimeout
	}

	if b.tlsConfig != nil {
		cfg.tlsConfig = b.tlsConfig.Clone()
	} else {
		cfg.tlsConfig = &tls.Config{}
	}
	if cfg.tlsConfig.ServerName == "" {
		cfg.tlsConfig.ServerName = cfg.host
	}
	if cfg.tlsConfig.MinVersion == 0 {
		cfg.tlsConfig.MinVersion = tls.VersionTLS12
	}

	return cfg, nil
}
