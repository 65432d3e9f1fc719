// Package smtptest runs an in-process SMTP submission server for tests. It
// speaks implicit TLS or STARTTLS, checks AUTH PLAIN and LOGIN, records every
// command and accepted message, and can be scripted to reject any stage.
package smtptest

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	mailtls "github.com/shineum/template-mailer/internal/tls"
)

// shutdownTimeout bounds how long Close waits for open sessions.
const shutdownTimeout = 5 * time.Second

// Rejection keys. Command verbs (EHLO, STARTTLS, AUTH, MAIL, RCPT) reject
// the command itself.
const (
	// OnGreeting replaces the 220 greeting and closes the connection.
	OnGreeting = "GREETING"
	// OnData rejects the message after its content was received.
	OnData = "DATA"
)

// Reply is a scripted server response.
type Reply struct {
	Code     int
	Enhanced string
	Text     string
}

func (r Reply) String() string {
	if r.Enhanced != "" {
		return fmt.Sprintf("%d %s %s", r.Code, r.Enhanced, r.Text)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Text)
}

// Options configures a Server.
type Options struct {
	// Hostname is announced in the greeting. Defaults to "localhost".
	Hostname string

	// Username and Password enable AUTH. Both empty disables it.
	Username string
	Password string
	// Mechanisms advertised with AUTH. Defaults to PLAIN and LOGIN.
	Mechanisms []string

	// ImplicitTLS wraps every connection in TLS before the greeting.
	ImplicitTLS bool
	// StartTLS advertises STARTTLS on plaintext connections.
	StartTLS bool

	EightBitMIME bool
	SMTPUTF8     bool

	// Reject maps a command verb, OnGreeting or OnData to a reply.
	Reject map[string]Reply
}

// Message is an accepted mail transaction.
type Message struct {
	From       string
	MailParams string
	To         []string
	Data       []byte
}

// Command is a received command line. AUTH arguments are reduced to the
// mechanism name.
type Command struct {
	Verb string
	Arg  string
}

// Server is a running test server. It is safe for concurrent use.
type Server struct {
	opts      Options
	hostname  string
	auth      *authenticator
	cert      *tls.Certificate
	tlsConfig *tls.Config
	listener  net.Listener

	mu       sync.Mutex
	commands []Command
	messages []Message

	wg sync.WaitGroup
}

// Start listens on a random loopback port and serves until Close.
func Start(opts Options) (*Server, error) {
	cert, err := mailtls.GenerateSelfSignedCert("localhost", "127.0.0.1")
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:     opts,
		hostname: opts.Hostname,
		auth:     newAuthenticator(opts.Username, opts.Password, opts.Mechanisms),
		cert:     cert,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{*cert},
			MinVersion:   tls.VersionTLS12,
		},
	}
	if s.hostname == "" {
		s.hostname = "localhost"
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	if opts.ImplicitTLS {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.listener = ln

	go s.serve()
	return s, nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Debug("smtptest accept error", "error", err)
			}
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(s, conn, s.opts.ImplicitTLS).handle()
		}()
	}
}

// Close stops accepting connections and waits briefly for open sessions.
func (s *Server) Close() error {
	err := s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("smtptest shutdown timeout reached")
	}
	return err
}

// Addr returns the listener address as host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Host returns the listening IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, p, _ := net.SplitHostPort(s.Addr())
	port, _ := strconv.Atoi(p)
	return port
}

// RootCAs returns a pool that trusts the server certificate.
func (s *Server) RootCAs() *x509.CertPool {
	return mailtls.CertPool(s.cert)
}

// ClientTLS returns a client configuration that verifies the server.
func (s *Server) ClientTLS() *tls.Config {
	return &tls.Config{RootCAs: s.RootCAs(), ServerName: s.Host(), MinVersion: tls.VersionTLS12}
}

// Commands returns the commands received so far, across all sessions.
func (s *Server) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

// Verbs returns only the command verbs, in order.
func (s *Server) Verbs() []string {
	cmds := s.Commands()
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.Verb
	}
	return out
}

// Messages returns the accepted messages.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

func (s *Server) record(verb, arg string) {
	if verb == "AUTH" {
		arg, _, _ = strings.Cut(arg, " ")
	}
	s.mu.Lock()
	s.commands = append(s.commands, Command{Verb: verb, Arg: arg})
	s.mu.Unlock()
}

func (s *Server) deliver(m Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
}

func (s *Server) rejection(key string) (Reply, bool) {
	r, ok := s.opts.Reject[key]
	return r, ok
}
