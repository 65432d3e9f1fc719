package smtptest

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 10 * time.Second

// maxMessageSize is advertised with SIZE and enforced on DATA.
const maxMessageSize = 10 * 1024 * 1024

type session struct {
	srv    *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int

	tlsActive bool

	mailFrom   string
	mailParams string
	rcptTo     []string
}

func newSession(srv *Server, conn net.Conn, tlsActive bool) *session {
	return &session{
		srv:       srv,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		tlsActive: tlsActive,
	}
}

// handle runs the session until the client quits, disconnects or the server
// closes.
func (s *session) handle() {
	defer s.conn.Close()

	if r, ok := s.srv.rejection(OnGreeting); ok {
		s.reply(r)
		return
	}
	s.writeLine("220 %s ESMTP smtptest", s.srv.hostname)

	for {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("smtptest read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		s.srv.record(cmd, arg)
		if done := s.handleCommand(cmd, arg); done {
			return
		}
	}
}

func (s *session) handleCommand(cmd, arg string) bool {
	if r, ok := s.srv.rejection(cmd); ok && cmd != "QUIT" && cmd != OnData {
		s.reply(r)
		return false
	}

	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		return s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	s.state = stateGreeted
	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.srv.hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.srv.hostname, arg)
	if s.srv.opts.StartTLS && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.srv.auth.enabled() {
		s.writeLine("250-AUTH %s", strings.Join(s.srv.auth.mechanisms, " "))
	}
	if s.srv.opts.EightBitMIME {
		s.writeLine("250-8BITMIME")
	}
	if s.srv.opts.SMTPUTF8 {
		s.writeLine("250-SMTPUTF8")
	}
	s.writeLine("250-SIZE %d", maxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection. A failed handshake ends the session.
func (s *session) handleSTARTTLS() bool {
	if !s.srv.opts.StartTLS {
		s.writeLine("454 TLS not available")
		return false
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return false
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.srv.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Debug("smtptest TLS handshake failed", "error", err)
		return true
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	return false
}

func (s *session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.srv.auth.enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	mechanism := strings.ToUpper(parts[0])
	initial := ""
	if len(parts) > 1 {
		initial = strings.TrimSpace(parts[1])
	}

	if !s.srv.auth.offers(mechanism) {
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	switch mechanism {
	case "PLAIN":
		s.authPlain(initial)
	case "LOGIN":
		s.authLogin(initial)
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

func (s *session) authPlain(encoded string) {
	if encoded == "" {
		var ok bool
		if encoded, ok = s.challenge(""); !ok {
			return
		}
	}
	s.finishAuth(s.srv.auth.verifyPlain(encoded))
}

// authLogin accepts the username as an initial response, which is how most
// clients send it.
func (s *session) authLogin(encodedUser string) {
	if encodedUser == "" {
		var ok bool
		if encodedUser, ok = s.challenge("VXNlcm5hbWU6"); !ok {
			return
		}
	}
	encodedPass, ok := s.challenge("UGFzc3dvcmQ6")
	if !ok {
		return
	}
	s.finishAuth(s.srv.auth.verifyLogin(encodedUser, encodedPass))
}

// challenge sends a 334 continuation and reads the answer. It returns false
// if the client cancelled or the read failed.
func (s *session) challenge(text string) (string, bool) {
	if text == "" {
		s.writeLine("334 ")
	} else {
		s.writeLine("334 %s", text)
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", false
	}
	answer := strings.TrimRight(line, "\r\n")
	if answer == "*" {
		s.writeLine("501 Authentication cancelled")
		return "", false
	}
	return answer, true
}

func (s *session) finishAuth(err error) {
	if err != nil {
		s.writeLine("535 5.7.8 Authentication failed")
		return
	}
	s.state = stateAuthOK
	s.writeLine("235 2.7.0 Authentication successful")
}

func (s *session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.srv.auth.enabled() && s.state < stateAuthOK {
		s.writeLine("530 5.7.0 Authentication required")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr, params := extractAddress(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	if strings.Contains(strings.ToUpper(params), "SMTPUTF8") && !s.srv.opts.SMTPUTF8 {
		s.writeLine("555 5.5.4 SMTPUTF8 not supported")
		return
	}

	s.mailFrom = addr
	s.mailParams = params
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, _ := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the dot-terminated message. A scripted DATA rejection
// answers the final reply, after the content was received.
func (s *session) handleDATA() bool {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Debug("smtptest DATA read error", "error", err)
			return true
		}

		if strings.TrimRight(line, "\r\n") == "." {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		if data.Len()+len(line) > maxMessageSize {
			s.writeLine("552 Message size exceeds limit")
			s.resetTransaction()
			return false
		}
		data.WriteString(line)
	}

	if r, ok := s.srv.rejection(OnData); ok {
		s.reply(r)
		s.resetTransaction()
		return false
	}

	s.srv.deliver(Message{
		From:       s.mailFrom,
		MailParams: s.mailParams,
		To:         append([]string(nil), s.rcptTo...),
		Data:       []byte(data.String()),
	})
	s.writeLine("250 OK message queued")
	s.resetTransaction()
	return false
}

// resetTransaction clears the mail transaction without touching the
// greeting or authentication state.
func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.mailParams = ""
	s.rcptTo = nil

	if s.srv.auth.enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

func (s *session) reply(r Reply) {
	s.writeLine("%s", r.String())
}

func (s *session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		slog.Debug("smtptest write failed", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("smtptest flush failed", "error", err)
	}
}

// parseCommand splits an SMTP command line into the verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress splits "<addr> PARAMS" into the address and the
// remaining ESMTP parameters.
func extractAddress(s string) (string, string) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", ""
		}
		return s[1:end], strings.TrimSpace(s[end+1:])
	}

	addr, params, _ := strings.Cut(s, " ")
	return addr, strings.TrimSpace(params)
}
