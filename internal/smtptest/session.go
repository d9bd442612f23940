package smtptest

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shineum/smtp-send-api/internal/parser"
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
const idleTimeout = 60 * time.Second

// maxMessageSize is advertised in the EHLO SIZE extension.
const maxMessageSize = 50 * 1024 * 1024

type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int

	tlsActive bool
	user      string

	// Current transaction
	mailFrom string
	rcptTo   []string
}

func newSession(server *Server, conn net.Conn) *session {
	return &session{
		server: server,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
	}
}

// handle runs the session until the client quits, the connection fails or
// the server shuts down.
func (s *session) handle(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		s.conn.Close()
	})
	defer stop()
	defer func() { s.conn.Close() }()

	s.writeLine("220 %s ESMTP smtptest", s.server.config.Hostname)

	for {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("smtptest: connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *session) handleCommand(cmd, arg string) bool {
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
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	hostname := s.server.config.Hostname
	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", hostname, arg)
	if s.server.config.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.server.auth.enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250-SIZE %d", maxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection. A failed handshake ends the session.
func (s *session) handleSTARTTLS() bool {
	tlsConfig := s.server.config.TLSConfig
	if tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return false
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return false
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Debug("smtptest: TLS handshake failed", "error", err)
		return true
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.user = ""
	s.state = stateConnected
	return false
}

func (s *session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.server.auth.enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.user != "" {
		s.writeLine("503 Already authenticated")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	switch strings.ToUpper(parts[0]) {
	case "PLAIN":
		s.handleAuthPlain(parts)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

func (s *session) handleAuthPlain(parts []string) {
	var encoded string
	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		s.writeLine("334 ")
		line, ok := s.readAuthLine()
		if !ok {
			return
		}
		encoded = line
	}

	user, err := s.server.auth.verifyPlain(encoded)
	if err != nil {
		s.writeLine("535 5.7.8 Authentication credentials invalid")
		return
	}
	s.authenticated(user)
}

func (s *session) handleAuthLogin() {
	s.writeLine("334 VXNlcm5hbWU6")
	encodedUser, ok := s.readAuthLine()
	if !ok {
		return
	}

	s.writeLine("334 UGFzc3dvcmQ6")
	encodedPass, ok := s.readAuthLine()
	if !ok {
		return
	}

	user, err := s.server.auth.verifyLogin(encodedUser, encodedPass)
	if err != nil {
		s.writeLine("535 5.7.8 Authentication credentials invalid")
		return
	}
	s.authenticated(user)
}

// readAuthLine reads one AUTH continuation line. A "*" answer cancels the exchange.
func (s *session) readAuthLine() (string, bool) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", false
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		s.writeLine("501 Authentication cancelled")
		return "", false
	}
	return line, true
}

func (s *session) authenticated(user string) {
	s.user = user
	s.state = stateAuthOK
	s.writeLine("235 2.7.0 Authentication successful")
}

func (s *session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.server.auth.enabled() && s.user == "" {
		s.writeLine("530 5.7.0 Authentication required")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr := extractAddress(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
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

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	if s.server.rejects(addr) {
		s.writeLine("550 5.1.1 <%s>: Recipient address rejected", addr)
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message up to the lone-dot terminator and records it.
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
			slog.Debug("smtptest: error reading DATA", "error", err)
			return true
		}

		if strings.TrimRight(line, "\r\n") == "." {
			break
		}

		// Dot-stuffing: a leading dot was doubled by the client.
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		data.WriteString(line)
	}

	raw := []byte(data.String())
	msg := Message{
		From: s.mailFrom,
		To:   append([]string(nil), s.rcptTo...),
		Raw:  raw,
		TLS:  s.tlsActive,
		User: s.user,
	}
	if parsed, err := parser.Parse(raw); err == nil {
		msg.Parsed = parsed
	}
	s.server.record(msg)

	s.writeLine("250 OK message accepted")
	s.resetTransaction()
	return false
}

// resetTransaction clears the mail transaction without touching the
// greeting or authentication state.
func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.user != "":
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

func (s *session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		return
	}
	_ = s.writer.Flush()
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats. ESMTP parameters after
// the address are ignored.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	addr, _, _ := strings.Cut(s, " ")
	return addr
}
