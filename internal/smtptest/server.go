// Package smtptest provides an in-process ESMTP server that captures every
// message it accepts. It supports STARTTLS and AUTH PLAIN/LOGIN, which is
// enough to exercise a real SMTP client end to end without a network
// dependency.
package smtptest

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/shineum/smtp-send-api/internal/parser"
)

// Config controls how the server behaves.
type Config struct {
	// Hostname is used in the greeting and EHLO responses.
	Hostname string

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// Username and Password enable AUTH. When both are set, MAIL is refused
	// until the client authenticates.
	Username string
	Password string

	// RejectRecipients lists addresses answered with 550 at RCPT.
	RejectRecipients []string
}

// Message is a message accepted by the server.
type Message struct {
	From string
	To   []string
	Raw  []byte

	// Parsed is the decoded message, nil if Raw was not valid MIME.
	Parsed *parser.Message

	// TLS reports whether the transaction ran over STARTTLS.
	TLS bool

	// User is the authenticated user, empty when AUTH was not used.
	User string
}

// Server is a capturing SMTP server listening on the loopback interface.
type Server struct {
	config   Config
	auth     *authenticator
	listener net.Listener
	cancel   context.CancelFunc

	// wg tracks in-flight session goroutines.
	wg sync.WaitGroup

	mu       sync.Mutex
	messages []Message
}

// NewServer starts a server on 127.0.0.1 with an ephemeral port. Callers
// must Close it.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		auth:     newAuthenticator(cfg.Username, cfg.Password),
		listener: ln,
		cancel:   cancel,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(ctx)
	}()

	return s, nil
}

func (s *Server) serve(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Debug("smtptest: accept error", "error", err)
				return
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(s, conn).handle(ctx)
		}()
	}
}

// Close stops accepting connections and waits for open sessions to end.
func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

// Addr returns the listener address as host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Host returns the listener IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Messages returns a copy of every message accepted so far.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Server) record(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *Server) rejects(addr string) bool {
	return slices.Contains(s.config.RejectRecipients, addr)
}
