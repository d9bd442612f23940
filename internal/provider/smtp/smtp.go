// Package smtp implements a Provider that relays messages to an SMTP server
// with one synchronous handshake per message.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	netsmtp "net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/shineum/smtp-send-api/internal/email"
)

// DefaultTimeout bounds a whole SMTP exchange when none is configured.
const DefaultTimeout = 30 * time.Second

// Config holds the settings for an SMTP relay.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// LocalName is sent in EHLO. Defaults to "localhost".
	LocalName string

	// Timeout bounds dialing and the whole exchange after it.
	Timeout time.Duration

	// RequireTLS fails the send when the server does not offer STARTTLS.
	RequireTLS bool

	// TLSConfig is used for STARTTLS. If nil, the system roots and Host
	// are used for verification.
	TLSConfig *tls.Config
}

// Provider sends messages through an SMTP relay.
type Provider struct {
	config Config
	addr   string
	dialer *net.Dialer
}

// New creates an SMTP Provider.
func New(cfg Config) *Provider {
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}

	return &Provider{
		config: cfg,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		dialer: &net.Dialer{Timeout: cfg.Timeout},
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// Send performs EHLO, STARTTLS when offered, AUTH, MAIL, RCPT, DATA and
// QUIT. The connection is closed on every path.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return email.NewDispatchError(email.ReasonConnection, 0, "failed to connect to "+p.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(p.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return email.NewDispatchError(email.ReasonConnection, 0, "failed to set connection deadline", err)
	}

	// Unblock any pending read or write if ctx ends mid-exchange.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	c, err := netsmtp.NewClient(conn, p.config.Host)
	if err != nil {
		return connectionError("failed to read greeting", err)
	}
	defer c.Close()

	if err := c.Hello(p.config.LocalName); err != nil {
		return connectionError("EHLO failed", err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(p.config.TLSConfig); err != nil {
			return email.NewDispatchError(email.ReasonTLS, replyCode(err), "STARTTLS failed", err)
		}
	} else if p.config.RequireTLS {
		return email.NewDispatchError(email.ReasonTLS, 0, "server does not offer STARTTLS", nil)
	}

	if p.config.Username != "" {
		auth := netsmtp.PlainAuth("", p.config.Username, p.config.Password, p.config.Host)
		if err := c.Auth(auth); err != nil {
			if isNetworkError(err) {
				return connectionError("connection lost during AUTH", err)
			}
			return email.NewDispatchError(email.ReasonAuth, replyCode(err), "authentication failed", err)
		}
	}

	if err := c.Mail(msg.EnvelopeFrom); err != nil {
		return rejectedError("MAIL FROM rejected", err)
	}
	for _, rcpt := range msg.Recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return rejectedError("RCPT TO rejected for "+rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return rejectedError("DATA rejected", err)
	}
	if _, err := w.Write(msg.Raw); err != nil {
		return connectionError("failed to write message", err)
	}
	if err := w.Close(); err != nil {
		return rejectedError("message rejected", err)
	}

	// The message is accepted once DATA completes; a failed QUIT does not undo it.
	if err := c.Quit(); err != nil {
		slog.Debug("SMTP QUIT failed after delivery", "addr", p.addr, "error", err)
	}

	return nil
}

func connectionError(message string, err error) *email.DispatchError {
	return email.NewDispatchError(email.ReasonConnection, replyCode(err), message, err)
}

// rejectedError maps a protocol reply to MESSAGE_REJECTED and anything
// below the protocol to CONNECTION_FAILED.
func rejectedError(message string, err error) *email.DispatchError {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return email.NewDispatchError(email.ReasonRejected, tpErr.Code, message, err)
	}
	return connectionError(message, err)
}

func replyCode(err error) int {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code
	}
	return 0
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// String describes the relay without credentials.
func (p *Provider) String() string {
	return fmt.Sprintf("smtp://%s", p.addr)
}
