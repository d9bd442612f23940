// Package stdout implements a Provider that prints emails instead of
// delivering them. It is meant for local development and dry runs.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/smtp-send-api/internal/email"
)

const separator = "========================================\n"

// Provider prints email messages in a human-readable format.
type Provider struct {
	mu     sync.Mutex
	writer io.Writer

	// raw also prints the complete MIME message.
	raw bool
}

// New creates a new stdout Provider that writes to os.Stdout.
func New(raw bool) *Provider {
	return NewWithWriter(os.Stdout, raw)
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer, raw bool) *Provider {
	return &Provider{writer: w, raw: raw}
}

// Send prints a summary of msg and, when enabled, the raw message.
func (p *Provider) Send(_ context.Context, msg *email.Message) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "Message-ID: %s\n", msg.ID)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.Recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	if msg.HTML {
		b.WriteString("Body: html\n")
	} else {
		b.WriteString("Body: text\n")
	}
	if msg.AttachmentCount > 0 {
		fmt.Fprintf(&b, "Attachments: %d\n", msg.AttachmentCount)
	}
	fmt.Fprintf(&b, "Size: %s\n", formatSize(len(msg.Raw)))

	if p.raw {
		b.WriteString("----------------------------------------\n")
		b.WriteString(strings.ReplaceAll(string(msg.Raw), "\r\n", "\n"))
		if !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString(separator)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return email.NewDispatchError(email.ReasonUnknown, 0, "failed to write message", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
