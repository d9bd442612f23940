// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"github.com/shineum/smtp-send-api/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider transmits an assembled message to its target service
// (an SMTP relay, AWS SES, Microsoft Graph or stdout) in a single attempt.
type Provider interface {
	// Send delivers msg. A failed delivery is reported as an
	// *email.DispatchError.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this provider.
	Name() string
}
