// Package dispatch turns a validated request into a delivered message:
// sender resolution, MIME assembly and a single provider attempt.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shineum/smtp-send-api/internal/email"
	"github.com/shineum/smtp-send-api/internal/metrics"
	"github.com/shineum/smtp-send-api/internal/provider"
)

// Receipt describes an accepted message.
type Receipt struct {
	MessageID string
	To        string
	Subject   string
	Provider  string
}

// Dispatcher sends requests through one provider. It is safe for concurrent
// use.
type Dispatcher struct {
	sender   email.Sender
	provider provider.Provider
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// New creates a Dispatcher. sender holds the configured defaults for the
// From header; m may be nil.
func New(sender email.Sender, prov provider.Provider, m *metrics.Metrics, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:   sender,
		provider: prov,
		metrics:  m,
		log:      log.With("component", "dispatch"),
	}
}

// Provider returns the name of the provider messages go through.
func (d *Dispatcher) Provider() string {
	return d.provider.Name()
}

// Dispatch sends req. It returns a *email.ValidationError when no usable
// sender can be resolved and a *email.DispatchError for every delivery
// failure. Nothing is retried.
func (d *Dispatcher) Dispatch(ctx context.Context, req *email.Request) (*Receipt, error) {
	sender, err := email.ResolveSender(req, d.sender)
	if err != nil {
		return nil, err
	}

	msg, err := email.Build(req, sender)
	if err != nil {
		return nil, err
	}

	name := d.provider.Name()
	start := time.Now()
	err = d.provider.Send(ctx, msg)
	elapsed := time.Since(start)

	if err != nil {
		var dErr *email.DispatchError
		if !errors.As(err, &dErr) {
			dErr = email.NewDispatchError(email.ReasonUnknown, 0, "failed to send email", err)
		}
		d.metrics.ObserveFailure(name, string(dErr.Reason), elapsed)
		d.log.ErrorContext(ctx, "email delivery failed",
			"provider", name,
			"to", msg.To,
			"attachments", msg.AttachmentCount,
			"reason", dErr.Reason,
			"code", dErr.Code,
			"duration", elapsed,
			"error", dErr.Error(),
		)
		return nil, dErr
	}

	d.metrics.ObserveSent(name, elapsed)
	d.log.InfoContext(ctx, "email sent",
		"provider", name,
		"message_id", msg.ID,
		"to", msg.To,
		"attachments", msg.AttachmentCount,
		"size", len(msg.Raw),
		"duration", elapsed,
	)

	return &Receipt{
		MessageID: msg.ID,
		To:        msg.To,
		Subject:   msg.Subject,
		Provider:  name,
	}, nil
}
