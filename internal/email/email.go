// Package email defines the send request model, the assembled MIME message
// and the error types shared by the validator, the dispatcher and providers.
package email

import (
	"net/mail"
)

// DefaultContentType is used for attachments that do not declare a MIME type.
const DefaultContentType = "application/octet-stream"

// Request is a validated send request. It is built for a single HTTP call
// and discarded afterwards.
type Request struct {
	To      string
	Subject string
	Body    string
	HTML    bool

	// FromName is nil when the request gives no name. An empty name clears
	// the configured default and leaves a bare address.
	FromName    *string
	FromEmail   string
	Attachments []Attachment
}

// Attachment represents a file attached to a request. Content holds the
// decoded bytes.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Sender is a display name and address pair used for the From header and
// the envelope sender.
type Sender struct {
	Name  string
	Email string
}

// ResolveSender picks the sender for req. Request values take precedence
// over the configured defaults, field by field.
func ResolveSender(req *Request, defaults Sender) (Sender, error) {
	s := defaults
	if req.FromEmail != "" {
		s.Email = req.FromEmail
	}
	if req.FromName != nil {
		s.Name = *req.FromName
	}

	if s.Email == "" {
		return Sender{}, &ValidationError{
			Field:  "from_email",
			Reason: "no sender address given and no default sender configured",
		}
	}
	if !ValidAddress(s.Email) {
		return Sender{}, &ValidationError{Field: "from_email", Reason: "invalid email address"}
	}

	return s, nil
}

// ValidAddress reports whether addr is a bare RFC 5322 address such as
// "user@example.com". Display-name forms are rejected.
func ValidAddress(addr string) bool {
	if addr == "" {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return false
	}
	return parsed.Name == "" && parsed.Address == addr
}
