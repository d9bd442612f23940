package email

import "fmt"

// ValidationError reports a malformed, missing or mistyped request field.
// It never reaches a provider.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ErrorReason classifies a delivery failure.
type ErrorReason string

const (
	ReasonConnection  ErrorReason = "CONNECTION_FAILED"
	ReasonTLS         ErrorReason = "TLS_FAILED"
	ReasonAuth        ErrorReason = "AUTH_FAILED"
	ReasonRejected    ErrorReason = "MESSAGE_REJECTED"
	ReasonRateLimited ErrorReason = "RATE_LIMITED"
	ReasonService     ErrorReason = "SERVICE_ERROR"
	ReasonUnknown     ErrorReason = "UNKNOWN_ERROR"
)

var _ error = &DispatchError{}

// DispatchError reports a failed delivery attempt. Code carries the SMTP
// reply code, or the HTTP status for API providers, and is zero when the
// failure happened below the protocol (dial, TLS handshake).
type DispatchError struct {
	Reason  ErrorReason
	Code    int
	Message string
	Cause   error
}

func (e *DispatchError) Error() string {
	s := fmt.Sprintf("%s: %s", e.Reason, e.Message)
	if e.Code != 0 {
		s = fmt.Sprintf("%s (%d): %s", e.Reason, e.Code, e.Message)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(": %s", e.Cause)
	}
	return s
}

func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// NewDispatchError builds a DispatchError.
func NewDispatchError(reason ErrorReason, code int, message string, cause error) *DispatchError {
	return &DispatchError{
		Reason:  reason,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}
