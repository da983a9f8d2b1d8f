package payplus

import (
	"errors"
	"fmt"
)

// Error is the typed failure surface of the gateway adapter.
//
// Transient errors (network, 5xx) may be retried per the adapter's backoff
// policy. Rejected means the provider explicitly declined; those are never
// retried and surface to the state machine as charge failures.
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Transient  bool
	Rejected   bool
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payplus %s: %s (code %s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("payplus %s: %s", e.Op, e.Message)
}

func transientErr(op string, statusCode int, msg string) *Error {
	return &Error{Op: op, StatusCode: statusCode, Message: msg, Transient: true}
}

func rejectedErr(op, code, msg string) *Error {
	return &Error{Op: op, Code: code, Message: msg, Rejected: true}
}

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Transient
}

// IsRejected reports whether the provider explicitly declined the operation.
func IsRejected(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Rejected
}
