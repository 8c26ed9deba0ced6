// Package mediaerr defines the closed set of error kinds shared across the
// validator, storage, scheduler, worker, and store, per spec.md §7.
package mediaerr

import "fmt"

// Kind is a stable short code identifying where and how an error should be
// handled: whether it is client-visible, and whether it is retried locally.
type Kind string

const (
	KindValidation    Kind = "validation_error"
	KindSecurity      Kind = "security_error"
	KindNotFound      Kind = "not_found"
	KindAccessDenied  Kind = "access_denied"
	KindRateLimit     Kind = "rate_limit_exceeded"
	KindEnqueueFailed Kind = "queue_enqueue_failed"
	KindToolFailure   Kind = "tool_failure"
	KindTimeout       Kind = "timeout"
	KindTransport     Kind = "transport_error"
	KindInternal      Kind = "internal_error"
)

// ClientVisible reports whether this kind's message is safe to return to a
// client verbatim, versus needing a sanitized generic message.
func (k Kind) ClientVisible() bool {
	switch k {
	case KindValidation, KindSecurity, KindNotFound, KindAccessDenied, KindRateLimit:
		return true
	default:
		return false
	}
}

// Error is the structured error type carried through the job pipeline. It
// names the offending field (when applicable) so validation failures can
// point the caller at exactly what was wrong.
type Error struct {
	Kind    Kind
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ClientMessage returns the text it is safe to hand back over the wire: the
// real message for client-visible kinds, a generic one otherwise. Tool
// stderr must never reach this path; callers sanitize before constructing
// a tool_failure/timeout Error.
func (e *Error) ClientMessage() string {
	if e.Kind.ClientVisible() {
		return e.Message
	}
	switch e.Kind {
	case KindToolFailure:
		return "processing failed"
	case KindTimeout:
		return "processing timed out"
	default:
		return "internal error"
	}
}

func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

func Security(field, message string) *Error {
	return &Error{Kind: KindSecurity, Field: field, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func AccessDenied(message string) *Error {
	return &Error{Kind: KindAccessDenied, Message: message}
}

func RateLimit(message string) *Error {
	return &Error{Kind: KindRateLimit, Message: message}
}

func EnqueueFailed(message string, err error) *Error {
	return &Error{Kind: KindEnqueueFailed, Message: message, Err: err}
}

func ToolFailure(message string, err error) *Error {
	return &Error{Kind: KindToolFailure, Message: message, Err: err}
}

func Timeout(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message}
}

func Transport(message string, err error) *Error {
	return &Error{Kind: KindTransport, Message: message, Err: err}
}

func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}
