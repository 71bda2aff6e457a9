// Package apperr defines the community node's error taxonomy: a small
// set of typed errors carrying a machine-readable kind plus a
// human-facing message, so the HTTP and gateway layers can map any
// internal failure to the correct status code or ack payload with a
// single errors.As.
package apperr

import "fmt"

// Kind classifies a failure into one of the taxonomy buckets of §7.
type Kind int

const (
	Internal Kind = iota
	Validation
	Unauthenticated
	AuthorityUnavailable
	Forbidden
	NotFound
	Conflict
	RateLimited
	UploadTooLarge
)

// Error is a structured application error. Callers use errors.As to
// extract Kind and Message; wrapped causes remain available through
// Unwrap for logging.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind that wraps cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, format, args...)
}

func Forbiddenf(format string, args ...any) *Error {
	return New(Forbidden, format, args...)
}

func Validationf(format string, args ...any) *Error {
	return New(Validation, format, args...)
}

func Conflictf(format string, args ...any) *Error {
	return New(Conflict, format, args...)
}

func RateLimitedf(format string, args ...any) *Error {
	return New(RateLimited, format, args...)
}

func UploadTooLargef(format string, args ...any) *Error {
	return New(UploadTooLarge, format, args...)
}

func Unauthenticatedf(format string, args ...any) *Error {
	return New(Unauthenticated, format, args...)
}

// KindOf extracts the Kind of err, defaulting to Internal for errors
// that are not *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

// As is errors.As specialized for *Error, kept local so callers don't
// need a second import for the common case.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
