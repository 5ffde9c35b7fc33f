// Package envelope defines the result and error shapes returned by the
// dispatcher. Every invocation produces exactly one envelope: a success
// envelope carrying the operation name and the handler payload, or an error
// envelope carrying a classified error kind, a message and an optional hint.
//
// Inside handlers failures travel as typed *Error values (or wrapped causes);
// only the dispatcher converts them to envelopes.
package envelope

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/cockroachdb/errors"
)

// Kind classifies a failure for the caller.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindRemote         Kind = "remote"
	KindTimeout        Kind = "timeout"
	KindRateLimit      Kind = "rate_limit"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindFile           Kind = "file"
	KindUnknown        Kind = "unknown"
)

// Envelope is the mapping returned to the caller.
type Envelope map[string]any

// Error is a classified failure. It carries the kind, an optional hint with
// the most probable user fix, and diagnostic fields merged into the error
// envelope (which field failed, which upstream status, which path).
type Error struct {
	Kind   Kind
	Msg    string
	Hint   string
	Fields map[string]any

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Msg + ": " + e.cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.cause }

// WithHint sets the hint and returns the error for chaining.
func (e *Error) WithHint(format string, args ...any) *Error {
	e.Hint = fmt.Sprintf(format, args...)
	return e
}

// WithField attaches a diagnostic field merged into the error envelope.
func (e *Error) WithField(key string, val any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = val
	return e
}

// WithCause attaches the underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), cause: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func Authentication(format string, args ...any) *Error {
	return New(KindAuthentication, format, args...)
}

func Remote(format string, args ...any) *Error {
	return New(KindRemote, format, args...)
}

func Timeout(format string, args ...any) *Error {
	return New(KindTimeout, format, args...)
}

func RateLimit(format string, args ...any) *Error {
	return New(KindRateLimit, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

func File(format string, args ...any) *Error {
	return New(KindFile, format, args...)
}

// Classify maps an arbitrary error to a classified *Error. Typed errors pass
// through unchanged; context deadline and filesystem errors get their natural
// kinds; anything else is unknown.
func Classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, err, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return Wrap(KindTimeout, err, "operation canceled")
	case errors.Is(err, os.ErrNotExist):
		return Wrap(KindFile, err, "file not found")
	case errors.Is(err, os.ErrPermission):
		return Wrap(KindFile, err, "permission denied")
	}
	return Wrap(KindUnknown, err, "unexpected error")
}

// KindFromStatus maps an upstream HTTP status to an error kind.
func KindFromStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindRemote
	}
}

// Success builds a success envelope for the given operation. Payload keys are
// merged in; the reserved success and operation keys always win.
func Success(op string, payload map[string]any) Envelope {
	env := make(Envelope, len(payload)+2)
	for k, v := range payload {
		env[k] = v
	}
	env["success"] = true
	env["operation"] = op
	return env
}

// FromError builds an error envelope. No success key is present on failure.
func FromError(err error) Envelope {
	e := Classify(err)
	env := make(Envelope, len(e.Fields)+3)
	for k, v := range e.Fields {
		env[k] = v
	}
	env["error"] = e.Error()
	env["error_type"] = string(e.Kind)
	if e.Hint != "" {
		env["hint"] = e.Hint
	}
	return env
}

// IsSuccess reports whether the envelope carries a success marker.
func IsSuccess(env Envelope) bool {
	ok, _ := env["success"].(bool)
	return ok
}
