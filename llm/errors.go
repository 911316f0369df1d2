package llm

import (
	"errors"
	"fmt"
)

// ErrorClass partitions failures the way the HTTP surface reports them.
type ErrorClass string

const (
	// ClassClientInput covers bad requests: unknown model, empty or
	// over-length prompt. Reported before any generation begins.
	ClassClientInput ErrorClass = "client_input"
	// ClassSchema covers structurally invalid request documents.
	ClassSchema ErrorClass = "schema"
	// ClassUpstream covers provider-side failures: rate limits, auth,
	// provider timeouts, malformed upstream responses.
	ClassUpstream ErrorClass = "upstream"
	// ClassInternal is everything else.
	ClassInternal ErrorClass = "internal"
)

// Stable machine-readable error codes carried on the wire.
const (
	CodeUnknownModel    = "unknown_model"
	CodeEmptyMessage    = "empty_message"
	CodeMessageTooLong  = "message_too_long"
	CodeInvalidRequest  = "invalid_request"
	CodeAuthFailed      = "auth_failed"
	CodeRateLimited     = "rate_limited"
	CodeUpstreamError   = "upstream_error"
	CodeStreamTruncated = "stream_truncated"
	CodeMalformedFrame  = "malformed_frame"
	CodeTimeout         = "timeout"
	CodeInternal        = "internal_error"
)

// Error is a classified failure. Provider adapters translate vendor SDK
// errors into this type so nothing above them needs vendor knowledge.
type Error struct {
	Class   ErrorClass
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs a classified error.
func NewError(class ErrorClass, code, message string) *Error {
	return &Error{Class: class, Code: code, Message: message}
}

// WrapError classifies an underlying error.
func WrapError(class ErrorClass, code, message string, err error) *Error {
	return &Error{Class: class, Code: code, Message: message, Err: err}
}

// ClassOf extracts the class from err, defaulting to internal.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassInternal
}

// CodeOf extracts the stable code from err, defaulting to internal_error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// ClassifyHTTP translates a provider HTTP status into a classified error.
// Everything a provider rejects or fails on is upstream from the caller's
// point of view; the code preserves the finer distinction.
func ClassifyHTTP(provider string, status int, err error) *Error {
	msg := fmt.Sprintf("%s request failed with status %d", provider, status)
	switch {
	case status == 401 || status == 403:
		return WrapError(ClassUpstream, CodeAuthFailed, msg, err)
	case status == 429:
		return WrapError(ClassUpstream, CodeRateLimited, msg, err)
	default:
		return WrapError(ClassUpstream, CodeUpstreamError, msg, err)
	}
}

// Retryable reports whether a call that failed with err may be retried.
// Client input never is; rate limits and transient upstream faults are.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		switch e.Class {
		case ClassClientInput, ClassSchema:
			return false
		}
		return e.Code != CodeAuthFailed
	}
	// Unclassified errors are assumed transient (network faults).
	return true
}
