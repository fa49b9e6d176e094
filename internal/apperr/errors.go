package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the stable machine-readable error code returned to clients.
type Code string

const (
	CodeInvalidRequest       Code = "invalid_request"
	CodeInvalidFileFormat    Code = "invalid_file_format"
	CodeFileTooLarge         Code = "file_too_large"
	CodeInvalidURL           Code = "invalid_url"
	CodeAuthenticationFailed Code = "authentication_failed"
	CodeForbidden            Code = "forbidden"
	CodeNotFound             Code = "not_found"
	CodeRateLimitExceeded    Code = "rate_limit_exceeded"
	CodeProcessingFailed     Code = "processing_failed"
	CodeTimeout              Code = "timeout"
	CodeServiceUnavailable   Code = "service_unavailable"
	CodeInternal             Code = "internal_error"
)

// Reason refines CodeProcessingFailed.
type Reason string

const (
	ReasonCorruptFile         Reason = "corrupt_file"
	ReasonPasswordProtected   Reason = "password_protected"
	ReasonNoTextContent       Reason = "no_text_content"
	ReasonUnsupportedEncoding Reason = "unsupported_encoding"
	ReasonInternalError       Reason = "internal_error"
	ReasonCancelled           Reason = "cancelled"
)

// Error is the single error type crossing component boundaries.
type Error struct {
	Code    Code
	Reason  Reason
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Reason != "" {
		msg += "(" + string(e.Reason) + ")"
	}
	msg += ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code and, when set on the target, by reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// WithDetail returns a copy of e with key set in Details.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Sentinels usable with errors.Is.
var (
	ErrInvalidRequest       = &Error{Code: CodeInvalidRequest}
	ErrInvalidFileFormat    = &Error{Code: CodeInvalidFileFormat}
	ErrFileTooLarge         = &Error{Code: CodeFileTooLarge}
	ErrInvalidURL           = &Error{Code: CodeInvalidURL}
	ErrAuthenticationFailed = &Error{Code: CodeAuthenticationFailed}
	ErrForbidden            = &Error{Code: CodeForbidden}
	ErrNotFound             = &Error{Code: CodeNotFound}
	ErrRateLimitExceeded    = &Error{Code: CodeRateLimitExceeded}
	ErrProcessingFailed     = &Error{Code: CodeProcessingFailed}
	ErrTimeout              = &Error{Code: CodeTimeout}
	ErrServiceUnavailable   = &Error{Code: CodeServiceUnavailable}
)

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func InvalidRequest(format string, args ...any) *Error {
	return New(CodeInvalidRequest, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

func Processing(reason Reason, format string, args ...any) *Error {
	e := New(CodeProcessingFailed, format, args...)
	e.Reason = reason
	return e
}

// From converts any error into an *Error, defaulting to CodeInternal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Code: CodeInternal, Message: "internal server error", Cause: err}
}

// HTTPStatus classifies a code into its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidRequest, CodeInvalidFileFormat, CodeInvalidURL:
		return http.StatusBadRequest
	case CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeAuthenticationFailed:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeProcessingFailed:
		return http.StatusUnprocessableEntity
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
