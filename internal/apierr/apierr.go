// Package apierr carries the tagged error kinds produced while authenticating,
// authorizing and forwarding a request, and renders them as HTTP responses
// at a single boundary.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure and determines its HTTP status.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindUnprocessable
	KindConfiguration
)

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnprocessable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnprocessable:
		return "unprocessable"
	case KindConfiguration:
		return "configuration"
	default:
		return "internal"
	}
}

// Error is a gateway error tagged with its Kind. Detail holds the raw body of
// a failed upstream response when the error originated upstream.
type Error struct {
	Kind        Kind
	Message     string
	Detail      []byte
	ContentType string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code the error renders with.
func (e *Error) Status() int { return e.Kind.Status() }

// Unauthorized returns a 401 error.
func Unauthorized(msg string) *Error { return &Error{Kind: KindUnauthorized, Message: msg} }

// Forbidden returns a 403 error.
func Forbidden(msg string) *Error { return &Error{Kind: KindForbidden, Message: msg} }

// NotFound returns a 404 error.
func NotFound(msg string) *Error { return &Error{Kind: KindNotFound, Message: msg} }

// BadRequest returns a 400 error.
func BadRequest(msg string) *Error { return &Error{Kind: KindBadRequest, Message: msg} }

// Configuration returns an error for a deployment problem such as a missing
// service URL. It renders as 500 and is logged at error level.
func Configuration(msg string) *Error { return &Error{Kind: KindConfiguration, Message: msg} }

// Internal wraps err as a 500 error.
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// FromStatus builds the error for an upstream response with status >= 400.
// 400, 401, 403, 404, 409, 422 and 500 keep their meaning; any other status
// becomes a 500. The upstream body is kept verbatim as the detail.
func FromStatus(status int, body []byte, contentType string) *Error {
	kind := KindInternal
	switch status {
	case http.StatusBadRequest:
		kind = KindBadRequest
	case http.StatusUnauthorized:
		kind = KindUnauthorized
	case http.StatusForbidden:
		kind = KindForbidden
	case http.StatusNotFound:
		kind = KindNotFound
	case http.StatusConflict:
		kind = KindConflict
	case http.StatusUnprocessableEntity:
		kind = KindUnprocessable
	}
	msg := upstreamMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{Kind: kind, Message: msg, Detail: body, ContentType: contentType}
}

// KindOf reports the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// upstreamMessage extracts a "message" field from a JSON error body. Both a
// string and a list of strings are accepted.
func upstreamMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Message) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(payload.Message, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(payload.Message, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}
