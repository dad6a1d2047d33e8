package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures inside the bridge. Kinds are mapped to a small
// client-visible set at the HTTP boundary.
type Kind string

const (
	KindAuthentication      Kind = "authentication"
	KindUpstreamTransport   Kind = "upstream_transport"
	KindMalformedEvent      Kind = "malformed_event"
	KindSigningPrecondition Kind = "signing_precondition"
	KindPersistence         Kind = "persistence"
	KindUpload              Kind = "upload"
	KindInvalidRequest      Kind = "invalid_request"
	KindNotFound            Kind = "not_found"
	KindRateLimited         Kind = "rate_limited"
	KindInternal            Kind = "internal"
)

// Client-visible error types.
const (
	TypeAuthentication = "authentication_error"
	TypeServer         = "server_error"
	TypeUpload         = "upload_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeRateLimit      = "rate_limit_error"
)

// Error is the typed error carried through the bridge.
type Error struct {
	Kind    Kind
	Message string
	// Status overrides the default HTTP status for the kind when non-zero.
	Status int
	Code   string
	Param  string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an error of the given kind around err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Authentication reports a missing or invalid credential.
func Authentication(status int, message string) *Error {
	return &Error{Kind: KindAuthentication, Message: message, Status: status, Code: "invalid_api_key"}
}

// SigningPrecondition reports credential fields missing before any signed request.
func SigningPrecondition(missing []string) *Error {
	return &Error{Kind: KindSigningPrecondition, Message: fmt.Sprintf("upload credential missing fields: %v", missing)}
}

// KindOf returns the kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Body is the OpenAI-style error envelope.
type Body struct {
	Error Detail `json:"error"`
}

// Detail is the payload inside Body.
type Detail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// Envelope maps err to an HTTP status and the client-visible body.
func Envelope(err error) (int, Body) {
	var e *Error
	if !errors.As(err, &e) {
		msg := "internal server error"
		if err != nil {
			msg = err.Error()
		}
		return http.StatusInternalServerError, Body{Error: Detail{Message: msg, Type: TypeServer}}
	}
	status, typ := classify(e.Kind)
	if e.Status != 0 {
		status = e.Status
	}
	d := Detail{Message: e.Error(), Type: typ}
	if e.Param != "" {
		p := e.Param
		d.Param = &p
	}
	if e.Code != "" {
		c := e.Code
		d.Code = &c
	}
	return status, Body{Error: d}
}

func classify(kind Kind) (int, string) {
	switch kind {
	case KindAuthentication:
		return http.StatusUnauthorized, TypeAuthentication
	case KindUpload, KindSigningPrecondition:
		return http.StatusInternalServerError, TypeUpload
	case KindInvalidRequest:
		return http.StatusBadRequest, TypeInvalidRequest
	case KindNotFound:
		return http.StatusNotFound, TypeInvalidRequest
	case KindRateLimited:
		return http.StatusTooManyRequests, TypeRateLimit
	default:
		return http.StatusInternalServerError, TypeServer
	}
}
