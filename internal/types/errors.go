package types

import (
	"context"
	"errors"
	"net"
)

// ErrorKind is the gateway error taxonomy. It is what callers branch on.
type ErrorKind string

const (
	KindTransport      ErrorKind = "transport_error"
	KindAuthentication ErrorKind = "authentication_error"
	KindProtocolParse  ErrorKind = "protocol_parse_error"
	KindUnsupported    ErrorKind = "unsupported_provider"
	KindMismatch       ErrorKind = "provider_mismatch"
	KindCaptcha        ErrorKind = "captcha_error"
	KindVendorRejected ErrorKind = "vendor_rejected"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindPolicyDenied   ErrorKind = "policy_denied"
	KindUnavailable    ErrorKind = "provider_unavailable"
	KindLimitExceeded  ErrorKind = "limit_exceeded"
	KindInternal       ErrorKind = "internal_error"
)

// Error carries a taxonomy kind together with a client-safe message.
// Err holds the underlying cause and is never shown to clients.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf classifies err. Network failures and deadlines are transport
// errors; anything unrecognised is internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransport
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransport
	}
	return KindInternal
}

// PublicMessage returns the outermost client-safe message of err.
func PublicMessage(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Msg
	}
	switch KindOf(err) {
	case KindTransport:
		return "provider unreachable"
	default:
		return "internal error"
	}
}
