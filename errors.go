// Package oauth implements the callback security and integration token
// lifecycle engine for third-party provider integrations. The callback
// endpoint is reachable without authentication, so every request passes
// through a chain of independent checks (signed state, ownership, redirect
// URI policy, PKCE) before any token exchange takes place, and every attempt
// is audited regardless of outcome.
package oauth

import "fmt"

// Internal error codes for the callback and refresh flows. These are recorded
// verbatim in audit records but never surfaced to browsers directly; each code
// maps to one of a small set of generic client messages (see ClientMessage).
const (
	ErrCodeInvalidState          = "INVALID_STATE"
	ErrCodeStateExpired          = "STATE_EXPIRED"
	ErrCodeIntegrationNotFound   = "INTEGRATION_NOT_FOUND"
	ErrCodeInvalidRedirectURI    = "INVALID_REDIRECT_URI"
	ErrCodeInvalidPKCEParameters = "INVALID_PKCE_PARAMETERS"
	ErrCodeProviderError         = "PROVIDER_ERROR"
	ErrCodeProviderUnavailable   = "PROVIDER_UNAVAILABLE"
	ErrCodeTokenExchangeFailed   = "TOKEN_EXCHANGE_FAILED"
)

// Generic client-facing messages. Deliberately non-distinguishing: a caller
// must not be able to tell "integration not found" from "wrong tenant" or
// "bad PKCE verifier" by reading the error page.
const (
	MsgInvalidRequest     = "Invalid request parameters"
	MsgRequestExpired     = "Request has expired, please try again"
	MsgSecurityFailed     = "Security verification failed"
	MsgServiceUnavailable = "Service temporarily unavailable"
)

// FlowError is the internal error type for callback and refresh processing.
// Code and Reason are for audit records and operator logs; ClientMessage is
// the only part that may reach a browser.
type FlowError struct {
	Code          string
	Reason        string
	ClientMessage string
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// NewFlowError builds a FlowError with the generic client message for code.
func NewFlowError(code, reason string) *FlowError {
	return &FlowError{
		Code:          code,
		Reason:        reason,
		ClientMessage: ClientMessage(code),
	}
}

// NewFlowErrorf builds a FlowError with a formatted internal reason.
func NewFlowErrorf(code, format string, args ...any) *FlowError {
	return NewFlowError(code, fmt.Sprintf(format, args...))
}

// ClientMessage maps an internal error code to its generic external message.
// Unknown codes map to the invalid-request message so a new internal code can
// never leak detail by accident.
func ClientMessage(code string) string {
	switch code {
	case ErrCodeStateExpired:
		return MsgRequestExpired
	case ErrCodeInvalidState, ErrCodeIntegrationNotFound, ErrCodeInvalidPKCEParameters:
		return MsgSecurityFailed
	case ErrCodeProviderUnavailable, ErrCodeProviderError, ErrCodeTokenExchangeFailed:
		return MsgServiceUnavailable
	default:
		return MsgInvalidRequest
	}
}

// PublicCode maps an internal error code to the coarse category exposed to
// browsers. The categories match the generic messages one-to-one, so the
// external surface cannot distinguish failures the messages do not.
func PublicCode(code string) string {
	switch ClientMessage(code) {
	case MsgRequestExpired:
		return "request_expired"
	case MsgSecurityFailed:
		return "security_failed"
	case MsgServiceUnavailable:
		return "service_unavailable"
	default:
		return "invalid_request"
	}
}

// FlowCode extracts the internal error code from err, or returns
// TOKEN_EXCHANGE_FAILED for errors that did not originate in this package.
func FlowCode(err error) string {
	if fe, ok := err.(*FlowError); ok {
		return fe.Code
	}
	return ErrCodeTokenExchangeFailed
}
