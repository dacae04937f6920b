package core

import "fmt"

// The error taxonomy below mirrors the user-facing outcomes of the core:
// all of these are expected results and are returned, never panicked. The
// HTTP layer maps them to protocol responses. Anything outside these
// categories is a programmer or deployment error and propagates as a plain
// wrapped error.

// ConfigError signals broken tenant configuration (missing issuer, no
// signing keys at time of use). Fail-closed, operator-facing.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigError) Unwrap() error { return e.Err }

func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// ClientError signals a problem with the relying party itself: unknown
// client id, unauthorized redirect URI, bad client secret. These may be
// specific since they are developer-facing.
type ClientError struct {
	Reason string
}

func (e *ClientError) Error() string { return e.Reason }

func NewClientError(format string, args ...any) *ClientError {
	return &ClientError{Reason: fmt.Sprintf(format, args...)}
}

// TokenError signals an invalid presented token: no matching record,
// expired, or the owning account is missing or disabled.
type TokenError struct {
	Reason string
}

func (e *TokenError) Error() string { return e.Reason }

func NewTokenError(format string, args ...any) *TokenError {
	return &TokenError{Reason: fmt.Sprintf(format, args...)}
}

// FlowError signals a failed authorization-code flow step. The Reason is
// returned verbatim as the `error` field of the token-endpoint response.
type FlowError struct {
	Reason string
}

func (e *FlowError) Error() string { return e.Reason }

func NewFlowError(format string, args ...any) *FlowError {
	return &FlowError{Reason: fmt.Sprintf(format, args...)}
}

// Collapsed flow failures. Invalid code, wrong client and expired session
// deliberately share one message so a caller cannot probe which check
// failed.
var (
	ErrInvalidCode   = &FlowError{Reason: "Invalid or expired code"}
	ErrWrongVerifier = &FlowError{Reason: "Wrong code_verifier"}
)

// ErrSessionNotFound is returned by SessionStore implementations when a
// session id does not resolve. TTL expiry and "never existed" are not
// distinguished.
var ErrSessionNotFound = &FlowError{Reason: "session not found"}
