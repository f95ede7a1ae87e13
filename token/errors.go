package token

import "errors"

// Sentinel errors for credential generation and validation.
var (
	// ErrMissingCredentials is returned when a component is constructed
	// without an issuer ID or secret. This is a fatal configuration
	// error and is never retried.
	ErrMissingCredentials = errors.New("token: missing credentials")

	// ErrTokenMalformed is returned when a token cannot be decoded.
	ErrTokenMalformed = errors.New("token: token malformed")

	// ErrInvalidSignature is returned when a token's signature does not
	// verify against the configured secret.
	ErrInvalidSignature = errors.New("token: invalid signature")

	// ErrTokenExpired is returned when a token's exp claim is in the past.
	ErrTokenExpired = errors.New("token: token expired")

	// ErrIssuerMismatch is returned when a token's iss claim does not
	// match the configured issuer ID.
	ErrIssuerMismatch = errors.New("token: issuer mismatch")

	// ErrNilCache is returned by the transport when no cache is configured.
	ErrNilCache = errors.New("token: cache is nil")

	// ErrAuthFailed indicates the server rejected credentials again after
	// the permitted refresh-and-replay.
	ErrAuthFailed = errors.New("token: authentication failed after refresh")
)
