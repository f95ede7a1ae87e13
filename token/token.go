package token

import (
	"context"
	"time"
)

// DefaultContext is the context ID used by callers that do not
// distinguish tenants or workspaces.
const DefaultContext = "default"

// Credentials holds the signing material for token generation.
// Instances are supplied by configuration and never mutated.
type Credentials struct {
	// IssuerID identifies the API key (iss claim).
	IssuerID string

	// Secret is the HMAC-SHA256 signing secret.
	Secret string

	// TokenTTL is the lifetime of generated tokens.
	// Default: 1 hour
	TokenTTL time.Duration

	// RefreshThreshold is how long before expiry a cached token is
	// considered due for refresh.
	// Default: 5 minutes
	RefreshThreshold time.Duration
}

// Token is a signed, time-boxed bearer credential. Immutable once created.
type Token struct {
	// Value is the encoded three-segment credential.
	Value string

	// Issuer is the iss claim the token was signed with.
	Issuer string

	// IssuedAt is the iat claim.
	IssuedAt time.Time

	// ExpiresAt is the exp claim. Always IssuedAt plus the configured TTL.
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at the given time.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// Remaining returns the time left before expiry at the given time.
// The result is negative for an expired token.
func (t *Token) Remaining(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// Source issues tokens for a context.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: Token must honor cancellation/deadlines.
// - Errors: a failed issuance must return (nil, error); no stale fallback.
type Source interface {
	// Token issues a fresh credential for the given context ID.
	Token(ctx context.Context, contextID string) (*Token, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, contextID string) (*Token, error)

// Token calls f.
func (f SourceFunc) Token(ctx context.Context, contextID string) (*Token, error) {
	return f(ctx, contextID)
}
