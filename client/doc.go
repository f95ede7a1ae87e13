// Package client wires the token and resilience packages into an HTTP
// client for API test runs: bearer credentials are attached and
// refreshed by token.Transport, each attempt is gated by the shared
// rate limiter, and failures are classified and retried per policy.
package client
