// Package token provides short-lived bearer credential management for
// API clients: HMAC-signed token generation, a per-context token cache
// with deduplicated concurrent refresh, and an http.RoundTripper that
// attaches credentials and recovers from authorization failures.
package token
