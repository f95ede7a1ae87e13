package token

import (
	"fmt"
	"io"
	"net/http"
)

// Transport is an http.RoundTripper that attaches a bearer credential
// from a Cache to each outbound request.
//
// On a 401 response it invalidates the cached entry for the request's
// context, forces a refresh, and replays the request exactly once. The
// replay budget is tracked per request, never in shared state. A second
// 401 is surfaced unchanged, after invoking OnAuthError if set.
type Transport struct {
	// Base is the underlying round tripper.
	// Default: http.DefaultTransport
	Base http.RoundTripper

	// Cache supplies bearer tokens. Required.
	Cache *Cache

	// ContextID resolves the token context for a request.
	// Default: every request uses DefaultContext.
	ContextID func(*http.Request) string

	// MaxAuthRetries bounds refresh-and-replay cycles per request.
	// Default: 1
	MaxAuthRetries int

	// OnAuthRetry is invoked before each refresh-and-replay, with the
	// request's context ID.
	OnAuthRetry func(contextID string)

	// OnAuthError is invoked when the server still rejects credentials
	// after the final replay.
	OnAuthError func(error)
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Cache == nil {
		return nil, ErrNilCache
	}

	contextID := DefaultContext
	if t.ContextID != nil {
		if id := t.ContextID(req); id != "" {
			contextID = id
		}
	}

	maxRetries := t.MaxAuthRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	tok, err := t.Cache.GetToken(req.Context(), contextID)
	if err != nil {
		return nil, err
	}

	resp, err := t.send(req, tok, false)
	if err != nil {
		return nil, err
	}

	for retries := 0; resp.StatusCode == http.StatusUnauthorized && retries < maxRetries; retries++ {
		if req.Body != nil && req.GetBody == nil {
			// Cannot replay a consumed body.
			break
		}
		discardBody(resp)

		if t.OnAuthRetry != nil {
			t.OnAuthRetry(contextID)
		}
		t.Cache.Invalidate(contextID)
		tok, err = t.Cache.Refresh(req.Context(), contextID)
		if err != nil {
			return nil, err
		}

		resp, err = t.send(req, tok, true)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode == http.StatusUnauthorized && t.OnAuthError != nil {
		t.OnAuthError(fmt.Errorf("%w: %s %s returned %s",
			ErrAuthFailed, req.Method, req.URL.Redacted(), resp.Status))
	}
	return resp, nil
}

// send issues the request with the token attached. The request is cloned
// so the caller's copy is never mutated; replays rebuild the body from
// GetBody.
func (t *Transport) send(req *http.Request, tok *Token, replay bool) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if replay && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	clone.Header.Set("Authorization", "Bearer "+tok.Value)

	return t.base().RoundTrip(clone)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// discardBody drains and closes a response body so the underlying
// connection can be reused before a replay.
func discardBody(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// Ensure Transport implements http.RoundTripper
var _ http.RoundTripper = (*Transport)(nil)
