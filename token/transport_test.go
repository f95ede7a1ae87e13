package token

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestCache(t *testing.T) (*Cache, *countingSource) {
	t.Helper()
	source := &countingSource{}
	c, err := NewCache(source, CacheConfig{})
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	return c, source
}

func TestTransport_AttachesBearerToken(t *testing.T) {
	var authHeader atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cache, _ := newTestCache(t)
	client := &http.Client{Transport: &Transport{Cache: cache}}

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	got, _ := authHeader.Load().(string)
	if !strings.HasPrefix(got, "Bearer tok-") {
		t.Errorf("Authorization = %q, want a bearer token", got)
	}
}

func TestTransport_RefreshAndReplayOn401(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cache, source := newTestCache(t)
	var retried atomic.Int64
	client := &http.Client{Transport: &Transport{
		Cache:       cache,
		OnAuthRetry: func(string) { retried.Add(1) },
	}}

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 after replay", resp.StatusCode)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("server requests = %d, want 2", got)
	}
	if got := retried.Load(); got != 1 {
		t.Errorf("auth retries = %d, want 1", got)
	}
	// Initial issuance plus the forced refresh.
	if got := source.issued.Load(); got != 2 {
		t.Errorf("issuances = %d, want 2", got)
	}
}

func TestTransport_SecondUnauthorizedSurfaces(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	cache, _ := newTestCache(t)
	var authErr error
	client := &http.Client{Transport: &Transport{
		Cache:       cache,
		OnAuthError: func(err error) { authErr = err },
	}}

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 surfaced to the caller", resp.StatusCode)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("server requests = %d, want 2 (one replay)", got)
	}
	if !errors.Is(authErr, ErrAuthFailed) {
		t.Errorf("OnAuthError error = %v, want ErrAuthFailed", authErr)
	}
}

func TestTransport_ReplaysBodyFromGetBody(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if len(bodies) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cache, _ := newTestCache(t)
	client := &http.Client{Transport: &Transport{Cache: cache}}

	// NewRequest with a bytes.Reader sets GetBody, so the body can be
	// rebuilt for the replay.
	req, err := http.NewRequest(http.MethodPost, server.URL, bytes.NewReader([]byte(`{"k":"v"}`)))
	if err != nil {
		t.Fatal(err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if len(bodies) != 2 {
		t.Fatalf("server requests = %d, want 2", len(bodies))
	}
	if bodies[0] != `{"k":"v"}` || bodies[1] != `{"k":"v"}` {
		t.Errorf("bodies = %q, want the payload on both attempts", bodies)
	}
}

func TestTransport_UnreplayableBodyNotRetried(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	cache, _ := newTestCache(t)
	transport := &Transport{Cache: cache}

	req, err := http.NewRequest(http.MethodPost, server.URL, io.NopCloser(strings.NewReader("once")))
	if err != nil {
		t.Fatal(err)
	}
	req.GetBody = nil

	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("server requests = %d, want 1 (body cannot be replayed)", got)
	}
}

func TestTransport_NilCache(t *testing.T) {
	transport := &Transport{}
	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)

	if _, err := transport.RoundTrip(req); !errors.Is(err, ErrNilCache) {
		t.Errorf("RoundTrip() error = %v, want ErrNilCache", err)
	}
}

func TestTransport_ContextIDRoutesTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cache, source := newTestCache(t)
	client := &http.Client{Transport: &Transport{
		Cache: cache,
		ContextID: func(r *http.Request) string {
			return r.Header.Get("X-Tenant")
		},
	}}

	for _, tenant := range []string{"a", "b", "a"} {
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		req.Header.Set("X-Tenant", tenant)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		resp.Body.Close()
	}

	if got := source.issued.Load(); got != 2 {
		t.Errorf("issuances = %d, want 2 (one per tenant)", got)
	}
	if !cache.HasValid("a") || !cache.HasValid("b") {
		t.Error("expected cached tokens for both tenants")
	}
}

func TestTransport_TokenSourceErrorSurfaces(t *testing.T) {
	testErr := errors.New("issuer down")
	cache, err := NewCache(SourceFunc(func(context.Context, string) (*Token, error) {
		return nil, testErr
	}), CacheConfig{})
	if err != nil {
		t.Fatal(err)
	}

	transport := &Transport{Cache: cache}
	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)

	if _, err := transport.RoundTrip(req); !errors.Is(err, testErr) {
		t.Errorf("RoundTrip() error = %v, want %v", err, testErr)
	}
}
