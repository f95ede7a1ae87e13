package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/jonwraymond/apikit/resilience"
)

// StatusError represents a non-2xx HTTP response. It carries the
// server's retry-after hint, when present, so the retry engine can
// honor it over the computed backoff delay.
type StatusError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Status is the HTTP status line.
	Status string

	// Method and URL identify the failed request.
	Method string
	URL    string

	retryAfter    time.Duration
	hasRetryAfter bool
}

// NewStatusError builds a StatusError from a response, parsing any
// Retry-After header.
func NewStatusError(resp *http.Response) *StatusError {
	e := &StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
	if resp.Request != nil {
		e.Method = resp.Request.Method
		e.URL = resp.Request.URL.Redacted()
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		e.retryAfter, e.hasRetryAfter = ParseRetryAfter(v, time.Now())
	}
	return e
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("client: %s %s: %s", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("client: unexpected status %s", e.Status)
}

// RetryAfter returns the server-specified wait, if one was supplied.
func (e *StatusError) RetryAfter() (time.Duration, bool) {
	return e.retryAfter, e.hasRetryAfter
}

// RateLimitHit reports whether the response was a rate-limit rejection.
func (e *StatusError) RateLimitHit() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// ParseRetryAfter interprets a Retry-After value as delay seconds, a
// Unix timestamp, or an HTTP date, returning the duration to wait from
// now. Values in the past yield (0, true); unparseable values (0, false).
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		// Numbers large enough to be Unix timestamps are treated as an
		// absolute reset time rather than a delay.
		const timestampFloor = 1_000_000_000
		if n >= timestampFloor {
			d := time.Unix(n, 0).Sub(now)
			if d < 0 {
				d = 0
			}
			return d, true
		}
		if n < 0 {
			n = 0
		}
		return time.Duration(n) * time.Second, true
	}

	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// retryableStatuses are the HTTP statuses retried by default.
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// RetryableStatus reports whether an HTTP status is retryable under the
// default policy.
func RetryableStatus(code int) bool {
	return retryableStatuses[code]
}

// DefaultRetryIf is the default retryability policy: retryable HTTP
// statuses, transport-layer connection failures, and local rate limiter
// acquire timeouts are retried; everything else is terminal on first
// failure.
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return RetryableStatus(se.StatusCode)
	}

	// Local throttling: worth waiting out.
	if errors.Is(err, resilience.ErrAcquireTimeout) {
		return true
	}

	// Transport-layer failures.
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound || dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// IdempotentMethod reports whether an HTTP method is safe to replay.
func IdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions,
		http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	default:
		return false
	}
}
