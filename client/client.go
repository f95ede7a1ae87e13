package client

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/jonwraymond/apikit/config"
	"github.com/jonwraymond/apikit/observe"
	"github.com/jonwraymond/apikit/resilience"
	"github.com/jonwraymond/apikit/token"
)

// Config configures the composed client.
type Config struct {
	// Credentials is the signing material for bearer tokens. Required.
	Credentials token.Credentials

	// Cache configures the token cache.
	Cache token.CacheConfig

	// RateLimit configures the shared adaptive rate limiter.
	RateLimit resilience.RateLimiterConfig

	// Backoff configures inter-attempt delays.
	Backoff resilience.BackoffConfig

	// MaxRetries is the retry budget after the first failure.
	// Default: 3
	MaxRetries int

	// AcquireTimeout bounds the wait for a rate limiter slot.
	// Default: RateLimit.MaxWait
	AcquireTimeout time.Duration

	// RequestTimeout bounds each attempt. 0 disables the per-attempt
	// deadline.
	RequestTimeout time.Duration

	// MaxAuthRetries bounds 401-triggered replays per request.
	// Default: 1
	MaxAuthRetries int

	// RetryIf overrides the default retryability policy.
	RetryIf func(error) bool

	// ContextID resolves the token context for a request.
	ContextID func(*http.Request) string

	// HTTPClient is the underlying client. Its transport is wrapped
	// with credential binding. Default: a client with no timeout (the
	// executor owns deadlines).
	HTTPClient *http.Client

	// Logger receives structured events. Default: discard.
	Logger observe.Logger

	// Metrics receives counters. Default: discard.
	Metrics observe.Metrics

	// OnAuthError is invoked when credentials are rejected after the
	// permitted replay.
	OnAuthError func(error)
}

// Client issues HTTP requests through the full auth-and-resilience
// chain: bearer credentials from the token cache, per-attempt rate
// limiter slots, response classification, and retry with backoff.
type Client struct {
	httpClient     *http.Client
	cache          *token.Cache
	limiter        *resilience.RateLimiter
	backoff        resilience.BackoffConfig
	maxRetries     int
	acquireTimeout time.Duration
	requestTimeout time.Duration
	retryIf        func(error) bool
	logger         observe.Logger
	metrics        observe.Metrics
	observer       observe.Observer // set by NewFromConfig
}

// New creates a client from the given configuration.
func New(cfg Config) (*Client, error) {
	// Apply defaults
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = DefaultRetryIf
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.NopMetrics()
	}

	generator, err := token.NewGenerator(cfg.Credentials)
	if err != nil {
		return nil, err
	}

	metrics := cfg.Metrics
	source := token.SourceFunc(func(ctx context.Context, contextID string) (*token.Token, error) {
		tok, err := generator.Token(ctx, contextID)
		if err == nil {
			metrics.AddTokenRefresh(ctx, contextID)
		}
		return tok, err
	})

	cache, err := token.NewCache(source, cfg.Cache)
	if err != nil {
		return nil, err
	}

	limiter := resilience.NewRateLimiter(cfg.RateLimit)
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = limiter.Config().MaxWait
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{}
	}

	transport := &token.Transport{
		Base:           base.Transport,
		Cache:          cache,
		ContextID:      cfg.ContextID,
		MaxAuthRetries: cfg.MaxAuthRetries,
		OnAuthRetry: func(contextID string) {
			metrics.AddAuthRetry(context.Background(), contextID)
		},
		OnAuthError: cfg.OnAuthError,
	}

	// Shallow copy so the caller's client is not rewired.
	wrapped := *base
	wrapped.Transport = transport

	return &Client{
		httpClient:     &wrapped,
		cache:          cache,
		limiter:        limiter,
		backoff:        cfg.Backoff,
		maxRetries:     cfg.MaxRetries,
		acquireTimeout: cfg.AcquireTimeout,
		requestTimeout: cfg.RequestTimeout,
		retryIf:        cfg.RetryIf,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}, nil
}

// NewFromConfig creates a client from a loaded configuration file,
// including the telemetry stack described by its observe section. Call
// Shutdown to flush the telemetry providers.
func NewFromConfig(ctx context.Context, cfg *config.Config) (*Client, error) {
	obs, err := observe.NewObserver(ctx, cfg.ObserveOptions())
	if err != nil {
		return nil, err
	}
	metrics, err := observe.NewMetrics(obs.Meter())
	if err != nil {
		return nil, err
	}

	c, err := New(Config{
		Credentials:    cfg.Credentials(),
		Cache:          cfg.CacheOptions(),
		RateLimit:      cfg.RateLimiterOptions(),
		Backoff:        cfg.BackoffOptions(),
		MaxRetries:     cfg.Retry.MaxRetries,
		MaxAuthRetries: cfg.Auth.MaxAuthRetries,
		Logger:         obs.Logger(),
		Metrics:        metrics,
	})
	if err != nil {
		return nil, err
	}
	c.observer = obs
	return c, nil
}

// Shutdown flushes telemetry providers created by NewFromConfig. It is a
// no-op for clients built directly with New.
func (c *Client) Shutdown(ctx context.Context) error {
	if c.observer == nil {
		return nil
	}
	return c.observer.Shutdown(ctx)
}

// Cache exposes the token cache, e.g. for cleanup sweeps.
func (c *Client) Cache() *token.Cache {
	return c.cache
}

// Limiter exposes the shared rate limiter, e.g. for status inspection.
func (c *Client) Limiter() *resilience.RateLimiter {
	return c.limiter
}

// Do executes the request through the resilience chain. Non-2xx
// responses become *StatusError; the response body of a failed attempt
// is drained and closed. The caller owns the body of a successful
// response.
//
// Requests whose body cannot be rebuilt (Body set, GetBody nil) and
// non-idempotent methods are never retried.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	meta := observe.CallMeta{
		Operation: req.Method + " " + req.URL.Path,
		Method:    req.Method,
		Target:    req.URL.Host,
	}

	replayable := req.Body == nil || req.GetBody != nil
	policy := resilience.Policy{
		MaxRetries:    c.maxRetries,
		RetryIf:       c.retryIf,
		NonIdempotent: !IdempotentMethod(req.Method) || !replayable,
		OnRetry: func(rc resilience.RetryContext) {
			c.metrics.AddRetry(ctx, meta)
			c.logger.WithCall(meta).Warn(ctx, "retrying request",
				observe.Field{Key: "attempt", Value: rc.Attempt},
				observe.Field{Key: "delay_ms", Value: rc.Delay.Milliseconds()},
				observe.Field{Key: "error", Value: rc.Err.Error()},
			)
		},
		OnFailure: func(rc resilience.RetryContext) {
			c.logger.WithCall(meta).Error(ctx, "request failed",
				observe.Field{Key: "attempts", Value: rc.Attempt},
				observe.Field{Key: "error", Value: rc.Err.Error()},
			)
		},
	}

	retry := resilience.NewRetry(resilience.RetryConfig{
		Backoff: c.backoff,
		Policy:  policy,
		Limiter: c.limiter,
	})

	opts := []resilience.ExecutorOption{
		resilience.WithRateLimiter(c.limiter, c.acquireTimeout),
		resilience.WithRetry(retry),
	}
	if c.requestTimeout > 0 {
		opts = append(opts, resilience.WithTimeout(c.requestTimeout))
	}
	executor := resilience.NewExecutor(opts...)

	started := time.Now()
	var resp *http.Response
	err := executor.Execute(ctx, func(ctx context.Context) error {
		attempt := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return err
			}
			attempt.Body = body
		}

		res, err := c.httpClient.Do(attempt)
		if err != nil {
			return err
		}

		if res.StatusCode >= 400 {
			se := NewStatusError(res)
			drainBody(res)
			if se.RateLimitHit() {
				c.metrics.AddRateLimitHit(ctx)
			}
			return se
		}

		resp = res
		return nil
	})

	c.metrics.RecordCall(ctx, meta, time.Since(started), err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// drainBody consumes and closes a failed response body so the
// connection can be reused by the next attempt.
func drainBody(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
