package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records the API client's core counters and timings.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordCall records a completed API call with duration and error status.
	RecordCall(ctx context.Context, meta CallMeta, duration time.Duration, err error)

	// AddRetry counts a scheduled retry attempt.
	AddRetry(ctx context.Context, meta CallMeta)

	// AddRateLimitHit counts a server-signaled rate-limit rejection.
	AddRateLimitHit(ctx context.Context)

	// AddTokenRefresh counts a credential issuance.
	AddTokenRefresh(ctx context.Context, contextID string)

	// AddAuthRetry counts a 401-triggered refresh-and-replay.
	AddAuthRetry(ctx context.Context, contextID string)
}

// metricsImpl is the concrete implementation of Metrics.
type metricsImpl struct {
	callCount     metric.Int64Counter
	errorCount    metric.Int64Counter
	durationHist  metric.Float64Histogram
	retryCount    metric.Int64Counter
	rateLimitHits metric.Int64Counter
	tokenRefresh  metric.Int64Counter
	authRetries   metric.Int64Counter
}

// NewMetrics creates a Metrics instance backed by the given meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	callCount, err := meter.Int64Counter(
		"api.call.total",
		metric.WithDescription("Total number of API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"api.call.errors",
		metric.WithDescription("Total number of failed API calls"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"api.call.duration_ms",
		metric.WithDescription("API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	retryCount, err := meter.Int64Counter(
		"api.call.retries",
		metric.WithDescription("Retry attempts scheduled"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	rateLimitHits, err := meter.Int64Counter(
		"api.ratelimit.hits",
		metric.WithDescription("Server-signaled rate-limit rejections"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, err
	}

	tokenRefresh, err := meter.Int64Counter(
		"api.token.refreshes",
		metric.WithDescription("Credential issuances"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, err
	}

	authRetries, err := meter.Int64Counter(
		"api.auth.retries",
		metric.WithDescription("401-triggered refresh-and-replay cycles"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		callCount:     callCount,
		errorCount:    errorCount,
		durationHist:  durationHist,
		retryCount:    retryCount,
		rateLimitHits: rateLimitHits,
		tokenRefresh:  tokenRefresh,
		authRetries:   authRetries,
	}, nil
}

func callAttrs(meta CallMeta) metric.MeasurementOption {
	attrs := []attribute.KeyValue{
		attribute.String("api.operation", meta.Operation),
	}
	if meta.Method != "" {
		attrs = append(attrs, attribute.String("http.method", meta.Method))
	}
	return metric.WithAttributes(attrs...)
}

func (m *metricsImpl) RecordCall(ctx context.Context, meta CallMeta, duration time.Duration, err error) {
	opt := callAttrs(meta)

	m.callCount.Add(ctx, 1, opt)
	if err != nil {
		m.errorCount.Add(ctx, 1, opt)
	}
	m.durationHist.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) AddRetry(ctx context.Context, meta CallMeta) {
	m.retryCount.Add(ctx, 1, callAttrs(meta))
}

func (m *metricsImpl) AddRateLimitHit(ctx context.Context) {
	m.rateLimitHits.Add(ctx, 1)
}

func (m *metricsImpl) AddTokenRefresh(ctx context.Context, contextID string) {
	m.tokenRefresh.Add(ctx, 1, metric.WithAttributes(attribute.String("api.context_id", contextID)))
}

func (m *metricsImpl) AddAuthRetry(ctx context.Context, contextID string) {
	m.authRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("api.context_id", contextID)))
}

// noopMetrics is a metrics implementation that does nothing.
type noopMetrics struct{}

func (noopMetrics) RecordCall(context.Context, CallMeta, time.Duration, error) {}
func (noopMetrics) AddRetry(context.Context, CallMeta)                         {}
func (noopMetrics) AddRateLimitHit(context.Context)                            {}
func (noopMetrics) AddTokenRefresh(context.Context, string)                    {}
func (noopMetrics) AddAuthRetry(context.Context, string)                       {}

// NopMetrics returns a Metrics that discards everything.
func NopMetrics() Metrics {
	return noopMetrics{}
}
