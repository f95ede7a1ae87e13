package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/jonwraymond/apikit/observe"
	"github.com/jonwraymond/apikit/resilience"
	"github.com/jonwraymond/apikit/token"
)

// Sentinel errors for configuration loading.
var (
	ErrEmptyPath         = errors.New("config: path is empty")
	ErrUnsupportedFormat = errors.New("config: unsupported format")
	ErrLoadFailed        = errors.New("config: load failed")
)

// Format identifies a configuration encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// AuthConfig configures credentials and token lifetime.
type AuthConfig struct {
	// IssuerID is the API key identifier. Supports ${ENV} references.
	IssuerID string `koanf:"issuer_id"`

	// Secret is the HMAC signing secret. Supports ${ENV} references.
	Secret string `koanf:"secret"`

	// TokenTTLSeconds is the token lifetime. Default: 3600.
	TokenTTLSeconds int `koanf:"token_ttl_seconds"`

	// RefreshThresholdSeconds is how long before expiry a token is
	// refreshed. Default: 300.
	RefreshThresholdSeconds int `koanf:"refresh_threshold_seconds"`

	// MaxAuthRetries bounds 401-triggered replays per request. Default: 1.
	MaxAuthRetries int `koanf:"max_auth_retries"`
}

// CacheConfig configures the token cache.
type CacheConfig struct {
	// MaxSize is the maximum number of cached contexts. Default: 100.
	MaxSize int `koanf:"max_size"`

	// PreRefreshBufferSeconds is the pre-expiry refresh window. Default: 300.
	PreRefreshBufferSeconds int `koanf:"pre_refresh_buffer_seconds"`
}

// RateLimitConfig configures the adaptive token bucket.
type RateLimitConfig struct {
	// RequestsPerMinute is the steady-state rate. Default: 600.
	RequestsPerMinute float64 `koanf:"requests_per_minute"`

	// Burst is the bucket capacity. Default: 10.
	Burst int `koanf:"burst"`

	// Adaptive enables server-feedback rate adjustment.
	Adaptive bool `koanf:"adaptive"`

	// MinRate floors the adapted rate. Default: 1.
	MinRate float64 `koanf:"min_rate"`

	// RecoveryFactor is the per-success recovery fraction. Default: 0.1.
	RecoveryFactor float64 `koanf:"recovery_factor"`

	// MaxWaitMillis bounds waiting for a slot. Default: 1000.
	MaxWaitMillis int `koanf:"max_wait_ms"`
}

// RetryConfig configures the retry engine and backoff.
type RetryConfig struct {
	// MaxRetries is the retry budget after the first failure. Default: 3.
	MaxRetries int `koanf:"max_retries"`

	// BaseDelayMillis is the first retry delay. Default: 100.
	BaseDelayMillis int `koanf:"base_delay_ms"`

	// MaxDelayMillis caps computed delays. Default: 30000.
	MaxDelayMillis int `koanf:"max_delay_ms"`

	// Multiplier is the exponential growth factor. Default: 2.0.
	Multiplier float64 `koanf:"multiplier"`

	// JitterFactor perturbs delays by up to +/- this fraction.
	JitterFactor float64 `koanf:"jitter_factor"`

	// Strategy selects the backoff curve:
	// exponential|linear|constant|fibonacci|decorrelated.
	Strategy string `koanf:"strategy"`
}

// ObserveConfig configures telemetry.
type ObserveConfig struct {
	ServiceName     string  `koanf:"service_name"`
	LogLevel        string  `koanf:"log_level"`
	MetricsExporter string  `koanf:"metrics_exporter"`
	TracingExporter string  `koanf:"tracing_exporter"`
	SamplePct       float64 `koanf:"sample_pct"`
}

// Config is the full client configuration.
type Config struct {
	Auth      AuthConfig      `koanf:"auth"`
	Cache     CacheConfig     `koanf:"cache"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Retry     RetryConfig     `koanf:"retry"`
	Observe   ObserveConfig   `koanf:"observe"`
}

// Load reads a configuration file, expands ${ENV} references, and
// parses it. The format is detected from the file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	format, err := detectFormat(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	return Parse(data, format)
}

// Parse parses configuration bytes in the given format.
func Parse(data []byte, format Format) (*Config, error) {
	expanded, err := ExpandEnvStrict(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	k := koanf.New(".")
	switch format {
	case FormatYAML:
		err = k.Load(rawbytes.Provider([]byte(expanded)), kyaml.Parser())
	case FormatJSON:
		err = k.Load(rawbytes.Provider([]byte(expanded)), kjson.Parser())
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func detectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

func (c *Config) applyDefaults() {
	if c.Auth.TokenTTLSeconds <= 0 {
		c.Auth.TokenTTLSeconds = 3600
	}
	if c.Auth.RefreshThresholdSeconds <= 0 {
		c.Auth.RefreshThresholdSeconds = 300
	}
	if c.Auth.MaxAuthRetries <= 0 {
		c.Auth.MaxAuthRetries = 1
	}
	if c.Cache.MaxSize <= 0 {
		c.Cache.MaxSize = 100
	}
	if c.Cache.PreRefreshBufferSeconds <= 0 {
		c.Cache.PreRefreshBufferSeconds = 300
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 600
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 10
	}
	if c.RateLimit.MinRate <= 0 {
		c.RateLimit.MinRate = 1
	}
	if c.RateLimit.RecoveryFactor <= 0 {
		c.RateLimit.RecoveryFactor = 0.1
	}
	if c.RateLimit.MaxWaitMillis <= 0 {
		c.RateLimit.MaxWaitMillis = 1000
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelayMillis <= 0 {
		c.Retry.BaseDelayMillis = 100
	}
	if c.Retry.MaxDelayMillis <= 0 {
		c.Retry.MaxDelayMillis = 30000
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2.0
	}
	if c.Observe.ServiceName == "" {
		c.Observe.ServiceName = "apikit"
	}
	if c.Observe.LogLevel == "" {
		c.Observe.LogLevel = "info"
	}
}

// Validate checks the configuration for values the client cannot run with.
func (c *Config) Validate() error {
	if c.Auth.IssuerID == "" {
		return fmt.Errorf("config: auth.issuer_id is required")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("config: auth.secret is required")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		return fmt.Errorf("config: retry.jitter_factor must be in [0, 1]")
	}
	if _, err := resilience.ParseBackoffStrategy(c.Retry.Strategy); err != nil {
		return err
	}
	if c.RateLimit.MinRate > c.RateLimit.RequestsPerMinute {
		return fmt.Errorf("config: rate_limit.min_rate exceeds requests_per_minute")
	}
	oc := c.ObserveOptions()
	if err := oc.Validate(); err != nil {
		return err
	}
	return nil
}

// Credentials maps the auth section to token credentials.
func (c *Config) Credentials() token.Credentials {
	return token.Credentials{
		IssuerID:         c.Auth.IssuerID,
		Secret:           c.Auth.Secret,
		TokenTTL:         time.Duration(c.Auth.TokenTTLSeconds) * time.Second,
		RefreshThreshold: time.Duration(c.Auth.RefreshThresholdSeconds) * time.Second,
	}
}

// CacheOptions maps the cache section to token cache configuration.
func (c *Config) CacheOptions() token.CacheConfig {
	return token.CacheConfig{
		MaxSize:          c.Cache.MaxSize,
		PreRefreshBuffer: time.Duration(c.Cache.PreRefreshBufferSeconds) * time.Second,
	}
}

// RateLimiterOptions maps the rate limit section to limiter configuration.
func (c *Config) RateLimiterOptions() resilience.RateLimiterConfig {
	return resilience.RateLimiterConfig{
		RequestsPerMinute: c.RateLimit.RequestsPerMinute,
		Burst:             c.RateLimit.Burst,
		Adaptive:          c.RateLimit.Adaptive,
		MinRate:           c.RateLimit.MinRate,
		RecoveryFactor:    c.RateLimit.RecoveryFactor,
		MaxWait:           time.Duration(c.RateLimit.MaxWaitMillis) * time.Millisecond,
	}
}

// ObserveOptions maps the observe section to telemetry configuration.
// Tracing and metrics are enabled by naming an exporter; logging is
// always on at the configured level.
func (c *Config) ObserveOptions() observe.Config {
	return observe.Config{
		ServiceName: c.Observe.ServiceName,
		Tracing: observe.TracingConfig{
			Enabled:   c.Observe.TracingExporter != "",
			Exporter:  c.Observe.TracingExporter,
			SamplePct: c.Observe.SamplePct,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  c.Observe.MetricsExporter != "",
			Exporter: c.Observe.MetricsExporter,
		},
		Logging: observe.LoggingConfig{
			Enabled: true,
			Level:   c.Observe.LogLevel,
		},
	}
}

// BackoffOptions maps the retry section to backoff configuration.
func (c *Config) BackoffOptions() resilience.BackoffConfig {
	strategy, _ := resilience.ParseBackoffStrategy(c.Retry.Strategy)
	return resilience.BackoffConfig{
		BaseDelay:    time.Duration(c.Retry.BaseDelayMillis) * time.Millisecond,
		MaxDelay:     time.Duration(c.Retry.MaxDelayMillis) * time.Millisecond,
		Multiplier:   c.Retry.Multiplier,
		JitterFactor: c.Retry.JitterFactor,
		Strategy:     strategy,
	}
}
