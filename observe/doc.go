// Package observe provides logging, metrics, and tracing for API client
// operations, built on OpenTelemetry with a structured JSON logger.
package observe
