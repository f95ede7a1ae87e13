// Package config loads and validates the API client's configuration
// from YAML or JSON, with strict ${ENV} expansion for secret material.
package config
