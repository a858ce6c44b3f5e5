// Package provider implements remote source endpoints.
//
// This package contains:
//   - Provider interface: core abstraction for one endpoint
//   - HTTPProvider: REST JSON over HTTP implementation
//   - ProviderMonitor: latency and throttle tracking
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Provider defines one endpoint of a remote source.
type Provider interface {
	// Name returns the provider identifier
	Name() string

	// Health returns current health metrics
	Health() HealthStatus

	// IsAvailable checks if the provider is healthy enough to use
	IsAvailable() bool

	// GetJSON performs a GET on path and decodes the JSON body into out
	GetJSON(ctx context.Context, path string, query url.Values, out any) error

	// Close cleans up resources
	Close() error
}

// HealthStatus represents the health state of a provider.
type HealthStatus struct {
	Available     bool          `json:"available"`
	Latency       time.Duration `json:"latency"`
	ErrorRate     float64       `json:"error_rate"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
	MonitorStats  *MonitorStats `json:"monitor_stats,omitempty"`
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// IsNotFound reports whether err is an HTTP 404 from a provider.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == 404
}
