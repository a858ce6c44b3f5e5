package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/opindexer/internal/indexing/metrics"
)

const maxErrorBody = 512

// HTTPProvider implements Provider for REST JSON over HTTP.
type HTTPProvider struct {
	name       string
	endpoint   string
	httpClient *http.Client

	mu           sync.RWMutex
	health       HealthStatus
	totalLatency time.Duration
	successCount int
	failureCount int
	requestCount int

	Monitor *ProviderMonitor
}

// NewHTTPProvider creates a new HTTP-based provider.
func NewHTTPProvider(name, endpoint string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		name:     name,
		endpoint: strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		health: HealthStatus{
			Available:     true,
			LastSuccessAt: time.Now(),
		},
		Monitor: NewProviderMonitor(),
	}
}

// GetJSON performs a GET request and decodes the JSON response into out.
func (p *HTTPProvider) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	start := time.Now()

	// Pre-call checks
	if status := p.Monitor.CheckProviderStatus(); status == StatusThrottled || status == StatusBlocked {
		return fmt.Errorf("provider throttled, retry after: %v", p.Monitor.GetRetryAfter())
	}

	target := p.endpoint + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		p.recordFailure()
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.recordFailure()
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	latency := time.Since(start)

	// Rate limit detection
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := resp.Header.Get("Retry-After")
		p.Monitor.RecordThrottle(http.StatusTooManyRequests, retryAfter)
		metrics.ProviderThrottled.WithLabelValues(p.name).Inc()
		p.recordFailure()
		return &StatusError{Code: resp.StatusCode, Body: "rate limited, retry after: " + retryAfter}
	}

	// IP blocked detection
	if resp.StatusCode == http.StatusForbidden {
		p.Monitor.RecordThrottle(http.StatusForbidden, "")
		metrics.ProviderThrottled.WithLabelValues(p.name).Inc()
		p.recordFailure()
		return &StatusError{Code: resp.StatusCode, Body: "ip blocked"}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.recordFailure()
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		// the endpoint answered; a missing resource says nothing about its health
		p.Monitor.RecordRequest(latency)
		p.recordSuccess(latency)
		return &StatusError{Code: resp.StatusCode, Body: truncate(string(body))}
	}

	if resp.StatusCode != http.StatusOK {
		p.recordFailure()
		if p.Monitor.DetectThrottlePattern(string(body)) {
			return fmt.Errorf("throttle detected in response: %s", truncate(string(body)))
		}
		return &StatusError{Code: resp.StatusCode, Body: truncate(string(body))}
	}

	if err := json.Unmarshal(body, out); err != nil {
		p.recordFailure()
		return fmt.Errorf("parse response: %w", err)
	}

	p.Monitor.RecordRequest(latency)
	p.recordSuccess(latency)
	return nil
}

func truncate(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

// Name returns the provider's name.
func (p *HTTPProvider) Name() string {
	return p.name
}

// Health returns the provider's health status.
func (p *HTTPProvider) Health() HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h := p.health
	stats := p.Monitor.GetStats()
	h.MonitorStats = &stats
	return h
}

// Close cleans up resources.
func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// IsAvailable checks if the provider is available.
func (p *HTTPProvider) IsAvailable() bool {
	status := p.Monitor.CheckProviderStatus()
	return status == StatusHealthy || status == StatusDegraded
}

func (p *HTTPProvider) recordSuccess(latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.successCount++
	p.requestCount++
	p.totalLatency += latency
	p.health.LastSuccessAt = time.Now()
	p.health.Available = true

	p.health.ErrorRate = float64(p.failureCount) / float64(p.requestCount)
	p.health.Latency = p.totalLatency / time.Duration(p.successCount)
}

func (p *HTTPProvider) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failureCount++
	p.requestCount++
	p.health.LastFailureAt = time.Now()
	p.health.ErrorRate = float64(p.failureCount) / float64(p.requestCount)

	if p.health.ErrorRate > 0.5 {
		p.health.Available = false
	}
}
