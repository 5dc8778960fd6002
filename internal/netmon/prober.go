package netmon

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPProber measures latency with a timed HEAD request against a
// well-known endpoint.
type HTTPProber struct {
	client *http.Client
	url    string
}

// NewHTTPProber creates a prober against url with the given per-probe
// timeout.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{Timeout: timeout},
		url:    url,
	}
}

// Probe issues the HEAD request and returns the measured round-trip
// time.
func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("create probe request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", p.url, err)
	}
	resp.Body.Close()

	return time.Since(start), nil
}
