package conditions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prober measures the round trip to a well-known endpoint.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

type HTTPProber struct {
	client    *http.Client
	url       string
	timeout   time.Duration
	userAgent string
}

func NewHTTPProber(client *http.Client, url string, timeout time.Duration, userAgent string) *HTTPProber {
	return &HTTPProber{
		client:    client,
		url:       url,
		timeout:   timeout,
		userAgent: userAgent,
	}
}

// Probe issues a HEAD request. Any HTTP response counts as reachable; only the
// elapsed time matters.
func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodHead, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create probe request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", p.url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return time.Since(start), nil
}
