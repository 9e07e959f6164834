package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lysyi3m/rss-autorefresh/app/refresh"
	"golang.org/x/time/rate"
)

// DomainDelay is the minimum spacing between two requests to the same host.
const DomainDelay = 100 * time.Millisecond

const maxFeedSize = 10 << 20

// maxIdleHosts bounds the limiter table. Past it, limiters that have
// refilled are dropped since a fresh one behaves the same.
const maxIdleHosts = 256

type Fetcher struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	clock     clockwork.Clock

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewFetcher(client *http.Client, userAgent string, timeout time.Duration, clock clockwork.Clock) *Fetcher {
	return &Fetcher{
		client:    client,
		userAgent: userAgent,
		timeout:   timeout,
		clock:     clock,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Fetch downloads the feed document. Every failure is a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) ([]byte, error) {
	if err := f.waitForDomain(ctx, feedURL); err != nil {
		return nil, &FetchError{URL: feedURL, Type: classifyTransport(err), Err: err}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, &FetchError{URL: feedURL, Type: refresh.ErrorTypeUnknown, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: feedURL, Type: classifyTransport(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorType := refresh.ErrorTypeNetwork
		if resp.StatusCode == http.StatusTooManyRequests {
			errorType = refresh.ErrorTypeRateLimited
		}
		return nil, &FetchError{
			URL:        feedURL,
			StatusCode: resp.StatusCode,
			Type:       errorType,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, &FetchError{URL: feedURL, Type: classifyTransport(err), Err: err}
	}

	return data, nil
}

func (f *Fetcher) waitForDomain(ctx context.Context, feedURL string) error {
	host := feedURL
	if u, err := url.Parse(feedURL); err == nil && u.Host != "" {
		host = u.Host
	}

	reservation, now := f.reserve(host)
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	timer := f.clock.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		reservation.CancelAt(f.clock.Now())
		return ctx.Err()
	}
}

func (f *Fetcher) reserve(host string) (*rate.Reservation, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	if l, ok := f.limiters[host]; ok {
		return l.ReserveN(now, 1), now
	}

	if len(f.limiters) >= maxIdleHosts {
		for h, l := range f.limiters {
			if l.TokensAt(now) >= 1 {
				delete(f.limiters, h)
			}
		}
	}

	l := rate.NewLimiter(rate.Every(DomainDelay), 1)
	f.limiters[host] = l
	return l.ReserveN(now, 1), now
}

func classifyTransport(err error) refresh.ErrorType {
	if errors.Is(err, context.DeadlineExceeded) {
		return refresh.ErrorTypeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return refresh.ErrorTypeUnknown
	}
	return refresh.ErrorTypeNetwork
}
