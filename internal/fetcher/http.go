package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/fema-etl/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	Retry     resilience.RetryConfig

	// Limiters overrides DefaultAdaptiveLimiters, keyed by host.
	Limiters map[string]*AdaptiveLimiter
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setLocked(min(a.currentRate*1.2, a.maxRate))
}

// OnRateLimit halves the rate after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setLocked(max(a.currentRate*0.5, a.minRate))
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

func (a *AdaptiveLimiter) setLocked(r rate.Limit) {
	a.currentRate = r
	a.limiter.SetLimit(r)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// DefaultAdaptiveLimiters returns the per-host limiters for the OpenFEMA hosts.
func DefaultAdaptiveLimiters() map[string]*AdaptiveLimiter {
	return map[string]*AdaptiveLimiter{
		"www.fema.gov": NewAdaptiveLimiter(5, 5),
	}
}

// HTTPFetcher implements Fetcher using net/http with retry and rate limiting.
type HTTPFetcher struct {
	client   *http.Client
	opts     HTTPOptions
	limiters map[string]*AdaptiveLimiter
	fallback *rate.Limiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "fema-etl/1.0"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("openfema", "download")
	}
	limiters := opts.Limiters
	if limiters == nil {
		limiters = DefaultAdaptiveLimiters()
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		limiters: limiters,
		fallback: rate.NewLimiter(20, 20),
	}
}

// wait blocks on the adaptive limiter for the host, or the shared fallback.
func (f *HTTPFetcher) wait(ctx context.Context, u *url.URL) (*AdaptiveLimiter, error) {
	if lim, ok := f.limiters[u.Host]; ok {
		return lim, lim.Wait(ctx)
	}
	return nil, f.fallback.Wait(ctx)
}

// Download fetches the URL and returns the response body. 429, 5xx and
// transport errors are retried per HTTPOptions.Retry; any other non-200
// status fails immediately.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	body, err := resilience.DoVal(ctx, f.opts.Retry, func(ctx context.Context) (io.ReadCloser, error) {
		return f.attempt(ctx, req)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: download %s", rawURL)
	}
	return body, nil
}

func (f *HTTPFetcher) attempt(ctx context.Context, req *http.Request) (io.ReadCloser, error) {
	adaptive, err := f.wait(ctx, req.URL)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: rate limiter wait")
	}

	resp, err := f.client.Do(req.Clone(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, resilience.NewTransientError(err, 0)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if adaptive != nil {
			adaptive.OnSuccess()
		}
		return resp.Body, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		_ = resp.Body.Close()
		if adaptive != nil {
			adaptive.OnRateLimit()
		}
		return nil, resilience.NewTransientError(eris.New("http 429"), resp.StatusCode)

	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		_ = resp.Body.Close()
		return nil, resilience.NewTransientError(eris.Errorf("http %d", resp.StatusCode), resp.StatusCode)

	default:
		_ = resp.Body.Close()
		return nil, eris.Errorf("unexpected status %d", resp.StatusCode)
	}
}
