package probes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/guardianhq/guardian/internal/circuitbreaker"
	"github.com/guardianhq/guardian/internal/metrics"
	"github.com/guardianhq/guardian/internal/retry"
)

// Endpoint is one upstream evidence provider.
type Endpoint struct {
	Name    string
	BaseURL string
}

// Configured reports whether the endpoint has a usable base URL.
func (e Endpoint) Configured() bool {
	return e.BaseURL != ""
}

const (
	maxRetries     = 3
	retryBaseDelay = 150 * time.Millisecond
	maxBodyBytes   = 1 << 20 // 1 MiB provider response cap
)

// Client is the shared HTTP client for all evidence providers. It enforces
// the global concurrent-call cap, trips the per-provider circuit breaker, and
// retries transient failures with backoff.
type Client struct {
	http    *http.Client
	apiKey  string
	breaker *circuitbreaker.Breaker
	sem     chan struct{}
}

// NewClient creates a provider client with a global cap on concurrent
// outbound calls. The cap bounds fan-out amplification when many scans run
// at once.
func NewClient(apiKey string, maxConcurrent int, breaker *circuitbreaker.Breaker) *Client {
	if maxConcurrent <= 0 {
		maxConcurrent = 32
	}
	return &Client{
		http: &http.Client{
			Timeout: 10 * time.Second, // per-probe deadlines cut this shorter via ctx
		},
		apiKey:  apiKey,
		breaker: breaker,
		sem:     make(chan struct{}, maxConcurrent),
	}
}

// Get performs one GET against ep and returns the response body. Transient
// failures (network errors, 5xx) are retried with jittered backoff; 4xx
// responses are permanent. Breaker state is recorded per provider.
func (c *Client) Get(ctx context.Context, ep Endpoint, path string, params url.Values) ([]byte, error) {
	if !ep.Configured() {
		return nil, ErrProviderNotSet
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !c.breaker.Allow(ep.Name) {
		metrics.ProviderErrorsTotal.WithLabelValues(ep.Name).Inc()
		return nil, fmt.Errorf("%w: %s", ErrProviderUnhealthy, ep.Name)
	}

	var body []byte
	err := retry.Do(ctx, maxRetries, retryBaseDelay, func() error {
		var err error
		body, err = c.doGet(ctx, ep, path, params)
		return err
	})
	if err != nil {
		c.breaker.RecordFailure(ep.Name)
		metrics.ProviderErrorsTotal.WithLabelValues(ep.Name).Inc()
		return nil, err
	}
	c.breaker.RecordSuccess(ep.Name)
	return body, nil
}

func (c *Client) doGet(ctx context.Context, ep Endpoint, path string, params url.Values) ([]byte, error) {
	u := ep.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to build provider request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, retry.Permanent(err)
		}
		return nil, fmt.Errorf("provider %s unreachable: %w", ep.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read provider %s response: %w", ep.Name, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("provider %s returned %d", ep.Name, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, retry.Permanent(fmt.Errorf("provider %s returned %d", ep.Name, resp.StatusCode))
	}
	return body, nil
}

// GetWithFailover tries the primary endpoint and falls back to the secondary
// on failure. Returns which provider served the response alongside the body.
// Context cancellation is never retried against the fallback: a dead scan
// must not keep spending provider quota.
func (c *Client) GetWithFailover(ctx context.Context, primary, fallback Endpoint, path string, params url.Values) (string, []byte, error) {
	body, err := c.Get(ctx, primary, path, params)
	if err == nil {
		return primary.Name, body, nil
	}
	if ctx.Err() != nil || !fallback.Configured() {
		return primary.Name, nil, err
	}

	body, ferr := c.Get(ctx, fallback, path, params)
	if ferr != nil {
		return fallback.Name, nil, fmt.Errorf("primary: %v; fallback: %w", err, ferr)
	}
	return fallback.Name, body, nil
}

func addressParams(address, network string) url.Values {
	return url.Values{
		"address": []string{address},
		"network": []string{network},
	}
}
