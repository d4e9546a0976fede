// Package upstream generalizes the original passthrough
// UpstreamClient (internal/proxy/upstream.go) into a
// per-upstream pooled client that authenticates on the proxy's own
// behalf — Bearer token exchange with caching, Basic auth fallback,
// consecutive-failure health tracking, and bounded retry with jittered
// backoff for idempotent methods.
package upstream

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/harbor-cache/regcache/internal/config"
)

const (
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
	maxRetries     = 3
)

// Client talks to a single upstream registry, authenticating requests
// and tracking the upstream's health.
type Client struct {
	upstream config.Upstream
	http     *http.Client
	auth     *authenticator
	health   *healthTracker
}

// NewClient constructs a Client for upstream. The transport tuning
// from the original NewUpstreamClient is kept as-is: it already matches
// what a registry-pulling proxy needs.
func NewClient(upstream config.Upstream) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
	}
	if upstream.SkipTLSVerify {
		transport.TLSClientConfig = insecureTLSConfig()
	}

	httpClient := &http.Client{Transport: transport}
	return &Client{
		upstream: upstream,
		http:     httpClient,
		auth:     newAuthenticator(httpClient, upstream.Username, upstream.Password),
		health:   newHealthTracker(),
	}
}

// Healthy reports the upstream's current health snapshot.
func (c *Client) Healthy() bool {
	return c.health.healthy()
}

// baseURL is the scheme+host this client talks to.
func (c *Client) baseURL() string {
	if c.upstream.URL != "" {
		return c.upstream.URL
	}
	return fmt.Sprintf("https://%s", c.upstream.Registry)
}

// BaseURL exposes baseURL to callers building upstream request URLs.
func (c *Client) BaseURL() string {
	return c.baseURL()
}

// Name returns the upstream's configured name, for index scoping and logging.
func (c *Client) Name() string {
	return c.upstream.Name
}

// requestScope is the auth "scope" string (repository:pull) a request
// needs a bearer token for.
func requestScope(repository string) string {
	return fmt.Sprintf("repository:%s:pull", repository)
}

// Do issues req (already pointed at this upstream's base URL) with
// authentication applied, retrying transient failures for idempotent
// methods and updating the upstream's health accounting.
func (c *Client) Do(ctx context.Context, req *http.Request, repository string) (*http.Response, error) {
	if err := c.auth.apply(ctx, req, c.baseURL(), requestScope(repository)); err != nil {
		return nil, fmt.Errorf("applying upstream auth: %w", err)
	}

	retryable := req.Method == http.MethodGet || req.Method == http.MethodHead

	var resp *http.Response
	var err error
	attempts := 1
	if retryable {
		attempts = maxRetries + 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffDelay(attempt)):
			}
		}

		resp, err = c.http.Do(req.Clone(ctx))
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			c.health.recordSuccess()
			return resp, nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		c.health.recordFailure()
	}

	if err != nil {
		return nil, fmt.Errorf("upstream request failed after retries: %w", err)
	}
	return resp, nil
}

// backoffDelay computes a full-jitter exponential backoff delay for
// the given attempt number: base 200ms, capped at 2s.
func backoffDelay(attempt int) time.Duration {
	cap := retryBaseDelay * time.Duration(1<<uint(attempt))
	if cap > retryMaxDelay {
		cap = retryMaxDelay
	}
	return time.Duration(rand.Int64N(int64(cap)))
}
