// Package fetch provides the HTTP client used for crawling pages and
// sitemaps: custom user agent, bounded response bodies, per-host rate
// limiting and an optional shared page cache.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/formscan/formscan/internal/app/metrics"
	"github.com/formscan/formscan/pkg/logger"
)

// Result is a completed fetch.
type Result struct {
	StatusCode int
	Body       []byte
	FromCache  bool
}

// OK reports whether the fetch returned HTTP 200.
func (r Result) OK() bool { return r.StatusCode == http.StatusOK }

// Cache stores fetched pages keyed by URL.
type Cache interface {
	Get(ctx context.Context, url string) ([]byte, bool)
	Set(ctx context.Context, url string, body []byte)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	HostRPS      int
	HostBurst    int
}

// Client is a crawling HTTP client.
type Client struct {
	httpClient   *http.Client
	userAgent    string
	maxBodyBytes int64
	limiter      *hostLimiter
	cache        Cache
	log          *logger.Logger
}

// NewClient builds a Client from configuration.
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault("fetch")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 8 << 20
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		userAgent:    cfg.UserAgent,
		maxBodyBytes: maxBody,
		limiter:      newHostLimiter(cfg.HostRPS, cfg.HostBurst),
		log:          log,
	}
}

// WithCache attaches a page cache. Only successful GET bodies are cached.
func (c *Client) WithCache(cache Cache) *Client {
	c.cache = cache
	return c
}

// Get fetches a URL, honoring per-host rate limits and the body size cap.
func (c *Client) Get(ctx context.Context, rawURL string) (Result, error) {
	if c.cache != nil {
		if body, ok := c.cache.Get(ctx, rawURL); ok {
			metrics.RecordCacheLookup("hit")
			return Result{StatusCode: http.StatusOK, Body: body, FromCache: true}, nil
		}
		metrics.RecordCacheLookup("miss")
	}

	if err := c.waitForHost(ctx, rawURL); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordPageFetch("error")
		return Result{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, truncated, err := readAllWithLimit(resp.Body, c.maxBodyBytes)
	if err != nil {
		metrics.RecordPageFetch("error")
		return Result{}, fmt.Errorf("read %s: %w", rawURL, err)
	}
	metrics.RecordPageFetch("ok")
	if truncated {
		c.log.WithField("url", rawURL).Warn("response body truncated at size cap")
	}

	result := Result{StatusCode: resp.StatusCode, Body: body}
	if c.cache != nil && result.OK() && !truncated {
		c.cache.Set(ctx, rawURL, body)
	}
	return result, nil
}

// Head issues a HEAD request and reports the status code. Used for probing
// standard sitemap locations without downloading them.
func (c *Client) Head(ctx context.Context, rawURL string) (int, error) {
	if err := c.waitForHost(ctx, rawURL); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("head %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	return resp.StatusCode, nil
}

func (c *Client) waitForHost(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url %s: %w", rawURL, err)
	}
	return c.limiter.Wait(ctx, parsed.Host)
}

// readAllWithLimit reads at most limit bytes, reporting whether the source
// held more.
func readAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) < limit {
		return body, false, nil
	}
	// Probe one extra byte to distinguish exactly-limit from truncated.
	var probe [1]byte
	n, err := r.Read(probe[:])
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	return body, n > 0, nil
}
