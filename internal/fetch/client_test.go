package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/formscan/formscan/internal/app/metrics"
)

type mapCache struct {
	mu    sync.Mutex
	pages map[string][]byte
}

func newMapCache() *mapCache {
	return &mapCache{pages: make(map[string][]byte)}
}

func (c *mapCache) Get(_ context.Context, url string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	body, ok := c.pages[url]
	return body, ok
}

func (c *mapCache) Set(_ context.Context, url string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[url] = body
}

func TestGetSetsUserAgent(t *testing.T) {
	var gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		w.Write([]byte("hello"))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{UserAgent: "formscan-test/1.0"}, nil)
	result, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !result.OK() {
		t.Fatalf("expected 200, got %d", result.StatusCode)
	}
	if string(result.Body) != "hello" {
		t.Fatalf("unexpected body %q", result.Body)
	}
	if gotAgent != "formscan-test/1.0" {
		t.Fatalf("user agent not sent, got %q", gotAgent)
	}
}

func TestGetUsesCache(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("cached page"))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{}, nil).WithCache(newMapCache())

	first, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	if first.FromCache {
		t.Fatalf("first fetch should miss the cache")
	}

	second, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if !second.FromCache {
		t.Fatalf("second fetch should hit the cache")
	}
	if string(second.Body) != "cached page" {
		t.Fatalf("unexpected cached body %q", second.Body)
	}
	if hits != 1 {
		t.Fatalf("expected a single upstream hit, got %d", hits)
	}
}

// counterValue reads a labeled counter from the shared registry, zero when
// the series does not exist yet.
func counterValue(t *testing.T, name, labelName, labelValue string) float64 {
	t.Helper()
	families, err := metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == labelName && l.GetValue() == labelValue {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestGetRecordsMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("page"))
	}))
	defer server.Close()

	fetchedBefore := counterValue(t, "formscan_crawler_pages_fetched_total", "result", "ok")
	missesBefore := counterValue(t, "formscan_cache_page_lookups_total", "outcome", "miss")
	hitsBefore := counterValue(t, "formscan_cache_page_lookups_total", "outcome", "hit")

	client := NewClient(ClientConfig{}, nil).WithCache(newMapCache())
	for i := 0; i < 2; i++ {
		if _, err := client.Get(context.Background(), server.URL); err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
	}

	if got := counterValue(t, "formscan_crawler_pages_fetched_total", "result", "ok") - fetchedBefore; got != 1 {
		t.Fatalf("expected one fetched page counted, got %v", got)
	}
	if got := counterValue(t, "formscan_cache_page_lookups_total", "outcome", "miss") - missesBefore; got != 1 {
		t.Fatalf("expected one cache miss counted, got %v", got)
	}
	if got := counterValue(t, "formscan_cache_page_lookups_total", "outcome", "hit") - hitsBefore; got != 1 {
		t.Fatalf("expected one cache hit counted, got %v", got)
	}
}

func TestGetDoesNotCacheErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	cache := newMapCache()
	client := NewClient(ClientConfig{}, nil).WithCache(cache)

	result, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if result.OK() {
		t.Fatalf("expected error status")
	}
	if len(cache.pages) != 0 {
		t.Fatalf("error responses must not be cached")
	}
}

func TestGetTruncatesOversizedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer server.Close()

	cache := newMapCache()
	client := NewClient(ClientConfig{MaxBodyBytes: 1024}, nil).WithCache(cache)

	result, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(result.Body) != 1024 {
		t.Fatalf("expected body capped at 1024 bytes, got %d", len(result.Body))
	}
	if len(cache.pages) != 0 {
		t.Fatalf("truncated responses must not be cached")
	}
}

func TestHead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{}, nil)
	status, err := client.Head(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
}

func TestHostLimiterIsolatesHosts(t *testing.T) {
	limiter := newHostLimiter(1, 1)

	ctx := context.Background()
	if err := limiter.Wait(ctx, "a.example"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	// A different host has its own token bucket and must not block.
	if err := limiter.Wait(ctx, "b.example"); err != nil {
		t.Fatalf("second host wait: %v", err)
	}
}
