package fetch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// hostLimiter rate-limits outbound requests per target host so crawls stay
// polite to the sites they visit.
type hostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newHostLimiter(rps, burst int) *hostLimiter {
	if rps <= 0 {
		rps = 8
	}
	if burst <= 0 {
		burst = rps / 2
		if burst < 1 {
			burst = 1
		}
	}
	return &hostLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (hl *hostLimiter) limiterFor(host string) *rate.Limiter {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	limiter, ok := hl.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(hl.rate, hl.burst)
		hl.limiters[host] = limiter
	}

	// Bound the map; a crawl rarely touches this many hosts.
	if len(hl.limiters) > 10000 {
		hl.limiters = map[string]*rate.Limiter{host: limiter}
	}
	return limiter
}

// Wait blocks until the host's limiter admits a request or ctx is done.
func (hl *hostLimiter) Wait(ctx context.Context, host string) error {
	return hl.limiterFor(host).Wait(ctx)
}
