package server

import (
	"net"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const limiterCacheSize = 4096

// limiter throttles handshakes per source IP. A nil limiter allows all.
type limiter struct {
	limit rate.Limit
	burst int
	cache *lru.Cache[string, *rate.Limiter]
	mu    sync.Mutex
}

func newLimiter(perSecond float64, burst int) (*limiter, error) {
	if perSecond <= 0 {
		return nil, nil
	}
	if burst < 1 {
		burst = 1
	}

	cache, err := lru.New[string, *rate.Limiter](limiterCacheSize)
	if err != nil {
		return nil, err
	}
	return &limiter{limit: rate.Limit(perSecond), burst: burst, cache: cache}, nil
}

func (l *limiter) Allow(addr net.Addr) bool {
	if l == nil {
		return true
	}

	key := addr.String()
	if host, _, err := net.SplitHostPort(key); err == nil {
		key = host
	}

	l.mu.Lock()
	lim, ok := l.cache.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.cache.Add(key, lim)
	}
	l.mu.Unlock()

	return lim.Allow()
}
