package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// ClientRateLimiter enforces a per-client request budget on the query routes
// using token buckets from golang.org/x/time/rate.
type ClientRateLimiter struct {
	mu      sync.Mutex
	clients map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewClientRateLimiter allows perMinute requests per key with the given
// burst. A burst below one is raised to one so a fresh key always admits its
// first request.
func NewClientRateLimiter(perMinute, burst int) *ClientRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ClientRateLimiter{
		clients: make(map[string]*rate.Limiter),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
	}
}

func (l *ClientRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	limiter, ok := l.clients[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.clients[key] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
