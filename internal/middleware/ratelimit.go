// Package middleware provides HTTP middleware shared by the API server.
package middleware

import (
	"net/http"
	"sync"
	"time"
)

const (
	cleanupInterval = 5 * time.Minute
	clientIdleEvict = 10 * time.Minute
)

// RateLimiter is a per-client token bucket. Buckets refill continuously at
// the configured per-minute rate; clients idle past the eviction window are
// forgotten.
type RateLimiter struct {
	mu             sync.Mutex
	clients        map[string]*bucket
	requestsPerMin int

	cleanupTicker *time.Ticker
	stopCh        chan struct{}
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter builds a limiter allowing requestsPerMin requests per
// client per minute. Stop releases the cleanup goroutine.
func NewRateLimiter(requestsPerMin int) *RateLimiter {
	rl := &RateLimiter{
		clients:        make(map[string]*bucket),
		requestsPerMin: requestsPerMin,
		cleanupTicker:  time.NewTicker(cleanupInterval),
		stopCh:         make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Handler enforces the limit keyed by remote address. Rejected requests get
// a JSON 429.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(r.RemoteAddr) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"code":"rate_limited","message":"rate limit exceeded, retry later"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.clients[client]
	if !ok {
		rl.clients[client] = &bucket{tokens: rl.requestsPerMin - 1, lastRefill: now}
		return true
	}

	refill := int(now.Sub(b.lastRefill).Minutes() * float64(rl.requestsPerMin))
	if refill > 0 {
		b.tokens = min(rl.requestsPerMin, b.tokens+refill)
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// cleanup evicts buckets of clients that went quiet.
func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.stopCh:
			return
		case <-rl.cleanupTicker.C:
			rl.mu.Lock()
			now := time.Now()
			for client, b := range rl.clients {
				if now.Sub(b.lastRefill) > clientIdleEvict {
					delete(rl.clients, client)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop halts the background cleanup.
func (rl *RateLimiter) Stop() {
	rl.cleanupTicker.Stop()
	close(rl.stopCh)
}
