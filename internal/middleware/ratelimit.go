package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter applies a per-client token bucket to the API surface, so
// one chatty dashboard or misbehaving agent cannot starve result
// ingestion for everyone else.
type RateLimiter struct {
	mu         sync.Mutex
	clients    map[string]*clientBucket
	rate       float64 // tokens per second
	burst      int     // bucket capacity
	maxClients int     // tracked-IP cap, bounds memory under address churn
}

type clientBucket struct {
	tokens    float64
	lastSeen  time.Time
	updatedAt time.Time
}

// NewRateLimiter creates a limiter with the given sustained rate
// (requests per second) and burst size.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		clients:    make(map[string]*clientBucket),
		rate:       rate,
		burst:      burst,
		maxClients: 100000,
	}
}

// Handler returns middleware enforcing the limit per client IP. Rejected
// requests carry Retry-After so well-behaved agents back off.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, retryAfter, allowed := rl.take(clientIP(r))

		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(time.Second).Unix()))

		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(retryAfter)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// take consumes one token for the client, refilling by elapsed time
// first. Returns the remaining whole tokens, seconds until the next
// token when rejected, and whether the request may proceed.
func (rl *RateLimiter) take(ip string) (remaining int, retryAfter float64, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.clients[ip]
	if !exists {
		if len(rl.clients) >= rl.maxClients {
			return 0, 1.0 / rl.rate, false
		}
		b = &clientBucket{
			tokens:    float64(rl.burst) - 1,
			updatedAt: now,
			lastSeen:  now,
		}
		rl.clients[ip] = b
		return int(b.tokens), 0, true
	}

	elapsed := now.Sub(b.updatedAt).Seconds()
	b.tokens += elapsed * rl.rate
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.updatedAt = now
	b.lastSeen = now

	if b.tokens < 1 {
		wait := (1 - b.tokens) / rl.rate
		return 0, wait, false
	}

	b.tokens--
	return int(b.tokens), 0, true
}

// StartCleanup spawns a goroutine evicting buckets idle longer than
// maxIdle, checked every interval. The returned function stops it.
func (rl *RateLimiter) StartCleanup(interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup(maxIdle)
			}
		}
	}()
	return cancel
}

func (rl *RateLimiter) cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for ip, b := range rl.clients {
		if b.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

// Len returns the number of tracked client buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// clientIP is taken from RemoteAddr only. Proxy headers are spoofable
// and must not feed a limiter key.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
